// Command raiko runs the proof generation orchestration host: it exposes
// the HTTP API, maintains the durable task ledger, and drives proving jobs
// across the configured backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/taikoxyz/raiko-sub001/config"
	"github.com/taikoxyz/raiko-sub001/engine/dispatcher"
	"github.com/taikoxyz/raiko-sub001/engine/rpc"
	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/module/ballot"
	"github.com/taikoxyz/raiko-sub001/module/irrecoverable"
	"github.com/taikoxyz/raiko-sub001/module/metrics"
	"github.com/taikoxyz/raiko-sub001/module/requestpool"
	"github.com/taikoxyz/raiko-sub001/module/util"
	"github.com/taikoxyz/raiko-sub001/prover"
	"github.com/taikoxyz/raiko-sub001/prover/sgx"
	"github.com/taikoxyz/raiko-sub001/prover/zkvm"
	bstorage "github.com/taikoxyz/raiko-sub001/storage/badger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "raiko",
		Short:         "proof generation orchestration host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the config file")
	cmd.Flags().String("log_level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().String("data_dir", "/var/lib/raiko", "directory for the task ledger")
	cmd.Flags().String("rpc_addr", ":8080", "listen address of the HTTP API")

	return cmd
}

func run(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	dbDir := filepath.Join(cfg.DataDir, "ledger")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("could not create data dir: %w", err)
	}
	db, err := badger.Open(badger.DefaultOptions(dbDir).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("could not open task ledger: %w", err)
	}
	defer db.Close()

	tasks := bstorage.NewTasks(db)
	artifacts := bstorage.NewArtifacts(db)

	pool, err := requestpool.New(log, requestpool.Config{
		RetentionWindow:  cfg.Pool.RetentionWindow,
		EvictionInterval: cfg.Pool.EvictionInterval,
		MaxBacklog:       cfg.Pool.MaxBacklog,
	}, tasks, artifacts)
	if err != nil {
		return err
	}

	registry, ballotCfg, locals, err := buildBackends(log, cfg)
	if err != nil {
		return err
	}
	selector, err := ballot.New(log, ballotCfg, registry)
	if err != nil {
		return err
	}

	collector := metrics.NewHostCollector()

	disp := dispatcher.New(log, dispatcher.Config{
		MaxConcurrentTasks: cfg.Dispatcher.MaxConcurrentTasks,
		MaxAttempts:        cfg.Dispatcher.MaxAttempts,
		PollInterval:       cfg.Dispatcher.PollInterval,
		PollMaxInterval:    cfg.Dispatcher.PollMaxInterval,
		SweepInterval:      cfg.Dispatcher.SweepInterval,
	}, collector, pool, selector, registry, artifacts)

	server := rpc.New(log, rpc.Config{
		ListenAddr:     cfg.RPCAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, collector, pool, disp)

	signalerCtx, cancel, errChan := irrecoverable.WithSignallerAndCancel(context.Background())
	defer cancel()

	pool.Start(signalerCtx)
	disp.Start(signalerCtx)
	server.Start(signalerCtx)

	if err := util.WaitClosed(signalerCtx, util.AllReady(pool, disp, server)); err != nil {
		return err
	}
	log.Info().
		Int("backends", len(registry.IDs())).
		Str("rpc_addr", cfg.RPCAddr).
		Msg("proving host up")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-signals:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("irrecoverable error")
		runErr = err
	}

	cancel()
	select {
	case <-util.AllDone(pool, disp, server):
		log.Info().Msg("proving host stopped")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out")
	}

	// drain the local guest worker pools before the ledger closes
	for _, local := range locals {
		local.StopWait()
	}
	return runErr
}

// buildBackends instantiates the configured drivers and derives the ballot
// policy from their weights. Local zkVM drivers are returned separately so
// shutdown can drain their worker pools.
func buildBackends(log zerolog.Logger, cfg *config.Config) (*prover.Registry, ballot.Config, []*zkvm.Driver, error) {
	registry := prover.NewRegistry()
	policies := make(map[proof.BackendID]ballot.BackendPolicy, len(cfg.Backends))
	var locals []*zkvm.Driver

	for _, backend := range cfg.Backends {
		id := proof.BackendID(backend.ID)

		var driver prover.Driver
		switch backend.Type {
		case config.BackendTypeSGX:
			driver = sgx.NewDriver(log, id, sgx.Config{AgentURL: backend.AgentURL})
		case config.BackendTypeNative:
			workers := backend.Workers
			if workers <= 0 {
				workers = 1
			}
			local := zkvm.NewDriver(log, id, proof.Family(backend.Family), zkvm.NativeGuest(0), workers)
			locals = append(locals, local)
			driver = local
		default:
			return nil, ballot.Config{}, nil, fmt.Errorf("backend %s: unknown type %q", backend.ID, backend.Type)
		}

		if err := registry.Register(driver, backend.Capacity); err != nil {
			return nil, ballot.Config{}, nil, err
		}
		policies[id] = ballot.BackendPolicy{Enabled: backend.Enabled, Weight: backend.Weight}
	}

	draws := make(map[proof.Family]float64, len(cfg.DrawProbabilities))
	for family, p := range cfg.DrawProbabilities {
		draws[proof.Family(family)] = p
	}

	return registry, ballot.Config{
		Backends:          policies,
		Redundancy:        cfg.Redundancy,
		DrawProbabilities: draws,
	}, locals, nil
}
