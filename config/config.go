// Package config loads the host configuration from file, environment and
// command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/taikoxyz/raiko-sub001/model/proof"
)

const (
	// BackendTypeSGX is a remote hardware-enclave agent.
	BackendTypeSGX = "sgx"
	// BackendTypeNative is the in-process development prover.
	BackendTypeNative = "native"
)

// BackendConfig declares one backend driver instance.
type BackendConfig struct {
	ID       string  `mapstructure:"id"`
	Type     string  `mapstructure:"type"`
	Family   string  `mapstructure:"family"`
	AgentURL string  `mapstructure:"agent_url"`
	Capacity uint    `mapstructure:"capacity"`
	Workers  int     `mapstructure:"workers"`
	Weight   float64 `mapstructure:"weight"`
	Enabled  bool    `mapstructure:"enabled"`
}

type PoolConfig struct {
	MaxBacklog       uint          `mapstructure:"max_backlog"`
	RetentionWindow  time.Duration `mapstructure:"retention_window"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
}

type DispatcherConfig struct {
	MaxConcurrentTasks uint          `mapstructure:"max_concurrent_tasks"`
	MaxAttempts        uint          `mapstructure:"max_attempts"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollMaxInterval    time.Duration `mapstructure:"poll_max_interval"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

type Config struct {
	LogLevel       string   `mapstructure:"log_level"`
	DataDir        string   `mapstructure:"data_dir"`
	RPCAddr        string   `mapstructure:"rpc_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Redundancy        uint               `mapstructure:"redundancy"`
	DrawProbabilities map[string]float64 `mapstructure:"draw_probabilities"`
	Backends          []BackendConfig    `mapstructure:"backends"`

	Pool       PoolConfig       `mapstructure:"pool"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
}

func Default() Config {
	return Config{
		LogLevel:   "info",
		DataDir:    "/var/lib/raiko",
		RPCAddr:    ":8080",
		Redundancy: 1,
		Pool: PoolConfig{
			MaxBacklog:       4096,
			RetentionWindow:  time.Hour,
			EvictionInterval: time.Minute,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrentTasks: 16,
			MaxAttempts:        3,
			PollInterval:       2 * time.Second,
			PollMaxInterval:    30 * time.Second,
			SweepInterval:      5 * time.Second,
		},
	}
}

// Load reads the configuration. Precedence: flags over environment over
// config file over defaults. Environment variables use the RAIKO_ prefix
// with underscores (RAIKO_RPC_ADDR, RAIKO_DATA_DIR, ...).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("rpc_addr", def.RPCAddr)
	v.SetDefault("redundancy", def.Redundancy)
	v.SetDefault("pool.max_backlog", def.Pool.MaxBacklog)
	v.SetDefault("pool.retention_window", def.Pool.RetentionWindow)
	v.SetDefault("pool.eviction_interval", def.Pool.EvictionInterval)
	v.SetDefault("dispatcher.max_concurrent_tasks", def.Dispatcher.MaxConcurrentTasks)
	v.SetDefault("dispatcher.max_attempts", def.Dispatcher.MaxAttempts)
	v.SetDefault("dispatcher.poll_interval", def.Dispatcher.PollInterval)
	v.SetDefault("dispatcher.poll_max_interval", def.Dispatcher.PollMaxInterval)
	v.SetDefault("dispatcher.sweep_interval", def.Dispatcher.SweepInterval)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("raiko")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("could not bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}

	seen := make(map[string]struct{})
	for i, backend := range c.Backends {
		if backend.ID == "" {
			return fmt.Errorf("backend %d has no id", i)
		}
		if _, dup := seen[backend.ID]; dup {
			return fmt.Errorf("duplicate backend id: %s", backend.ID)
		}
		seen[backend.ID] = struct{}{}

		switch backend.Type {
		case BackendTypeSGX:
			if backend.AgentURL == "" {
				return fmt.Errorf("backend %s: sgx backend requires agent_url", backend.ID)
			}
		case BackendTypeNative:
			switch proof.Family(backend.Family) {
			case proof.FamilyRisc0, proof.FamilySP1, proof.FamilySGX:
			default:
				return fmt.Errorf("backend %s: native backend requires a concrete family, got %q", backend.ID, backend.Family)
			}
		default:
			return fmt.Errorf("backend %s: unknown type %q", backend.ID, backend.Type)
		}
	}

	for family, p := range c.DrawProbabilities {
		if p < 0 || p > 1 {
			return fmt.Errorf("draw probability for %s out of range: %f", family, p)
		}
	}
	return nil
}
