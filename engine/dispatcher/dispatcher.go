// Package dispatcher implements the execution core of the proving host. It
// drains pending tasks from the request pool, selects backends through the
// ballot, drives each backend job from submission to terminal state, and
// publishes every transition back to the pool under the task's lease.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/module"
	"github.com/taikoxyz/raiko-sub001/module/ballot"
	"github.com/taikoxyz/raiko-sub001/module/component"
	"github.com/taikoxyz/raiko-sub001/module/irrecoverable"
	"github.com/taikoxyz/raiko-sub001/module/requestpool"
	"github.com/taikoxyz/raiko-sub001/prover"
	"github.com/taikoxyz/raiko-sub001/storage"
)

// errTaskCancelled aborts a backend run when the task's cancellation flag
// was raised. It never surfaces to callers as a failure reason.
var errTaskCancelled = errors.New("task cancelled")

// errStillRunning drives the poll backoff; it marks "no terminal state
// yet" as retryable.
var errStillRunning = errors.New("backend job still running")

type Config struct {
	// MaxConcurrentTasks bounds the number of task executions running at
	// the same time.
	MaxConcurrentTasks uint
	// MaxAttempts is the per-backend attempt budget for transient
	// failures. Invalid-input and fatal failures never retry.
	MaxAttempts uint
	// PollInterval is the base interval of the fibonacci poll backoff.
	PollInterval time.Duration
	// PollMaxInterval caps the poll backoff.
	PollMaxInterval time.Duration
	// SweepInterval is how often the pool is drained independently of
	// update signals. It also paces the re-check of aggregate tasks whose
	// dependencies are not yet satisfied.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 16,
		MaxAttempts:        3,
		PollInterval:       2 * time.Second,
		PollMaxInterval:    30 * time.Second,
		SweepInterval:      5 * time.Second,
	}
}

// Dispatcher is the single writer of task state. All transitions of a task
// happen inside one execution goroutine holding the task's pool lease.
type Dispatcher struct {
	component.Component

	log       zerolog.Logger
	cfg       Config
	metrics   module.HostMetrics
	pool      *requestpool.Pool
	ballot    *ballot.Ballot
	registry  *prover.Registry
	artifacts storage.Artifacts

	paused atomic.Bool
	wake   chan struct{}
	slots  chan struct{}
	wg     sync.WaitGroup
}

func New(
	log zerolog.Logger,
	cfg Config,
	metrics module.HostMetrics,
	pool *requestpool.Pool,
	ballot *ballot.Ballot,
	registry *prover.Registry,
	artifacts storage.Artifacts,
) *Dispatcher {

	def := DefaultConfig()
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollMaxInterval <= 0 {
		cfg.PollMaxInterval = def.PollMaxInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	d := &Dispatcher{
		log:       log.With().Str("component", "dispatcher").Logger(),
		cfg:       cfg,
		metrics:   metrics,
		pool:      pool,
		ballot:    ballot,
		registry:  registry,
		artifacts: artifacts,
		wake:      make(chan struct{}, 1),
		slots:     make(chan struct{}, cfg.MaxConcurrentTasks),
	}

	d.Component = component.NewComponentManagerBuilder().
		AddWorker(d.processingLoop).
		Build()

	return d
}

// Pause stops dispatching new executions. Executions already running are
// unaffected.
func (d *Dispatcher) Pause() {
	d.paused.Store(true)
	d.log.Info().Msg("dispatcher paused")
}

// Resume re-enables dispatching.
func (d *Dispatcher) Resume() {
	d.paused.Store(false)
	d.log.Info().Msg("dispatcher resumed")
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Paused() bool {
	return d.paused.Load()
}

func (d *Dispatcher) processingLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-d.pool.Updates():
		case <-d.wake:
		case <-ticker.C:
		}
		d.processPending(ctx)
	}
}

// processPending leases every dispatchable task and hands it to its own
// execution goroutine, bounded by the concurrency limit. Tasks flagged for
// cancellation before dispatch are finalized without touching a backend.
func (d *Dispatcher) processPending(ctx irrecoverable.SignalerContext) {
	for _, pending := range d.pool.PendingTasks() {
		if d.paused.Load() {
			return
		}

		record, ok := d.pool.AcquireLease(pending.Fingerprint)
		if !ok {
			continue
		}

		if d.pool.CancelRequested(record.Fingerprint) {
			d.finalize(ctx, record, proof.TaskCancelled, "")
			d.pool.ReleaseLease(record.Fingerprint)
			continue
		}

		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			d.pool.ReleaseLease(record.Fingerprint)
			return
		}

		d.wg.Add(1)
		go func(record *proof.TaskRecord) {
			defer d.wg.Done()
			defer func() { <-d.slots }()
			defer d.pool.ReleaseLease(record.Fingerprint)
			d.execute(ctx, record)
		}(record)
	}
}

// execute drives one task from Pending to a terminal state. It is the only
// goroutine mutating the task while it holds the lease.
func (d *Dispatcher) execute(ctx irrecoverable.SignalerContext, record *proof.TaskRecord) {
	fp := record.Fingerprint
	log := d.log.With().Str("fingerprint", fp.String()).Logger()

	d.metrics.TaskStarted()
	defer d.metrics.TaskFinished()

	// submitReq is the request handed to backends; aggregates carry their
	// constituent proofs as the aggregation input
	submitReq := record.Request
	if record.Request.Kind == proof.KindAggregate {
		ready, failure, err := d.dependenciesReady(record)
		if err != nil {
			ctx.Throw(fmt.Errorf("could not check dependencies of %s: %w", fp, err))
			return
		}
		if failure != "" {
			d.finalize(ctx, record, proof.TaskFailed, failure)
			return
		}
		if !ready {
			// stays Pending, the sweep re-checks once dependencies land
			log.Debug().Msg("aggregate dependencies not ready")
			return
		}

		constituents, err := d.loadConstituents(record.Request.Dependencies)
		if err != nil {
			ctx.Throw(fmt.Errorf("could not load aggregation input of %s: %w", fp, err))
			return
		}
		submitReq.Constituents = constituents
	}

	tctx, tcancel := context.WithCancel(ctx)
	defer tcancel()
	go d.watchCancellation(tctx, fp, tcancel)

	record.Status = proof.TaskRunning
	record.Attempts++
	record.Assignments = nil
	if err := d.pool.Publish(record); err != nil {
		ctx.Throw(err)
		return
	}

	succeeded := make(map[proof.BackendID]*proof.Artifact)
	exclude := make(map[proof.BackendID]struct{})
	var failures *multierror.Error
	var finalOrder []proof.BackendID
	required := 0

	for {
		selected, err := d.ballot.Select(&submitReq, exclude)
		if err != nil {
			if ballot.IsNoEligibleBackendError(err) {
				failures = multierror.Append(failures, err)
				d.finalize(ctx, record, proof.TaskFailed, failures.Error())
				return
			}
			ctx.Throw(fmt.Errorf("backend selection failed for %s: %w", fp, err))
			return
		}
		if required == 0 {
			required = len(selected)
		}
		// a failed backend must be replaced, never waived: once exclusions
		// shrink the candidate set below the initial redundancy degree the
		// task fails even with partial successes
		if len(selected) < required {
			failures = multierror.Append(failures, fmt.Errorf(
				"redundancy degraded: %d of %d backends remain", len(selected), required))
			d.finalize(ctx, record, proof.TaskFailed, failures.Error())
			return
		}

		var toRun []proof.BackendID
		for _, id := range selected {
			if _, done := succeeded[id]; !done {
				toRun = append(toRun, id)
			}
		}
		if len(toRun) == 0 {
			finalOrder = selected
			break
		}

		log.Info().
			Interface("backends", toRun).
			Uint64("attempt", record.Attempts).
			Msg("dispatching task to backends")

		type outcome struct {
			id       proof.BackendID
			artifact *proof.Artifact
			ticket   prover.Ticket
			attempts uint
			duration time.Duration
			err      error
		}
		results := make(chan outcome, len(toRun))
		for _, id := range toRun {
			record.Assignments = append(record.Assignments, proof.BackendAssignment{
				Backend: id,
				Status:  proof.TaskRunning,
			})
			go func(id proof.BackendID) {
				artifact, ticket, attempts, duration, err := d.runBackend(tctx, id, &submitReq)
				results <- outcome{id, artifact, ticket, attempts, duration, err}
			}(id)
		}
		if err := d.pool.Publish(record); err != nil {
			ctx.Throw(err)
			return
		}

		cancelled := false
		for range toRun {
			out := <-results
			assignment := record.Assignment(out.id)
			assignment.Attempts = uint64(out.attempts)
			assignment.TicketID = out.ticket.ID
			switch {
			case out.err == nil:
				assignment.Status = proof.TaskSucceeded
				succeeded[out.id] = out.artifact
				d.metrics.ProveDuration(out.id, out.duration)
			case errors.Is(out.err, errTaskCancelled):
				assignment.Status = proof.TaskCancelled
				cancelled = true
			default:
				assignment.Status = proof.TaskFailed
				assignment.LastError = out.err.Error()
				exclude[out.id] = struct{}{}
				failures = multierror.Append(failures, fmt.Errorf("backend %s: %w", out.id, out.err))
				log.Warn().Err(out.err).Str("backend", string(out.id)).Msg("backend failed")
			}
		}

		if cancelled || d.pool.CancelRequested(fp) {
			d.finalize(ctx, record, proof.TaskCancelled, "")
			return
		}
		if err := d.pool.Publish(record); err != nil {
			ctx.Throw(err)
			return
		}
	}

	// the canonical artifact comes from the highest-ranked successful
	// backend; the artifact store is written before the record flips to
	// Succeeded so a crash in between never leaves a dangling success
	var canonical *proof.Artifact
	for _, id := range finalOrder {
		if artifact, ok := succeeded[id]; ok {
			canonical = artifact
			break
		}
	}
	if canonical == nil {
		for _, artifact := range succeeded {
			canonical = artifact
			break
		}
	}
	canonical.Fingerprint = fp
	if err := d.artifacts.Store(canonical); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		ctx.Throw(fmt.Errorf("could not store artifact for %s: %w", fp, err))
		return
	}
	record.ArtifactID = fp
	d.finalize(ctx, record, proof.TaskSucceeded, "")
	log.Info().Int("backends", len(succeeded)).Msg("task succeeded")
}

// dependenciesReady checks the aggregate's constituents. The returned
// failure string, when non-empty, fails the aggregate terminally.
func (d *Dispatcher) dependenciesReady(record *proof.TaskRecord) (bool, string, error) {
	for _, dep := range record.Request.Dependencies {
		depRecord, err := d.pool.Record(dep)
		if errors.Is(err, storage.ErrNotFound) {
			return false, "", nil
		}
		if err != nil {
			return false, "", err
		}

		switch depRecord.Status {
		case proof.TaskSucceeded:
			depFamily := depRecord.Request.Family
			if depFamily != proof.FamilyAny && depFamily != record.Request.Family {
				return false, fmt.Sprintf(
					"dependency %s was proven by family %s, aggregate requires %s",
					dep, depFamily, record.Request.Family,
				), nil
			}
		case proof.TaskFailed, proof.TaskCancelled:
			return false, fmt.Sprintf("dependency %s is %s", dep, depRecord.Status), nil
		default:
			return false, "", nil
		}
	}
	return true, "", nil
}

// loadConstituents resolves the dependency fingerprints of an aggregate
// into their proofs, preserving order. Every dependency already reached
// terminal success, so a missing artifact is a storage fault.
func (d *Dispatcher) loadConstituents(deps []proof.Fingerprint) ([]*proof.Artifact, error) {
	constituents := make([]*proof.Artifact, 0, len(deps))
	for _, dep := range deps {
		artifact, err := d.artifacts.ByFingerprint(dep)
		if err != nil {
			return nil, fmt.Errorf("could not load constituent %s: %w", dep, err)
		}
		constituents = append(constituents, artifact)
	}
	return constituents, nil
}

// cappedFibonacci is the base retry pacing: fibonacci growth from
// PollInterval, capped at PollMaxInterval.
func cappedFibonacci(cfg Config) retry.Backoff {
	return retry.WithCappedDuration(cfg.PollMaxInterval, retry.NewFibonacci(cfg.PollInterval))
}

// attemptBackoff paces the retries of a failed backend attempt: the capped
// fibonacci base with jitter so concurrent retries against the same
// backend do not align.
func attemptBackoff(cfg Config) retry.Backoff {
	return retry.WithJitterPercent(10, cappedFibonacci(cfg))
}

// runBackend drives one backend through its attempt budget. Transient
// failures (unavailable, retryable) consume attempts; invalid input and
// fatal failures return immediately.
func (d *Dispatcher) runBackend(
	ctx context.Context,
	id proof.BackendID,
	req *proof.ProofRequest,
) (*proof.Artifact, prover.Ticket, uint, time.Duration, error) {

	var ticket prover.Ticket

	release, err := d.registry.Acquire(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ticket, 0, 0, errTaskCancelled
		}
		return nil, ticket, 0, 0, err
	}
	defer release()

	driver, ok := d.registry.Driver(id)
	if !ok {
		return nil, ticket, 0, 0, fmt.Errorf("unknown backend: %s", id)
	}

	// once this run returns, nothing observes the ticket anymore
	defer func() {
		if ticket.ID != "" {
			driver.Forget(ticket)
		}
	}()

	backoff := attemptBackoff(d.cfg)
	var lastErr error
	for attempt := uint(1); attempt <= d.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ticket, attempt - 1, 0, errTaskCancelled
		}

		start := time.Now()
		artifact, usedTicket, err := d.proveOnce(ctx, driver, req)
		if usedTicket.ID != "" {
			// a fresh submission supersedes the previous attempt's job
			if ticket.ID != "" && ticket.ID != usedTicket.ID {
				driver.Forget(ticket)
			}
			ticket = usedTicket
		}
		if err == nil {
			return artifact, ticket, attempt, time.Since(start), nil
		}
		if errors.Is(err, errTaskCancelled) || ctx.Err() != nil {
			return nil, ticket, attempt, 0, errTaskCancelled
		}
		if !prover.Retryable(err) {
			return nil, ticket, attempt, 0, err
		}
		lastErr = err

		d.log.Debug().
			Err(err).
			Str("backend", string(id)).
			Uint("attempt", attempt).
			Msg("backend attempt failed, retrying")

		delay, _ := backoff.Next()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ticket, attempt, 0, errTaskCancelled
		}
	}
	return nil, ticket, d.cfg.MaxAttempts, 0, fmt.Errorf("attempt budget exhausted: %w", lastErr)
}

// proveOnce performs one submit-poll-fetch round against a backend.
func (d *Dispatcher) proveOnce(
	ctx context.Context,
	driver prover.Driver,
	req *proof.ProofRequest,
) (*proof.Artifact, prover.Ticket, error) {

	var ticket prover.Ticket
	submitBackoff := retry.WithMaxRetries(uint64(d.cfg.MaxAttempts), cappedFibonacci(d.cfg))
	err := retry.Do(ctx, submitBackoff, func(ctx context.Context) error {
		var serr error
		ticket, serr = driver.Submit(ctx, req)
		if prover.IsUnavailableError(serr) {
			return retry.RetryableError(serr)
		}
		return serr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ticket, errTaskCancelled
		}
		return nil, ticket, err
	}

	// polls are scheduled with backoff, never awaited synchronously on
	// the backend
	var artifact *proof.Artifact
	pollBackoff := cappedFibonacci(d.cfg)
	err = retry.Do(ctx, pollBackoff, func(ctx context.Context) error {
		result, perr := driver.Poll(ctx, ticket)
		if prover.IsUnavailableError(perr) {
			return retry.RetryableError(perr)
		}
		if perr != nil {
			return perr
		}
		switch result.State {
		case prover.StateRunning:
			return retry.RetryableError(errStillRunning)
		case prover.StateFailed:
			return result.Err
		default:
			artifact = result.Artifact
			return nil
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			// best effort: tell the backend to stop computing
			driver.Cancel(context.Background(), ticket)
			return nil, ticket, errTaskCancelled
		}
		return nil, ticket, err
	}

	if artifact == nil {
		artifact, err = driver.FetchArtifact(ctx, ticket)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ticket, errTaskCancelled
			}
			return nil, ticket, err
		}
	}
	return artifact, ticket, nil
}

// watchCancellation cancels the task context once the pool flags the task
// for cancellation.
func (d *Dispatcher) watchCancellation(ctx context.Context, fp proof.Fingerprint, cancel context.CancelFunc) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.pool.CancelRequested(fp) {
				cancel()
				return
			}
		}
	}
}

// finalize publishes the terminal transition. A ledger write failure here
// is unrecoverable: the host must not keep running with state it cannot
// persist.
func (d *Dispatcher) finalize(
	ctx irrecoverable.SignalerContext,
	record *proof.TaskRecord,
	status proof.TaskStatus,
	reason string,
) {
	record.Status = status
	record.LastError = reason
	if err := d.pool.Publish(record); err != nil {
		ctx.Throw(fmt.Errorf("could not finalize task %s: %w", record.Fingerprint, err))
		return
	}
	d.metrics.TaskFinalized(status)

	event := d.log.Info().
		Str("fingerprint", record.Fingerprint.String()).
		Str("status", status.String())
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("task finalized")
}
