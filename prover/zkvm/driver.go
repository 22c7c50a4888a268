// Package zkvm implements the backend driver for a local zero-knowledge
// virtual machine. The guest program invocation is a blocking, CPU and
// memory heavy call that can take minutes to hours; the driver runs it on
// a bounded worker pool so Submit returns immediately with a ticket and
// the dispatcher observes progress through Poll.
package zkvm

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/prover"
)

// GuestFunc invokes the guest program for one request and blocks until it
// produced a proof or failed. Implementations should return errors already
// classified with the prover taxonomy; unclassified errors are treated as
// retryable execution failures.
type GuestFunc func(ctx context.Context, req *proof.ProofRequest) (*proof.Artifact, error)

type job struct {
	fingerprint proof.Fingerprint
	cancel      context.CancelFunc

	mu       sync.Mutex
	done     bool
	artifact *proof.Artifact
	err      error
}

type Driver struct {
	log    zerolog.Logger
	id     proof.BackendID
	family proof.Family
	guest  GuestFunc
	pool   *workerpool.WorkerPool

	mu   sync.Mutex
	jobs map[string]*job
}

var _ prover.Driver = (*Driver)(nil)

// NewDriver creates a local zkVM driver running at most workers guest
// invocations concurrently.
func NewDriver(log zerolog.Logger, id proof.BackendID, family proof.Family, guest GuestFunc, workers int) *Driver {
	if workers < 1 {
		workers = 1
	}
	return &Driver{
		log: log.With().
			Str("component", "zkvm_driver").
			Str("backend", string(id)).
			Logger(),
		id:     id,
		family: family,
		guest:  guest,
		pool:   workerpool.New(workers),
		jobs:   make(map[string]*job),
	}
}

func (d *Driver) ID() proof.BackendID  { return d.id }
func (d *Driver) Family() proof.Family { return d.family }

func (d *Driver) Submit(_ context.Context, req *proof.ProofRequest) (prover.Ticket, error) {
	if req.Family != proof.FamilyAny && req.Family != d.family {
		return prover.Ticket{}, prover.NewInvalidInputErrorf(
			"request family %s does not match driver family %s", req.Family, d.family)
	}

	// the job outlives the submit call, it gets its own context
	runCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		fingerprint: req.Fingerprint(),
		cancel:      cancel,
	}
	ticket := prover.Ticket{Backend: d.id, ID: uuid.New().String()}

	d.mu.Lock()
	d.jobs[ticket.ID] = j
	d.mu.Unlock()

	request := *req
	d.pool.Submit(func() {
		d.run(runCtx, j, &request)
	})

	d.log.Info().
		Str("fingerprint", j.fingerprint.String()).
		Str("ticket", ticket.ID).
		Msg("queued guest execution")

	return ticket, nil
}

func (d *Driver) run(ctx context.Context, j *job, req *proof.ProofRequest) {
	start := time.Now()
	artifact, err := d.guest(ctx, req)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.done = true
	switch {
	case ctx.Err() != nil:
		j.err = prover.NewRetryableErrorf("guest execution aborted: %v", ctx.Err())
	case err != nil:
		if prover.IsFatalError(err) || prover.IsInvalidInputError(err) || prover.Retryable(err) {
			j.err = err
		} else {
			j.err = prover.NewRetryableErrorf("guest execution failed: %v", err)
		}
	default:
		artifact.Fingerprint = j.fingerprint
		artifact.Backend = d.id
		if artifact.ProducedAt.IsZero() {
			artifact.ProducedAt = time.Now().UTC()
		}
		j.artifact = artifact
	}

	d.log.Info().
		Str("fingerprint", j.fingerprint.String()).
		Dur("duration", time.Since(start)).
		Bool("success", j.err == nil).
		Msg("guest execution finished")
}

func (d *Driver) Poll(_ context.Context, ticket prover.Ticket) (*prover.PollResult, error) {
	d.mu.Lock()
	j, ok := d.jobs[ticket.ID]
	d.mu.Unlock()
	if !ok {
		return nil, prover.NewUnavailableErrorf("unknown ticket: %s", ticket)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.done {
		return &prover.PollResult{State: prover.StateRunning}, nil
	}
	if j.err != nil {
		return &prover.PollResult{State: prover.StateFailed, Err: j.err}, nil
	}
	return &prover.PollResult{State: prover.StateSucceeded, Artifact: j.artifact}, nil
}

func (d *Driver) Cancel(_ context.Context, ticket prover.Ticket) bool {
	d.mu.Lock()
	j, ok := d.jobs[ticket.ID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return false
	}
	j.cancel()
	return true
}

func (d *Driver) FetchArtifact(_ context.Context, ticket prover.Ticket) (*proof.Artifact, error) {
	d.mu.Lock()
	j, ok := d.jobs[ticket.ID]
	d.mu.Unlock()
	if !ok {
		return nil, prover.NewUnavailableErrorf("unknown ticket: %s", ticket)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.done || j.artifact == nil {
		return nil, prover.NewUnavailableErrorf("no artifact for ticket: %s", ticket)
	}
	return j.artifact, nil
}

// Forget drops the bookkeeping of a job the host stopped observing so the
// job map stays small over the life of the process.
func (d *Driver) Forget(ticket prover.Ticket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.jobs, ticket.ID)
}

// StopWait shuts down the worker pool, waiting for queued guest
// executions to finish.
func (d *Driver) StopWait() {
	d.pool.StopWait()
}
