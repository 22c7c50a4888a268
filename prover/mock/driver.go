// Package mock provides a scripted backend driver for tests. Results are
// programmed per request fingerprint; the driver records every submit and
// cancel call so tests can assert on exactly-once submission and
// cancellation propagation.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/prover"
)

// Result scripts one poll outcome.
type Result struct {
	state    prover.PollState
	err      error
	artifact *proof.Artifact
}

// Running scripts a still-running poll outcome.
func Running() Result {
	return Result{state: prover.StateRunning}
}

// Succeeded scripts a successful poll outcome with a deterministic
// artifact derived from the fingerprint.
func Succeeded() Result {
	return Result{state: prover.StateSucceeded}
}

// FailedRetryable scripts a recoverable execution fault.
func FailedRetryable(msg string) Result {
	return Result{state: prover.StateFailed, err: prover.NewRetryableErrorf("%s", msg)}
}

// FailedFatal scripts a non-recoverable execution fault.
func FailedFatal(msg string) Result {
	return Result{state: prover.StateFailed, err: prover.NewFatalErrorf("%s", msg)}
}

type jobState struct {
	fingerprint proof.Fingerprint
	polls       int
	cancelled   bool
}

// Driver is a scripted in-memory backend.
type Driver struct {
	id     proof.BackendID
	family proof.Family

	mu           sync.Mutex
	seq          int
	scripts      map[proof.Fingerprint][]Result
	submitErrs   map[proof.Fingerprint]error
	jobs         map[string]*jobState
	submitCounts map[proof.Fingerprint]int
	cancelCounts map[proof.Fingerprint]int
	forgetCounts map[proof.Fingerprint]int
	lastRequests map[proof.Fingerprint]proof.ProofRequest
	ignoreCancel bool
}

var _ prover.Driver = (*Driver)(nil)

func NewDriver(id proof.BackendID, family proof.Family) *Driver {
	return &Driver{
		id:           id,
		family:       family,
		scripts:      make(map[proof.Fingerprint][]Result),
		submitErrs:   make(map[proof.Fingerprint]error),
		jobs:         make(map[string]*jobState),
		submitCounts: make(map[proof.Fingerprint]int),
		cancelCounts: make(map[proof.Fingerprint]int),
		forgetCounts: make(map[proof.Fingerprint]int),
		lastRequests: make(map[proof.Fingerprint]proof.ProofRequest),
	}
}

func (d *Driver) ID() proof.BackendID  { return d.id }
func (d *Driver) Family() proof.Family { return d.family }

// Script programs the sequence of poll outcomes for the given fingerprint.
// The last outcome repeats on further polls. Unscripted fingerprints
// succeed on the first poll.
func (d *Driver) Script(fp proof.Fingerprint, results ...Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[fp] = results
}

// FailSubmit makes Submit return the given classified error for the
// fingerprint.
func (d *Driver) FailSubmit(fp proof.Fingerprint, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitErrs[fp] = err
}

// IgnoreCancel makes Cancel report failure and keep the job running, so
// the driver later reports success for a cancelled task.
func (d *Driver) IgnoreCancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignoreCancel = true
}

// SubmitCount returns how many times the fingerprint has been submitted.
func (d *Driver) SubmitCount(fp proof.Fingerprint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitCounts[fp]
}

// CancelCount returns how many cancel calls the fingerprint has received.
func (d *Driver) CancelCount(fp proof.Fingerprint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelCounts[fp]
}

// ForgetCount returns how many tickets of the fingerprint were forgotten.
func (d *Driver) ForgetCount(fp proof.Fingerprint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forgetCounts[fp]
}

// LastSubmission returns a copy of the most recent request submitted for
// the fingerprint, or nil when it was never submitted.
func (d *Driver) LastSubmission(fp proof.Fingerprint) *proof.ProofRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.lastRequests[fp]
	if !ok {
		return nil
	}
	return &req
}

func (d *Driver) Submit(_ context.Context, req *proof.ProofRequest) (prover.Ticket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fp := req.Fingerprint()
	d.submitCounts[fp]++
	d.lastRequests[fp] = *req
	if err, ok := d.submitErrs[fp]; ok {
		return prover.Ticket{}, err
	}

	d.seq++
	ticket := prover.Ticket{Backend: d.id, ID: fmt.Sprintf("job-%d", d.seq)}
	d.jobs[ticket.ID] = &jobState{fingerprint: fp}
	return ticket, nil
}

func (d *Driver) Poll(_ context.Context, ticket prover.Ticket) (*prover.PollResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[ticket.ID]
	if !ok {
		return nil, prover.NewUnavailableErrorf("unknown ticket: %s", ticket)
	}
	if job.cancelled && !d.ignoreCancel {
		return &prover.PollResult{
			State: prover.StateFailed,
			Err:   prover.NewRetryableErrorf("job aborted"),
		}, nil
	}

	script, ok := d.scripts[job.fingerprint]
	if !ok || len(script) == 0 {
		return d.resolve(job, Succeeded()), nil
	}
	idx := job.polls
	if idx >= len(script) {
		idx = len(script) - 1
	}
	job.polls++
	return d.resolve(job, script[idx]), nil
}

func (d *Driver) resolve(job *jobState, result Result) *prover.PollResult {
	switch result.state {
	case prover.StateSucceeded:
		artifact := result.artifact
		if artifact == nil {
			artifact = d.artifactFor(job.fingerprint)
		}
		return &prover.PollResult{State: prover.StateSucceeded, Artifact: artifact}
	case prover.StateFailed:
		return &prover.PollResult{State: prover.StateFailed, Err: result.err}
	default:
		return &prover.PollResult{State: prover.StateRunning}
	}
}

// artifactFor derives a deterministic artifact so every caller observing
// the same fingerprint sees byte-identical proof bytes.
func (d *Driver) artifactFor(fp proof.Fingerprint) *proof.Artifact {
	proofBytes := append([]byte(d.id), fp[:]...)
	return &proof.Artifact{
		Fingerprint: fp,
		Backend:     d.id,
		Proof:       proofBytes,
		Digest:      common.BytesToHash(fp[:]),
	}
}

func (d *Driver) Cancel(_ context.Context, ticket prover.Ticket) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[ticket.ID]
	if !ok {
		return false
	}
	d.cancelCounts[job.fingerprint]++
	if d.ignoreCancel {
		return false
	}
	job.cancelled = true
	return true
}

func (d *Driver) Forget(ticket prover.Ticket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[ticket.ID]
	if !ok {
		return
	}
	d.forgetCounts[job.fingerprint]++
	delete(d.jobs, ticket.ID)
}

func (d *Driver) FetchArtifact(_ context.Context, ticket prover.Ticket) (*proof.Artifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[ticket.ID]
	if !ok {
		return nil, prover.NewUnavailableErrorf("unknown ticket: %s", ticket)
	}
	return d.artifactFor(job.fingerprint), nil
}
