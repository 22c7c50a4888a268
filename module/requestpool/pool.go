// Package requestpool implements the keyed, deduplicating store of proof
// request status. It guarantees at most one active execution per request
// fingerprint via exclusive leases, serves cached results to duplicate
// callers, and mirrors every transition to the durable task ledger so the
// in-memory state can be rebuilt after a restart.
package requestpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/module/component"
	"github.com/taikoxyz/raiko-sub001/module/irrecoverable"
	"github.com/taikoxyz/raiko-sub001/storage"
)

var (
	// ErrResultPending is returned by Result while the task has not
	// reached a terminal state yet.
	ErrResultPending = errors.New("result not yet available")

	// ErrPoolSaturated is returned by Submit when the backlog of
	// non-terminal requests reached the configured maximum.
	ErrPoolSaturated = errors.New("request pool saturated, try again later")

	// ErrCancelled is returned by Result for a cancelled task.
	ErrCancelled = errors.New("request was cancelled")
)

// FailedError carries the human-readable reason of a terminally failed
// task to the caller.
type FailedError struct {
	Reason string
}

func (e FailedError) Error() string {
	return fmt.Sprintf("proving failed: %s", e.Reason)
}

func IsFailedError(err error) bool {
	var target FailedError
	return errors.As(err, &target)
}

type Config struct {
	// RetentionWindow is how long terminal entries stay in the in-memory
	// map after their last update. Ledger entries persist separately.
	RetentionWindow time.Duration
	// EvictionInterval is how often the eviction worker scans the map.
	EvictionInterval time.Duration
	// MaxBacklog bounds the number of non-terminal entries. Zero means
	// unbounded.
	MaxBacklog uint
}

func DefaultConfig() Config {
	return Config{
		RetentionWindow:  time.Hour,
		EvictionInterval: time.Minute,
		MaxBacklog:       4096,
	}
}

// Handle is what a submitting caller gets back: the request identity and
// the status observed at submission time.
type Handle struct {
	Fingerprint proof.Fingerprint
	Status      proof.TaskStatus
}

type cell struct {
	record          *proof.TaskRecord
	leased          bool
	cancelRequested bool
}

// Pool is the deduplicating request pool. All lifecycle mutation funnels
// through the dispatcher under the per-fingerprint lease; callers only
// submit, query and request cancellation.
type Pool struct {
	component.Component

	log       zerolog.Logger
	cfg       Config
	tasks     storage.Tasks
	artifacts storage.Artifacts

	mu    sync.RWMutex
	cells map[proof.Fingerprint]*cell

	// updates carries a cap-1 signal so the dispatcher wakes up on every
	// admission, reset or cancellation request
	updates chan struct{}
}

func New(log zerolog.Logger, cfg Config, tasks storage.Tasks, artifacts storage.Artifacts) (*Pool, error) {
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = DefaultConfig().RetentionWindow
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = DefaultConfig().EvictionInterval
	}

	p := &Pool{
		log:       log.With().Str("component", "request_pool").Logger(),
		cfg:       cfg,
		tasks:     tasks,
		artifacts: artifacts,
		cells:     make(map[proof.Fingerprint]*cell),
		updates:   make(chan struct{}, 1),
	}

	if err := p.rebuild(); err != nil {
		return nil, fmt.Errorf("could not rebuild pool from ledger: %w", err)
	}

	p.Component = component.NewComponentManagerBuilder().
		AddWorker(p.evictionLoop).
		Build()

	return p, nil
}

// rebuild reloads the in-memory map from the task ledger. Records found in
// Running lost their lease with the previous process: they are requeued as
// Pending with an incremented attempt counter, never resumed mid-flight.
func (p *Pool) rebuild() error {
	records, err := p.tasks.List(storage.TaskFilter{})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	requeued := 0
	for _, record := range records {
		if record.Status.Terminal() {
			// keep recent terminal entries cached, let eviction age them out
			if now.Sub(record.UpdatedAt) < p.cfg.RetentionWindow {
				p.cells[record.Fingerprint] = &cell{record: record}
			}
			continue
		}

		if record.Status == proof.TaskRunning {
			record.Status = proof.TaskPending
			record.Attempts++
			record.Assignments = nil
			record.UpdatedAt = now
			if err := p.tasks.Upsert(record); err != nil {
				return fmt.Errorf("could not requeue interrupted task %s: %w", record.Fingerprint, err)
			}
			requeued++
		}
		p.cells[record.Fingerprint] = &cell{record: record}
	}

	p.log.Info().
		Int("records", len(records)).
		Int("requeued", requeued).
		Msg("rebuilt request pool from ledger")

	p.signal()
	return nil
}

func (p *Pool) signal() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

// Updates returns a cap-1 signal channel that receives whenever the set of
// pending work changed. The dispatcher drains all pending tasks per signal.
func (p *Pool) Updates() <-chan struct{} {
	return p.updates
}

// Submit admits a request, deduplicating on its fingerprint.
//   - no entry: a Pending record is created and persisted
//   - non-terminal entry: the caller is attached to the existing execution
//   - terminal success: the cached handle is returned immediately
//   - terminal failure with AllowRetry, or cancelled: the record is reset
//     to Pending and re-dispatched
//   - terminal failure otherwise: the failed handle is returned
func (p *Pool) Submit(req *proof.ProofRequest) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proof request: %w", err)
	}

	fp := req.Fingerprint()

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.cells[fp]
	if !ok {
		// evicted terminal records still live in the ledger
		record, err := p.tasks.ByFingerprint(fp)
		if err == nil {
			existing = &cell{record: record}
			p.cells[fp] = existing
			ok = true
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("could not look up task record: %w", err)
		}
	}

	if ok {
		status := existing.record.Status
		switch {
		case !status.Terminal():
			return &Handle{Fingerprint: fp, Status: status}, nil
		case status == proof.TaskSucceeded:
			return &Handle{Fingerprint: fp, Status: status}, nil
		case status == proof.TaskCancelled || (status == proof.TaskFailed && req.AllowRetry):
			record := existing.record
			record.Status = proof.TaskPending
			record.Assignments = nil
			record.UpdatedAt = time.Now().UTC()
			if err := p.tasks.Upsert(record); err != nil {
				return nil, fmt.Errorf("could not reset task record: %w", err)
			}
			existing.cancelRequested = false
			p.log.Info().
				Str("fingerprint", fp.String()).
				Msg("reset terminal task to pending on resubmission")
			p.signal()
			return &Handle{Fingerprint: fp, Status: proof.TaskPending}, nil
		default:
			return &Handle{Fingerprint: fp, Status: status}, nil
		}
	}

	if p.cfg.MaxBacklog > 0 && p.backlogLocked() >= p.cfg.MaxBacklog {
		return nil, ErrPoolSaturated
	}

	record := proof.NewTaskRecord(req, time.Now().UTC())
	if err := p.tasks.Upsert(record); err != nil {
		return nil, fmt.Errorf("could not persist task record: %w", err)
	}
	p.cells[fp] = &cell{record: record}

	p.log.Info().
		Str("fingerprint", fp.String()).
		Str("kind", req.Kind.String()).
		Str("family", string(req.Family)).
		Msg("admitted proof request")

	p.signal()
	return &Handle{Fingerprint: fp, Status: proof.TaskPending}, nil
}

func (p *Pool) backlogLocked() uint {
	var n uint
	for _, c := range p.cells {
		if !c.record.Status.Terminal() {
			n++
		}
	}
	return n
}

// Status returns the current status of a fingerprint. Unknown fingerprints
// return storage.ErrNotFound.
func (p *Pool) Status(fp proof.Fingerprint) (proof.TaskStatus, error) {
	record, err := p.Record(fp)
	if err != nil {
		return 0, err
	}
	return record.Status, nil
}

// Record returns a copy of the task record for the fingerprint, falling
// back to the ledger for entries evicted from memory.
func (p *Pool) Record(fp proof.Fingerprint) (*proof.TaskRecord, error) {
	p.mu.RLock()
	c, ok := p.cells[fp]
	if ok {
		record := copyRecord(c.record)
		p.mu.RUnlock()
		return record, nil
	}
	p.mu.RUnlock()

	return p.tasks.ByFingerprint(fp)
}

// List returns copies of all records currently held in memory.
func (p *Pool) List() []*proof.TaskRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	records := make([]*proof.TaskRecord, 0, len(p.cells))
	for _, c := range p.cells {
		records = append(records, copyRecord(c.record))
	}
	return records
}

// Result returns the artifact of a succeeded task. While the task is live
// it returns ErrResultPending; failed and cancelled tasks return their
// terminal error. The status read and the artifact lookup are consistent:
// a succeeded record always references a stored artifact.
func (p *Pool) Result(fp proof.Fingerprint) (*proof.Artifact, error) {
	record, err := p.Record(fp)
	if err != nil {
		return nil, err
	}

	switch record.Status {
	case proof.TaskSucceeded:
		artifact, err := p.artifacts.ByFingerprint(record.ArtifactID)
		if err != nil {
			return nil, fmt.Errorf("could not load artifact for %s: %w", fp, err)
		}
		return artifact, nil
	case proof.TaskFailed:
		return nil, FailedError{Reason: record.LastError}
	case proof.TaskCancelled:
		return nil, ErrCancelled
	default:
		return nil, ErrResultPending
	}
}

// Cancel requests cancellation of a task. Returns false for unknown or
// already terminal fingerprints. The dispatcher observes the flag and
// drives the actual transition, propagating cancel calls to outstanding
// backend assignments.
func (p *Pool) Cancel(fp proof.Fingerprint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.cells[fp]
	if !ok || c.record.Status.Terminal() {
		return false
	}
	if !c.cancelRequested {
		c.cancelRequested = true
		p.log.Info().Str("fingerprint", fp.String()).Msg("cancellation requested")
		p.signal()
	}
	return true
}

// CancelRequested reports whether cancellation was requested for the
// fingerprint.
func (p *Pool) CancelRequested(fp proof.Fingerprint) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.cells[fp]
	return ok && c.cancelRequested
}

// AcquireLease claims the exclusive right to execute the state machine for
// the fingerprint. It succeeds only for non-terminal, unleased entries.
// The returned record is a private copy the holder may mutate and publish.
func (p *Pool) AcquireLease(fp proof.Fingerprint) (*proof.TaskRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.cells[fp]
	if !ok || c.leased || c.record.Status.Terminal() {
		return nil, false
	}
	c.leased = true
	return copyRecord(c.record), true
}

// ReleaseLease gives up the exclusive execution right.
func (p *Pool) ReleaseLease(fp proof.Fingerprint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cells[fp]; ok {
		c.leased = false
	}
}

// Publish persists the mutated record to the ledger and, only on success,
// updates the in-memory cell. The caller must hold the fingerprint's
// lease. A persist failure leaves the in-memory state untouched so the
// dispatcher never advances past a failed write.
func (p *Pool) Publish(record *proof.TaskRecord) error {
	record.UpdatedAt = time.Now().UTC()
	if err := p.tasks.Upsert(record); err != nil {
		return fmt.Errorf("could not persist task transition: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cells[record.Fingerprint]
	if !ok {
		c = &cell{}
		p.cells[record.Fingerprint] = c
	}
	c.record = copyRecord(record)
	if record.Status.Terminal() {
		c.cancelRequested = false
	}
	return nil
}

// PendingTasks returns copies of all unleased pending records, ordered by
// dispatch priority: aggregates first, then batches, then singles; within
// a kind by descending priority hint, then by age.
func (p *Pool) PendingTasks() []*proof.TaskRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pending []*proof.TaskRecord
	for _, c := range p.cells {
		if c.record.Status == proof.TaskPending && !c.leased {
			pending = append(pending, copyRecord(c.record))
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Request.Kind != b.Request.Kind {
			return a.Request.Kind > b.Request.Kind
		}
		if a.Request.Priority != b.Request.Priority {
			return a.Request.Priority > b.Request.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Fingerprint.String() < b.Fingerprint.String()
	})

	return pending
}

// Size returns the number of entries currently held in memory.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cells)
}

// evictionLoop drops terminal entries older than the retention window from
// the in-memory map. Leased entries are never evicted, so eviction cannot
// race an in-flight execution. Ledger entries are left untouched.
func (p *Pool) evictionLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evictExpired()
		}
	}
}

func (p *Pool) evictExpired() {
	cutoff := time.Now().UTC().Add(-p.cfg.RetentionWindow)

	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for fp, c := range p.cells {
		if c.record.Status.Terminal() && !c.leased && c.record.UpdatedAt.Before(cutoff) {
			delete(p.cells, fp)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debug().Int("evicted", evicted).Msg("evicted terminal entries from memory")
	}
}

func copyRecord(record *proof.TaskRecord) *proof.TaskRecord {
	dup := *record
	dup.Assignments = make([]proof.BackendAssignment, len(record.Assignments))
	copy(dup.Assignments, record.Assignments)
	if record.Request.Dependencies != nil {
		dup.Request.Dependencies = make([]proof.Fingerprint, len(record.Request.Dependencies))
		copy(dup.Request.Dependencies, record.Request.Dependencies)
	}
	return &dup
}
