package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taikoxyz/raiko-sub001/model/proof"
	"github.com/taikoxyz/raiko-sub001/module/ballot"
	"github.com/taikoxyz/raiko-sub001/module/irrecoverable"
	"github.com/taikoxyz/raiko-sub001/module/metrics"
	"github.com/taikoxyz/raiko-sub001/module/requestpool"
	"github.com/taikoxyz/raiko-sub001/prover"
	"github.com/taikoxyz/raiko-sub001/prover/mock"
	"github.com/taikoxyz/raiko-sub001/storage"
	bstorage "github.com/taikoxyz/raiko-sub001/storage/badger"
	"github.com/taikoxyz/raiko-sub001/utils/unittest"
)

type fixture struct {
	pool       *requestpool.Pool
	dispatcher *Dispatcher
	artifacts  storage.Artifacts
}

func testConfig() Config {
	return Config{
		MaxConcurrentTasks: 8,
		MaxAttempts:        2,
		PollInterval:       2 * time.Millisecond,
		PollMaxInterval:    10 * time.Millisecond,
		SweepInterval:      20 * time.Millisecond,
	}
}

func withDispatcher(
	t *testing.T,
	ballotCfg ballot.Config,
	drivers []*mock.Driver,
	f func(*fixture),
) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		tasks := bstorage.NewTasks(db)
		artifacts := bstorage.NewArtifacts(db)

		pool, err := requestpool.New(zerolog.Nop(), requestpool.Config{}, tasks, artifacts)
		require.NoError(t, err)

		registry := prover.NewRegistry()
		for _, driver := range drivers {
			require.NoError(t, registry.Register(driver, 0))
		}

		selector, err := ballot.New(zerolog.Nop(), ballotCfg, registry)
		require.NoError(t, err)

		dispatcher := New(
			zerolog.Nop(), testConfig(), metrics.NewNoopCollector(),
			pool, selector, registry, artifacts,
		)

		ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(t, context.Background())
		dispatcher.Start(ctx)
		unittest.RequireCloseBefore(t, dispatcher.Ready(), time.Second, "dispatcher should start")

		f(&fixture{pool: pool, dispatcher: dispatcher, artifacts: artifacts})

		cancel()
		unittest.RequireCloseBefore(t, dispatcher.Done(), 2*time.Second, "dispatcher should stop")
	})
}

func singleBackendBallot(id proof.BackendID) ballot.Config {
	return ballot.Config{
		Backends: map[proof.BackendID]ballot.BackendPolicy{
			id: {Enabled: true, Weight: 1},
		},
	}
}

func waitStatus(t *testing.T, pool *requestpool.Pool, fp proof.Fingerprint, want proof.TaskStatus) {
	t.Helper()
	unittest.RequireEventually(t, 2*time.Second, func() bool {
		status, err := pool.Status(fp)
		require.NoError(t, err)
		return status == want
	})
}

func TestTaskSucceeds(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskSucceeded)

		artifact, err := fx.pool.Result(handle.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, proof.BackendID("risc0-a"), artifact.Backend)
		assert.Equal(t, handle.Fingerprint, artifact.Fingerprint)
		assert.Equal(t, 1, driver.SubmitCount(handle.Fingerprint))

		record, err := fx.pool.Record(handle.Fingerprint)
		require.NoError(t, err)
		require.Len(t, record.Assignments, 1)
		assert.Equal(t, proof.TaskSucceeded, record.Assignments[0].Status)
		assert.NotEmpty(t, record.Assignments[0].TicketID)

		// the backend-side bookkeeping of the job is released
		assert.Equal(t, 1, driver.ForgetCount(handle.Fingerprint))
	})
}

func TestDuplicateSubmissionSingleExecution(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)
		dup := *req
		_, err = fx.pool.Submit(&dup)
		require.NoError(t, err)

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskSucceeded)
		assert.Equal(t, 1, driver.SubmitCount(handle.Fingerprint))
	})
}

func TestFailoverToNextBackend(t *testing.T) {
	primary := mock.NewDriver("risc0-a", proof.FamilyRisc0)
	secondary := mock.NewDriver("risc0-b", proof.FamilyRisc0)

	cfg := ballot.Config{
		Backends: map[proof.BackendID]ballot.BackendPolicy{
			"risc0-a": {Enabled: true, Weight: 5},
			"risc0-b": {Enabled: true, Weight: 1},
		},
	}

	withDispatcher(t, cfg, []*mock.Driver{primary, secondary}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		fp := req.Fingerprint()
		primary.Script(fp, mock.FailedFatal("sealed memory corrupted"))

		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskSucceeded)

		artifact, err := fx.pool.Result(fp)
		require.NoError(t, err)
		assert.Equal(t, proof.BackendID("risc0-b"), artifact.Backend)

		record, err := fx.pool.Record(fp)
		require.NoError(t, err)
		require.Len(t, record.Assignments, 2)
		assert.Equal(t, proof.TaskFailed, record.Assignment("risc0-a").Status)
		assert.Contains(t, record.Assignment("risc0-a").LastError, "sealed memory corrupted")
		assert.Equal(t, proof.TaskSucceeded, record.Assignment("risc0-b").Status)
	})
}

func TestRetryableFailureExhaustsAttemptBudget(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		fp := req.Fingerprint()
		driver.Script(fp, mock.FailedRetryable("witness generation timed out"))

		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskFailed)

		// each attempt of the budget submits a fresh backend job
		assert.Equal(t, 2, driver.SubmitCount(fp))

		_, err = fx.pool.Result(fp)
		require.True(t, requestpool.IsFailedError(err))
		assert.Contains(t, err.Error(), "attempt budget exhausted")
		assert.Contains(t, err.Error(), "witness generation timed out")
	})
}

func TestNoEligibleBackendFailsTask(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	// backend registered but not enabled in the policy
	cfg := ballot.Config{
		Backends: map[proof.BackendID]ballot.BackendPolicy{
			"risc0-a": {Enabled: false, Weight: 1},
		},
	}

	withDispatcher(t, cfg, []*mock.Driver{driver}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskFailed)

		_, err = fx.pool.Result(handle.Fingerprint)
		require.True(t, requestpool.IsFailedError(err))
		assert.Contains(t, err.Error(), "no eligible backend")
		assert.Equal(t, 0, driver.SubmitCount(handle.Fingerprint))
	})
}

func TestRedundantBackendsAllProve(t *testing.T) {
	first := mock.NewDriver("risc0-a", proof.FamilyRisc0)
	second := mock.NewDriver("risc0-b", proof.FamilyRisc0)

	cfg := ballot.Config{
		Backends: map[proof.BackendID]ballot.BackendPolicy{
			"risc0-a": {Enabled: true, Weight: 2},
			"risc0-b": {Enabled: true, Weight: 1},
		},
		Redundancy: 2,
	}

	withDispatcher(t, cfg, []*mock.Driver{first, second}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		fp := req.Fingerprint()

		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskSucceeded)

		assert.Equal(t, 1, first.SubmitCount(fp))
		assert.Equal(t, 1, second.SubmitCount(fp))

		record, err := fx.pool.Record(fp)
		require.NoError(t, err)
		assert.Equal(t, proof.TaskSucceeded, record.Assignment("risc0-a").Status)
		assert.Equal(t, proof.TaskSucceeded, record.Assignment("risc0-b").Status)

		// the canonical artifact comes from the highest-ranked backend
		artifact, err := fx.pool.Result(fp)
		require.NoError(t, err)
		assert.Equal(t, proof.BackendID("risc0-a"), artifact.Backend)
	})
}

func TestRedundancyReplacesFailedBackend(t *testing.T) {
	a := mock.NewDriver("risc0-a", proof.FamilyRisc0)
	b := mock.NewDriver("risc0-b", proof.FamilyRisc0)
	c := mock.NewDriver("risc0-c", proof.FamilyRisc0)

	cfg := ballot.Config{
		Backends: map[proof.BackendID]ballot.BackendPolicy{
			"risc0-a": {Enabled: true, Weight: 3},
			"risc0-b": {Enabled: true, Weight: 2},
			"risc0-c": {Enabled: true, Weight: 1},
		},
		Redundancy: 2,
	}

	withDispatcher(t, cfg, []*mock.Driver{a, b, c}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		fp := req.Fingerprint()
		a.Script(fp, mock.FailedFatal("enclave rejected request"))

		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskSucceeded)

		record, err := fx.pool.Record(fp)
		require.NoError(t, err)
		assert.Equal(t, proof.TaskFailed, record.Assignment("risc0-a").Status)
		assert.Equal(t, proof.TaskSucceeded, record.Assignment("risc0-b").Status)
		assert.Equal(t, proof.TaskSucceeded, record.Assignment("risc0-c").Status)
	})
}

func TestRedundancyWithoutSpareFailsTask(t *testing.T) {
	a := mock.NewDriver("risc0-a", proof.FamilyRisc0)
	b := mock.NewDriver("risc0-b", proof.FamilyRisc0)

	cfg := ballot.Config{
		Backends: map[proof.BackendID]ballot.BackendPolicy{
			"risc0-a": {Enabled: true, Weight: 2},
			"risc0-b": {Enabled: true, Weight: 1},
		},
		Redundancy: 2,
	}

	withDispatcher(t, cfg, []*mock.Driver{a, b}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		fp := req.Fingerprint()
		b.Script(fp, mock.FailedFatal("enclave rejected request"))

		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		// one success cannot substitute for the required two
		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskFailed)

		record, err := fx.pool.Record(fp)
		require.NoError(t, err)
		assert.Equal(t, proof.TaskSucceeded, record.Assignment("risc0-a").Status)
		assert.Equal(t, proof.TaskFailed, record.Assignment("risc0-b").Status)

		_, err = fx.pool.Result(fp)
		require.True(t, requestpool.IsFailedError(err))
		assert.Contains(t, err.Error(), "redundancy degraded")
		assert.Contains(t, err.Error(), "enclave rejected request")
	})
}

func TestAttemptBackoffGrowsToCap(t *testing.T) {
	cfg := Config{PollInterval: 10 * time.Millisecond, PollMaxInterval: 80 * time.Millisecond}

	backoff := cappedFibonacci(cfg)
	var prev time.Duration
	for i := 0; i < 10; i++ {
		delay, stop := backoff.Next()
		require.False(t, stop)
		assert.GreaterOrEqual(t, delay, prev)
		assert.LessOrEqual(t, delay, cfg.PollMaxInterval)
		prev = delay
	}
	assert.Equal(t, cfg.PollMaxInterval, prev)

	// jitter shifts individual delays but respects the cap envelope
	jittered := attemptBackoff(cfg)
	for i := 0; i < 10; i++ {
		delay, stop := jittered.Next()
		require.False(t, stop)
		assert.LessOrEqual(t, delay, cfg.PollMaxInterval*11/10)
	}
}

func TestCancelBeforeDispatchNeverSubmits(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		fx.dispatcher.Pause()

		req := unittest.ProofRequestFixture()
		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)
		require.True(t, fx.pool.Cancel(handle.Fingerprint))

		fx.dispatcher.Resume()

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskCancelled)
		assert.Equal(t, 0, driver.SubmitCount(handle.Fingerprint))

		_, err = fx.pool.Result(handle.Fingerprint)
		assert.ErrorIs(t, err, requestpool.ErrCancelled)
	})
}

func TestCancelRunningPropagatesToBackend(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		fp := req.Fingerprint()
		driver.Script(fp, mock.Running())

		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskRunning)
		require.True(t, fx.pool.Cancel(fp))

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskCancelled)
		assert.GreaterOrEqual(t, driver.CancelCount(fp), 1)
	})
}

func TestCancelIgnoredByBackendStillCancels(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)
	driver.IgnoreCancel()

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		fp := req.Fingerprint()
		// the job keeps running; the backend will not honor the cancel
		driver.Script(fp, mock.Running())

		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskRunning)
		require.True(t, fx.pool.Cancel(fp))

		// the late backend success is discarded, the task settles cancelled
		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskCancelled)
		_, err = fx.pool.Result(fp)
		assert.ErrorIs(t, err, requestpool.ErrCancelled)
	})
}

func TestAggregateWaitsForDependencies(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		depA := unittest.ProofRequestFixture(unittest.WithBlock(10))
		depB := unittest.ProofRequestFixture(unittest.WithBlock(11))
		aggregate := unittest.ProofRequestFixture(
			unittest.WithKind(proof.KindAggregate),
			unittest.WithBlock(11),
			unittest.WithDependencies(depA.Fingerprint(), depB.Fingerprint()),
		)

		aggHandle, err := fx.pool.Submit(aggregate)
		require.NoError(t, err)

		// constituents are not even submitted yet: the aggregate must hold
		time.Sleep(100 * time.Millisecond)
		status, err := fx.pool.Status(aggHandle.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, proof.TaskPending, status)
		assert.Equal(t, 0, driver.SubmitCount(aggHandle.Fingerprint))

		_, err = fx.pool.Submit(depA)
		require.NoError(t, err)
		_, err = fx.pool.Submit(depB)
		require.NoError(t, err)

		waitStatus(t, fx.pool, aggHandle.Fingerprint, proof.TaskSucceeded)
		assert.Equal(t, 1, driver.SubmitCount(aggHandle.Fingerprint))

		// the backend received the constituent proofs in dependency order
		submission := driver.LastSubmission(aggHandle.Fingerprint)
		require.NotNil(t, submission)
		require.Len(t, submission.Constituents, 2)
		assert.Equal(t, depA.Fingerprint(), submission.Constituents[0].Fingerprint)
		assert.Equal(t, depB.Fingerprint(), submission.Constituents[1].Fingerprint)
		for i, dep := range []proof.Fingerprint{depA.Fingerprint(), depB.Fingerprint()} {
			stored, err := fx.artifacts.ByFingerprint(dep)
			require.NoError(t, err)
			assert.Equal(t, stored.Proof, submission.Constituents[i].Proof)
		}
	})
}

func TestAggregateFailsOnFailedDependency(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		dep := unittest.ProofRequestFixture(unittest.WithBlock(10))
		driver.Script(dep.Fingerprint(), mock.FailedFatal("unprovable block"))

		depHandle, err := fx.pool.Submit(dep)
		require.NoError(t, err)
		waitStatus(t, fx.pool, depHandle.Fingerprint, proof.TaskFailed)

		aggregate := unittest.ProofRequestFixture(
			unittest.WithKind(proof.KindAggregate),
			unittest.WithBlock(10),
			unittest.WithDependencies(dep.Fingerprint()),
		)
		aggHandle, err := fx.pool.Submit(aggregate)
		require.NoError(t, err)

		waitStatus(t, fx.pool, aggHandle.Fingerprint, proof.TaskFailed)

		_, err = fx.pool.Result(aggHandle.Fingerprint)
		require.True(t, requestpool.IsFailedError(err))
		assert.Contains(t, err.Error(), "dependency")
		assert.Equal(t, 0, driver.SubmitCount(aggHandle.Fingerprint))
	})
}

func TestPauseHoldsDispatch(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		fx.dispatcher.Pause()
		assert.True(t, fx.dispatcher.Paused())

		req := unittest.ProofRequestFixture()
		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		status, err := fx.pool.Status(handle.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, proof.TaskPending, status)

		fx.dispatcher.Resume()
		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskSucceeded)
	})
}

func TestResubmitAfterFailureRunsAgain(t *testing.T) {
	driver := mock.NewDriver("risc0-a", proof.FamilyRisc0)

	withDispatcher(t, singleBackendBallot("risc0-a"), []*mock.Driver{driver}, func(fx *fixture) {
		req := unittest.ProofRequestFixture()
		fp := req.Fingerprint()
		driver.Script(fp, mock.FailedFatal("transient misconfiguration"))

		handle, err := fx.pool.Submit(req)
		require.NoError(t, err)
		waitStatus(t, fx.pool, handle.Fingerprint, proof.TaskFailed)

		// operator fixed the backend; a retry-allowed resubmission reruns
		driver.Script(fp, mock.Succeeded())
		retry := *req
		retry.AllowRetry = true
		handle, err = fx.pool.Submit(&retry)
		require.NoError(t, err)
		require.Equal(t, proof.TaskPending, handle.Status)

		waitStatus(t, fx.pool, fp, proof.TaskSucceeded)
	})
}
