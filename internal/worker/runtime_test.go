package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ARiSE-Lab/kGymSuite/internal/bus"
	"github.com/ARiSE-Lab/kGymSuite/internal/storage"
	"github.com/ARiSE-Lab/kGymSuite/internal/task"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

type fakeSched struct {
	mu           sync.Mutex
	cfg          types.SystemConfig
	focusReceipt types.JobFocusReceipt
	focusErr     error
	// focusHook runs inside FocusJob, before the receipt is returned.
	focusHook func()
	updateErr    error
	updates      []types.JobUpdateRequest
	jobLogs      []types.JobLog
	sysLogs      []types.SystemLog
}

func (f *fakeSched) GetSystemConfig(_ context.Context, _ types.SystemConfigRequest) (types.SystemConfig, error) {
	return f.cfg, nil
}

func (f *fakeSched) FocusJob(_ context.Context, _ types.JobFocusRequest) (types.JobFocusReceipt, error) {
	if f.focusHook != nil {
		f.focusHook()
	}
	return f.focusReceipt, f.focusErr
}

func (f *fakeSched) UpdateJob(_ context.Context, req types.JobUpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeSched) InsertJobLog(_ context.Context, line types.JobLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobLogs = append(f.jobLogs, line)
	return nil
}

func (f *fakeSched) InsertSystemLog(_ context.Context, line types.SystemLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sysLogs = append(f.sysLogs, line)
	return nil
}

func (f *fakeSched) lastUpdate(t *testing.T) types.JobUpdateRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.updates)
	return f.updates[len(f.updates)-1]
}

type nopBackend struct{}

func (nopBackend) Download(context.Context, string, string) error { return nil }
func (nopBackend) Upload(context.Context, string, string) error   { return nil }
func (nopBackend) Delete(context.Context, string) error           { return nil }
func (nopBackend) List(context.Context, string) ([]string, error) { return nil, nil }
func (nopBackend) URLFor(context.Context, string) (string, error) { return "", nil }

type scriptedTask struct {
	run func(ctx context.Context, h *task.Harness) error
}

func (s *scriptedTask) Run(ctx context.Context, h *task.Harness) error { return s.run(ctx, h) }
func (s *scriptedTask) Clean(context.Context) error                    { return nil }

func focusedReceipt(id types.JobID, workerType string) types.JobFocusReceipt {
	return types.JobFocusReceipt{
		Status: types.Focused,
		JobContext: &types.JobContext{
			JobDigest: types.JobDigest{
				JobID:                 id,
				Status:                types.StatusInProgress,
				CurrentWorkerHostname: "worker-a",
				CurrentWorker:         0,
			},
			JobWorkers: []types.JobStage{
				{
					WorkerType:     workerType,
					WorkerArgument: types.JobArgument{WorkerType: workerType},
				},
			},
		},
	}
}

func newTestRuntime(t *testing.T, sched *fakeSched, run func(ctx context.Context, h *task.Harness) error) *Runtime {
	t.Helper()
	r := New(Config{
		WorkerType: "builder",
		Hostname:   "worker-a",
		Scheduler:  sched,
		NewTask: func() task.Task {
			return &scriptedTask{run: run}
		},
		ScratchRoot: t.TempDir(),
		Logger:      zaptest.NewLogger(t),
	})
	r.newStorage = func(context.Context, storage.ProviderConfig) (storage.Backend, error) {
		return nopBackend{}, nil
	}
	return r
}

func TestProcessJobHappyPath(t *testing.T) {
	id := types.JobID(0x2a)
	sched := &fakeSched{focusReceipt: focusedReceipt(id, "builder")}
	r := newTestRuntime(t, sched, func(_ context.Context, h *task.Harness) error {
		return h.PendingResult.Set("artifact", "a.tar.gz")
	})

	require.NoError(t, r.ProcessJob(context.Background(), id))

	update := sched.lastUpdate(t)
	assert.Equal(t, id, update.JobID)
	assert.Equal(t, "worker-a", update.WorkerHostname)
	assert.Equal(t, "builder", update.WorkerType)
	assert.Equal(t, 0, update.WorkerIndex)
	require.NotNil(t, update.Deliverable)
	assert.False(t, update.Deliverable.Failed())
	assert.JSONEq(t, `"a.tar.gz"`, string(update.Deliverable.Extra["artifact"]))
}

func TestProcessJobRejectedClaim(t *testing.T) {
	id := types.JobID(0x2a)
	sched := &fakeSched{focusReceipt: types.JobFocusReceipt{Status: types.Rejected}}
	ran := false
	r := newTestRuntime(t, sched, func(context.Context, *task.Harness) error {
		ran = true
		return nil
	})

	require.NoError(t, r.ProcessJob(context.Background(), id))
	assert.False(t, ran)
	assert.Empty(t, sched.updates)
}

func TestProcessJobClosedRequeues(t *testing.T) {
	sched := &fakeSched{}
	r := newTestRuntime(t, sched, func(context.Context, *task.Harness) error { return nil })
	require.NoError(t, r.Close(context.Background()))

	// The requeue is paced so the prefetched message does not spin against
	// the broker while shutdown drains.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := r.ProcessJob(ctx, types.JobID(0x2a))
	assert.ErrorIs(t, err, bus.ErrRequeue)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCloseBetweenClaimAndStartYieldsJob(t *testing.T) {
	id := types.JobID(0x2a)
	sched := &fakeSched{focusReceipt: focusedReceipt(id, "builder")}
	ran := false
	r := newTestRuntime(t, sched, func(context.Context, *task.Harness) error {
		ran = true
		return nil
	})

	// Shutdown lands after the claim is won but before the task starts. The
	// runtime must not requeue the message: the job is inProgress under this
	// hostname and a redelivered claim would be rejected everywhere. It hands
	// the claim back as yielded instead.
	closeDone := make(chan error, 1)
	sched.focusHook = func() {
		go func() { closeDone <- r.Close(context.Background()) }()
		for !r.isClosed() {
			time.Sleep(time.Millisecond)
		}
	}

	require.NoError(t, r.ProcessJob(context.Background(), id))
	require.NoError(t, <-closeDone)
	assert.False(t, ran)

	update := sched.lastUpdate(t)
	assert.Equal(t, id, update.JobID)
	assert.Equal(t, "worker-a", update.WorkerHostname)
	require.NotNil(t, update.Deliverable.WorkerException)
	assert.Equal(t, types.WorkerYieldedExceptionCode, update.Deliverable.WorkerException.Code)
	assert.True(t, update.Deliverable.Yielded())
}

func TestProcessJobStageMismatch(t *testing.T) {
	id := types.JobID(0x2a)
	sched := &fakeSched{focusReceipt: focusedReceipt(id, "runner")}
	ran := false
	r := newTestRuntime(t, sched, func(context.Context, *task.Harness) error {
		ran = true
		return nil
	})

	require.NoError(t, r.ProcessJob(context.Background(), id))
	assert.False(t, ran)

	update := sched.lastUpdate(t)
	require.NotNil(t, update.Deliverable.WorkerException)
	assert.Equal(t, types.WorkerGeneralExceptionCode, update.Deliverable.WorkerException.Code)
}

func TestProcessJobUpdateFailurePropagates(t *testing.T) {
	id := types.JobID(0x2a)
	sched := &fakeSched{
		focusReceipt: focusedReceipt(id, "builder"),
		updateErr:    errors.New("broker down"),
	}
	r := newTestRuntime(t, sched, func(context.Context, *task.Harness) error { return nil })

	assert.Error(t, r.ProcessJob(context.Background(), id))
}

func TestAbortCancelsMatchingJob(t *testing.T) {
	id := types.JobID(0x2a)
	sched := &fakeSched{focusReceipt: focusedReceipt(id, "builder")}

	started := make(chan struct{})
	r := newTestRuntime(t, sched, func(ctx context.Context, _ *task.Harness) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- r.ProcessJob(context.Background(), id) }()

	<-started
	// A control command for some other job never touches the running task.
	_, err := r.handleAbort(context.Background(), types.JobAbortRequest{JobID: types.JobID(0x99)})
	require.NoError(t, err)
	select {
	case <-done:
		t.Fatal("task cancelled by mismatched abort")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = r.handleAbort(context.Background(), types.JobAbortRequest{JobID: id})
	require.NoError(t, err)
	require.NoError(t, <-done)

	update := sched.lastUpdate(t)
	require.NotNil(t, update.Deliverable.WorkerException)
	assert.Equal(t, types.WorkerAbortedExceptionCode, update.Deliverable.WorkerException.Code)
}

func TestCloseYieldsInFlightTask(t *testing.T) {
	id := types.JobID(0x2a)
	sched := &fakeSched{focusReceipt: focusedReceipt(id, "builder")}

	started := make(chan struct{})
	r := newTestRuntime(t, sched, func(ctx context.Context, _ *task.Harness) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- r.ProcessJob(context.Background(), id) }()
	<-started

	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, <-done)

	update := sched.lastUpdate(t)
	require.NotNil(t, update.Deliverable.WorkerException)
	assert.Equal(t, types.WorkerYieldedExceptionCode, update.Deliverable.WorkerException.Code)
	assert.True(t, update.Deliverable.Yielded())
}

func TestHarnessLogsFlowThroughRuntime(t *testing.T) {
	id := types.JobID(0x2a)
	sched := &fakeSched{focusReceipt: focusedReceipt(id, "builder")}
	r := newTestRuntime(t, sched, func(ctx context.Context, h *task.Harness) error {
		h.ReportJobLog(ctx, map[string]string{"msg": "compiling"})
		return nil
	})

	require.NoError(t, r.ProcessJob(context.Background(), id))
	require.Len(t, sched.jobLogs, 1)
	assert.Equal(t, id, sched.jobLogs[0].JobID)
	assert.JSONEq(t, `{"msg":"compiling"}`, string(sched.jobLogs[0].Content))
}

func TestHandleDeliveryMalformedBodyDropped(t *testing.T) {
	sched := &fakeSched{}
	r := newTestRuntime(t, sched, func(context.Context, *task.Harness) error { return nil })

	err := r.handleDelivery(context.Background(), amqp.Delivery{Body: []byte(`{broken`)})
	assert.NoError(t, err)
	assert.Empty(t, sched.updates)
}
