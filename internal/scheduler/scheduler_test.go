package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ARiSE-Lab/kGymSuite/internal/bus"
	"github.com/ARiSE-Lab/kGymSuite/internal/config"
	"github.com/ARiSE-Lab/kGymSuite/internal/db"
	"github.com/ARiSE-Lab/kGymSuite/internal/storage"
	"github.com/ARiSE-Lab/kGymSuite/internal/store"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

type published struct {
	queue string
	body  []byte
}

type fakePublisher struct {
	published []published
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, queue string, p bus.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{queue: queue, body: p.Body})
	return nil
}

type fakeCommander struct {
	aborts []types.JobAbortRequest
	hosts  []string
	err    error
}

func (f *fakeCommander) AbortJob(_ context.Context, hostname string, req types.JobAbortRequest) error {
	f.hosts = append(f.hosts, hostname)
	f.aborts = append(f.aborts, req)
	return f.err
}

func newTestServer(t *testing.T) (*Server, *fakePublisher, *fakeCommander) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	gdb, err := db.Open(db.Config{
		Path:   filepath.Join(t.TempDir(), "scheduler.db"),
		Logger: logger,
	})
	require.NoError(t, err)

	cfg := &config.Config{
		DeploymentName: "kgym-test",
		Storage: storage.ProviderConfig{
			ProviderType:   "local",
			ProviderConfig: json.RawMessage(`{"root":"/tmp/kgym"}`),
		},
		WorkerConfigs: map[string]json.RawMessage{
			"builder": json.RawMessage(`{"parallel":2}`),
		},
	}

	pub := &fakePublisher{}
	control := &fakeCommander{}
	srv := &Server{
		store:   store.New(gdb, logger),
		cfg:     cfg,
		pub:     pub,
		control: control,
		logger:  logger,
	}
	return srv, pub, control
}

func newJob(t *testing.T, srv *Server) types.JobID {
	t.Helper()
	id, err := srv.CreateJob(context.Background(), types.JobRequest{
		JobWorkers: []types.JobArgument{
			{WorkerType: "builder"},
			{WorkerType: "runner"},
		},
	})
	require.NoError(t, err)
	return id
}

func TestCreateJobDispatchesFirstStage(t *testing.T) {
	srv, pub, _ := newTestServer(t)

	id := newJob(t, srv)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "builder", pub.published[0].queue)
	assert.JSONEq(t, `"`+id.String()+`"`, string(pub.published[0].body))
}

func TestHandleGetSystemConfig(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cfg, err := srv.handleGetSystemConfig(context.Background(), types.SystemConfigRequest{WorkerType: "builder"})
	require.NoError(t, err)
	assert.Equal(t, "kgym-test", cfg.DeploymentName)
	assert.Equal(t, "local", cfg.Storage.ProviderType)
	assert.JSONEq(t, `{"parallel":2}`, string(cfg.WorkerConfig))

	cfg, err = srv.handleGetSystemConfig(context.Background(), types.SystemConfigRequest{WorkerType: "runner"})
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(cfg.WorkerConfig))
}

func TestHandleFocusJob(t *testing.T) {
	srv, _, _ := newTestServer(t)
	id := newJob(t, srv)

	receipt, err := srv.handleFocusJob(context.Background(), types.JobFocusRequest{
		JobID:          id,
		WorkerHostname: "worker-a",
	})
	require.NoError(t, err)
	assert.Equal(t, types.Focused, receipt.Status)

	receipt, err = srv.handleFocusJob(context.Background(), types.JobFocusRequest{
		JobID:          id,
		WorkerHostname: "worker-b",
	})
	require.NoError(t, err)
	assert.Equal(t, types.Rejected, receipt.Status)
}

func TestHandleUpdateJobDispatchesNextStage(t *testing.T) {
	srv, pub, _ := newTestServer(t)
	ctx := context.Background()
	id := newJob(t, srv)

	_, err := srv.handleFocusJob(ctx, types.JobFocusRequest{JobID: id, WorkerHostname: "worker-a"})
	require.NoError(t, err)

	pub.published = nil
	_, err = srv.handleUpdateJob(ctx, types.JobUpdateRequest{
		WorkerHostname: "worker-a",
		WorkerType:     "builder",
		WorkerIndex:    0,
		JobID:          id,
		Deliverable:    types.NewJobResult("builder"),
	})
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "runner", pub.published[0].queue)
	assert.JSONEq(t, `"`+id.String()+`"`, string(pub.published[0].body))
}

func TestHandleUpdateJobStaleNoDispatch(t *testing.T) {
	srv, pub, _ := newTestServer(t)
	ctx := context.Background()
	id := newJob(t, srv)

	_, err := srv.handleFocusJob(ctx, types.JobFocusRequest{JobID: id, WorkerHostname: "worker-a"})
	require.NoError(t, err)

	pub.published = nil
	_, err = srv.handleUpdateJob(ctx, types.JobUpdateRequest{
		WorkerHostname: "worker-b",
		WorkerType:     "builder",
		WorkerIndex:    0,
		JobID:          id,
		Deliverable:    types.NewJobResult("builder"),
	})
	require.NoError(t, err)
	assert.Empty(t, pub.published)
}

func TestAbortJobUnclaimed(t *testing.T) {
	srv, _, control := newTestServer(t)
	ctx := context.Background()
	id := newJob(t, srv)

	require.NoError(t, srv.AbortJob(ctx, id))
	assert.Empty(t, control.aborts)

	job, err := srv.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAborted, job.Status)

	// Terminal abort is a no-op.
	require.NoError(t, srv.AbortJob(ctx, id))
}

func TestAbortJobClaimedRelaysToWorker(t *testing.T) {
	srv, _, control := newTestServer(t)
	ctx := context.Background()
	id := newJob(t, srv)

	_, err := srv.handleFocusJob(ctx, types.JobFocusRequest{JobID: id, WorkerHostname: "worker-a"})
	require.NoError(t, err)

	require.NoError(t, srv.AbortJob(ctx, id))
	require.Len(t, control.aborts, 1)
	assert.Equal(t, id, control.aborts[0].JobID)
	assert.Equal(t, []string{"worker-a"}, control.hosts)

	// The relay itself did not touch the digest.
	job, err := srv.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, job.Status)
}

func TestAbortJobRelayFailureIsNonFatal(t *testing.T) {
	srv, _, control := newTestServer(t)
	ctx := context.Background()
	id := newJob(t, srv)

	_, err := srv.handleFocusJob(ctx, types.JobFocusRequest{JobID: id, WorkerHostname: "worker-a"})
	require.NoError(t, err)

	control.err = errors.New("no answer")
	assert.NoError(t, srv.AbortJob(ctx, id))
}

func TestAbortJobMissing(t *testing.T) {
	srv, _, _ := newTestServer(t)
	err := srv.AbortJob(context.Background(), types.JobID(0xdeadbeef))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestartJob(t *testing.T) {
	srv, pub, _ := newTestServer(t)
	ctx := context.Background()
	id := newJob(t, srv)

	// Not terminal yet.
	err := srv.RestartJob(ctx, id, 0)
	assert.ErrorIs(t, err, store.ErrNotRestartable)

	require.NoError(t, srv.AbortJob(ctx, id))

	err = srv.RestartJob(ctx, id, 5)
	assert.ErrorIs(t, err, ErrBadStage)

	// fromStage -1 selects the last stage.
	pub.published = nil
	require.NoError(t, srv.RestartJob(ctx, id, -1))
	require.Len(t, pub.published, 1)
	assert.Equal(t, "runner", pub.published[0].queue)

	job, err := srv.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, 1, job.CurrentWorker)
}

func TestLogIntakeIsLogAndDrop(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	id := newJob(t, srv)

	_, err := srv.handleInsertJobLog(ctx, types.JobLog{
		JobID:          id,
		WorkerType:     "builder",
		WorkerHostname: "worker-a",
		Content:        json.RawMessage(`{"msg":"building"}`),
	})
	require.NoError(t, err)

	logs, total, err := srv.store.JobLogs(ctx, id, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, logs, 1)
	assert.JSONEq(t, `{"msg":"building"}`, string(logs[0].Content))

	_, err = srv.handleInsertSystemLog(ctx, types.SystemLog{
		WorkerType:     "builder",
		WorkerHostname: "worker-a",
		Content:        json.RawMessage(`{"event":"online"}`),
	})
	require.NoError(t, err)

	syslogs, total, err := srv.store.SystemLogs(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, syslogs, 1)
}
