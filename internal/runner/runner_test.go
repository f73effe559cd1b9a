package runner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/broker"
	"github.com/mediadub/orchestrator/internal/metrics"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/mediadub/orchestrator/internal/stageworker"
	"github.com/mediadub/orchestrator/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	calls []model.Stage
}

func (e *recordingEnqueuer) EnqueueNext(ctx context.Context, stage model.Stage, jobExternalID string, resumeFrom model.Stage, logFile string) error {
	e.calls = append(e.calls, stage)
	return nil
}

func newTestRunner(t *testing.T) (*Runner, *store.Memory, *artifacts.Workspace, *recordingEnqueuer) {
	t.Helper()
	root := t.TempDir()
	ws := artifacts.NewWorkspace(root)
	mem := store.NewMemory(nil)
	enq := &recordingEnqueuer{}

	r := &Runner{
		Jobs:      mem,
		Assets:    mem,
		Segs:      mem,
		WS:        ws,
		Metrics:   metrics.NewRegistry(prometheus.NewRegistry()),
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Next:      enq,
		ASR:       stageworker.NewStubASR(ws),
		Translate: stageworker.NewLibreTranslate(ws, ""),
		TTS:       stageworker.NewPiperVoices(ws, nil),
	}
	return r, mem, ws, enq
}

func newTestJob(t *testing.T, mem *store.Memory, root string) (*model.Asset, *model.Job) {
	t.Helper()
	ctx := context.Background()
	asset, err := mem.Create(ctx, "", nil)
	require.NoError(t, err)

	sourcePath := filepath.Join(root, "source.wav")
	require.NoError(t, os.WriteFile(sourcePath, make([]byte, 44100*2*2), 0o644))
	require.NoError(t, mem.SetRawKey(ctx, asset.ID, sourcePath, nil, []string{"es"}))

	job, err := mem.CreateJob(ctx, asset, []string{"es"}, map[string]string{"default": "narrator"}, nil)
	require.NoError(t, err)
	return asset, job
}

func TestRunStageASRRunsWorkerAndEnqueuesTranslate(t *testing.T) {
	root := t.TempDir()
	r, mem, _, enq := newTestRunner(t)
	_, job := newTestJob(t, mem, root)

	logFile := filepath.Join(root, "job.jsonl")
	err := r.RunStage(context.Background(), model.StageASR, job.ExternalID, model.StageASR, logFile)
	require.NoError(t, err)

	updated, err := mem.GetJobByExternalID(context.Background(), job.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, updated.Status)
	assert.Equal(t, model.StageASR, updated.Stage)
	entry, ok := updated.StageHistory[model.StageASR]
	require.True(t, ok)
	assert.Equal(t, model.OutcomeSuccess, entry.Status)

	require.Len(t, enq.calls, 1)
	assert.Equal(t, model.StageASR, enq.calls[0])
}

func TestRunStageSkipsWhenArtifactAlreadyPresentAndResumeIsLater(t *testing.T) {
	root := t.TempDir()
	r, mem, ws, enq := newTestRunner(t)
	_, job := newTestJob(t, mem, root)

	require.NoError(t, ws.WriteByRename(ws.ASRSegmentsPath(mustAssetExternalID(t, mem, job)), []byte(`[]`)))

	logFile := filepath.Join(root, "job.jsonl")
	err := r.RunStage(context.Background(), model.StageASR, job.ExternalID, model.StageTranslate, logFile)
	require.NoError(t, err)

	updated, err := mem.GetJobByExternalID(context.Background(), job.ExternalID)
	require.NoError(t, err)
	entry := updated.StageHistory[model.StageASR]
	assert.Equal(t, model.OutcomeSkipped, entry.Status)
	require.Len(t, enq.calls, 1)
}

func TestRunStageOnCancelledJobSkipsWithoutEnqueue(t *testing.T) {
	root := t.TempDir()
	r, mem, _, enq := newTestRunner(t)
	_, job := newTestJob(t, mem, root)
	require.NoError(t, mem.Cancel(context.Background(), job.ID, "user requested"))

	logFile := filepath.Join(root, "job.jsonl")
	err := r.RunStage(context.Background(), model.StageASR, job.ExternalID, model.StageASR, logFile)
	require.NoError(t, err)

	updated, err := mem.GetJobByExternalID(context.Background(), job.ExternalID)
	require.NoError(t, err)
	entry := updated.StageHistory[model.StageASR]
	assert.Equal(t, model.OutcomeSkipped, entry.Status)
	assert.Equal(t, "cancelled", entry.Details["reason"])
	assert.Empty(t, enq.calls)
}

func TestRunStageFailureWithRetriesRemainingReturnsErrorWithoutFailingJob(t *testing.T) {
	root := t.TempDir()
	r, mem, _, enq := newTestRunner(t)
	_, job := newTestJob(t, mem, root)
	r.ASR = failingASR{}

	logFile := filepath.Join(root, "job.jsonl")
	ctx := broker.WithRetryState(context.Background(), broker.RetryState{Attempt: 1, MaxRetries: 3})
	err := r.RunStage(ctx, model.StageASR, job.ExternalID, model.StageASR, logFile)
	require.Error(t, err)

	updated, err := mem.GetJobByExternalID(context.Background(), job.ExternalID)
	require.NoError(t, err)
	assert.NotEqual(t, model.StatusFailed, updated.Status)
	entry := updated.StageHistory[model.StageASR]
	assert.Equal(t, model.OutcomeRetrying, entry.Status)
	assert.Empty(t, enq.calls)
}

func TestRunStageFailureWithNoRetriesLeftMarksJobFailed(t *testing.T) {
	root := t.TempDir()
	r, mem, _, enq := newTestRunner(t)
	_, job := newTestJob(t, mem, root)
	r.ASR = failingASR{}

	logFile := filepath.Join(root, "job.jsonl")
	ctx := broker.WithRetryState(context.Background(), broker.RetryState{Attempt: 4, MaxRetries: 3})
	err := r.RunStage(ctx, model.StageASR, job.ExternalID, model.StageASR, logFile)
	require.Error(t, err)

	updated, err := mem.GetJobByExternalID(context.Background(), job.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, updated.Status)
	require.NotNil(t, updated.FailedStage)
	assert.Equal(t, model.StageASR, *updated.FailedStage)
	assert.Empty(t, enq.calls)
}

type failingASR struct{}

func (failingASR) Run(ctx context.Context, assetExternalID, sourceAudioPath string) ([]model.Segment, error) {
	return nil, assert.AnError
}

func mustAssetExternalID(t *testing.T, mem *store.Memory, job *model.Job) string {
	t.Helper()
	asset, err := mem.GetByID(context.Background(), job.AssetID)
	require.NoError(t, err)
	return asset.ExternalID
}
