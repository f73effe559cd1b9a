package coordinator

import (
	"context"
	"testing"

	"github.com/mediadub/orchestrator/internal/broker"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/mediadub/orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enqueueCall struct {
	taskName string
	args     map[string]any
}

type fakeBroker struct {
	calls []enqueueCall
}

func (b *fakeBroker) Enqueue(ctx context.Context, taskName string, args map[string]any) (string, error) {
	b.calls = append(b.calls, enqueueCall{taskName: taskName, args: args})
	return "task-id", nil
}
func (b *fakeBroker) RegisterHandler(taskName string, fn broker.HandlerFunc, policy broker.RetryPolicy) {
}
func (b *fakeBroker) Run(ctx context.Context) error { return nil }
func (b *fakeBroker) Close() error                  { return nil }

var _ broker.Broker = (*fakeBroker)(nil)

func newJob(t *testing.T, mem *store.Memory) *model.Job {
	t.Helper()
	ctx := context.Background()
	asset, err := mem.Create(ctx, "", nil)
	require.NoError(t, err)
	job, err := mem.CreateJob(ctx, asset, []string{"es"}, nil, nil)
	require.NoError(t, err)
	return job
}

func TestDispatchEnqueuesRunPipelineWithDefaultResumeStage(t *testing.T) {
	mem := store.NewMemory(nil)
	fb := &fakeBroker{}
	c := New(fb, mem)

	require.NoError(t, c.Dispatch(context.Background(), "job-1", "", "log.jsonl"))
	require.Len(t, fb.calls, 1)
	assert.Equal(t, TaskRunPipeline, fb.calls[0].taskName)
	assert.Equal(t, "ASR", fb.calls[0].args["resume_from"])
}

func TestEnqueueNextFollowsFixedStageOrder(t *testing.T) {
	mem := store.NewMemory(nil)
	job := newJob(t, mem)
	fb := &fakeBroker{}
	c := New(fb, mem)

	require.NoError(t, c.EnqueueNext(context.Background(), model.StageASR, job.ExternalID, model.StageASR, "log.jsonl"))
	require.Len(t, fb.calls, 1)
	assert.Equal(t, "run_translate", fb.calls[0].taskName)

	require.NoError(t, c.EnqueueNext(context.Background(), model.StagePackage, job.ExternalID, model.StageASR, "log.jsonl"))
	require.Len(t, fb.calls, 2)
	assert.Equal(t, TaskFinalizeJob, fb.calls[1].taskName)
}

func TestEnqueueNextDoesNothingForCancelledJob(t *testing.T) {
	mem := store.NewMemory(nil)
	job := newJob(t, mem)
	require.NoError(t, mem.Cancel(context.Background(), job.ID, "user"))
	fb := &fakeBroker{}
	c := New(fb, mem)

	require.NoError(t, c.EnqueueNext(context.Background(), model.StageASR, job.ExternalID, model.StageASR, "log.jsonl"))
	assert.Empty(t, fb.calls)
}

func TestFinalizeMarksJobSuccessAtDone(t *testing.T) {
	mem := store.NewMemory(nil)
	job := newJob(t, mem)
	fb := &fakeBroker{}
	c := New(fb, mem)

	require.NoError(t, c.Finalize(context.Background(), job.ExternalID))

	updated, err := mem.GetJobByExternalID(context.Background(), job.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, updated.Status)
	assert.Equal(t, model.StageDone, updated.Stage)
}

func TestFinalizeDoesNotOverrideCancelledStatus(t *testing.T) {
	mem := store.NewMemory(nil)
	job := newJob(t, mem)
	require.NoError(t, mem.Cancel(context.Background(), job.ID, "user"))
	fb := &fakeBroker{}
	c := New(fb, mem)

	require.NoError(t, c.Finalize(context.Background(), job.ExternalID))

	updated, err := mem.GetJobByExternalID(context.Background(), job.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, updated.Status)
}
