package store

import (
	"context"
	"testing"
	"time"

	"github.com/mediadub/orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateJobDefaultsToASRPending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	asset, err := m.Create(ctx, "", nil)
	require.NoError(t, err)

	job, err := m.CreateJob(ctx, asset, []string{"es"}, map[string]string{"default": "female_bright"}, nil)
	require.NoError(t, err)

	assert.Equal(t, model.StageASR, job.Stage)
	assert.Equal(t, model.StatusPending, job.Status)
	assert.Zero(t, job.Progress)
	assert.Nil(t, job.StartedAt)
}

func TestUpdateStageSetsStartedAtOnlyOnFirstRunning(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(func() time.Time { return fixed })

	asset, _ := m.Create(ctx, "", nil)
	job, _ := m.CreateJob(ctx, asset, []string{"es"}, nil, nil)

	require.NoError(t, m.UpdateStage(ctx, job.ID, model.StageASR, model.StatusRunning, 0.10, nil))
	got, err := m.GetJobByExternalID(ctx, job.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, fixed, *got.StartedAt)

	later := fixed.Add(time.Minute)
	m.now = func() time.Time { return later }
	require.NoError(t, m.UpdateStage(ctx, job.ID, model.StageTranslate, model.StatusRunning, 0.30, nil))
	got, err = m.GetJobByExternalID(ctx, job.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, fixed, *got.StartedAt, "started_at must not move on a later RUNNING transition")
}

func TestUpdateStageSetsEndedAtOnTerminalTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	asset, _ := m.Create(ctx, "", nil)
	job, _ := m.CreateJob(ctx, asset, []string{"es"}, nil, nil)

	require.NoError(t, m.UpdateStage(ctx, job.ID, model.StageDone, model.StatusSuccess, 1.0, nil))
	got, err := m.GetJobByExternalID(ctx, job.ExternalID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)
}

func TestResetForRetryClearsFailureState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	asset, _ := m.Create(ctx, "", nil)
	job, _ := m.CreateJob(ctx, asset, []string{"es"}, nil, nil)

	errMsg := "boom"
	require.NoError(t, m.UpdateStage(ctx, job.ID, model.StageASR, model.StatusFailed, 0.10, &errMsg))

	require.NoError(t, m.ResetForRetry(ctx, job.ID, model.StageAlignMix))
	got, err := m.GetJobByExternalID(ctx, job.ExternalID)
	require.NoError(t, err)

	assert.Nil(t, got.FailedStage)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, model.StageAlignMix, got.Stage)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.Progress)
}

func TestCancelSetsTerminalFieldsAtCurrentStage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	asset, _ := m.Create(ctx, "", nil)
	job, _ := m.CreateJob(ctx, asset, []string{"es"}, nil, nil)
	require.NoError(t, m.UpdateStage(ctx, job.ID, model.StageTTS, model.StatusRunning, 0.55, nil))

	require.NoError(t, m.Cancel(ctx, job.ID, "user requested"))
	got, err := m.GetJobByExternalID(ctx, job.ExternalID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCancelled, got.Status)
	require.NotNil(t, got.FailedStage)
	assert.Equal(t, model.StageTTS, *got.FailedStage)
	assert.Equal(t, 1.0, got.Progress)
	assert.NotNil(t, got.EndedAt)
}

func TestCountActiveForRequesterCountsPendingAndRunningOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	client := "client-a"

	asset, _ := m.Create(ctx, "", nil)

	pending, _ := m.CreateJob(ctx, asset, []string{"es"}, nil, &client)
	running, _ := m.CreateJob(ctx, asset, []string{"es"}, nil, &client)
	done, _ := m.CreateJob(ctx, asset, []string{"es"}, nil, &client)

	require.NoError(t, m.UpdateStage(ctx, running.ID, model.StageASR, model.StatusRunning, 0.1, nil))
	require.NoError(t, m.UpdateStage(ctx, done.ID, model.StageDone, model.StatusSuccess, 1.0, nil))
	_ = pending

	n, err := m.CountActiveForRequester(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestListOrdersByCreatedAtDescendingWithTotal(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	m := NewMemory(func() time.Time {
		t := tick
		tick = tick.Add(time.Second)
		return t
	})

	asset, _ := m.Create(ctx, "", nil)
	for i := 0; i < 3; i++ {
		_, err := m.CreateJob(ctx, asset, []string{"es"}, nil, nil)
		require.NoError(t, err)
	}

	page, err := m.List(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.Items[0].CreatedAt.After(page.Items[1].CreatedAt))
}

func TestReplaceAndListSegmentsOrdersByIdx(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	segs := []model.Segment{
		{Idx: 2, TextSrc: "c"},
		{Idx: 0, TextSrc: "a"},
		{Idx: 1, TextSrc: "b"},
	}
	require.NoError(t, m.ReplaceSegments(ctx, 1, segs))

	got, err := m.ListSegments(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].TextSrc)
	assert.Equal(t, "b", got[1].TextSrc)
	assert.Equal(t, "c", got[2].TextSrc)
}

func TestGetByExternalIDNotFound(t *testing.T) {
	m := NewMemory(nil)
	_, err := m.GetByExternalID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
