package control

import (
	"context"
	"testing"

	"github.com/mediadub/orchestrator/internal/apierr"
	"github.com/mediadub/orchestrator/internal/broker"
	"github.com/mediadub/orchestrator/internal/coordinator"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/mediadub/orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControl(t *testing.T) (*Control, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(nil)
	b := broker.NewInMemory(16)
	t.Cleanup(func() { _ = b.Close() })
	c := &Control{
		Jobs:        mem,
		Assets:      mem,
		Coordinator: coordinator.New(b, mem),
		Config:      Config{AllowedLanguages: []string{"en", "es", "fr"}, MaxActiveJobsPerKey: 2},
	}
	return c, mem
}

func TestCreateTranslationJobReturns404ForUnknownAsset(t *testing.T) {
	c, _ := newTestControl(t)
	_, err := c.CreateTranslationJob(context.Background(), "missing-asset", []string{"es"}, nil, nil, "client-1")
	require.Error(t, err)
	var apiErr *apierr.Error
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestCreateTranslationJobReturns422ForDisallowedLanguage(t *testing.T) {
	c, mem := newTestControl(t)
	asset, err := mem.Create(context.Background(), "", nil)
	require.NoError(t, err)

	_, err = c.CreateTranslationJob(context.Background(), asset.ExternalID, []string{"zz"}, nil, nil, "client-1")
	require.Error(t, err)
	var apiErr *apierr.Error
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.Status)
}

func TestCreateTranslationJobReturns429WhenOverActiveLimit(t *testing.T) {
	c, mem := newTestControl(t)
	asset, err := mem.Create(context.Background(), "", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.CreateTranslationJob(context.Background(), asset.ExternalID, []string{"es"}, nil, nil, "client-1")
		require.NoError(t, err)
	}

	_, err = c.CreateTranslationJob(context.Background(), asset.ExternalID, []string{"es"}, nil, nil, "client-1")
	require.Error(t, err)
	var apiErr *apierr.Error
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.Status)
}

func TestCreateTranslationJobSucceedsAndDispatches(t *testing.T) {
	c, mem := newTestControl(t)
	asset, err := mem.Create(context.Background(), "", nil)
	require.NoError(t, err)

	job, err := c.CreateTranslationJob(context.Background(), asset.ExternalID, []string{"es"}, nil, nil, "client-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, job.Status)
	assert.Equal(t, []string{"es"}, job.TargetLangs)
}

func TestCancelJobRejectsAlreadySuccessfulJob(t *testing.T) {
	c, mem := newTestControl(t)
	asset, err := mem.Create(context.Background(), "", nil)
	require.NoError(t, err)
	job, err := mem.CreateJob(context.Background(), asset, []string{"es"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, mem.UpdateStage(context.Background(), job.ID, model.StageDone, model.StatusSuccess, 1.0, nil))

	_, err = c.CancelJob(context.Background(), job.ExternalID, "anonymous")
	require.Error(t, err)
	var apiErr *apierr.Error
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
}

func TestCancelJobReturns403WhenOwnedBySomeoneElse(t *testing.T) {
	c, mem := newTestControl(t)
	asset, err := mem.Create(context.Background(), "", nil)
	require.NoError(t, err)
	owner := "owner-1"
	job, err := mem.CreateJob(context.Background(), asset, []string{"es"}, nil, &owner)
	require.NoError(t, err)

	_, err = c.CancelJob(context.Background(), job.ExternalID, "someone-else")
	require.Error(t, err)
	var apiErr *apierr.Error
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Status)
}

func TestRetryJobResetsToFailedStageByDefault(t *testing.T) {
	c, mem := newTestControl(t)
	asset, err := mem.Create(context.Background(), "", nil)
	require.NoError(t, err)
	job, err := mem.CreateJob(context.Background(), asset, []string{"es"}, nil, nil)
	require.NoError(t, err)
	msg := "boom"
	require.NoError(t, mem.UpdateStage(context.Background(), job.ID, model.StageTTS, model.StatusFailed, 0.55, &msg))

	retried, err := c.RetryJob(context.Background(), job.ExternalID, nil, "anonymous")
	require.NoError(t, err)
	assert.Equal(t, model.StageTTS, retried.Stage)
	assert.Equal(t, model.StatusPending, retried.Status)
}
