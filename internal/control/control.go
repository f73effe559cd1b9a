// Package control implements the Control API (spec §4.6): the
// programmatic job-control surface the HTTP layer is a thin wrapper
// over. Every operation returns *apierr.Error on failure so the HTTP
// layer can map it to a status code without re-deriving the mapping.
package control

import (
	"context"

	"github.com/mediadub/orchestrator/internal/apierr"
	"github.com/mediadub/orchestrator/internal/coordinator"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/mediadub/orchestrator/internal/store"
)

// Config carries the tunables the Control API needs without depending
// on the whole internal/config package (so tests can construct a
// minimal one inline).
type Config struct {
	AllowedLanguages    []string
	MaxActiveJobsPerKey int
}

func (c Config) isAllowed(lang string) bool {
	for _, l := range c.AllowedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// Control is the job-control API: list/create/get/retry/cancel, backed
// by a JobStore/AssetStore pair and the Coordinator that actually
// enqueues work.
type Control struct {
	Jobs        store.JobStore
	Assets      store.AssetStore
	Coordinator *coordinator.Coordinator
	Config      Config
	LogFileFor  func(assetExternalID, jobExternalID string) string
}

// ListJobs returns a page of jobs ordered by created_at desc.
func (c *Control) ListJobs(ctx context.Context, page, pageSize int) (store.Page[*model.Job], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return c.Jobs.List(ctx, page, pageSize)
}

// CreateTranslationJob validates the request against the asset and
// language allowlist, enforces the per-requester concurrency cap, then
// creates and dispatches the job.
func (c *Control) CreateTranslationJob(ctx context.Context, assetExternalID string, targetLangs []string, presets map[string]string, resumeFrom *model.Stage, clientID string) (*model.Job, error) {
	asset, err := c.Assets.GetByExternalID(ctx, assetExternalID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("asset not found")
		}
		return nil, apierr.Internal("load asset", err)
	}

	for _, lang := range targetLangs {
		if !c.Config.isAllowed(lang) {
			return nil, apierr.Unprocessable("language not allowed: " + lang)
		}
	}

	if len(asset.TargetLangs) == 0 && len(targetLangs) > 0 {
		if err := c.Assets.PopulateTargetLangsIfAbsent(ctx, asset.ID, targetLangs); err != nil {
			return nil, apierr.Internal("populate target languages", err)
		}
	}

	if clientID != "" && clientID != "anonymous" && c.Config.MaxActiveJobsPerKey > 0 {
		active, err := c.Jobs.CountActiveForRequester(ctx, clientID)
		if err != nil {
			return nil, apierr.Internal("count active jobs", err)
		}
		if active >= c.Config.MaxActiveJobsPerKey {
			return nil, apierr.TooManyRequests("too many active jobs for this requester")
		}
	}

	var requestedBy *string
	if clientID != "" && clientID != "anonymous" {
		requestedBy = &clientID
	}

	job, err := c.Jobs.CreateJob(ctx, asset, targetLangs, presets, requestedBy)
	if err != nil {
		return nil, apierr.Internal("create job", err)
	}

	resume := model.StageASR
	if resumeFrom != nil {
		resume = *resumeFrom
	}

	logFile := ""
	if c.LogFileFor != nil {
		logFile = c.LogFileFor(asset.ExternalID, job.ExternalID)
	}
	if err := c.Coordinator.Dispatch(ctx, job.ExternalID, resume, logFile); err != nil {
		return nil, apierr.Internal("dispatch job", err)
	}
	return job, nil
}

// GetJob fetches a single job by its external id.
func (c *Control) GetJob(ctx context.Context, jobExternalID string) (*model.Job, error) {
	job, err := c.Jobs.GetJobByExternalID(ctx, jobExternalID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("job not found")
		}
		return nil, apierr.Internal("load job", err)
	}
	return job, nil
}

// RetryJob resets a job's progress to the given (or its failed) stage
// and re-dispatches it, enforcing the same ownership check as cancel.
func (c *Control) RetryJob(ctx context.Context, jobExternalID string, resumeFrom *model.Stage, clientID string) (*model.Job, error) {
	job, err := c.ownedJob(ctx, jobExternalID, clientID)
	if err != nil {
		return nil, err
	}

	resume := model.StageASR
	if resumeFrom != nil {
		resume = *resumeFrom
	} else if job.FailedStage != nil {
		resume = *job.FailedStage
	}

	if err := c.Jobs.ResetForRetry(ctx, job.ID, resume); err != nil {
		return nil, apierr.Internal("reset job for retry", err)
	}

	logFile := ""
	if c.LogFileFor != nil {
		asset, aerr := c.Assets.GetByID(ctx, job.AssetID)
		if aerr == nil {
			logFile = c.LogFileFor(asset.ExternalID, job.ExternalID)
		}
	}
	if err := c.Coordinator.Dispatch(ctx, job.ExternalID, resume, logFile); err != nil {
		return nil, apierr.Internal("dispatch retried job", err)
	}

	return c.Jobs.GetJobByExternalID(ctx, jobExternalID)
}

// CancelJob marks a job CANCELLED, rejecting an already-successful job.
func (c *Control) CancelJob(ctx context.Context, jobExternalID, clientID string) (*model.Job, error) {
	job, err := c.ownedJob(ctx, jobExternalID, clientID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.StatusSuccess {
		return nil, apierr.BadRequest("cannot cancel a job that already succeeded")
	}
	if err := c.Jobs.Cancel(ctx, job.ID, "cancelled by "+clientID); err != nil {
		return nil, apierr.Internal("cancel job", err)
	}
	return c.Jobs.GetJobByExternalID(ctx, jobExternalID)
}

// ownedJob loads a job and enforces the requested_by ownership check
// shared by retry and cancel: 404 if missing, 403 if owned by someone
// else.
func (c *Control) ownedJob(ctx context.Context, jobExternalID, clientID string) (*model.Job, error) {
	job, err := c.Jobs.GetJobByExternalID(ctx, jobExternalID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("job not found")
		}
		return nil, apierr.Internal("load job", err)
	}
	if job.RequestedBy != nil && *job.RequestedBy != clientID {
		return nil, apierr.Forbidden("job belongs to a different requester")
	}
	return job, nil
}
