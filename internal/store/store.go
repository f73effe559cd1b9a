// Package store provides durable persistence for assets, jobs, and
// segments: the single source of truth the rest of the orchestrator reads
// and writes through narrow, transactional operations (spec §4.2).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mediadub/orchestrator/internal/model"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrExternalIDExists is returned when a create violates the uniqueness
// invariant on an external id.
var ErrExternalIDExists = errors.New("store: external id already exists")

// Page is one page of a listing, with the total row count across all pages.
type Page[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
}

// AssetStore persists Asset rows.
type AssetStore interface {
	Create(ctx context.Context, externalID string, userID *string) (*model.Asset, error)
	GetByExternalID(ctx context.Context, externalID string) (*model.Asset, error)
	GetByID(ctx context.Context, id int64) (*model.Asset, error)

	// SetRawKey registers the raw object key and, when given (non-nil /
	// non-empty), the source language and target languages, replacing any
	// earlier values — the upload-complete step.
	SetRawKey(ctx context.Context, assetID int64, rawKey string, sourceLang *string, targetLangs []string) error

	// PopulateTargetLangsIfAbsent sets target_langs only if currently
	// empty, used by create_translation_job (spec §4.6).
	PopulateTargetLangsIfAbsent(ctx context.Context, assetID int64, targetLangs []string) error

	// UpdateStorageKeys performs a read-modify-write merge of additional
	// storage role → key entries into the asset's storage_keys map.
	UpdateStorageKeys(ctx context.Context, assetID int64, additions map[string]string) error
}

// JobStore persists Job rows and their stage history.
type JobStore interface {
	CreateJob(ctx context.Context, asset *model.Asset, targetLangs []string, presets map[string]string, requestedBy *string) (*model.Job, error)
	GetJobByExternalID(ctx context.Context, externalID string) (*model.Job, error)
	List(ctx context.Context, page, pageSize int) (Page[*model.Job], error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
	CountRunningByStage(ctx context.Context) (map[model.Stage]int, error)
	FetchRecent(ctx context.Context, limit int) ([]*model.Job, error)
	CountActiveForRequester(ctx context.Context, clientID string) (int, error)

	// UpdateStage transitions stage/status/progress, setting started_at on
	// first RUNNING and ended_at on any terminal transition.
	UpdateStage(ctx context.Context, jobID int64, stage model.Stage, status model.Status, progress float64, errMsg *string) error

	// RecordStageHistory overwrites the per-stage history slot.
	RecordStageHistory(ctx context.Context, jobID int64, stage model.Stage, outcome model.StageOutcome, details map[string]any) error

	UpdateLogsKey(ctx context.Context, jobID int64, key *string) error

	// ResetForRetry clears failure state and rewinds to resumeStage.
	ResetForRetry(ctx context.Context, jobID int64, resumeStage model.Stage) error

	// Cancel marks a job CANCELLED at its current stage.
	Cancel(ctx context.Context, jobID int64, reason string) error
}

// SegmentStore persists per-job ASR/Translate segment records.
type SegmentStore interface {
	ReplaceSegments(ctx context.Context, jobID int64, segments []model.Segment) error
	ListSegments(ctx context.Context, jobID int64) ([]model.Segment, error)
}

// Clock is the narrow time dependency the store uses, so tests can freeze
// time instead of asserting against time.Now().
type Clock func() time.Time
