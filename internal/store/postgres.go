package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/oklog/ulid/v2"
)

// Postgres is the production-grade AssetStore/JobStore/SegmentStore,
// backed by a pgx connection pool. Every multi-statement operation runs
// inside a short transaction (spec §4.2: "all writes go through short
// transactions").
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool against databaseURL and verifies
// connectivity with a ping.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying connection pool for packages that need
// to run queries against tables Postgres itself doesn't model, such as
// internal/apikeys.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Bootstrap applies Schema. Safe to call on every startup; every
// statement is idempotent (CREATE ... IF NOT EXISTS).
func (p *Postgres) Bootstrap(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, Schema)
	return err
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func newExternalIDPG() string {
	return ulid.Make().String()
}

// --- AssetStore ---

func (p *Postgres) Create(ctx context.Context, externalID string, userID *string) (*model.Asset, error) {
	if externalID == "" {
		externalID = newExternalIDPG()
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO assets (external_id, user_id)
		VALUES ($1, $2)
		RETURNING id, external_id, user_id, source_lang, target_langs, storage_keys, duration_seconds, created_at, updated_at
	`, externalID, userID)
	return scanAsset(row)
}

func (p *Postgres) GetByExternalID(ctx context.Context, externalID string) (*model.Asset, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, external_id, user_id, source_lang, target_langs, storage_keys, duration_seconds, created_at, updated_at
		FROM assets WHERE external_id = $1
	`, externalID)
	return scanAsset(row)
}

func (p *Postgres) GetByID(ctx context.Context, id int64) (*model.Asset, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, external_id, user_id, source_lang, target_langs, storage_keys, duration_seconds, created_at, updated_at
		FROM assets WHERE id = $1
	`, id)
	return scanAsset(row)
}

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var a model.Asset
	var targetLangs, storageKeys []byte
	err := row.Scan(&a.ID, &a.ExternalID, &a.UserID, &a.SourceLang, &targetLangs, &storageKeys, &a.DurationSeconds, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(targetLangs, &a.TargetLangs); err != nil {
		return nil, fmt.Errorf("unmarshal target_langs: %w", err)
	}
	a.StorageKeys = map[string]string{}
	if err := json.Unmarshal(storageKeys, &a.StorageKeys); err != nil {
		return nil, fmt.Errorf("unmarshal storage_keys: %w", err)
	}
	return &a, nil
}

func (p *Postgres) SetRawKey(ctx context.Context, assetID int64, rawKey string, sourceLang *string, targetLangs []string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var storageKeys []byte
	if err := tx.QueryRow(ctx, `SELECT storage_keys FROM assets WHERE id = $1 FOR UPDATE`, assetID).Scan(&storageKeys); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	keys := map[string]string{}
	if err := json.Unmarshal(storageKeys, &keys); err != nil {
		return err
	}
	keys["raw"] = rawKey
	merged, err := json.Marshal(keys)
	if err != nil {
		return err
	}

	var targetLangsJSON []byte
	if len(targetLangs) > 0 {
		if targetLangsJSON, err = json.Marshal(targetLangs); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE assets SET storage_keys = $1, source_lang = COALESCE($2, source_lang),
				target_langs = $3, updated_at = now()
			WHERE id = $4
		`, merged, sourceLang, targetLangsJSON, assetID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE assets SET storage_keys = $1, source_lang = COALESCE($2, source_lang), updated_at = now()
			WHERE id = $3
		`, merged, sourceLang, assetID)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) PopulateTargetLangsIfAbsent(ctx context.Context, assetID int64, targetLangs []string) error {
	payload, err := json.Marshal(targetLangs)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE assets SET target_langs = $1, updated_at = now()
		WHERE id = $2 AND target_langs = '[]'::jsonb
	`, payload, assetID)
	if err != nil {
		return err
	}
	_ = tag
	return nil
}

func (p *Postgres) UpdateStorageKeys(ctx context.Context, assetID int64, additions map[string]string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var storageKeys []byte
	if err := tx.QueryRow(ctx, `SELECT storage_keys FROM assets WHERE id = $1 FOR UPDATE`, assetID).Scan(&storageKeys); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	keys := map[string]string{}
	if err := json.Unmarshal(storageKeys, &keys); err != nil {
		return err
	}
	for k, v := range additions {
		keys[k] = v
	}
	merged, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE assets SET storage_keys = $1, updated_at = now() WHERE id = $2`, merged, assetID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- JobStore ---

func (p *Postgres) CreateJob(ctx context.Context, asset *model.Asset, targetLangs []string, presets map[string]string, requestedBy *string) (*model.Job, error) {
	targetLangsJSON, err := json.Marshal(targetLangs)
	if err != nil {
		return nil, err
	}
	if presets == nil {
		presets = map[string]string{}
	}
	presetsJSON, err := json.Marshal(presets)
	if err != nil {
		return nil, err
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO jobs (external_id, asset_id, stage, status, progress, target_langs, presets, requested_by, stage_history)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, '{}')
		RETURNING id, external_id, asset_id, stage, status, progress, target_langs, presets, requested_by,
			started_at, ended_at, failed_stage, error_message, logs_key, stage_history, created_at, updated_at
	`, newExternalIDPG(), asset.ID, model.StageASR, model.StatusPending, targetLangsJSON, presetsJSON, requestedBy)
	return scanJob(row)
}

func (p *Postgres) GetJobByExternalID(ctx context.Context, externalID string) (*model.Job, error) {
	row := p.pool.QueryRow(ctx, jobSelectColumns+` WHERE external_id = $1`, externalID)
	return scanJob(row)
}

const jobSelectColumns = `
	SELECT id, external_id, asset_id, stage, status, progress, target_langs, presets, requested_by,
		started_at, ended_at, failed_stage, error_message, logs_key, stage_history, created_at, updated_at
	FROM jobs
`

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var targetLangs, presets, stageHistory []byte
	err := row.Scan(&j.ID, &j.ExternalID, &j.AssetID, &j.Stage, &j.Status, &j.Progress, &targetLangs, &presets,
		&j.RequestedBy, &j.StartedAt, &j.EndedAt, &j.FailedStage, &j.ErrorMessage, &j.LogsKey, &stageHistory,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(targetLangs, &j.TargetLangs); err != nil {
		return nil, fmt.Errorf("unmarshal target_langs: %w", err)
	}
	j.Presets = map[string]string{}
	if err := json.Unmarshal(presets, &j.Presets); err != nil {
		return nil, fmt.Errorf("unmarshal presets: %w", err)
	}
	j.StageHistory = map[model.Stage]model.StageHistoryEntry{}
	if err := json.Unmarshal(stageHistory, &j.StageHistory); err != nil {
		return nil, fmt.Errorf("unmarshal stage_history: %w", err)
	}
	return &j, nil
}

func (p *Postgres) List(ctx context.Context, page, pageSize int) (Page[*model.Job], error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM jobs`).Scan(&total); err != nil {
		return Page[*model.Job]{}, err
	}

	offset := (page - 1) * pageSize
	if offset < 0 {
		offset = 0
	}
	rows, err := p.pool.Query(ctx, jobSelectColumns+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, pageSize, offset)
	if err != nil {
		return Page[*model.Job]{}, err
	}
	defer rows.Close()

	var items []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return Page[*model.Job]{}, err
		}
		items = append(items, j)
	}
	return Page[*model.Job]{Items: items, Total: total, Page: page, PageSize: pageSize}, rows.Err()
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.Status]int{}
	for rows.Next() {
		var status model.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (p *Postgres) CountRunningByStage(ctx context.Context) (map[model.Stage]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT stage, count(*) FROM jobs WHERE status = $1 GROUP BY stage`, model.StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.Stage]int{}
	for rows.Next() {
		var stage model.Stage
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		out[stage] = n
	}
	return out, rows.Err()
}

func (p *Postgres) FetchRecent(ctx context.Context, limit int) ([]*model.Job, error) {
	rows, err := p.pool.Query(ctx, jobSelectColumns+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) CountActiveForRequester(ctx context.Context, clientID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE requested_by = $1 AND status IN ($2, $3)
	`, clientID, model.StatusPending, model.StatusRunning).Scan(&n)
	return n, err
}

func (p *Postgres) UpdateStage(ctx context.Context, jobID int64, stage model.Stage, status model.Status, progress float64, errMsg *string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var startedAt *time.Time
	var endedAt *time.Time
	if err := tx.QueryRow(ctx, `SELECT started_at, ended_at FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&startedAt, &endedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	now := time.Now().UTC()
	if status == model.StatusRunning && startedAt == nil {
		startedAt = &now
	}
	if status.IsTerminal() && endedAt == nil {
		endedAt = &now
	}

	var failedStage *model.Stage
	if status == model.StatusFailed {
		s := stage
		failedStage = &s
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET stage = $1, status = $2, progress = $3, error_message = $4,
			started_at = $5, ended_at = $6,
			failed_stage = COALESCE($7, failed_stage),
			updated_at = now()
		WHERE id = $8
	`, stage, status, progress, errMsg, startedAt, endedAt, failedStage, jobID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) RecordStageHistory(ctx context.Context, jobID int64, stage model.Stage, outcome model.StageOutcome, details map[string]any) error {
	entry := model.StageHistoryEntry{Status: outcome, Details: details, UpdatedAt: time.Now().UTC()}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE jobs SET stage_history = jsonb_set(stage_history, $1, $2::jsonb, true), updated_at = now()
		WHERE id = $3
	`, []string{string(stage)}, string(entryJSON), jobID)
	return err
}

func (p *Postgres) UpdateLogsKey(ctx context.Context, jobID int64, key *string) error {
	_, err := p.pool.Exec(ctx, `UPDATE jobs SET logs_key = $1, updated_at = now() WHERE id = $2`, key, jobID)
	return err
}

func (p *Postgres) ResetForRetry(ctx context.Context, jobID int64, resumeStage model.Stage) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE jobs SET failed_stage = NULL, error_message = NULL, started_at = NULL, ended_at = NULL,
			stage = $1, status = $2, progress = 0, updated_at = now()
		WHERE id = $3
	`, resumeStage, model.StatusPending, jobID)
	return err
}

func (p *Postgres) Cancel(ctx context.Context, jobID int64, reason string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, failed_stage = stage, progress = 1.0, ended_at = now(), updated_at = now()
		WHERE id = $2
	`, model.StatusCancelled, jobID)
	return err
}

// --- SegmentStore ---

func (p *Postgres) ReplaceSegments(ctx context.Context, jobID int64, segments []model.Segment) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE job_id = $1`, jobID); err != nil {
		return err
	}
	for _, s := range segments {
		_, err := tx.Exec(ctx, `
			INSERT INTO segments (job_id, idx, t0, t1, text_src, detected_lang, speaker_id, text_tgt, synth_audio_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, jobID, s.Idx, s.T0, s.T1, s.TextSrc, s.DetectedLang, s.SpeakerID, s.TextTgt, s.SynthAudioKey)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ListSegments(ctx context.Context, jobID int64) ([]model.Segment, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT idx, t0, t1, text_src, detected_lang, speaker_id, text_tgt, synth_audio_key
		FROM segments WHERE job_id = $1 ORDER BY idx ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Segment
	for rows.Next() {
		var s model.Segment
		if err := rows.Scan(&s.Idx, &s.T0, &s.T1, &s.TextSrc, &s.DetectedLang, &s.SpeakerID, &s.TextTgt, &s.SynthAudioKey); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var (
	_ AssetStore   = (*Postgres)(nil)
	_ JobStore     = (*Postgres)(nil)
	_ SegmentStore = (*Postgres)(nil)
)
