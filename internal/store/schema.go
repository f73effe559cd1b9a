package store

// Schema is the DDL bootstrapped by cmd/server on startup.
// There is no migration framework here — the tables are small and
// additive; a real deployment would layer pressly/goose on top, but that
// is cut as a Non-goal per spec §1 ("database migration" is out of scope,
// used only through a narrow interface).
const Schema = `
CREATE TABLE IF NOT EXISTS assets (
	id               BIGSERIAL PRIMARY KEY,
	external_id      TEXT NOT NULL UNIQUE,
	user_id          TEXT,
	source_lang      TEXT,
	target_langs     JSONB NOT NULL DEFAULT '[]',
	storage_keys     JSONB NOT NULL DEFAULT '{}',
	duration_seconds DOUBLE PRECISION,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id            BIGSERIAL PRIMARY KEY,
	external_id   TEXT NOT NULL UNIQUE,
	asset_id      BIGINT NOT NULL REFERENCES assets(id),
	stage         TEXT NOT NULL,
	status        TEXT NOT NULL,
	progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
	target_langs  JSONB NOT NULL DEFAULT '[]',
	presets       JSONB NOT NULL DEFAULT '{}',
	requested_by  TEXT,
	started_at    TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ,
	failed_stage  TEXT,
	error_message TEXT,
	logs_key      TEXT,
	stage_history JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_requested_by ON jobs (requested_by);
CREATE INDEX IF NOT EXISTS idx_jobs_asset_id ON jobs (asset_id);

CREATE TABLE IF NOT EXISTS segments (
	job_id          BIGINT NOT NULL REFERENCES jobs(id),
	idx             INT NOT NULL,
	t0              DOUBLE PRECISION NOT NULL,
	t1              DOUBLE PRECISION NOT NULL,
	text_src        TEXT NOT NULL DEFAULT '',
	detected_lang   TEXT NOT NULL DEFAULT '',
	speaker_id      TEXT NOT NULL DEFAULT '',
	text_tgt        TEXT NOT NULL DEFAULT '',
	synth_audio_key TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, idx)
);

CREATE TABLE IF NOT EXISTS api_keys (
	key_hash   TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys (user_id);
`
