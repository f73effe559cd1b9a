// Package model defines the core entities of the dubbing job pipeline:
// assets, jobs, segments, and the stage/status enums that drive the
// orchestrator's state machine.
package model

import (
	"strings"
	"time"
)

// Stage is a step in the dubbing pipeline. Ordering follows the fixed
// stage graph: INGESTED < ASR < TRANSLATE < TTS < ALIGN_MIX < PACKAGE <
// PUBLISHED < DONE. PUBLISHED is an intermediate synonym elided by the
// coordinator's next-stage table; DONE is the only terminal stage value.
type Stage string

const (
	StageIngested  Stage = "INGESTED"
	StageASR       Stage = "ASR"
	StageTranslate Stage = "TRANSLATE"
	StageTTS       Stage = "TTS"
	StageAlignMix  Stage = "ALIGN_MIX"
	StagePackage   Stage = "PACKAGE"
	StagePublished Stage = "PUBLISHED"
	StageDone      Stage = "DONE"
)

var stageOrder = map[Stage]int{
	StageIngested:  0,
	StageASR:       1,
	StageTranslate: 2,
	StageTTS:       3,
	StageAlignMix:  4,
	StagePackage:   5,
	StagePublished: 6,
	StageDone:      7,
}

// Order returns the stage's position in the fixed pipeline graph. Unknown
// stages sort last so callers default to "never skip".
func (s Stage) Order() int {
	if o, ok := stageOrder[s]; ok {
		return o
	}
	return len(stageOrder)
}

// ParseStage resolves a resume_from value to a Stage, defaulting unknown
// or empty values to ASR per spec.
func ParseStage(s string) Stage {
	switch Stage(s) {
	case StageIngested, StageASR, StageTranslate, StageTTS, StageAlignMix, StagePackage, StagePublished, StageDone:
		return Stage(s)
	default:
		return StageASR
	}
}

// BaselineProgress is the fixed progress value a job is set to the moment
// it transitions to RUNNING at a given stage.
func BaselineProgress(s Stage) float64 {
	switch s {
	case StageASR:
		return 0.10
	case StageTranslate:
		return 0.30
	case StageTTS:
		return 0.55
	case StageAlignMix:
		return 0.75
	case StagePackage:
		return 0.90
	case StageDone:
		return 1.00
	default:
		return 0.01
	}
}

// NextStage returns the stage the coordinator enqueues after s succeeds,
// and false once the chain reaches PACKAGE (the caller should finalize).
func NextStage(s Stage) (Stage, bool) {
	switch s {
	case StageASR:
		return StageTranslate, true
	case StageTranslate:
		return StageTTS, true
	case StageTTS:
		return StageAlignMix, true
	case StageAlignMix:
		return StagePackage, true
	default:
		return "", false
	}
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status ends a job's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// StageOutcome records the most recent result of a stage attempt.
type StageOutcome string

const (
	OutcomeStarted  StageOutcome = "started"
	OutcomeSuccess  StageOutcome = "success"
	OutcomeSkipped  StageOutcome = "skipped"
	OutcomeRetrying StageOutcome = "retrying"
	OutcomeFailed   StageOutcome = "failed"
)

// StageHistoryEntry is the per-stage slot recorded on a Job. Each new
// attempt overwrites the slot for its stage; the map as a whole is
// append-only across stages.
type StageHistoryEntry struct {
	Status    StageOutcome   `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Asset is an uploaded source audio and its metadata — the unit of work
// that jobs operate on.
type Asset struct {
	ID              int64             `json:"-"`
	ExternalID      string            `json:"id"`
	UserID          *string           `json:"userId,omitempty"`
	SourceLang      *string           `json:"sourceLang,omitempty"`
	TargetLangs     []string          `json:"targetLangs,omitempty"`
	StorageKeys     map[string]string `json:"storageKeys,omitempty"`
	DurationSeconds *float64          `json:"durationSeconds,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// HasRaw reports whether the asset has a raw source object registered.
func (a *Asset) HasRaw() bool {
	_, ok := a.StorageKeys["raw"]
	return ok
}

// PublicKey returns the published object key for a language, if any.
func (a *Asset) PublicKey(lang string) (string, bool) {
	k, ok := a.StorageKeys["public_"+lang]
	return k, ok
}

// PublishedLanguages returns the lang->object-key pairs already published
// on the asset, keyed by language code (the "public_<lang>" storage_keys
// roles with the prefix stripped).
func (a *Asset) PublishedLanguages() map[string]string {
	published := make(map[string]string)
	for role, key := range a.StorageKeys {
		lang, ok := strings.CutPrefix(role, "public_")
		if ok {
			published[lang] = key
		}
	}
	return published
}

// Job is one requested translation run over an asset into one or more
// target languages.
type Job struct {
	ID         int64  `json:"-"`
	ExternalID string `json:"id"`
	// AssetID is the internal foreign key into the asset table, not the
	// asset's externally-visible id, so it stays off the wire.
	AssetID      int64                       `json:"-"`
	Stage        Stage                       `json:"stage"`
	Status       Status                      `json:"status"`
	Progress     float64                     `json:"progress"`
	TargetLangs  []string                    `json:"targetLangs,omitempty"`
	Presets      map[string]string           `json:"presets,omitempty"`
	RequestedBy  *string                     `json:"requestedBy,omitempty"`
	StartedAt    *time.Time                  `json:"startedAt,omitempty"`
	EndedAt      *time.Time                  `json:"endedAt,omitempty"`
	FailedStage  *Stage                      `json:"failedStage,omitempty"`
	ErrorMessage *string                     `json:"errorMessage,omitempty"`
	LogsKey      *string                     `json:"logsKey,omitempty"`
	StageHistory map[Stage]StageHistoryEntry `json:"stageHistory,omitempty"`
	CreatedAt    time.Time                   `json:"createdAt"`
	UpdatedAt    time.Time                   `json:"updatedAt"`
}

// ResolveTargetLangs applies the fallback chain from spec §4.4:
// job.target_langs or asset.target_langs or ["es"].
func (j *Job) ResolveTargetLangs(asset *Asset) []string {
	if len(j.TargetLangs) > 0 {
		return j.TargetLangs
	}
	if asset != nil && len(asset.TargetLangs) > 0 {
		return asset.TargetLangs
	}
	return []string{"es"}
}

// Segment is one ASR/Translate record: dense, totally ordered by Idx.
type Segment struct {
	Idx           int     `json:"idx"`
	T0            float64 `json:"t0"`
	T1            float64 `json:"t1"`
	TextSrc       string  `json:"text_src"`
	DetectedLang  string  `json:"detectedLang,omitempty"`
	SpeakerID     string  `json:"speakerId,omitempty"`
	TextTgt       string  `json:"text_tgt,omitempty"`
	SynthAudioKey string  `json:"synthAudioKey,omitempty"`
}
