// Package runner implements the Stage Runner protocol (spec §4.4): the
// nine steps every stage invocation follows regardless of which stage it
// is, from binding a per-job log sink through enqueueing the next stage.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/broker"
	"github.com/mediadub/orchestrator/internal/metrics"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/mediadub/orchestrator/internal/observability"
	"github.com/mediadub/orchestrator/internal/stageworker"
	"github.com/mediadub/orchestrator/internal/store"
)

// Enqueuer is the subset of the Pipeline Coordinator a Runner needs: it
// must be able to schedule the next stage task without the runner
// depending on the coordinator's dispatch/cancellation bookkeeping.
type Enqueuer interface {
	EnqueueNext(ctx context.Context, stage model.Stage, jobExternalID string, resumeFrom model.Stage, logFile string) error
}

// Runner executes one stage invocation end to end: load state, decide
// skip-or-run, invoke the appropriate stage worker per target language,
// record the outcome, and hand off to the coordinator for the next hop.
type Runner struct {
	Jobs    store.JobStore
	Assets  store.AssetStore
	Segs    store.SegmentStore
	WS      *artifacts.Workspace
	Metrics *metrics.Registry
	Logger  *slog.Logger
	Next    Enqueuer

	ASR       stageworker.ASRWorker
	Translate stageworker.TranslateWorker
	TTS       stageworker.TTSWorker
	Mix       stageworker.MixWorker
	Package   stageworker.PackageWorker
}

// RunStage implements the 9-step protocol of spec §4.4 for one stage of
// one job. resumeFrom is the stage the overall pipeline run was asked to
// resume from (parsed once at run_pipeline time and threaded through
// every subsequent task).
func (r *Runner) RunStage(ctx context.Context, stage model.Stage, jobExternalID string, resumeFrom model.Stage, logFile string) error {
	// Step 1: bind the per-job log sink.
	job, err := r.Jobs.GetJobByExternalID(ctx, jobExternalID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobExternalID, err)
	}
	asset, err := r.Assets.GetByID(ctx, job.AssetID)
	if err != nil {
		return fmt.Errorf("load asset %d: %w", job.AssetID, err)
	}

	sink, sinkErr := observability.NewJobSink(logFile, jobExternalID, asset.ExternalID, r.Logger)
	if sinkErr != nil {
		r.Logger.Warn("failed to open job log sink, continuing without one", "job_id", jobExternalID, "error", sinkErr)
	}
	defer sink.Close()
	ctx = observability.WithJobSink(ctx, sink)

	if job.Status == model.StatusCancelled {
		sink.Emit(string(stage), "SKIP", "job cancelled, not executing stage", nil)
		if err := r.Jobs.RecordStageHistory(ctx, job.ID, stage, model.OutcomeSkipped, map[string]any{"reason": "cancelled"}); err != nil {
			return fmt.Errorf("record cancelled stage history: %w", err)
		}
		return nil
	}

	// Step 2: resolve target languages.
	targetLangs := job.ResolveTargetLangs(asset)

	// Step 3: compute artifact_ready for the full language set.
	artifactReady := r.artifactReady(stage, asset, targetLangs)

	// Step 4: should_skip.
	shouldSkip := stage.Order() < resumeFrom.Order() && artifactReady

	// Step 5: transition to RUNNING at the stage's baseline progress.
	baseline := model.BaselineProgress(stage)
	if err := r.Jobs.UpdateStage(ctx, job.ID, stage, model.StatusRunning, baseline, nil); err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}

	// Step 6: skip path.
	if shouldSkip {
		sink.Emit(string(stage), "SKIP", "artifacts already present, skipping", map[string]any{"languages": targetLangs})
		if err := r.Jobs.RecordStageHistory(ctx, job.ID, stage, model.OutcomeSkipped, map[string]any{"languages": targetLangs}); err != nil {
			return fmt.Errorf("record skipped stage history: %w", err)
		}
		return r.enqueueNext(ctx, stage, jobExternalID, resumeFrom, logFile)
	}

	// Step 7: timed stage context.
	start := time.Now()
	sink.Emit(string(stage), "START", "stage starting", map[string]any{"languages": targetLangs})

	languageOutcomes, runErr := r.runStageWorker(ctx, stage, asset, job, targetLangs)
	durationMs := time.Since(start).Milliseconds()

	if runErr != nil {
		return r.handleFailure(ctx, stage, job, jobExternalID, resumeFrom, logFile, sink, runErr, durationMs)
	}

	// Step 8: success.
	sink.Emit(string(stage), "SUCCESS", "stage completed", map[string]any{"languages": languageOutcomes, "durationMs": durationMs})
	if err := r.Jobs.RecordStageHistory(ctx, job.ID, stage, model.OutcomeSuccess, map[string]any{
		"languages":  languageOutcomes,
		"durationMs": durationMs,
	}); err != nil {
		return fmt.Errorf("record success stage history: %w", err)
	}
	r.Metrics.RecordStageOutcome(jobExternalID, stage, model.OutcomeSuccess, time.Now().UnixNano(), float64(durationMs)/1000.0)

	// Step 9: enqueue next stage.
	return r.enqueueNext(ctx, stage, jobExternalID, resumeFrom, logFile)
}

func (r *Runner) handleFailure(ctx context.Context, stage model.Stage, job *model.Job, jobExternalID string, resumeFrom model.Stage, logFile string, sink *observability.JobSink, runErr error, durationMs int64) error {
	rs, _ := broker.RetryStateFromContext(ctx)
	willRetry := rs.WillRetry()

	details := map[string]any{"error": runErr.Error(), "attempt": rs.Attempt, "durationMs": durationMs}

	if willRetry {
		sink.Emit(string(stage), "RETRY", runErr.Error(), details)
		if err := r.Jobs.RecordStageHistory(ctx, job.ID, stage, model.OutcomeRetrying, details); err != nil {
			return fmt.Errorf("record retrying stage history: %w", err)
		}
		r.Metrics.RecordStageOutcome(jobExternalID, stage, model.OutcomeRetrying, time.Now().UnixNano(), float64(durationMs)/1000.0)
		return runErr
	}

	sink.Emit(string(stage), "FAILED", runErr.Error(), details)
	if err := r.Jobs.RecordStageHistory(ctx, job.ID, stage, model.OutcomeFailed, details); err != nil {
		return fmt.Errorf("record failed stage history: %w", err)
	}
	msg := runErr.Error()
	if err := r.Jobs.UpdateStage(ctx, job.ID, stage, model.StatusFailed, job.Progress, &msg); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	r.Metrics.RecordStageOutcome(jobExternalID, stage, model.OutcomeFailed, time.Now().UnixNano(), float64(durationMs)/1000.0)
	return runErr
}

func (r *Runner) enqueueNext(ctx context.Context, stage model.Stage, jobExternalID string, resumeFrom model.Stage, logFile string) error {
	if r.Next == nil {
		return nil
	}
	return r.Next.EnqueueNext(ctx, stage, jobExternalID, resumeFrom, logFile)
}

// artifactReady reports whether every target language already has the
// stage's output artifact on disk/in storage.
func (r *Runner) artifactReady(stage model.Stage, asset *model.Asset, langs []string) bool {
	assetExternalID := asset.ExternalID
	switch stage {
	case model.StageASR:
		return r.WS.HasASR(assetExternalID)
	case model.StageTranslate:
		return len(r.WS.MissingTranslations(assetExternalID, langs)) == 0
	case model.StageTTS:
		return len(r.WS.MissingTTS(assetExternalID, langs)) == 0
	case model.StageAlignMix:
		return len(r.WS.MissingMixes(assetExternalID, langs)) == 0
	case model.StagePackage:
		return len(artifacts.MissingPackages(asset, langs)) == 0
	default:
		return false
	}
}

// runStageWorker invokes the stage's worker once per target language
// (sequentially, per spec §5's "no inter-language parallelism required"),
// returning a per-language outcome map for the stage-history record.
func (r *Runner) runStageWorker(ctx context.Context, stage model.Stage, asset *model.Asset, job *model.Job, langs []string) (map[string]string, error) {
	outcomes := make(map[string]string, len(langs))
	sourcePath := ""
	if key, ok := asset.StorageKeys["raw"]; ok {
		sourcePath = key
	}

	switch stage {
	case model.StageASR:
		if r.WS.HasASR(asset.ExternalID) {
			outcomes["*"] = "existing"
			return outcomes, nil
		}
		segments, err := r.ASR.Run(ctx, asset.ExternalID, sourcePath)
		if err != nil {
			return nil, fmt.Errorf("run asr: %w", err)
		}
		if err := r.Segs.ReplaceSegments(ctx, job.ID, segments); err != nil {
			return nil, fmt.Errorf("persist asr segments: %w", err)
		}
		outcomes["*"] = "success"
		return outcomes, nil

	case model.StageTranslate:
		segments, err := r.Segs.ListSegments(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("load segments: %w", err)
		}
		missing := toSet(r.WS.MissingTranslations(asset.ExternalID, langs))
		for _, lang := range langs {
			if !missing[lang] {
				outcomes[lang] = "existing"
				continue
			}
			if _, err := r.Translate.Run(ctx, asset.ExternalID, segments, lang); err != nil {
				return nil, fmt.Errorf("run translate for %s: %w", lang, err)
			}
			outcomes[lang] = "success"
		}
		return outcomes, nil

	case model.StageTTS:
		segments, err := r.Segs.ListSegments(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("load segments: %w", err)
		}
		missing := toSet(r.WS.MissingTTS(asset.ExternalID, langs))
		for _, lang := range langs {
			if !missing[lang] {
				outcomes[lang] = "existing"
				continue
			}
			if err := r.TTS.Run(ctx, asset.ExternalID, segments, lang, job.Presets); err != nil {
				return nil, fmt.Errorf("run tts for %s: %w", lang, err)
			}
			outcomes[lang] = "success"
		}
		return outcomes, nil

	case model.StageAlignMix:
		segments, err := r.Segs.ListSegments(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("load segments: %w", err)
		}
		missing := toSet(r.WS.MissingMixes(asset.ExternalID, langs))
		for _, lang := range langs {
			if !missing[lang] {
				outcomes[lang] = "existing"
				continue
			}
			if err := r.Mix.Run(ctx, asset.ExternalID, segments, lang, sourcePath); err != nil {
				return nil, fmt.Errorf("run mix for %s: %w", lang, err)
			}
			outcomes[lang] = "success"
		}
		return outcomes, nil

	case model.StagePackage:
		missing := artifacts.MissingPackages(asset, langs)
		if len(missing) == 0 {
			outcomes["*"] = "existing"
			return outcomes, nil
		}
		masterKey, audioKeys, err := r.Package.Run(ctx, asset.ExternalID, missing, asset.PublishedLanguages())
		if err != nil {
			return nil, fmt.Errorf("run package: %w", err)
		}
		additions := map[string]string{"public": masterKey}
		for _, lang := range missing {
			additions["public_"+lang] = audioKeys[lang]
			outcomes[lang] = "success"
		}
		if err := r.Assets.UpdateStorageKeys(ctx, asset.ID, additions); err != nil {
			return nil, fmt.Errorf("update asset storage keys: %w", err)
		}
		return outcomes, nil

	default:
		return nil, fmt.Errorf("no worker registered for stage %s", stage)
	}
}

func toSet(langs []string) map[string]bool {
	set := make(map[string]bool, len(langs))
	for _, l := range langs {
		set[l] = true
	}
	return set
}
