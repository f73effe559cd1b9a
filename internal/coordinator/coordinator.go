// Package coordinator implements the Pipeline Coordinator (spec §4.5):
// the fixed stage order, the run_pipeline entry task, and the dispatch
// logic that moves a job from one stage task to the next over the
// broker.
package coordinator

import (
	"context"
	"fmt"

	"github.com/mediadub/orchestrator/internal/broker"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/mediadub/orchestrator/internal/store"
)

// taskNameByStage names the broker task that executes each stage, per
// spec §4.3's task-type list.
var taskNameByStage = map[model.Stage]string{
	model.StageASR:       "run_asr",
	model.StageTranslate: "run_translate",
	model.StageTTS:       "run_tts",
	model.StageAlignMix:  "run_mix",
	model.StagePackage:   "run_package",
}

const (
	TaskRunPipeline = "run_pipeline"
	TaskFinalizeJob = "finalize_job"
)

// Coordinator enqueues the next stage task for a job after the Runner
// reports a stage outcome, and owns the run_pipeline entry task that
// kicks a job off at its resume stage.
type Coordinator struct {
	Broker broker.Broker
	Jobs   store.JobStore
}

func New(b broker.Broker, jobs store.JobStore) *Coordinator {
	return &Coordinator{Broker: b, Jobs: jobs}
}

// Dispatch enqueues the run_pipeline task that starts (or resumes) a
// job. resumeFrom defaults to ASR when empty, per spec §4.5.
func (c *Coordinator) Dispatch(ctx context.Context, jobExternalID string, resumeFrom model.Stage, logFile string) error {
	if resumeFrom == "" {
		resumeFrom = model.StageASR
	}
	_, err := c.Broker.Enqueue(ctx, TaskRunPipeline, map[string]any{
		"job_id":      jobExternalID,
		"resume_from": string(resumeFrom),
		"log_file":    logFile,
	})
	if err != nil {
		return fmt.Errorf("enqueue run_pipeline for %s: %w", jobExternalID, err)
	}
	return nil
}

// EnqueueNext implements runner.Enqueuer: it looks up the job's current
// status (a cancelled job gets no successor, per spec §4.5's
// at-most-one-stage-after-cancellation guarantee), computes the next
// stage from the fixed table, and enqueues its task — or finalize_job
// once PACKAGE has completed.
func (c *Coordinator) EnqueueNext(ctx context.Context, stage model.Stage, jobExternalID string, resumeFrom model.Stage, logFile string) error {
	job, err := c.Jobs.GetJobByExternalID(ctx, jobExternalID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobExternalID, err)
	}
	if job.Status == model.StatusCancelled {
		return nil
	}

	next, ok := model.NextStage(stage)
	if !ok {
		_, err := c.Broker.Enqueue(ctx, TaskFinalizeJob, map[string]any{
			"job_id":   jobExternalID,
			"log_file": logFile,
		})
		if err != nil {
			return fmt.Errorf("enqueue finalize_job for %s: %w", jobExternalID, err)
		}
		return nil
	}

	taskName, ok := taskNameByStage[next]
	if !ok {
		return fmt.Errorf("no task name registered for stage %s", next)
	}

	_, err = c.Broker.Enqueue(ctx, taskName, map[string]any{
		"job_id":      jobExternalID,
		"resume_from": string(resumeFrom),
		"log_file":    logFile,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", taskName, jobExternalID, err)
	}
	return nil
}

// Finalize marks a job SUCCESS at stage DONE once finalize_job runs. It
// is the terminal step of the next-stage table (spec §4.5's "(mark
// SUCCESS, stage=DONE)" row).
func (c *Coordinator) Finalize(ctx context.Context, jobExternalID string) error {
	job, err := c.Jobs.GetJobByExternalID(ctx, jobExternalID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobExternalID, err)
	}
	if job.Status == model.StatusCancelled {
		return nil
	}
	if err := c.Jobs.UpdateStage(ctx, job.ID, model.StageDone, model.StatusSuccess, model.BaselineProgress(model.StageDone), nil); err != nil {
		return fmt.Errorf("finalize job %s: %w", jobExternalID, err)
	}
	return nil
}
