// Package worker runs the task handlers that bridge the broker to the
// Stage Runner and Pipeline Coordinator (spec §5's "multi-process worker
// pool pulling tasks from the broker in parallel" — goroutines are the
// single-binary analogue of that process pool).
package worker

import (
	"context"
	"log/slog"

	"github.com/mediadub/orchestrator/internal/broker"
	"github.com/mediadub/orchestrator/internal/coordinator"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/mediadub/orchestrator/internal/runner"
	"golang.org/x/sync/errgroup"
)

// Pool wires every broker task name to its handler and runs the broker's
// dispatch loop across a bounded number of goroutines.
type Pool struct {
	Broker      broker.Broker
	Runner      *runner.Runner
	Coordinator *coordinator.Coordinator
	Logger      *slog.Logger
	Concurrency int
}

// stageTaskName names the broker task that runs a given stage, mirroring
// coordinator's table so the worker can register one handler per stage.
var stageTaskName = map[model.Stage]string{
	model.StageASR:       "run_asr",
	model.StageTranslate: "run_translate",
	model.StageTTS:       "run_tts",
	model.StageAlignMix:  "run_mix",
	model.StagePackage:   "run_package",
}

// RegisterHandlers binds every pipeline task name to its handler with the
// default retry policy (spec §5: max_retries=3, exponential backoff
// capped at 60s, jitter).
func (p *Pool) RegisterHandlers() {
	policy := broker.DefaultRetryPolicy()

	p.Broker.RegisterHandler(coordinator.TaskRunPipeline, p.handleRunPipeline, policy)
	for stage, taskName := range stageTaskName {
		stage := stage
		p.Broker.RegisterHandler(taskName, p.handlerForStage(stage), policy)
	}
	p.Broker.RegisterHandler(coordinator.TaskFinalizeJob, p.handleFinalizeJob, policy)
}

// handleRunPipeline is the entry task the Control API enqueues (spec
// §4.5's "(entry) run_pipeline" row). It does no stage work itself; it
// just hands off to the first real stage task, run_asr, so the usual
// should_skip logic in the ASR runner decides whether anything actually
// runs for a resumed job.
func (p *Pool) handleRunPipeline(ctx context.Context, task broker.Task) error {
	jobID, _ := task.Args["job_id"].(string)
	resumeFrom := stringArg(task.Args, "resume_from")
	logFile := stringArg(task.Args, "log_file")
	_, err := p.Broker.Enqueue(ctx, stageTaskName[model.StageASR], map[string]any{
		"job_id":      jobID,
		"resume_from": resumeFrom,
		"log_file":    logFile,
	})
	return err
}

func (p *Pool) handlerForStage(stage model.Stage) broker.HandlerFunc {
	return func(ctx context.Context, task broker.Task) error {
		jobID, _ := task.Args["job_id"].(string)
		resumeFrom := model.ParseStage(stringArg(task.Args, "resume_from"))
		logFile := stringArg(task.Args, "log_file")
		return p.Runner.RunStage(ctx, stage, jobID, resumeFrom, logFile)
	}
}

func (p *Pool) handleFinalizeJob(ctx context.Context, task broker.Task) error {
	jobID, _ := task.Args["job_id"].(string)
	return p.Coordinator.Finalize(ctx, jobID)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// Run starts Concurrency goroutines each running the broker's Run loop,
// blocking until ctx is cancelled or one of them returns an error.
func (p *Pool) Run(ctx context.Context) error {
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	p.RegisterHandlers()
	if p.Logger != nil {
		p.Logger.Info("worker pool starting", "concurrency", p.Concurrency)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Concurrency; i++ {
		g.Go(func() error {
			return p.Broker.Run(ctx)
		})
	}
	return g.Wait()
}
