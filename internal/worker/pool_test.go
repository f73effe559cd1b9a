package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/broker"
	"github.com/mediadub/orchestrator/internal/coordinator"
	"github.com/mediadub/orchestrator/internal/metrics"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/mediadub/orchestrator/internal/runner"
	"github.com/mediadub/orchestrator/internal/stageworker"
	"github.com/mediadub/orchestrator/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsJobFromPipelineEntryThroughASR(t *testing.T) {
	root := t.TempDir()
	ws := artifacts.NewWorkspace(root)
	mem := store.NewMemory(nil)
	b := broker.NewInMemory(16)
	t.Cleanup(func() { _ = b.Close() })

	asset, err := mem.Create(context.Background(), "", nil)
	require.NoError(t, err)
	sourcePath := filepath.Join(root, "source.wav")
	require.NoError(t, os.WriteFile(sourcePath, make([]byte, 44100*2), 0o644))
	require.NoError(t, mem.SetRawKey(context.Background(), asset.ID, sourcePath, nil, []string{"es"}))
	job, err := mem.CreateJob(context.Background(), asset, []string{"es"}, nil, nil)
	require.NoError(t, err)

	coord := coordinator.New(b, mem)
	r := &runner.Runner{
		Jobs:      mem,
		Assets:    mem,
		Segs:      mem,
		WS:        ws,
		Metrics:   metrics.NewRegistry(prometheus.NewRegistry()),
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Next:      coord,
		ASR:       stageworker.NewStubASR(ws),
		Translate: stageworker.NewLibreTranslate(ws, ""),
		TTS:       stageworker.NewPiperVoices(ws, nil),
	}

	pool := &Pool{Broker: b, Runner: r, Coordinator: coord, Concurrency: 1}
	pool.RegisterHandlers()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	_, err = b.Enqueue(ctx, coordinator.TaskRunPipeline, map[string]any{
		"job_id":      job.ExternalID,
		"resume_from": string(model.StageASR),
		"log_file":    filepath.Join(root, "job.jsonl"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		updated, err := mem.GetJobByExternalID(context.Background(), job.ExternalID)
		if err != nil {
			return false
		}
		_, ok := updated.StageHistory[model.StageASR]
		return ok
	}, time.Second, 10*time.Millisecond)
}
