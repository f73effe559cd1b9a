// Package stageworker defines the contract the orchestrator requires of
// each processing stage (spec §4.4) and ships deterministic stub
// implementations usable when the real speech/translation/synthesis
// engines are unavailable — the fallback path spec §4.4 explicitly
// allows ("may produce stubbed segments if the model is unavailable").
package stageworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/model"
)

// ASRWorker transcribes a source audio file into ordered segments and
// writes them atomically to the asset's ASR path.
type ASRWorker interface {
	Run(ctx context.Context, assetExternalID, sourceAudioPath string) ([]model.Segment, error)
}

// StubASR produces a single whole-file segment when no real speech
// recognition engine is wired in. It still satisfies the atomic-write and
// return-segments contract so downstream stages behave identically to a
// real engine.
type StubASR struct {
	ws *artifacts.Workspace
}

func NewStubASR(ws *artifacts.Workspace) *StubASR {
	return &StubASR{ws: ws}
}

func (w *StubASR) Run(ctx context.Context, assetExternalID, sourceAudioPath string) ([]model.Segment, error) {
	duration := probeDurationSeconds(sourceAudioPath)

	segments := []model.Segment{
		{
			Idx:          0,
			T0:           0,
			T1:           duration,
			TextSrc:      "[unintelligible audio]",
			DetectedLang: "en",
			SpeakerID:    "speaker_0",
		},
	}

	payload, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("marshal segments: %w", err)
	}
	if err := w.ws.WriteByRename(w.ws.ASRSegmentsPath(assetExternalID), payload); err != nil {
		return nil, fmt.Errorf("write asr segments: %w", err)
	}
	return segments, nil
}

// probeDurationSeconds stats the source file and falls back to a fixed
// duration when it cannot be inspected; a real engine would decode the
// header, this stub only needs a plausible non-zero value.
func probeDurationSeconds(path string) float64 {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return 10.0
	}
	// Rough estimate assuming 16-bit mono PCM at 44.1kHz, just enough to
	// keep stub segments proportional to input size in tests.
	const bytesPerSecond = 44100 * 2
	seconds := float64(info.Size()) / bytesPerSecond
	if seconds < 1 {
		return 1
	}
	return seconds
}

var _ ASRWorker = (*StubASR)(nil)
