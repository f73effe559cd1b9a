package stageworker

import (
	"context"
	"os"
	"testing"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveVoicePrefersSpeakerPresetThenDefaultThenSpeakerID(t *testing.T) {
	w := NewPiperVoices(artifacts.NewWorkspace(t.TempDir()), nil)

	assert.Equal(t, "warm_en", w.resolveVoice(map[string]string{"speaker_0": "warm_en"}, "speaker_0"))
	assert.Equal(t, "narrator", w.resolveVoice(map[string]string{"default": "narrator"}, "speaker_1"))
	assert.Equal(t, "speaker_2", w.resolveVoice(map[string]string{}, "speaker_2"))
}

func TestHasVoiceModelChecksConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	modelPath := dir + "/es.onnx"
	require.NoError(t, os.WriteFile(modelPath, []byte("stub"), 0o644))

	w := NewPiperVoices(artifacts.NewWorkspace(t.TempDir()), map[string]string{"es": modelPath})
	assert.True(t, w.hasVoiceModel("es"))
	assert.False(t, w.hasVoiceModel("fr"))
}

func TestPiperVoicesRunWritesOneWAVPerSegment(t *testing.T) {
	ws := artifacts.NewWorkspace(t.TempDir())
	w := NewPiperVoices(ws, nil)

	segments := []model.Segment{
		{Idx: 0, T0: 0, T1: 1.0, SpeakerID: "speaker_0"},
		{Idx: 1, T0: 1.0, T1: 1.5, SpeakerID: "speaker_1"},
	}
	require.NoError(t, w.Run(context.Background(), "asset-1", segments, "es", map[string]string{"default": "narrator"}))

	for _, seg := range segments {
		info, err := os.Stat(ws.TTSSegmentPath("asset-1", "es", seg.Idx))
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(44)) // header plus samples
	}
}

func TestSynthesizeToneIsDeterministicPerPreset(t *testing.T) {
	a := synthesizeTone("narrator", 0.1)
	b := synthesizeTone("narrator", 0.1)
	c := synthesizeTone("other_voice", 0.1)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, int(0.1*ttsSampleRate), len(a))
}

func TestWriteWAVProducesCanonicalHeader(t *testing.T) {
	path := t.TempDir() + "/out.wav"
	samples := synthesizeTone("voice", 0.05)
	require.NoError(t, writeWAV(path, samples))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 44)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, "data", string(data[36:40]))
	assert.Equal(t, len(samples)*2+44, len(data))
}
