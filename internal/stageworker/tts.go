package stageworker

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/model"
)

// TTSWorker synthesizes one WAV file per segment, in idx order.
type TTSWorker interface {
	Run(ctx context.Context, assetExternalID string, segments []model.Segment, lang string, presets map[string]string) error
}

const (
	ttsSampleRate = 24000
	ttsAmplitude  = 0.2
)

// PiperVoices resolves a voice per segment via
// presets[speaker_id] or presets["default"] or speaker_id, and writes a
// synthesized tone (pure sine wave, frequency derived from the resolved
// preset name) for every segment. No Piper binary is invoked: the voice
// model path is only checked for presence, and the tone is written
// whether or not a model file exists.
type PiperVoices struct {
	ws         *artifacts.Workspace
	voicePaths map[string]string // lang -> onnx model path, presence checked but never loaded
}

func NewPiperVoices(ws *artifacts.Workspace, voicePaths map[string]string) *PiperVoices {
	return &PiperVoices{ws: ws, voicePaths: voicePaths}
}

func (w *PiperVoices) resolveVoice(presets map[string]string, speakerID string) string {
	if v, ok := presets[speakerID]; ok {
		return v
	}
	if v, ok := presets["default"]; ok {
		return v
	}
	return speakerID
}

func (w *PiperVoices) hasVoiceModel(lang string) bool {
	path, ok := w.voicePaths[lang]
	if !ok || path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (w *PiperVoices) Run(ctx context.Context, assetExternalID string, segments []model.Segment, lang string, presets map[string]string) error {
	// TODO: invoke the actual Piper binary when w.hasVoiceModel(lang) is
	// true; until then every segment goes through the tone synth below.
	_ = w.hasVoiceModel(lang)

	for _, seg := range segments {
		voice := w.resolveVoice(presets, seg.SpeakerID)
		duration := seg.T1 - seg.T0
		if duration <= 0 {
			duration = 0.5
		}

		samples := synthesizeTone(voice, duration)

		path := w.ws.TTSSegmentPath(assetExternalID, lang, seg.Idx)
		if err := w.ws.EnsureDir(path); err != nil {
			return fmt.Errorf("ensure tts dir: %w", err)
		}
		if err := writeWAV(path, samples); err != nil {
			return fmt.Errorf("write tts segment %d: %w", seg.Idx, err)
		}
	}
	return nil
}

// synthesizeTone generates a mono PCM16 sine wave whose frequency is
// derived deterministically from the voice preset name, so different
// presets are audibly distinguishable in the stub path.
func synthesizeTone(voicePreset string, durationSeconds float64) []int16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(voicePreset))
	freq := 150.0 + float64(h.Sum32()%400) // 150-550 Hz

	n := int(durationSeconds * ttsSampleRate)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / ttsSampleRate
		v := ttsAmplitude * math.Sin(2*math.Pi*freq*t)
		samples[i] = int16(v * math.MaxInt16)
	}
	return samples
}

// writeWAV writes samples as a canonical 16-bit PCM mono WAV file via
// temp-file+rename semantics are the caller's (Workspace's) job for the
// ASR/translation paths; TTS segment files are written directly since
// per-segment writes don't race the way the shared asset-level artifacts
// do.
func writeWAV(path string, samples []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dataSize := len(samples) * 2
	byteRate := ttsSampleRate * 2
	blockAlign := 2

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], 1) // mono
	binary.LittleEndian.PutUint32(header[24:28], ttsSampleRate)
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], 16) // bits per sample
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))

	if _, err := f.Write(header[:]); err != nil {
		return err
	}

	buf := make([]byte, dataSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], uint16(s))
	}
	_, err = f.Write(buf)
	return err
}

var _ TTSWorker = (*PiperVoices)(nil)
