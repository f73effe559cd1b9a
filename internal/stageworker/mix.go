package stageworker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/model"
)

// MixWorker assembles per-segment synthesized audio into a single voice
// track, blends it with a background track derived from the source, and
// writes the final dubbed mix.
type MixWorker interface {
	Run(ctx context.Context, assetExternalID string, segments []model.Segment, lang string, sourceAudioPath string) error
}

// FFmpegMixer places each synthesized segment at its source timestamp,
// derives a background track from the original audio, and mixes the two
// at configured gains before loudness-normalising to a target LUFS. It
// shells out to ffmpeg the same way the assembly package's
// FFmpegAssembler does for podcast concatenation.
type FFmpegMixer struct {
	ws                 *artifacts.Workspace
	voiceGain          float64
	backgroundGain     float64
	targetLoudnessLUFS float64
}

func NewFFmpegMixer(ws *artifacts.Workspace, voiceGain, backgroundGain, targetLoudnessLUFS float64) *FFmpegMixer {
	return &FFmpegMixer{
		ws:                 ws,
		voiceGain:          voiceGain,
		backgroundGain:     backgroundGain,
		targetLoudnessLUFS: targetLoudnessLUFS,
	}
}

func (w *FFmpegMixer) Run(ctx context.Context, assetExternalID string, segments []model.Segment, lang string, sourceAudioPath string) error {
	mixPath := w.ws.MixPath(assetExternalID, lang)
	if err := w.ws.EnsureDir(mixPath); err != nil {
		return fmt.Errorf("ensure mix dir: %w", err)
	}
	mixDir := filepath.Dir(mixPath)

	voicePath := filepath.Join(mixDir, fmt.Sprintf("voice_%s.wav", lang))
	backgroundPath := filepath.Join(mixDir, fmt.Sprintf("background_%s.wav", lang))

	if err := w.assembleVoiceTrack(ctx, assetExternalID, segments, lang, voicePath); err != nil {
		return fmt.Errorf("assemble voice track: %w", err)
	}
	if err := w.deriveBackgroundTrack(ctx, sourceAudioPath, backgroundPath); err != nil {
		return fmt.Errorf("derive background track: %w", err)
	}
	if err := w.mixAndNormalize(ctx, voicePath, backgroundPath, mixPath); err != nil {
		return fmt.Errorf("mix and normalize: %w", err)
	}
	return nil
}

// assembleVoiceTrack places each segment's synth WAV at its t0 using
// ffmpeg's adelay filter, then mixes all delayed tracks down to one.
func (w *FFmpegMixer) assembleVoiceTrack(ctx context.Context, assetExternalID string, segments []model.Segment, lang, outputPath string) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to assemble")
	}

	args := []string{}
	var filterInputs []string
	for i, seg := range segments {
		segPath := w.ws.TTSSegmentPath(assetExternalID, lang, seg.Idx)
		args = append(args, "-i", segPath)
		delayMs := int(seg.T0 * 1000)
		filterInputs = append(filterInputs, fmt.Sprintf("[%d:a]adelay=%d|%d[s%d]", i, delayMs, delayMs, i))
	}

	var mixRefs strings.Builder
	for i := range segments {
		mixRefs.WriteString(fmt.Sprintf("[s%d]", i))
	}
	filter := strings.Join(filterInputs, ";") + ";" + mixRefs.String() +
		fmt.Sprintf("amix=inputs=%d:duration=longest:dropout_transition=0[mixed]", len(segments))

	args = append(args,
		"-filter_complex", filter,
		"-map", "[mixed]",
		"-ar", strconv.Itoa(ttsSampleRate),
		"-ac", "1",
		"-y", outputPath,
	)
	return runFFmpeg(ctx, args)
}

// deriveBackgroundTrack attenuates the source audio to stand in for a
// vocal-separated background bed. Real vocal separation (e.g. Demucs)
// is out of scope here; attenuation is the documented fallback.
func (w *FFmpegMixer) deriveBackgroundTrack(ctx context.Context, sourceAudioPath, outputPath string) error {
	if sourceAudioPath == "" {
		return writeSilence(outputPath, 1.0)
	}
	args := []string{
		"-i", sourceAudioPath,
		"-af", fmt.Sprintf("volume=%.3f", w.backgroundGain),
		"-ar", strconv.Itoa(ttsSampleRate),
		"-ac", "1",
		"-y", outputPath,
	}
	return runFFmpeg(ctx, args)
}

func (w *FFmpegMixer) mixAndNormalize(ctx context.Context, voicePath, backgroundPath, outputPath string) error {
	filter := fmt.Sprintf(
		"[0:a]volume=%.3f[v];[1:a]volume=%.3f[b];[v][b]amix=inputs=2:duration=longest[premix];[premix]loudnorm=I=%.1f:TP=-1.5:LRA=11[out]",
		w.voiceGain, 1.0, w.targetLoudnessLUFS,
	)
	args := []string{
		"-i", voicePath,
		"-i", backgroundPath,
		"-filter_complex", filter,
		"-map", "[out]",
		"-ar", strconv.Itoa(ttsSampleRate),
		"-ac", "1",
		"-y", outputPath,
	}
	return runFFmpeg(ctx, args)
}

func writeSilence(path string, seconds float64) error {
	n := int(seconds * ttsSampleRate)
	return writeWAV(path, make([]int16, n))
}

func runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w\n%s", err, stderr.String())
	}
	info, err := os.Stat(args[len(args)-1])
	if err != nil {
		return fmt.Errorf("output not created: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output file is empty")
	}
	return nil
}

var _ MixWorker = (*FFmpegMixer)(nil)
