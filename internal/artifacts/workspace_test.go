package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mediadub/orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspacePathScheme(t *testing.T) {
	w := NewWorkspace("/proc")

	assert.Equal(t, "/proc/abc/asr/segments_src.json", w.ASRSegmentsPath("abc"))
	assert.Equal(t, "/proc/abc/translations/segments_tgt.es.json", w.TranslationPath("abc", "es"))
	assert.Equal(t, "/proc/abc/tts/es", w.TTSDir("abc", "es"))
	assert.Equal(t, "/proc/abc/tts/es/seg_0007.wav", w.TTSSegmentPath("abc", "es", 7))
	assert.Equal(t, "/proc/abc/mix/es/dubbed.wav", w.MixPath("abc", "es"))
	assert.Equal(t, "/proc/abc/logs/job1.jsonl", w.LogsPath("abc", "job1"))
}

func TestWriteByRenameThenPredicates(t *testing.T) {
	dir := t.TempDir()
	w := NewWorkspace(dir)

	assert.False(t, w.HasASR("abc"))

	require.NoError(t, w.WriteByRename(w.ASRSegmentsPath("abc"), []byte(`[]`)))
	assert.True(t, w.HasASR("abc"))

	content, err := os.ReadFile(w.ASRSegmentsPath("abc"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(content))
}

func TestMissingTranslationsFiltersToAbsentLangs(t *testing.T) {
	dir := t.TempDir()
	w := NewWorkspace(dir)

	require.NoError(t, w.WriteByRename(w.TranslationPath("abc", "es"), []byte(`[]`)))

	missing := w.MissingTranslations("abc", []string{"es", "fr", "de"})
	assert.ElementsMatch(t, []string{"fr", "de"}, missing)
}

func TestMissingTTSTreatsEmptyDirAsMissing(t *testing.T) {
	dir := t.TempDir()
	w := NewWorkspace(dir)

	require.NoError(t, os.MkdirAll(w.TTSDir("abc", "es"), 0o755))

	missing := w.MissingTTS("abc", []string{"es", "fr"})
	assert.ElementsMatch(t, []string{"es", "fr"}, missing, "an empty TTS directory still counts as missing")

	require.NoError(t, os.WriteFile(filepath.Join(w.TTSDir("abc", "es"), "seg_0000.wav"), []byte("x"), 0o644))
	missing = w.MissingTTS("abc", []string{"es", "fr"})
	assert.ElementsMatch(t, []string{"fr"}, missing)
}

func TestMissingPackagesChecksAssetStorageKeys(t *testing.T) {
	asset := &model.Asset{
		StorageKeys: map[string]string{"public_es": "pub/abc/es/dubbed.wav"},
	}
	missing := MissingPackages(asset, []string{"es", "fr"})
	assert.Equal(t, []string{"fr"}, missing)
}
