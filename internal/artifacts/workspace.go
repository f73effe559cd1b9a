// Package artifacts provides typed accessors over the asset workspace
// directory tree and the object-store buckets backing published output.
// Deciding what to write is the worker's job; this package computes paths
// and the existence predicates used by skip-on-resume, and offers the
// EnsureDir/WriteByRename helpers workers use to put files in place.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mediadub/orchestrator/internal/model"
)

// Workspace resolves canonical filesystem paths under a process-wide
// proc-root, one subtree per asset: <procRoot>/<asset_id>/...
type Workspace struct {
	root string
}

// NewWorkspace roots a Workspace at root. It does not create root on disk.
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

func (w *Workspace) assetDir(assetExternalID string) string {
	return filepath.Join(w.root, assetExternalID)
}

// ASRSegmentsPath returns <asset>/asr/segments_src.json.
func (w *Workspace) ASRSegmentsPath(assetExternalID string) string {
	return filepath.Join(w.assetDir(assetExternalID), "asr", "segments_src.json")
}

// TranslationPath returns <asset>/translations/segments_tgt.<lang>.json.
func (w *Workspace) TranslationPath(assetExternalID, lang string) string {
	return filepath.Join(w.assetDir(assetExternalID), "translations", fmt.Sprintf("segments_tgt.%s.json", lang))
}

// TTSDir returns <asset>/tts/<lang>/.
func (w *Workspace) TTSDir(assetExternalID, lang string) string {
	return filepath.Join(w.assetDir(assetExternalID), "tts", lang)
}

// TTSSegmentPath returns <asset>/tts/<lang>/seg_XXXX.wav.
func (w *Workspace) TTSSegmentPath(assetExternalID, lang string, idx int) string {
	return filepath.Join(w.TTSDir(assetExternalID, lang), fmt.Sprintf("seg_%04d.wav", idx))
}

// MixPath returns <asset>/mix/<lang>/dubbed.wav.
func (w *Workspace) MixPath(assetExternalID, lang string) string {
	return filepath.Join(w.assetDir(assetExternalID), "mix", lang, "dubbed.wav")
}

// LogsPath returns <asset>/logs/<job>.jsonl.
func (w *Workspace) LogsPath(assetExternalID, jobExternalID string) string {
	return filepath.Join(w.assetDir(assetExternalID), "logs", fmt.Sprintf("%s.jsonl", jobExternalID))
}

// EnsureDir creates the parent directory of path if missing.
func (w *Workspace) EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// WriteByRename writes data to path via a temp file in the same directory
// followed by os.Rename, so concurrent readers never observe a torn write
// (Design Note "Ownership of workspace").
func (w *Workspace) WriteByRename(path string, data []byte) error {
	if err := w.EnsureDir(path); err != nil {
		return fmt.Errorf("ensure dir for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > 0
}

func dirHasEntries(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// HasASR reports whether the asset's ASR segment file already exists.
func (w *Workspace) HasASR(assetExternalID string) bool {
	return exists(w.ASRSegmentsPath(assetExternalID))
}

// MissingTranslations filters langs down to those lacking a translation
// file for this asset.
func (w *Workspace) MissingTranslations(assetExternalID string, langs []string) []string {
	var missing []string
	for _, lang := range langs {
		if !exists(w.TranslationPath(assetExternalID, lang)) {
			missing = append(missing, lang)
		}
	}
	return missing
}

// MissingTTS filters langs down to those whose TTS directory is absent or
// empty — an empty directory counts as missing.
func (w *Workspace) MissingTTS(assetExternalID string, langs []string) []string {
	var missing []string
	for _, lang := range langs {
		if !dirHasEntries(w.TTSDir(assetExternalID, lang)) {
			missing = append(missing, lang)
		}
	}
	return missing
}

// MissingMixes filters langs down to those lacking a mixed track.
func (w *Workspace) MissingMixes(assetExternalID string, langs []string) []string {
	var missing []string
	for _, lang := range langs {
		if !exists(w.MixPath(assetExternalID, lang)) {
			missing = append(missing, lang)
		}
	}
	return missing
}

// MissingPackages filters langs down to those the asset has not yet
// published, per its storage_keys public_<lang> entries.
func MissingPackages(asset *model.Asset, langs []string) []string {
	var missing []string
	for _, lang := range langs {
		if _, ok := asset.PublicKey(lang); !ok {
			missing = append(missing, lang)
		}
	}
	return missing
}
