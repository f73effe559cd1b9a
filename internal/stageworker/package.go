package stageworker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mediadub/orchestrator/internal/artifacts"
)

// PackageWorker publishes the mixed dub for each newly-missing language and
// returns the object keys the runner stores on the asset. published
// carries the lang->object-key pairs the asset has already published in a
// prior PACKAGE run, so the master manifest can be rebuilt in full rather
// than losing those languages' stream-info lines.
type PackageWorker interface {
	Run(ctx context.Context, assetExternalID string, missingLangs []string, published map[string]string) (masterKey string, audioKeys map[string]string, err error)
}

// publicStore is the slice of *artifacts.ObjectStore this worker needs,
// narrowed so tests can exercise it against an in-memory fake instead of a
// real S3-compatible endpoint.
type publicStore interface {
	Put(ctx context.Context, bucket artifacts.Bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket artifacts.Bucket, key string) (io.ReadCloser, error)
}

// HLSPackager uploads each language's dubbed.wav to the public bucket and
// writes a master manifest enumerating every published language as an HLS
// variant stream, audio-only (no video rendition exists in this pipeline).
type HLSPackager struct {
	ws    *artifacts.Workspace
	store publicStore
}

func NewHLSPackager(ws *artifacts.Workspace, store publicStore) *HLSPackager {
	return &HLSPackager{ws: ws, store: store}
}

// Run uploads the dubbed mix for every language in missingLangs, then
// rewrites the master manifest so it lists a stream-info line for every
// published language: the ones just uploaded plus whatever published
// already names. It returns the master manifest key and the per-language
// audio object keys for the languages uploaded in this call.
func (w *HLSPackager) Run(ctx context.Context, assetExternalID string, missingLangs []string, published map[string]string) (string, map[string]string, error) {
	audioKeys := make(map[string]string, len(missingLangs))

	for _, lang := range missingLangs {
		mixPath := w.ws.MixPath(assetExternalID, lang)
		f, err := os.Open(mixPath)
		if err != nil {
			return "", nil, fmt.Errorf("open mix for %s: %w", lang, err)
		}
		info, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return "", nil, fmt.Errorf("stat mix for %s: %w", lang, statErr)
		}

		key := fmt.Sprintf("%s/%s/dubbed.wav", assetExternalID, lang)
		err = w.store.Put(ctx, artifacts.BucketPublic, key, f, info.Size(), "audio/wav")
		f.Close()
		if err != nil {
			return "", nil, fmt.Errorf("upload mix for %s: %w", lang, err)
		}

		audioKeys[lang] = key
	}

	allKeys := make(map[string]string, len(published)+len(audioKeys))
	for lang, key := range published {
		allKeys[lang] = key
	}
	for lang, key := range audioKeys {
		allKeys[lang] = key
	}

	langs := make([]string, 0, len(allKeys))
	for lang := range allKeys {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	variantLines := make([]string, 0, len(langs))
	for _, lang := range langs {
		variantLines = append(variantLines, fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=128000,AUDIO=\"%s\"\n%s", lang, allKeys[lang]))
	}

	manifest := "#EXTM3U\n#EXT-X-VERSION:3\n" + strings.Join(variantLines, "\n") + "\n"
	masterKey := fmt.Sprintf("%s/master.m3u8", assetExternalID)
	if err := w.store.Put(ctx, artifacts.BucketPublic, masterKey, strings.NewReader(manifest), int64(len(manifest)), "application/vnd.apple.mpegurl"); err != nil {
		return "", nil, fmt.Errorf("upload master manifest: %w", err)
	}

	return masterKey, audioKeys, nil
}

var _ PackageWorker = (*HLSPackager)(nil)
