package stageworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/model"
)

const (
	cloudTTSMaxAttempts    = 3
	cloudTTSInitialBackoff = 1 * time.Second
	cloudTTSBackoffMulti   = 2
	cloudTTSMaxBackoff     = 10 * time.Second
)

// retryableTTSError marks a cloud TTS response as transient (rate limit
// or server error) so synthesizeWithRetry knows to back off and retry
// rather than fail the segment immediately.
type retryableTTSError struct {
	StatusCode int
	Body       string
}

func (e *retryableTTSError) Error() string {
	return fmt.Sprintf("cloud tts error (status %d): %s", e.StatusCode, e.Body)
}

type cloudTTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
	Lang  string `json:"lang"`
}

// CloudTTSWorker synthesizes each segment against an external TTS HTTP
// endpoint expecting a canonical WAV body in response, selected by
// TTS_ENGINE=cloud as an alternative to the local PiperVoices path.
type CloudTTSWorker struct {
	ws         *artifacts.Workspace
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewCloudTTSWorker(ws *artifacts.Workspace, baseURL, apiKey string) *CloudTTSWorker {
	return &CloudTTSWorker{
		ws:         ws,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (w *CloudTTSWorker) resolveVoice(presets map[string]string, speakerID string) string {
	if v, ok := presets[speakerID]; ok {
		return v
	}
	if v, ok := presets["default"]; ok {
		return v
	}
	return speakerID
}

func (w *CloudTTSWorker) Run(ctx context.Context, assetExternalID string, segments []model.Segment, lang string, presets map[string]string) error {
	for _, seg := range segments {
		voice := w.resolveVoice(presets, seg.SpeakerID)

		audio, err := w.synthesizeWithRetry(ctx, seg.TextTgt, voice, lang)
		if err != nil {
			return fmt.Errorf("segment %d: %w", seg.Idx, err)
		}

		path := w.ws.TTSSegmentPath(assetExternalID, lang, seg.Idx)
		if err := w.ws.EnsureDir(path); err != nil {
			return fmt.Errorf("ensure tts dir: %w", err)
		}
		if err := w.ws.WriteByRename(path, audio); err != nil {
			return fmt.Errorf("write tts segment %d: %w", seg.Idx, err)
		}
	}
	return nil
}

func (w *CloudTTSWorker) synthesize(ctx context.Context, text, voice, lang string) ([]byte, error) {
	body, err := json.Marshal(cloudTTSRequest{Text: text, Voice: voice, Lang: lang})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	res, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError {
		errBody, _ := io.ReadAll(res.Body)
		return nil, &retryableTTSError{StatusCode: res.StatusCode, Body: string(errBody)}
	}
	if res.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("cloud tts error (status %d): %s", res.StatusCode, string(errBody))
	}
	return io.ReadAll(res.Body)
}

func (w *CloudTTSWorker) synthesizeWithRetry(ctx context.Context, text, voice, lang string) ([]byte, error) {
	var lastErr error
	backoff := cloudTTSInitialBackoff

	for attempt := 1; attempt <= cloudTTSMaxAttempts; attempt++ {
		audio, err := w.synthesize(ctx, text, voice, lang)
		if err == nil {
			return audio, nil
		}
		if _, ok := err.(*retryableTTSError); !ok {
			return nil, err
		}
		lastErr = err
		if attempt < cloudTTSMaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= cloudTTSBackoffMulti
			if backoff > cloudTTSMaxBackoff {
				backoff = cloudTTSMaxBackoff
			}
		}
	}
	return nil, lastErr
}

var _ TTSWorker = (*CloudTTSWorker)(nil)
