package stageworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/model"
)

// TranslateWorker fills in TextTgt on each segment for one target
// language and writes the result atomically.
type TranslateWorker interface {
	Run(ctx context.Context, assetExternalID string, segments []model.Segment, lang string) ([]model.Segment, error)
}

// LibreTranslate calls a LibreTranslate-compatible HTTP endpoint
// (config.LibreTranslateURL) to translate each segment's source text.
// When the endpoint is configured as empty, each segment's source text is
// copied unchanged into TextTgt. Request failures and error statuses are
// returned to the caller (and so retried by the broker), not swallowed
// here.
type LibreTranslate struct {
	ws         *artifacts.Workspace
	endpoint   string
	httpClient *http.Client
}

func NewLibreTranslate(ws *artifacts.Workspace, endpoint string) *LibreTranslate {
	return &LibreTranslate{ws: ws, endpoint: endpoint, httpClient: &http.Client{}}
}

type libreTranslateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type libreTranslateResponse struct {
	TranslatedText string `json:"translatedText"`
}

func (w *LibreTranslate) Run(ctx context.Context, assetExternalID string, segments []model.Segment, lang string) ([]model.Segment, error) {
	out := make([]model.Segment, len(segments))
	copy(out, segments)

	for i := range out {
		translated, err := w.translateOne(ctx, out[i].TextSrc, out[i].DetectedLang, lang)
		if err != nil {
			return nil, fmt.Errorf("translate segment %d to %s: %w", out[i].Idx, lang, err)
		}
		out[i].TextTgt = translated
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal translated segments: %w", err)
	}
	if err := w.ws.WriteByRename(w.ws.TranslationPath(assetExternalID, lang), payload); err != nil {
		return nil, fmt.Errorf("write translated segments: %w", err)
	}
	return out, nil
}

func (w *LibreTranslate) translateOne(ctx context.Context, text, source, target string) (string, error) {
	if w.endpoint == "" {
		return text, nil
	}
	if source == "" {
		source = "auto"
	}

	body, err := json.Marshal(libreTranslateRequest{Q: text, Source: source, Target: target, Format: "text"})
	if err != nil {
		return "", err
	}

	endpoint, err := url.JoinPath(w.endpoint, "translate")
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("libretranslate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("libretranslate returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var parsed libreTranslateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal libretranslate response: %w", err)
	}
	return parsed.TranslatedText, nil
}

var _ TranslateWorker = (*LibreTranslate)(nil)
