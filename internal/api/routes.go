// Package api wires the Control API (spec §4.6) onto HTTP routes (spec
// §6), plus the /metrics and /health endpoints the Observability Plane
// owns. It is intentionally thin: deep route/validation/auth/rate-limit
// logic is explicitly out of scope (spec.md Non-goals), so this layer
// only decodes requests, calls into internal/control and
// internal/upload, and maps *apierr.Error to its status code.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/mediadub/orchestrator/internal/apierr"
	"github.com/mediadub/orchestrator/internal/apikeys"
	"github.com/mediadub/orchestrator/internal/control"
	"github.com/mediadub/orchestrator/internal/model"
	"github.com/mediadub/orchestrator/internal/store"
	"github.com/mediadub/orchestrator/internal/upload"
	"github.com/prometheus/client_golang/prometheus"
)

// Server groups the handlers' dependencies: the Control API, the Upload
// flow, and the Prometheus registry backing /metrics.
type Server struct {
	Control   *control.Control
	Upload    *upload.Flow
	Registry  *prometheus.Registry
	MetricsFn http.HandlerFunc

	// APIKeys resolves the X-API-Key header to a stored user id. Nil
	// means no key store is configured, and the raw header value is
	// used as the requester id (fine for single-tenant/dev setups).
	APIKeys *apikeys.Store
}

// Router builds the chi mux mapping spec §6's routes onto the handlers
// below, with permissive CORS for the dev/local deployment this repo
// targets.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Post("/upload/init", s.handleUploadInit)
	r.Post("/upload/complete", s.handleUploadComplete)

	r.Get("/assets/{id}", s.handleGetAssetDownload)
	r.Get("/assets/{id}/hls/master.m3u8", s.handleGetMasterManifest)

	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs/translate", s.handleCreateTranslationJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/retry", s.handleRetryJob)
	r.Delete("/jobs/{id}", s.handleCancelJob)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.MetricsFn != nil {
		s.MetricsFn(w, r)
		return
	}
	http.NotFound(w, r)
}

type uploadInitRequest struct {
	UserID        *string `json:"userId,omitempty"`
	ContentLength int64   `json:"contentLength"`
}

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req uploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequest("invalid request body"))
		return
	}
	result, err := s.Upload.Init(r.Context(), req.UserID, req.ContentLength)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type uploadCompleteRequest struct {
	AssetID     string   `json:"assetId"`
	SourceLang  *string  `json:"sourceLang,omitempty"`
	TargetLangs []string `json:"targetLangs,omitempty"`
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	var req uploadCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequest("invalid request body"))
		return
	}
	if err := s.Upload.Complete(r.Context(), req.AssetID, req.SourceLang, req.TargetLangs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assetId": req.AssetID, "status": "UPLOAD_COMPLETED"})
}

// assetOutputs carries signed download URLs for an asset's published
// artifacts, populated only for the roles the asset actually has.
type assetOutputs struct {
	HLS string `json:"hls,omitempty"`
}

type assetResponse struct {
	*model.Asset
	Outputs *assetOutputs `json:"outputs,omitempty"`
}

func (s *Server) handleGetAssetDownload(w http.ResponseWriter, r *http.Request) {
	asset, err := s.Control.Assets.GetByExternalID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("asset not found"))
			return
		}
		writeError(w, apierr.Internal("load asset", err))
		return
	}

	resp := assetResponse{Asset: asset}
	if masterKey, ok := asset.StorageKeys["public"]; ok {
		url, err := s.Upload.PresignDownload(r.Context(), masterKey)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Outputs = &assetOutputs{HLS: url}
	}
	writeJSON(w, http.StatusOK, resp)
}

type masterManifestResponse struct {
	AssetID   string `json:"assetId"`
	MasterURL string `json:"masterUrl"`
}

func (s *Server) handleGetMasterManifest(w http.ResponseWriter, r *http.Request) {
	assetExternalID := chi.URLParam(r, "id")
	asset, err := s.Control.Assets.GetByExternalID(r.Context(), assetExternalID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("asset not found"))
			return
		}
		writeError(w, apierr.Internal("load asset", err))
		return
	}

	masterKey, ok := asset.StorageKeys["public"]
	if !ok {
		writeError(w, apierr.NotFound("asset has not been published yet"))
		return
	}

	url, err := s.Upload.PresignDownload(r.Context(), masterKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, masterManifestResponse{AssetID: asset.ExternalID, MasterURL: url})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)

	result, err := s.Control.ListJobs(r.Context(), page, pageSize)
	if err != nil {
		writeError(w, apierr.Internal("list jobs", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type createTranslationJobRequest struct {
	AssetID     string            `json:"assetId"`
	TargetLangs []string          `json:"targetLangs"`
	Presets     map[string]string `json:"presets,omitempty"`
	ResumeFrom  *string           `json:"resumeFrom,omitempty"`
}

func (s *Server) handleCreateTranslationJob(w http.ResponseWriter, r *http.Request) {
	var req createTranslationJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequest("invalid request body"))
		return
	}

	var resumeFrom *model.Stage
	if req.ResumeFrom != nil {
		s := model.ParseStage(*req.ResumeFrom)
		resumeFrom = &s
	}

	clientID := s.clientIDFromRequest(r)
	job, err := s.Control.CreateTranslationJob(r.Context(), req.AssetID, req.TargetLangs, req.Presets, resumeFrom, clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Control.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type retryJobRequest struct {
	ResumeFrom *string `json:"resumeFrom,omitempty"`
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	var req retryJobRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // body is optional for retry

	var resumeFrom *model.Stage
	if req.ResumeFrom != nil {
		s := model.ParseStage(*req.ResumeFrom)
		resumeFrom = &s
	}

	clientID := s.clientIDFromRequest(r)
	job, err := s.Control.RetryJob(r.Context(), chi.URLParam(r, "id"), resumeFrom, clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	clientID := s.clientIDFromRequest(r)
	_, err := s.Control.CancelJob(r.Context(), chi.URLParam(r, "id"), clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clientIDFromRequest resolves the caller's requester id: a stored API
// key's user id if s.APIKeys has a matching row, otherwise the raw
// header value, otherwise "anonymous".
func (s *Server) clientIDFromRequest(r *http.Request) string {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return "anonymous"
	}
	if s.APIKeys != nil {
		if rec, err := s.APIKeys.Resolve(r.Context(), key); err == nil && rec != nil {
			return rec.UserID
		}
	}
	return key
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		apiErr = apierr.Internal("unexpected error", err)
	}
	writeJSON(w, apiErr.Status, map[string]string{"code": apiErr.Code, "message": apiErr.Message})
}
