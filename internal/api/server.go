// Package api implements the HTTP surface of the detection server: file
// upload and JSON detection, model retraining, stats and health. Handlers
// are thin; parsing, feature extraction and detection live in their own
// packages and are wired in through Deps.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/detect"
	"github.com/lvonguyen/threatlens/internal/detect/correlation"
	"github.com/lvonguyen/threatlens/internal/detect/scoring"
	"github.com/lvonguyen/threatlens/internal/enrichment"
	"github.com/lvonguyen/threatlens/internal/features"
	"github.com/lvonguyen/threatlens/internal/mitre"
	"github.com/lvonguyen/threatlens/internal/modelstore"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/parsing"
	"github.com/lvonguyen/threatlens/internal/records"
)

// Deps wires the server's collaborators. Pipeline, Parser and Extractor are
// required; the rest are optional and their features degrade when absent.
type Deps struct {
	Pipeline  *detect.Pipeline
	Parser    *parsing.Parser
	Extractor *features.Extractor
	Enricher  *enrichment.Service
	Mapper    *mitre.Mapper
	Store     *modelstore.Store
	Limiter   *gateway.RateLimiter
	Metrics   *observability.Metrics
	Logger    *zap.Logger

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	// AuthToken is compared against Bearer tokens on /api routes. Empty
	// means auth is unconfigured and all /api requests are rejected.
	AuthToken string

	DefaultModel     string
	MaxUploadBytes   int64
	SaveAfterRetrain bool
	Version          string
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	runCount int
	lastRun  *runSummary
}

type runSummary struct {
	RunID       string            `json:"run_id"`
	CompletedAt time.Time         `json:"completed_at"`
	Model       string            `json:"model"`
	Statistics  detect.Statistics `json:"statistics"`
	Campaigns   int               `json:"campaigns"`
	Retrained   bool              `json:"retrained"`
}

// CampaignView is a campaign with its ATT&CK technique references attached.
type CampaignView struct {
	correlation.Campaign
	Techniques []mitre.Technique `json:"mitre_techniques,omitempty"`
}

// DetectionResponse is the payload for both detection endpoints.
type DetectionResponse struct {
	RunID       string              `json:"run_id"`
	Model       string              `json:"model"`
	FileType    string              `json:"file_type,omitempty"`
	Report      *detect.Report      `json:"report"`
	Campaigns   []CampaignView      `json:"campaigns"`
	Enrichment  enrichment.Insights `json:"enrichment"`
	Features    features.Info       `json:"features"`
	ParseErrors []string            `json:"parse_errors,omitempty"`
	ElapsedMS   int64               `json:"elapsed_ms"`
}

// NewServer creates the HTTP API around its dependencies.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.DefaultModel == "" {
		deps.DefaultModel = scoring.ModelIsolationForest
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 50 * 1024 * 1024
	}
	return &Server{deps: deps, logger: logger}
}

// Routes builds the router: open health and metrics endpoints, then the
// authenticated and rate-limited /api/v1 tree.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		if s.deps.Limiter != nil {
			r.Use(s.deps.Limiter.Middleware(nil, nil))
		}

		r.Post("/upload", s.handleUpload)
		r.Post("/detect", s.handleDetect)
		r.Post("/models/retrain", s.handleRetrain)
		r.Get("/models", s.handleListModels)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// authenticate enforces Bearer token auth and fails closed: with no token
// configured every /api request is rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AuthToken == "" {
			writeError(w, http.StatusServiceUnavailable, "api authentication is not configured")
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records request count and latency metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, path, http.StatusText(ww.Status())).Inc()
		s.deps.Metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// =============================================================================
// Detection Endpoints
// =============================================================================

// handleUpload accepts a multipart log file, parses it, and runs the full
// pipeline over the batch.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.deps.MaxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	filename := filepath.Base(header.Filename)

	result, err := s.deps.Parser.Parse(filename, content)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.UploadBytes.Add(float64(len(content)))
		s.deps.Metrics.RecordsParsed.WithLabelValues(result.FileType).Add(float64(len(result.Records)))
		s.deps.Metrics.ParseErrors.WithLabelValues(result.FileType).Add(float64(len(result.Errors)))
	}

	var numericColumns []string
	if result.Schema != nil {
		numericColumns = result.Schema.NumericColumns
	}
	model := modelOrDefault(r.URL.Query().Get("model"), s.deps.DefaultModel)
	s.runDetection(w, r, result.Records, numericColumns, model, result.FileType, result.Errors)
}

type detectRequest struct {
	Records []records.Record `json:"records"`
	Model   string           `json:"model,omitempty"`
}

// handleDetect runs the pipeline over records submitted as JSON.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records must not be empty")
		return
	}
	for i, rec := range req.Records {
		if rec.Kind != records.KindHTTP && rec.Kind != records.KindGeneric {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("record %d has unknown kind %q", i, rec.Kind))
			return
		}
	}

	model := modelOrDefault(req.Model, s.deps.DefaultModel)
	s.runDetection(w, r, req.Records, nil, model, "", nil)
}

// runDetection is the shared tail of both detection endpoints.
func (s *Server) runDetection(
	w http.ResponseWriter,
	r *http.Request,
	batch []records.Record,
	numericColumns []string,
	model, fileType string,
	parseErrors []string,
) {
	start := time.Now()
	feats, info := s.deps.Extractor.Extract(batch, numericColumns)

	report, err := s.deps.Pipeline.Detect(r.Context(), batch, feats, model)
	if err != nil {
		s.writeDetectionError(w, err)
		return
	}

	var insights enrichment.Insights
	if s.deps.Enricher != nil {
		insights = s.deps.Enricher.Enrich(r.Context(), report.Threats)
	}

	resp := DetectionResponse{
		RunID:       uuid.NewString(),
		Model:       model,
		FileType:    fileType,
		Report:      report,
		Campaigns:   s.campaignViews(report),
		Enrichment:  insights,
		Features:    info,
		ParseErrors: parseErrors,
		ElapsedMS:   time.Since(start).Milliseconds(),
	}
	s.recordRun(resp)

	if report.Retrained && s.deps.SaveAfterRetrain {
		s.persistModels()
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeDetectionError maps the detection failure taxonomy onto HTTP statuses.
// Typed failures keep their message so callers learn which class occurred and
// the dimensions involved; only unexpected errors collapse to a generic 500.
func (s *Server) writeDetectionError(w http.ResponseWriter, err error) {
	var unknown *scoring.UnknownModelError
	var unavailable *scoring.ModelUnavailableError
	var retrain *detect.RetrainFailedError
	var mismatch *detect.PersistentFeatureMismatchError
	switch {
	case errors.As(err, &unknown):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &retrain):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &mismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("detection run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "detection failed")
	}
}

// campaignViews attaches ATT&CK techniques to each detected campaign.
func (s *Server) campaignViews(report *detect.Report) []CampaignView {
	views := make([]CampaignView, 0, len(report.Correlation.Campaigns))
	for _, c := range report.Correlation.Campaigns {
		view := CampaignView{Campaign: c}
		if s.deps.Mapper != nil {
			view.Techniques = s.deps.Mapper.MapThreatTypes(c.ThreatTypes)
			if s.deps.Metrics != nil {
				for _, tech := range view.Techniques {
					s.deps.Metrics.MITREMappings.WithLabelValues(tech.ID).Inc()
				}
			}
		}
		views = append(views, view)
	}
	return views
}

func (s *Server) recordRun(resp DetectionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCount++
	s.lastRun = &runSummary{
		RunID:       resp.RunID,
		CompletedAt: time.Now().UTC(),
		Model:       resp.Model,
		Statistics:  resp.Report.Statistics,
		Campaigns:   len(resp.Campaigns),
		Retrained:   resp.Report.Retrained,
	}
}

// =============================================================================
// Model Endpoints
// =============================================================================

type retrainRequest struct {
	Model        string      `json:"model"`
	TrainingData [][]float64 `json:"training_data"`
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	var req retrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	if err := s.deps.Pipeline.Retrain(r.Context(), req.Model, req.TrainingData); err != nil {
		var unknown *scoring.UnknownModelError
		if errors.As(err, &unknown) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if s.deps.SaveAfterRetrain {
		s.persistModels()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "retrained",
		"model":   req.Model,
		"samples": len(req.TrainingData),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"artifacts": []modelstore.ArtifactInfo{}})
		return
	}
	infos, err := s.deps.Store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list model artifacts")
		return
	}
	if infos == nil {
		infos = []modelstore.ArtifactInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": infos})
}

func (s *Server) persistModels() {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.SaveEngine(s.deps.Pipeline.Scorer()); err != nil {
		s.logger.Error("failed to persist models", zap.Error(err))
	}
}

// =============================================================================
// Stats and Health
// =============================================================================

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":     s.runCount,
		"last_run": s.lastRun,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.HealthStatus.WithLabelValues("api").Set(1)
		s.deps.Metrics.LastHealthCheck.SetToCurrentTime()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.deps.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"enrichment_enabled": s.deps.Enricher != nil && s.deps.Enricher.Enabled(),
	})
}

// =============================================================================
// Helpers
// =============================================================================

func modelOrDefault(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
