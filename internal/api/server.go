package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dunamismax/faceflow/internal/domain"
	"github.com/dunamismax/faceflow/internal/fileset"
	"github.com/dunamismax/faceflow/internal/orchestrator"
	"github.com/dunamismax/faceflow/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// RunStarter starts one batch over a source directory. In the API process it
// is an orchestrator in queue mode, so Run returns once every job is
// enqueued.
type RunStarter interface {
	Run(ctx context.Context, sourceDir, anchorPath string) (orchestrator.RunResult, error)
}

type Server struct {
	logger                *zap.Logger
	jobStore              store.JobStore
	runs                  RunStarter
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	sourceRoot            string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type Option func(*Server)

func WithRateLimiter(l RateLimiter, userIDHeader string) Option {
	return func(s *Server) {
		s.rateLimiter = l
		if strings.TrimSpace(userIDHeader) != "" {
			s.rateLimitUserIDHeader = userIDHeader
		}
	}
}

// WithSourceRoot confines run paths to the tree under root. Runs are refused
// until a root is set.
func WithSourceRoot(root string) Option {
	return func(s *Server) { s.sourceRoot = strings.TrimSpace(root) }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

func NewServer(logger *zap.Logger, jobStore store.JobStore, runs RunStarter, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:                logger,
		jobStore:              jobStore,
		runs:                  runs,
		rateLimitUserIDHeader: "X-User-ID",
		metrics:               newMetrics(),
		tracer:                otel.Tracer("faceflow/api"),
		mux:                   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withRoute(s.observe(s.withTracing(s.withRateLimit(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.handler())
	s.mux.HandleFunc("POST /v1/runs", s.handleStartRun)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRunRequest struct {
	SourceDir  string `json:"source_dir"`
	AnchorPath string `json:"anchor_path"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "runs are not enabled"})
		return
	}
	if s.sourceRoot == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "source root is not configured"})
		return
	}

	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sourceDir, anchorPath, err := s.validateRunPaths(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := s.runs.Run(r.Context(), sourceDir, anchorPath)
	if err != nil {
		s.logger.Error("start run failed",
			zap.String("source_dir", sourceDir),
			zap.String("anchor", anchorPath),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start run"})
		return
	}

	s.metrics.dispatched.WithLabelValues(result.Dispatch).Add(float64(len(result.JobIDs())))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"anchor_key": result.AnchorKey,
		"anchor_url": result.AnchorURL,
		"dispatch":   result.Dispatch,
		"jobs":       result.Jobs,
		"counts":     result.Counts(),
	})
}

func (s *Server) validateRunPaths(req startRunRequest) (string, string, error) {
	sourceDir := strings.TrimSpace(req.SourceDir)
	anchorPath := strings.TrimSpace(req.AnchorPath)
	if sourceDir == "" {
		return "", "", errors.New("source_dir is required")
	}
	if anchorPath == "" {
		return "", "", errors.New("anchor_path is required")
	}

	if !fileset.IsImage(anchorPath) {
		return "", "", fmt.Errorf("anchor_path is not an image: %s", anchorPath)
	}
	for _, p := range []string{sourceDir, anchorPath} {
		if err := s.checkWithinRoot(p); err != nil {
			return "", "", err
		}
	}

	info, err := os.Stat(sourceDir)
	if err != nil || !info.IsDir() {
		return "", "", fmt.Errorf("source_dir is not a readable directory: %s", sourceDir)
	}
	info, err = os.Stat(anchorPath)
	if err != nil || info.IsDir() {
		return "", "", fmt.Errorf("anchor_path is not a readable file: %s", anchorPath)
	}
	return sourceDir, anchorPath, nil
}

// checkWithinRoot compares fully resolved paths, so a symlink under the root
// that points outside it is rejected.
func (s *Server) checkWithinRoot(path string) error {
	root, err := realPath(s.sourceRoot)
	if err != nil {
		return fmt.Errorf("resolve source root: %w", err)
	}
	abs, err := realPath(path)
	if err != nil {
		return fmt.Errorf("resolve path %s: %w", path, err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path is outside the source root: %s", path)
	}
	return nil
}

func realPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	jobs, err := s.jobStore.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}

	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func parseListFilter(r *http.Request) (store.ListFilter, error) {
	q := r.URL.Query()
	filter := store.ListFilter{Limit: defaultListLimit}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := domain.ParseJobStatus(raw)
		if err != nil {
			return store.ListFilter{}, err
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return store.ListFilter{}, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = min(limit, maxListLimit)
	}
	for _, raw := range q["id"] {
		if jobID := strings.TrimSpace(raw); jobID != "" {
			filter.IDs = append(filter.IDs, jobID)
		}
	}
	return filter, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
