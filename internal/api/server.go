package api

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ajitpratap0/tabsynth/internal/dataset"
	"github.com/ajitpratap0/tabsynth/internal/generation"
	"github.com/ajitpratap0/tabsynth/internal/ingest"
	"github.com/ajitpratap0/tabsynth/internal/lifecycle"
	"github.com/ajitpratap0/tabsynth/internal/metrics"
	"github.com/ajitpratap0/tabsynth/internal/store"
)

// multipartOverhead is the allowance for multipart framing on top of the
// upload size limit.
const multipartOverhead = 1 << 20

// Options configures request defaults and CORS.
type Options struct {
	CORSOrigins   []string
	DefaultEpochs int
	DefaultRows   int
}

// Server is an HTTP API server that exposes the dataset, training and
// generation operations.
type Server struct {
	ingester *ingest.Ingester
	manager  *lifecycle.Manager
	pipeline *generation.Pipeline
	datasets *store.DatasetStore
	opts     Options
	logger   *slog.Logger
}

// NewServer creates a new Server with the given dependencies.
func NewServer(in *ingest.Ingester, mgr *lifecycle.Manager, pipe *generation.Pipeline, ds *store.DatasetStore, opts Options, logger *slog.Logger) *Server {
	return &Server{
		ingester: in,
		manager:  mgr,
		pipeline: pipe,
		datasets: ds,
		opts:     opts,
		logger:   logger,
	}
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /debug/vars", expvar.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/train", s.handleTrain)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/download/synthetic", s.handleDownloadSynthetic)
	mux.HandleFunc("GET /api/download/model", s.handleDownloadModel)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	return s.cors(mux)
}

// --- middleware ---

// cors sets CORS headers for allowed origins and answers preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := s.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Expose-Headers", "Content-Disposition")
			if allowed != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if slices.Contains(s.opts.CORSOrigins, "*") {
		return "*"
	}
	if slices.Contains(s.opts.CORSOrigins, origin) {
		return origin
	}
	return ""
}

// --- handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// uploadResponse is returned by POST /api/upload.
type uploadResponse struct {
	Message  string   `json:"message"`
	Filename string   `json:"filename"`
	Columns  []string `json:"columns"`
	Rows     int      `json:"rows"`
}

// handleUpload streams the "file" part of a multipart form into the
// ingester, so the extension is checked before the content is read.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.ingester.MaxBytes()+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "expected a multipart/form-data upload with a \"file\" field")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		if err != nil {
			s.writeFailure(w, "upload", err)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		res, err := s.ingester.Ingest(r.Context(), part.FileName(), part)
		_ = part.Close()
		if err != nil {
			s.writeFailure(w, "upload", err)
			return
		}
		s.writeJSON(w, http.StatusOK, uploadResponse{
			Message:  "File uploaded successfully",
			Filename: res.Filename,
			Columns:  res.Columns,
			Rows:     res.Rows,
		})
		return
	}
}

// trainRequest is the body accepted by POST /api/train.
type trainRequest struct {
	Epochs         *int `json:"epochs"`
	DropDuplicates bool `json:"dropDuplicates"`
	DropNulls      bool `json:"dropNulls"`
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	epochs := s.opts.DefaultEpochs
	if req.Epochs != nil {
		epochs = *req.Epochs
	}

	res, err := s.manager.Train(r.Context(), lifecycle.TrainRequest{
		Epochs:         epochs,
		DropDuplicates: req.DropDuplicates,
		DropNulls:      req.DropNulls,
	})
	if err != nil {
		s.writeFailure(w, "training", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// generateRequest is the body accepted by POST /api/generate.
type generateRequest struct {
	NumRows *int `json:"numRows"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	rows := s.opts.DefaultRows
	if req.NumRows != nil {
		rows = *req.NumRows
	}

	res, err := s.pipeline.Generate(r.Context(), rows)
	if err != nil {
		s.writeFailure(w, "generation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownloadSynthetic(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, s.pipeline.OutputPath(), "text/csv",
		"Synthetic dataset not found. Please generate first.")
}

func (s *Server) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, s.manager.ModelPath(), "application/octet-stream",
		"Model not found. Please train first.")
}

// statusResponse is returned by GET /api/status.
type statusResponse struct {
	lifecycle.Status
	Dataset string `json:"dataset"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: s.manager.Status()}
	path, err := s.datasets.ResolveCurrent()
	switch {
	case err == nil:
		resp.Dataset = filepath.Base(path)
	case !errors.Is(err, store.ErrNoDataset):
		s.logger.Warn("resolving current dataset", "error", err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

// decodeOptional decodes a JSON body into v. An empty body leaves v at its
// zero value. It reports false after writing an error response.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path, contentType, missing string) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, missing)
			return
		}
		s.logger.Error("failed to open download", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("failed to stat download", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// statusFor maps a domain error to an HTTP status code.
func statusFor(err error) int {
	var (
		dataErr    *lifecycle.DataLoadError
		persistErr *lifecycle.PersistError
		maxErr     *http.MaxBytesError
	)
	switch {
	case errors.Is(err, lifecycle.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrNoDataset),
		errors.Is(err, dataset.ErrInvalid),
		errors.Is(err, lifecycle.ErrInvalidEpochs),
		errors.Is(err, generation.ErrInvalidRowCount),
		errors.As(err, &dataErr):
		return http.StatusBadRequest
	case errors.As(err, &persistErr):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs err and writes it with the status statusFor assigns.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err)
		s.writeError(w, status, op+" failed: "+err.Error())
		return
	}
	s.logger.Warn(op+" rejected", "status", status, "error", err)
	s.writeError(w, status, err.Error())
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(v); encErr != nil {
		s.logger.Error("failed to encode response", "error", encErr)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Shutdown gracefully shuts down an http.Server with the given timeout.
// This is a convenience helper used by the serve command.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
