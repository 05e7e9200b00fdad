package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/liamcoop/claims/audit"
	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/retrieval"
	"github.com/liamcoop/claims/rules"
	"github.com/liamcoop/claims/workflow"
)

const (
	maxClaimBytes = 1 << 20
	maxRunsLimit  = 500

	// statusClientClosedRequest is reported when the caller went away
	// before the run finished.
	statusClientClosedRequest = 499
)

// ClaimProcessor runs one claim to a terminal state.
type ClaimProcessor interface {
	ProcessClaim(ctx context.Context, in workflow.Input) (workflow.Result, error)
}

// RuleSets exposes the active rule set and reloads it.
type RuleSets interface {
	Current() *rules.Snapshot
	Reload() (*rules.RuleSet, error)
}

type Server struct {
	processor ClaimProcessor
	audit     audit.Store
	rules     RuleSets
	ping      func(context.Context) error
	router    *chi.Mux
}

type ServerOptions struct {
	Processor ClaimProcessor
	Audit     audit.Store
	Rules     RuleSets
	// Ping checks backing services for the health endpoint; nil skips it.
	Ping           func(context.Context) error
	RequestTimeout time.Duration
}

func NewServer(opts ServerOptions) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	s := &Server{
		processor: opts.Processor,
		audit:     opts.Audit,
		rules:     opts.Rules,
		ping:      opts.Ping,
	}
	s.setupRoutes(opts.RequestTimeout)
	return s
}

func (s *Server) setupRoutes(timeout time.Duration) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/api/v1/health", s.handleHealth)

	r.Post("/api/v1/claims", s.handleSubmitClaim)

	r.Route("/api/v1/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{runId}/audit", s.handleGetAuditTrail)
	})

	r.Route("/api/v1/ruleset", func(r chi.Router) {
		r.Get("/", s.handleGetRuleSet)
		r.Post("/reload", s.handleReloadRuleSet)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request through the structured logger and feeds
// the response counters.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.RecordResponse(status)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if status >= 500 {
			logger.Warn("request failed", args...)
			return
		}
		logger.Debug("request served", args...)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Counters: logger.Counters(),
	}
	if snap := s.rules.Current(); snap != nil {
		resp.RuleSet = snap.Set.Key()
	}

	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// requestError is a problem with the HTTP request itself, before a run
// exists.
type requestError struct {
	status  int
	message string
	err     error
}

func (e *requestError) Error() string {
	if e.err == nil {
		return e.message
	}
	return e.message + ": " + e.err.Error()
}

// readClaim accepts a JSON claim document, a urlencoded form or a multipart
// form. A multipart claim_file part is treated as a JSON document.
func readClaim(r *http.Request) (workflow.Input, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType := "application/json"
	if contentType != "" {
		var err error
		if mediaType, _, err = mime.ParseMediaType(contentType); err != nil {
			return workflow.Input{}, &requestError{status: http.StatusUnsupportedMediaType, message: "invalid content type", err: err}
		}
	}

	switch mediaType {
	case "application/json":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return workflow.Input{}, &requestError{status: http.StatusBadRequest, message: "failed to read request body", err: err}
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return workflow.Input{}, &requestError{status: http.StatusBadRequest, message: "request body is empty"}
		}
		return workflow.Input{Document: body}, nil

	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return workflow.Input{}, &requestError{status: http.StatusBadRequest, message: "invalid form", err: err}
		}
		return workflow.Input{Fields: flattenForm(r.PostForm)}, nil

	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxClaimBytes); err != nil {
			return workflow.Input{}, &requestError{status: http.StatusBadRequest, message: "invalid multipart form", err: err}
		}
		file, _, err := r.FormFile("claim_file")
		switch {
		case err == nil:
			defer file.Close()
			doc, err := io.ReadAll(file)
			if err != nil {
				return workflow.Input{}, &requestError{status: http.StatusBadRequest, message: "failed to read claim_file", err: err}
			}
			return workflow.Input{Document: doc}, nil
		case !errors.Is(err, http.ErrMissingFile):
			return workflow.Input{}, &requestError{status: http.StatusBadRequest, message: "invalid claim_file", err: err}
		}
		return workflow.Input{Fields: flattenForm(r.MultipartForm.Value)}, nil

	default:
		return workflow.Input{}, &requestError{
			status:  http.StatusUnsupportedMediaType,
			message: fmt.Sprintf("unsupported content type %q", mediaType),
		}
	}
}

// flattenForm keeps one value per field. Repeated fields, such as several
// supporting documents, are joined with commas.
func flattenForm(values map[string][]string) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) == 0 {
			continue
		}
		fields[k] = strings.Join(v, ",")
	}
	return fields
}

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxClaimBytes)

	in, err := readClaim(r)
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			respondError(w, reqErr.status, reqErr.message, reqErr.err)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}

	res, err := s.processor.ProcessClaim(r.Context(), in)
	if err != nil {
		status, message := claimErrorStatus(err)
		resp := ErrorResponse{Error: message, Details: err.Error(), RunID: res.RunID.String()}
		var stageErr *workflow.StageError
		if errors.As(err, &stageErr) {
			resp.Stage = stageErr.Stage
		}
		respondJSON(w, status, resp)
		return
	}

	respondJSON(w, http.StatusOK, ClaimResponse{
		RunID:    res.RunID,
		State:    res.State,
		Decision: res.Decision,
	})
}

// claimErrorStatus maps a failed run to an HTTP status.
func claimErrorStatus(err error) (int, string) {
	var (
		fatal       *workflow.OrchestratorFatalError
		malformed   *claim.MalformedClaimError
		unavailable *retrieval.RetrievalUnavailableError
	)
	switch {
	case errors.As(err, &fatal):
		return http.StatusInternalServerError, "claim run aborted"
	case errors.As(err, &malformed):
		return http.StatusBadRequest, "malformed claim"
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, "policy retrieval unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "claim run timed out"
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "claim run cancelled"
	default:
		return http.StatusInternalServerError, "claim run failed"
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := audit.DefaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.audit.Runs(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []audit.RunSummary{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) handleGetAuditTrail(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id", err)
		return
	}

	entries, err := audit.Collect(s.audit.Entries(r.Context(), runID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read audit trail", err)
		return
	}
	if len(entries) == 0 {
		respondError(w, http.StatusNotFound, "run not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, AuditTrailResponse{
		RunID:   runID,
		State:   entries[len(entries)-1].To,
		Entries: entries,
	})
}

func (s *Server) handleGetRuleSet(w http.ResponseWriter, r *http.Request) {
	snap := s.rules.Current()
	if snap == nil {
		respondError(w, http.StatusServiceUnavailable, "no rule set loaded", nil)
		return
	}
	respondJSON(w, http.StatusOK, newRuleSetResponse(snap))
}

// handleReloadRuleSet re-reads the rule set source. A rule set that fails
// to load leaves the current one active.
func (s *Server) handleReloadRuleSet(w http.ResponseWriter, r *http.Request) {
	if _, err := s.rules.Reload(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "failed to reload rule set", err)
		return
	}
	respondJSON(w, http.StatusOK, newRuleSetResponse(s.rules.Current()))
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
