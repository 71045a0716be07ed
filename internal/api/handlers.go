package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/health"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/services"
	"archflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server implements ServerInterface on top of the service layer.
type Server struct {
	Design    *services.DesignService
	Feedback  *services.FeedbackService
	Workflows *services.WorkflowTracker
	Registry  *health.Registry
	Store     Pinger
	Logger    *logging.Logger
	Version   string
}

var _ ServerInterface = (*Server)(nil)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status       string                          `json:"status"`
	Timestamp    time.Time                       `json:"timestamp"`
	Service      string                          `json:"service"`
	Version      string                          `json:"version"`
	Database     string                          `json:"database"`
	Dependencies map[string]models.ServiceStatus `json:"dependencies,omitempty"`
}

// HandleHealth reports process liveness. It answers 200 while the store is
// reachable; remote dependency status is informational because every
// pipeline stage degrades on its own.
func (s *Server) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "archflow",
		Version:   s.Version,
		Database:  "ok",
	}
	if status.Version == "" {
		status.Version = "dev"
	}
	if s.Registry != nil {
		status.Dependencies = s.Registry.Snapshot()
	}
	if s.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.Store.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Database = err.Error()
			return c.JSON(http.StatusServiceUnavailable, status)
		}
	}
	return c.JSON(http.StatusOK, status)
}

// GetServiceHealth returns the cached status of every remote dependency.
// (GET /api/v1/services/health)
func (s *Server) GetServiceHealth(c echo.Context) error {
	if s.Registry == nil {
		return c.JSON(http.StatusOK, []models.ServiceEndpoint{})
	}
	return c.JSON(http.StatusOK, s.Registry.Endpoints())
}

// PostDesignRequest runs the design pipeline and returns the assembled
// response. Stage failures do not change the status code.
// (POST /api/v1/design-requests)
func (s *Server) PostDesignRequest(c echo.Context) error {
	var req models.DesignRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errs.New(errs.Validation, "invalid request body: %v", err))
	}
	resp, err := s.Design.Process(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// RunAccepted acknowledges an asynchronous run.
type RunAccepted struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// PostDesignRequestAsync starts the design pipeline as a workflow run.
// (POST /api/v1/design-requests/async)
func (s *Server) PostDesignRequestAsync(c echo.Context) error {
	var req models.DesignRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, errs.New(errs.Validation, "invalid request body: %v", err))
	}
	workflowID, runID, err := s.Design.ProcessAsync(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, RunAccepted{WorkflowID: workflowID, RunID: runID})
}

// GetArtifact returns one artifact version.
// (GET /api/v1/artifacts/{id})
func (s *Server) GetArtifact(c echo.Context, id string) error {
	artifact, err := s.Design.GetArtifact(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, artifact)
}

type revisionBody struct {
	Document map[string]any `json:"structured_document"`
	Owner    string         `json:"owner"`
}

// PostArtifactRevision appends a new version after the lineage's latest.
// (POST /api/v1/artifacts/{id}/revisions)
func (s *Server) PostArtifactRevision(c echo.Context, id string) error {
	var body revisionBody
	if err := c.Bind(&body); err != nil {
		return writeError(c, errs.New(errs.Validation, "invalid request body: %v", err))
	}
	artifact, err := s.Design.Revise(c.Request().Context(), id, body.Document, body.Owner)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, artifact)
}

// GetArtifactHistory returns every version of a lineage.
// (GET /api/v1/artifacts/{lineage_id}/history)
func (s *Server) GetArtifactHistory(c echo.Context, lineageID string) error {
	versions, err := s.Design.History(c.Request().Context(), lineageID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, versions)
}

// PostFeedback stores one rating. Fields outside the known set are kept as
// event metadata.
// (POST /api/v1/feedback)
func (s *Server) PostFeedback(c echo.Context) error {
	sub, err := decodeFeedback(c.Request())
	if err != nil {
		return s.fail(c, err)
	}
	receipt, err := s.Feedback.Submit(c.Request().Context(), *sub)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, receipt)
}

func decodeFeedback(r *http.Request) (*models.FeedbackSubmission, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, errs.New(errs.Validation, "invalid request body: %v", err)
	}

	sub := &models.FeedbackSubmission{Extra: map[string]any{}}
	for key, value := range raw {
		switch key {
		case "artifact_id", "user_id":
			str, ok := value.(string)
			if !ok {
				return nil, errs.New(errs.Validation, "%s must be a string", key)
			}
			if key == "artifact_id" {
				sub.ArtifactID = str
			} else {
				sub.UserID = str
			}
		case "rating":
			num, ok := value.(json.Number)
			if !ok {
				return nil, errs.New(errs.Validation, "rating must be an integer")
			}
			n, err := num.Int64()
			if err != nil {
				return nil, errs.New(errs.Validation, "rating must be an integer")
			}
			sub.Rating = int(n)
		case "text":
			if value == nil {
				continue
			}
			str, ok := value.(string)
			if !ok {
				return nil, errs.New(errs.Validation, "text must be a string")
			}
			sub.Text = &str
		default:
			sub.Extra[key] = normalizeNumbers(value)
		}
	}
	if _, ok := raw["rating"]; !ok {
		return nil, errs.New(errs.Validation, "rating is required")
	}
	return sub, nil
}

// normalizeNumbers turns json.Number leaves back into float64 so stored
// metadata looks the same as if it had been decoded normally.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, inner := range t {
			t[k] = normalizeNumbers(inner)
		}
	case []any:
		for i, inner := range t {
			t[i] = normalizeNumbers(inner)
		}
	}
	return v
}

// GetFeedbackSummary aggregates ratings within a time window.
// (GET /api/v1/feedback/summary)
func (s *Server) GetFeedbackSummary(c echo.Context, params GetFeedbackSummaryParams) error {
	filter := models.AggregateFilter{Since: params.Since, Until: params.Until}
	if params.Jurisdiction != nil {
		filter.Jurisdiction = strings.TrimSpace(*params.Jurisdiction)
	}
	summary, err := s.Feedback.Aggregate(c.Request().Context(), filter)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// TrainingReadiness reports whether retraining can be triggered.
type TrainingReadiness struct {
	Ready       bool `json:"ready"`
	UsablePairs int  `json:"usable_pairs"`
	Threshold   int  `json:"threshold"`
}

// GetTrainingReadiness compares usable preference pairs to the threshold.
// (GET /api/v1/training/readiness)
func (s *Server) GetTrainingReadiness(c echo.Context) error {
	pairs, err := s.Feedback.UsablePairCount(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	threshold := s.Feedback.PairThreshold()
	return c.JSON(http.StatusOK, TrainingReadiness{
		Ready:       pairs >= threshold,
		UsablePairs: pairs,
		Threshold:   threshold,
	})
}

// PostTrainingRun starts an optimizer retraining run.
// (POST /api/v1/training/runs)
func (s *Server) PostTrainingRun(c echo.Context) error {
	workflowID, runID, err := s.Feedback.TriggerTraining(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, RunAccepted{WorkflowID: workflowID, RunID: runID})
}

// statusFor maps an error kind to its HTTP status code.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InsufficientTrainingData:
		return http.StatusConflict
	case errs.DependencyUnavailable:
		return http.StatusServiceUnavailable
	case errs.DependencyRejected, errs.DataIntegrity:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail logs server-side failures before rendering them.
func (s *Server) fail(c echo.Context, err error) error {
	if statusFor(errs.KindOf(err)) == http.StatusInternalServerError && s.Logger != nil {
		s.Logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	return writeError(c, err)
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, err error) error {
	kind := errs.KindOf(err)
	status := statusFor(kind)

	detail := err.Error()
	var e *errs.Error
	if errors.As(err, &e) && e.Detail != "" && e.Err == nil {
		detail = e.Detail
	}
	if status == http.StatusInternalServerError {
		detail = "internal error"
	}

	problem := models.ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
		Kind:     string(kind),
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(problem)
}

// HTTPErrorHandler renders echo's own errors (routing, binding) as problems.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status := he.Code
		detail := http.StatusText(status)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		kind := errs.Internal
		switch {
		case status == http.StatusNotFound:
			kind = errs.NotFound
		case status < http.StatusInternalServerError:
			kind = errs.Validation
		}
		problem := models.ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(status),
			Status:   status,
			Detail:   detail,
			Instance: c.Request().URL.Path,
			Kind:     string(kind),
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		c.Response().WriteHeader(status)
		_ = json.NewEncoder(c.Response()).Encode(problem)
		return
	}
	_ = writeError(c, err)
}
