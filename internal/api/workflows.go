package api

import (
	"net/http"

	"archflow/backend/internal/errs"
	"archflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

// ListWorkflows returns recent runs, most recently started first.
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context, params ListWorkflowsParams) error {
	filter := models.RunFilter{Since: params.Since, Until: params.Until}
	if params.Status != nil {
		status := models.RunStatus(*params.Status)
		switch status {
		case models.RunScheduled, models.RunRunning, models.RunCompleted, models.RunFailed, models.RunCancelled:
			filter.Status = status
		default:
			return writeError(c, errs.New(errs.Validation, "unknown run status %q", *params.Status))
		}
	}
	if params.Kind != nil {
		filter.Kind = *params.Kind
	}
	if params.Limit != nil {
		if *params.Limit < 1 || *params.Limit > 500 {
			return writeError(c, errs.New(errs.Validation, "limit must be between 1 and 500"))
		}
		filter.Limit = *params.Limit
	}

	runs, err := s.Workflows.ListRecent(c.Request().Context(), filter)
	if err != nil {
		return s.fail(c, err)
	}
	if runs == nil {
		runs = []*models.WorkflowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

type startWorkflowBody struct {
	Kind       string         `json:"kind"`
	Parameters map[string]any `json:"parameters"`
}

// StartWorkflow starts a run of any registered kind.
// (POST /api/v1/workflows)
func (s *Server) StartWorkflow(c echo.Context) error {
	var body startWorkflowBody
	if err := c.Bind(&body); err != nil {
		return writeError(c, errs.New(errs.Validation, "invalid request body: %v", err))
	}
	workflowID, runID, err := s.Workflows.Start(c.Request().Context(), body.Kind, body.Parameters)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, RunAccepted{WorkflowID: workflowID, RunID: runID})
}

// GetWorkflowStatus returns the current run record.
// (GET /api/v1/workflows/{run_id}/status)
func (s *Server) GetWorkflowStatus(c echo.Context, runID string) error {
	run, err := s.Workflows.GetStatus(c.Request().Context(), runID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelWorkflow cancels a run that has not finished.
// (POST /api/v1/workflows/{run_id}/cancel)
func (s *Server) CancelWorkflow(c echo.Context, runID string) error {
	if err := s.Workflows.Cancel(c.Request().Context(), runID); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
