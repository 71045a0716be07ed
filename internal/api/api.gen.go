// Package api provides the REST boundary described by openapi.yaml.
//
// This file follows the layout of oapi-codegen's echo server output:
// a ServerInterface, a wrapper that binds parameters, and RegisterHandlers.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// GetFeedbackSummaryParams defines parameters for GetFeedbackSummary.
type GetFeedbackSummaryParams struct {
	Since        *time.Time `form:"since,omitempty" json:"since,omitempty"`
	Until        *time.Time `form:"until,omitempty" json:"until,omitempty"`
	Jurisdiction *string    `form:"jurisdiction,omitempty" json:"jurisdiction,omitempty"`
}

// ListWorkflowsParams defines parameters for ListWorkflows.
type ListWorkflowsParams struct {
	Status *string    `form:"status,omitempty" json:"status,omitempty"`
	Kind   *string    `form:"kind,omitempty" json:"kind,omitempty"`
	Since  *time.Time `form:"since,omitempty" json:"since,omitempty"`
	Until  *time.Time `form:"until,omitempty" json:"until,omitempty"`
	Limit  *int       `form:"limit,omitempty" json:"limit,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (POST /design-requests)
	PostDesignRequest(ctx echo.Context) error
	// (POST /design-requests/async)
	PostDesignRequestAsync(ctx echo.Context) error
	// (GET /artifacts/{id})
	GetArtifact(ctx echo.Context, id string) error
	// (POST /artifacts/{id}/revisions)
	PostArtifactRevision(ctx echo.Context, id string) error
	// (GET /artifacts/{lineage_id}/history)
	GetArtifactHistory(ctx echo.Context, lineageID string) error
	// (POST /feedback)
	PostFeedback(ctx echo.Context) error
	// (GET /feedback/summary)
	GetFeedbackSummary(ctx echo.Context, params GetFeedbackSummaryParams) error
	// (GET /training/readiness)
	GetTrainingReadiness(ctx echo.Context) error
	// (POST /training/runs)
	PostTrainingRun(ctx echo.Context) error
	// (GET /workflows)
	ListWorkflows(ctx echo.Context, params ListWorkflowsParams) error
	// (POST /workflows)
	StartWorkflow(ctx echo.Context) error
	// (GET /workflows/{run_id}/status)
	GetWorkflowStatus(ctx echo.Context, runID string) error
	// (POST /workflows/{run_id}/cancel)
	CancelWorkflow(ctx echo.Context, runID string) error
	// (GET /services/health)
	GetServiceHealth(ctx echo.Context) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

// PostDesignRequest converts echo context to params.
func (w *ServerInterfaceWrapper) PostDesignRequest(ctx echo.Context) error {
	return w.Handler.PostDesignRequest(ctx)
}

// PostDesignRequestAsync converts echo context to params.
func (w *ServerInterfaceWrapper) PostDesignRequestAsync(ctx echo.Context) error {
	return w.Handler.PostDesignRequestAsync(ctx)
}

func bindPath(ctx echo.Context, name string, dest *string) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, ctx.Param(name), dest,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return nil
}

// GetArtifact converts echo context to params.
func (w *ServerInterfaceWrapper) GetArtifact(ctx echo.Context) error {
	var id string
	if err := bindPath(ctx, "id", &id); err != nil {
		return err
	}
	return w.Handler.GetArtifact(ctx, id)
}

// PostArtifactRevision converts echo context to params.
func (w *ServerInterfaceWrapper) PostArtifactRevision(ctx echo.Context) error {
	var id string
	if err := bindPath(ctx, "id", &id); err != nil {
		return err
	}
	return w.Handler.PostArtifactRevision(ctx, id)
}

// GetArtifactHistory converts echo context to params.
func (w *ServerInterfaceWrapper) GetArtifactHistory(ctx echo.Context) error {
	var lineageID string
	if err := bindPath(ctx, "lineage_id", &lineageID); err != nil {
		return err
	}
	return w.Handler.GetArtifactHistory(ctx, lineageID)
}

// PostFeedback converts echo context to params.
func (w *ServerInterfaceWrapper) PostFeedback(ctx echo.Context) error {
	return w.Handler.PostFeedback(ctx)
}

// GetFeedbackSummary converts echo context to params.
func (w *ServerInterfaceWrapper) GetFeedbackSummary(ctx echo.Context) error {
	var params GetFeedbackSummaryParams
	if err := runtime.BindQueryParameter("form", true, false, "since", ctx.QueryParams(), &params.Since); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter since: %s", err))
	}
	if err := runtime.BindQueryParameter("form", true, false, "until", ctx.QueryParams(), &params.Until); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter until: %s", err))
	}
	if err := runtime.BindQueryParameter("form", true, false, "jurisdiction", ctx.QueryParams(), &params.Jurisdiction); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter jurisdiction: %s", err))
	}
	return w.Handler.GetFeedbackSummary(ctx, params)
}

// GetTrainingReadiness converts echo context to params.
func (w *ServerInterfaceWrapper) GetTrainingReadiness(ctx echo.Context) error {
	return w.Handler.GetTrainingReadiness(ctx)
}

// PostTrainingRun converts echo context to params.
func (w *ServerInterfaceWrapper) PostTrainingRun(ctx echo.Context) error {
	return w.Handler.PostTrainingRun(ctx)
}

// ListWorkflows converts echo context to params.
func (w *ServerInterfaceWrapper) ListWorkflows(ctx echo.Context) error {
	var params ListWorkflowsParams
	if err := runtime.BindQueryParameter("form", true, false, "status", ctx.QueryParams(), &params.Status); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter status: %s", err))
	}
	if err := runtime.BindQueryParameter("form", true, false, "kind", ctx.QueryParams(), &params.Kind); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter kind: %s", err))
	}
	if err := runtime.BindQueryParameter("form", true, false, "since", ctx.QueryParams(), &params.Since); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter since: %s", err))
	}
	if err := runtime.BindQueryParameter("form", true, false, "until", ctx.QueryParams(), &params.Until); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter until: %s", err))
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter limit: %s", err))
	}
	return w.Handler.ListWorkflows(ctx, params)
}

// StartWorkflow converts echo context to params.
func (w *ServerInterfaceWrapper) StartWorkflow(ctx echo.Context) error {
	return w.Handler.StartWorkflow(ctx)
}

// GetWorkflowStatus converts echo context to params.
func (w *ServerInterfaceWrapper) GetWorkflowStatus(ctx echo.Context) error {
	var runID string
	if err := bindPath(ctx, "run_id", &runID); err != nil {
		return err
	}
	return w.Handler.GetWorkflowStatus(ctx, runID)
}

// CancelWorkflow converts echo context to params.
func (w *ServerInterfaceWrapper) CancelWorkflow(ctx echo.Context) error {
	var runID string
	if err := bindPath(ctx, "run_id", &runID); err != nil {
		return err
	}
	return w.Handler.CancelWorkflow(ctx, runID)
}

// GetServiceHealth converts echo context to params.
func (w *ServerInterfaceWrapper) GetServiceHealth(ctx echo.Context) error {
	return w.Handler.GetServiceHealth(ctx)
}

// EchoRouter is implemented by both echo.Echo and echo.Group.
type EchoRouter interface {
	CONNECT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	HEAD(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	OPTIONS(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PATCH(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	TRACE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers handlers, prefixing every path with baseURL.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{Handler: si}

	router.POST(baseURL+"/design-requests", wrapper.PostDesignRequest)
	router.POST(baseURL+"/design-requests/async", wrapper.PostDesignRequestAsync)
	router.GET(baseURL+"/artifacts/:id", wrapper.GetArtifact)
	router.POST(baseURL+"/artifacts/:id/revisions", wrapper.PostArtifactRevision)
	router.GET(baseURL+"/artifacts/:lineage_id/history", wrapper.GetArtifactHistory)
	router.POST(baseURL+"/feedback", wrapper.PostFeedback)
	router.GET(baseURL+"/feedback/summary", wrapper.GetFeedbackSummary)
	router.GET(baseURL+"/training/readiness", wrapper.GetTrainingReadiness)
	router.POST(baseURL+"/training/runs", wrapper.PostTrainingRun)
	router.GET(baseURL+"/workflows", wrapper.ListWorkflows)
	router.POST(baseURL+"/workflows", wrapper.StartWorkflow)
	router.GET(baseURL+"/workflows/:run_id/status", wrapper.GetWorkflowStatus)
	router.POST(baseURL+"/workflows/:run_id/cancel", wrapper.CancelWorkflow)
	router.GET(baseURL+"/services/health", wrapper.GetServiceHealth)
}
