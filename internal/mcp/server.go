// Package mcp exposes the design pipeline as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"archflow/backend/internal/health"
	"archflow/backend/internal/services"
	"archflow/backend/pkg/models"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type Server struct {
	mcpServer *server.MCPServer
	design    *services.DesignService
	feedback  *services.FeedbackService
	workflows *services.WorkflowTracker
	registry  *health.Registry
}

func NewServer(design *services.DesignService, feedback *services.FeedbackService, workflows *services.WorkflowTracker, registry *health.Registry, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Archflow Design",
			version,
			server.WithToolCapabilities(true),
		),
		design:    design,
		feedback:  feedback,
		workflows: workflows,
		registry:  registry,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"request_design",
			mcp.WithDescription("Generate a design from a prompt and evaluate it for compliance and optimization"),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("What to design, e.g. 18m residential building")),
			mcp.WithString("jurisdiction", mcp.Required(), mcp.Description("Regulatory jurisdiction, e.g. Mumbai")),
			mcp.WithString("owner", mcp.Description("Who the design belongs to")),
		),
		s.handleRequestDesign,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_feedback",
			mcp.WithDescription("Rate a design artifact version"),
			mcp.WithString("artifact_id", mcp.Required(), mcp.Description("The artifact version being rated")),
			mcp.WithString("user_id", mcp.Required(), mcp.Description("Who is rating")),
			mcp.WithNumber("rating", mcp.Required(), mcp.Description("Integer rating from 1 to 5")),
			mcp.WithString("text", mcp.Description("Optional free-text comment")),
		),
		s.handleSubmitFeedback,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_status",
			mcp.WithDescription("Get the status of an asynchronous run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The run ID returned when the run was started")),
		),
		s.handleWorkflowStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"service_health",
			mcp.WithDescription("List the cached health of every remote dependency"),
		),
		s.handleServiceHealth,
	)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRequestDesign(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	prompt, _ := args["prompt"].(string)
	jurisdiction, _ := args["jurisdiction"].(string)
	owner, _ := args["owner"].(string)

	resp, err := s.design.Process(ctx, models.DesignRequest{Prompt: prompt, Jurisdiction: jurisdiction, Owner: owner})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to process design request: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleSubmitFeedback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	artifactID, _ := args["artifact_id"].(string)
	userID, _ := args["user_id"].(string)
	rating, ok := args["rating"].(float64)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: rating"), nil
	}
	if rating != math.Trunc(rating) {
		return mcp.NewToolResultError("rating must be an integer"), nil
	}

	sub := models.FeedbackSubmission{ArtifactID: artifactID, UserID: userID, Rating: int(rating)}
	if text, ok := args["text"].(string); ok && text != "" {
		sub.Text = &text
	}
	receipt, err := s.feedback.Submit(ctx, sub)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit feedback: %v", err)), nil
	}
	return jsonResult(receipt)
}

func (s *Server) handleWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	runID, ok := args["run_id"].(string)
	if !ok || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	run, err := s.workflows.GetStatus(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleServiceHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return jsonResult([]models.ServiceEndpoint{})
	}
	return jsonResult(s.registry.Endpoints())
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
