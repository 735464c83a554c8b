package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"acp-orchestrator/internal/engine"
	"acp-orchestrator/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	engine    *engine.Engine
}

func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Workflow Orchestrator",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine: eng,
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
			"submit_request",
			mcp.WithDescription("Submit an analyst request for workflow processing"),
			mcp.WithString("request_text", mcp.Required(), mcp.Description("The analyst request to process")),
			mcp.WithNumber("priority", mcp.Description("Scheduling priority, higher runs first")),
		),
		s.handleSubmitRequest,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_status",
			mcp.WithDescription("Get the current status of a workflow job, including any pending questions"),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The ID of the job")),
		),
		s.handleGetStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_answers",
			mcp.WithDescription("Answer the pending clarification questions of a job"),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The ID of the job")),
			mcp.WithString("answers", mcp.Required(), mcp.Description("JSON array of {question_id, answer} objects")),
		),
		s.handleSubmitAnswers,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_result",
			mcp.WithDescription("Get the deliverable bundle of a completed job"),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The ID of the job")),
		),
		s.handleGetResult,
	)
}

func (s *Server) handleSubmitRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	requestText, ok := args["request_text"].(string)
	if !ok || requestText == "" {
		return mcp.NewToolResultError("Missing required parameter: request_text"), nil
	}
	priority := 0
	if p, ok := args["priority"].(float64); ok {
		priority = int(p)
	}

	job, err := s.engine.Submit(ctx, requestText, priority, "mcp")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]interface{}{
		"job_id": job.ID,
		"state":  job.State,
	})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	jobID, ok := args["job_id"].(string)
	if !ok || jobID == "" {
		return mcp.NewToolResultError("Missing required parameter: job_id"), nil
	}

	status, err := s.engine.Status(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(status)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleSubmitAnswers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	jobID, ok := args["job_id"].(string)
	if !ok || jobID == "" {
		return mcp.NewToolResultError("Missing required parameter: job_id"), nil
	}
	rawAnswers, ok := args["answers"].(string)
	if !ok || rawAnswers == "" {
		return mcp.NewToolResultError("Missing required parameter: answers"), nil
	}

	var answers []models.Answer
	if err := json.Unmarshal([]byte(rawAnswers), &answers); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid answers JSON: %v", err)), nil
	}

	if err := s.engine.SubmitAnswers(ctx, jobID, answers); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit answers: %v", err)), nil
	}

	return mcp.NewToolResultText("Answers accepted, workflow resuming"), nil
}

func (s *Server) handleGetResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	jobID, ok := args["job_id"].(string)
	if !ok || jobID == "" {
		return mcp.NewToolResultError("Missing required parameter: job_id"), nil
	}

	result, err := s.engine.Result(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get result: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
