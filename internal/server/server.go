package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/localrivet/contextvault/internal/errortypes"
	"github.com/localrivet/contextvault/internal/tools"
	"github.com/localrivet/contextvault/internal/vault"
	"github.com/localrivet/gomcp/server"
)

// MCPContextToolServer exposes save and query as MCP tools over stdio.
type MCPContextToolServer struct {
	svc       *vault.Service
	logger    *slog.Logger
	mcpServer server.Server
}

// NewContextToolServer creates a new MCPContextToolServer instance. The MCP
// server logs through log, or through its own stderr logger when log is nil.
func NewContextToolServer(svc *vault.Service, log *slog.Logger) *MCPContextToolServer {
	return &MCPContextToolServer{svc: svc, logger: log}
}

// Initialize registers the vault tools on a new MCP server.
func (s *MCPContextToolServer) Initialize() error {
	slog.Info("Initializing MCP Context Tool Server")

	if s.svc == nil || s.svc.Store() == nil {
		return errortypes.ConfigError(errors.New("missing dependencies"), "server initialization failed")
	}

	var opts []server.Option
	if s.logger != nil {
		opts = append(opts, server.WithLogger(s.logger))
	}
	srv := server.NewServer("contextvault", opts...)

	srv = srv.Tool(tools.ToolSaveContext, "Save a JSON context document for a user",
		s.handleSaveContext)

	srv = srv.Tool(tools.ToolQueryContext, "Query saved context documents, newest first",
		s.handleQueryContext)

	s.mcpServer = srv
	slog.Info("MCP Context Tool Server initialized successfully", "tool_count", 2)
	return nil
}

// Start serves MCP over stdio and blocks until stdin closes.
func (s *MCPContextToolServer) Start() error {
	if s.mcpServer == nil {
		return errortypes.ConfigError(errors.New("server not initialized"), "cannot start server")
	}

	slog.Info("Starting MCP Context Tool Server")

	stdioServer := s.mcpServer.AsStdio()
	return stdioServer.Run()
}

// Stop gracefully shuts down the MCP server.
func (s *MCPContextToolServer) Stop() error {
	slog.Info("Stopping MCP Context Tool Server")
	// The server will exit when stdin is closed
	return nil
}

// handleSaveContext handles the save_context MCP tool call.
func (s *MCPContextToolServer) handleSaveContext(ctx *server.Context, req tools.SaveContextToolRequest) (tools.SaveContextResponse, error) {
	slog.Info("Processing save_context request", "user_id", req.UserID, "context_type", req.ContextType)
	return s.saveContext(req), nil
}

// handleQueryContext handles the query_context MCP tool call.
func (s *MCPContextToolServer) handleQueryContext(ctx *server.Context, req tools.QueryContextRequest) (tools.QueryContextResponse, error) {
	slog.Info("Processing query_context request", "user_id", req.UserID, "context_type", req.ContextType, "limit", req.Limit)
	return s.queryContext(req), nil
}

// saveContext runs a save and folds any failure into the response envelope.
func (s *MCPContextToolServer) saveContext(toolReq tools.SaveContextToolRequest) tools.SaveContextResponse {
	req, err := toolReq.ToSaveContextRequest()
	if err != nil {
		s.svc.RecordRejected(vault.OperationSave)
		err = errortypes.ValidationError(err, "invalid save_context arguments")
		errortypes.LogError(nil, err)
		return tools.SaveContextResponse{Success: false, Error: err.Error()}
	}

	rec, err := s.svc.Save(context.Background(), req)
	if err != nil {
		errortypes.LogError(nil, err)
		return tools.SaveContextResponse{Success: false, Error: err.Error()}
	}

	slog.Info("Successfully saved context", "id", rec.ID)
	return tools.NewSaveContextResponse(rec)
}

// queryContext runs a query and folds any failure into the response envelope.
func (s *MCPContextToolServer) queryContext(req tools.QueryContextRequest) tools.QueryContextResponse {
	rows, err := s.svc.Query(context.Background(), req)
	if err != nil {
		errortypes.LogError(nil, err)
		resp := tools.NewQueryContextResponse(nil)
		resp.Success = false
		resp.Error = err.Error()
		return resp
	}

	slog.Info("Successfully retrieved context results", "count", len(rows))
	return tools.NewQueryContextResponse(rows)
}
