// Package dispatcher implements the transport-agnostic JSON-RPC 2.0 /
// MCP-style core: request routing, the typed tool table, and response
// envelope construction. The stdio framing that carries these requests is
// a thin adapter living in cmd/sshmcpd — HandleRequest itself never reads
// or writes a byte.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opsloop/sshbroker/internal/protocol"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "sshbroker-mcp"
	ServerVersion   = "1.0.0"
)

// Server routes JSON-RPC requests to the registered tool table.
type Server struct {
	registry *ToolRegistry
	log      zerolog.Logger
}

// NewServer constructs a dispatcher over a populated tool registry.
func NewServer(registry *ToolRegistry, log zerolog.Logger) *Server {
	return &Server{registry: registry, log: log.With().Str("component", "dispatcher").Logger()}
}

// HandleRequest routes one JSON-RPC request to completion and returns its
// response envelope. Callers (the stdio loop, or a test) are expected to
// run each call on its own goroutine so a slow ssh_run never blocks a
// concurrent ssh_list_sessions.
func (s *Server) HandleRequest(ctx context.Context, req protocol.Request) protocol.Response {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, protocol.ErrInvalidRequest, "invalid JSON-RPC version")
	}

	s.log.Debug().Str("method", req.Method).Interface("id", req.ID).Msg("request received")

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.ID, req.Params)
	case "initialized":
		return protocol.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	case "tools/list":
		return s.handleListTools(req.ID)
	case "tools/call":
		return s.handleCallTool(ctx, req.ID, req.Params)
	case "ping":
		return protocol.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	default:
		return errorResponse(req.ID, protocol.ErrMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(id interface{}, params json.RawMessage) protocol.Response {
	var initParams protocol.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return errorResponse(id, protocol.ErrInvalidParams, "failed to parse initialize params")
		}
	}

	s.log.Info().
		Str("client", initParams.ClientInfo.Name).
		Str("client_version", initParams.ClientInfo.Version).
		Str("protocol_version", initParams.ProtocolVersion).
		Msg("client connected")

	result := protocol.InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: protocol.Capabilities{
			Tools: &protocol.ToolsCapability{ListChanged: false},
		},
		ServerInfo: protocol.ServerInfo{Name: ServerName, Version: ServerVersion},
	}
	return okResponse(id, result)
}

func (s *Server) handleListTools(id interface{}) protocol.Response {
	return okResponse(id, protocol.ListToolsResult{Tools: s.registry.ListTools()})
}

func (s *Server) handleCallTool(ctx context.Context, id interface{}, params json.RawMessage) protocol.Response {
	var callParams protocol.CallToolParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return errorResponse(id, protocol.ErrInvalidParams, "failed to parse tool call params")
	}

	s.log.Debug().Str("tool", callParams.Name).Msg("executing tool")

	result, err := s.registry.Execute(ctx, callParams.Name, callParams.Arguments)
	if err != nil {
		s.log.Error().Err(err).Str("tool", callParams.Name).Msg("tool execution failed")
		return okResponse(id, protocol.NewErrorResult(err))
	}
	return okResponse(id, result)
}

func okResponse(id interface{}, result interface{}) protocol.Response {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, protocol.ErrInternal, "failed to marshal result")
	}
	return protocol.Response{JSONRPC: "2.0", ID: id, Result: resultJSON}
}

func errorResponse(id interface{}, code int, message string) protocol.Response {
	return protocol.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &protocol.Error{Code: code, Message: message},
	}
}
