package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/sshbroker/internal/protocol"
)

func newTestServer() (*Server, *ToolRegistry) {
	reg := NewToolRegistry()
	reg.Register(RegisteredTool{
		Definition: protocol.Tool{Name: "echo", Description: "echoes its input"},
		Handler: func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			return protocol.NewJSONResult(args), nil
		},
	})
	return NewServer(reg, zerolog.Nop()), reg
}

func TestHandleRequestRejectsWrongJSONRPCVersion(t *testing.T) {
	s, _ := newTestServer()
	resp := s.HandleRequest(context.Background(), protocol.Request{JSONRPC: "1.0", ID: 1, Method: "ping"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrInvalidRequest, resp.Error.Code)
}

func TestHandleRequestInitialize(t *testing.T) {
	s, _ := newTestServer()
	resp := s.HandleRequest(context.Background(), protocol.Request{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	require.Nil(t, resp.Error)

	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, ServerName, result.ServerInfo.Name)
}

func TestHandleRequestListTools(t *testing.T) {
	s, _ := newTestServer()
	resp := s.HandleRequest(context.Background(), protocol.Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	require.Nil(t, resp.Error)

	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
}

func TestHandleRequestCallToolRoundTrips(t *testing.T) {
	s, _ := newTestServer()
	params, _ := json.Marshal(protocol.CallToolParams{Name: "echo", Arguments: map[string]interface{}{"x": "y"}})
	resp := s.HandleRequest(context.Background(), protocol.Request{JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params})
	require.Nil(t, resp.Error)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, `"x":"y"`)
}

func TestHandleRequestUnknownMethod(t *testing.T) {
	s, _ := newTestServer()
	resp := s.HandleRequest(context.Background(), protocol.Request{JSONRPC: "2.0", ID: 1, Method: "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrMethodNotFound, resp.Error.Code)
}

func TestHandleRequestCallUnknownTool(t *testing.T) {
	s, _ := newTestServer()
	params, _ := json.Marshal(protocol.CallToolParams{Name: "does-not-exist"})
	resp := s.HandleRequest(context.Background(), protocol.Request{JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params})
	require.Nil(t, resp.Error)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.IsError)
}
