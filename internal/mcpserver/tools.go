// Package mcpserver exposes a bridge session's capabilities as MCP tools.
// Each bridge session gets its own mcp.Server carrying exactly the tools
// computed for it when it was opened.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/provider-bridge/internal/auth"
	"github.com/alexjbarnes/provider-bridge/internal/capability"
	"github.com/alexjbarnes/provider-bridge/internal/credential"
	"github.com/alexjbarnes/provider-bridge/internal/llm"
	"github.com/alexjbarnes/provider-bridge/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Resumer rebinds a session to a fresher credential.
type Resumer interface {
	Resume(id string, cred credential.Credential) (*session.Session, error)
}

// Tools binds a session's capability set to MCP handlers.
type Tools struct {
	sess               *session.Session
	resumer            Resumer
	clients            *capability.Clients
	concurrentSampling bool
	logger             *slog.Logger

	mu       sync.Mutex
	samplers map[*mcp.ServerSession]llm.Caller
}

// RegisterTools adds every tool of the session's capability set to server.
func RegisterTools(server *mcp.Server, t *Tools) {
	for _, tool := range t.sess.Capabilities().Tools() {
		server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, t.handler(tool.Name))
	}
}

// sampler returns the one sampling capability for ss so that every tool
// call on a session shares its queue.
func (t *Tools) sampler(ss *mcp.ServerSession) llm.Caller {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.samplers == nil {
		t.samplers = make(map[*mcp.ServerSession]llm.Caller)
	}

	c, ok := t.samplers[ss]
	if !ok {
		c = llm.New(ss, t.concurrentSampling)
		t.samplers[ss] = c
	}

	return c
}

// credential prefers the credential on the request, which is newer after
// a token refresh, and falls back to the session snapshot.
func (t *Tools) credential(req *mcp.CallToolRequest) credential.Credential {
	if req.Extra != nil && t.resumer != nil {
		if cred, ok := auth.CredentialFromTokenInfo(req.Extra.TokenInfo); ok {
			if s, err := t.resumer.Resume(t.sess.ID(), cred); err == nil {
				return s.Credential()
			}
		}
	}

	t.sess.Touch()

	return t.sess.Credential()
}

func (t *Tools) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cred := t.credential(req)

		if req.Session != nil {
			ctx = llm.WithCaller(ctx, t.sampler(req.Session))
		}

		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}

		result, err := capability.Invoke(ctx, t.sess.Capabilities(), t.clients, cred, name, args)
		if err != nil {
			t.logger.Warn("tool call failed",
				slog.String("session_id", t.sess.ID()),
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)

			return errorResult(err), nil
		}

		return textResult(result), nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("marshaling result: %w", err))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
