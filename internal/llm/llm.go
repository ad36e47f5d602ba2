// Package llm hands tool implementations a way to ask the connected
// client's model for a completion, using MCP sampling. Calls go through a
// queue unless the transport is known to carry concurrent requests.
package llm

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/queue"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultMaxTokens bounds a completion when the prompt sets no limit.
const DefaultMaxTokens = 1024

// ErrNoSampling is returned when the client did not advertise sampling.
var ErrNoSampling = errors.New("client does not support sampling")

// Caller is a sampling capability.
type Caller = queue.Caller[*mcp.CreateMessageParams, *mcp.CreateMessageResult]

// Sampler issues sampling requests on one MCP server session.
type Sampler struct {
	ss         *mcp.ServerSession
	concurrent bool
}

// NewSampler returns a Sampler for ss. concurrent says whether the
// session's transport can carry several outstanding requests.
func NewSampler(ss *mcp.ServerSession, concurrent bool) *Sampler {
	return &Sampler{ss: ss, concurrent: concurrent}
}

// New returns the queue-wrapped sampling capability for ss.
func New(ss *mcp.ServerSession, concurrent bool) Caller {
	return queue.Wrap[*mcp.CreateMessageParams, *mcp.CreateMessageResult](NewSampler(ss, concurrent))
}

// Concurrent implements queue.Caller.
func (s *Sampler) Concurrent() bool {
	return s.concurrent
}

// Call implements queue.Caller. A closed connection is reported as
// ErrTransportClosed so a queue stops sending on it.
func (s *Sampler) Call(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
	if ip := s.ss.InitializeParams(); ip != nil && (ip.Capabilities == nil || ip.Capabilities.Sampling == nil) {
		return nil, ErrNoSampling
	}

	res, err := s.ss.CreateMessage(ctx, params)
	if err != nil {
		if errors.Is(err, mcp.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrTransportClosed, err)
		}

		return nil, fmt.Errorf("sampling: %w", err)
	}

	return res, nil
}

// Prompt is a single-turn completion request.
type Prompt struct {
	System    string
	User      string
	MaxTokens int64
}

// Complete sends p and returns the text of the reply.
func Complete(ctx context.Context, c Caller, p Prompt) (string, error) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	res, err := c.Call(ctx, &mcp.CreateMessageParams{
		SystemPrompt: p.System,
		MaxTokens:    maxTokens,
		Messages: []*mcp.SamplingMessage{
			{Role: "user", Content: &mcp.TextContent{Text: p.User}},
		},
	})
	if err != nil {
		return "", err
	}

	text, ok := res.Content.(*mcp.TextContent)
	if !ok {
		return "", fmt.Errorf("%w: sampling returned %T content", apperrors.ErrAPIResponse, res.Content)
	}

	return text.Text, nil
}

type ctxKey struct{}

// WithCaller attaches c to ctx for tool handlers.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the sampling capability attached to ctx.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	return c, ok && c != nil
}
