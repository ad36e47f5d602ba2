// Package capability decides which tools a session exposes. The decision
// is a pure function of the providers present in the caller's credential:
// each provider contributes its own tools, and cross-provider tools appear
// only when every provider they combine is present.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alexjbarnes/provider-bridge/internal/credential"
	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
)

// Handler runs a tool. api hands out provider API clients authenticated
// with the caller's current credential.
type Handler func(ctx context.Context, api APIs, args json.RawMessage) (any, error)

// Tool is one named capability.
type Tool struct {
	Name        string
	Description string
	Requires    []string
	InputSchema map[string]any
	Handler     Handler
}

// Descriptor is the manifest entry sent to clients.
type Descriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Providers   []string `json:"providers"`
}

// Set is an immutable, name-ordered collection of tools.
type Set struct {
	tools []Tool
	index map[string]int
}

func newSet(tools []Tool) Set {
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	index := make(map[string]int, len(tools))
	for i, t := range tools {
		index[t.Name] = i
	}

	return Set{tools: tools, index: index}
}

// Names returns tool names in order.
func (s Set) Names() []string {
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Name
	}

	return names
}

// Tools returns a copy of the tools in order.
func (s Set) Tools() []Tool {
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)

	return out
}

// Get returns the named tool.
func (s Set) Get(name string) (Tool, bool) {
	i, ok := s.index[name]
	if !ok {
		return Tool{}, false
	}

	return s.tools[i], true
}

// Contains reports whether every name is in the set.
func (s Set) Contains(names ...string) bool {
	for _, n := range names {
		if _, ok := s.index[n]; !ok {
			return false
		}
	}

	return true
}

// Len returns the number of tools.
func (s Set) Len() int {
	return len(s.tools)
}

// Manifest describes the set for a handshake response.
func (s Set) Manifest() []Descriptor {
	out := make([]Descriptor, len(s.tools))
	for i, t := range s.tools {
		out[i] = Descriptor{Name: t.Name, Description: t.Description, Providers: t.Requires}
	}

	return out
}

// Registry is the static catalog of tools.
type Registry struct {
	tools []Tool
}

// NewRegistry builds a catalog. Tool names must be unique and every tool
// must require at least one provider.
func NewRegistry(tools ...Tool) (*Registry, error) {
	seen := make(map[string]bool, len(tools))

	for _, t := range tools {
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}

		if len(t.Requires) == 0 {
			return nil, fmt.Errorf("tool %q requires no provider", t.Name)
		}

		seen[t.Name] = true
	}

	return &Registry{tools: tools}, nil
}

// DefaultRegistry holds the Linear, Figma and Google Drive tools plus the
// Linear and Figma cross tool.
func DefaultRegistry() *Registry {
	var tools []Tool
	tools = append(tools, linearTools()...)
	tools = append(tools, figmaTools()...)
	tools = append(tools, driveTools()...)
	tools = append(tools, crossTools()...)

	r, err := NewRegistry(tools...)
	if err != nil {
		panic(err)
	}

	return r
}

// Compute returns the tools whose required providers are all present in
// cred. It has no side effects; equal credentials give equal sets.
func (r *Registry) Compute(cred credential.Credential) Set {
	var tools []Tool

	for _, t := range r.tools {
		if cred.Has(t.Requires...) {
			tools = append(tools, t)
		}
	}

	return newSet(tools)
}

var defaultRegistry = DefaultRegistry()

// Compute evaluates the default registry.
func Compute(cred credential.Credential) Set {
	return defaultRegistry.Compute(cred)
}

// Invoke runs the named tool from set with the given credential. Tools
// outside the set are refused even if the registry knows them.
func Invoke(ctx context.Context, set Set, clients *Clients, cred credential.Credential, name string, args json.RawMessage) (any, error) {
	t, ok := set.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	return t.Handler(ctx, clients.bind(cred), args)
}

// ErrUnknownTool is returned when a tool is not exposed to the session.
var ErrUnknownTool = fmt.Errorf("%w: tool not available", apperrors.ErrAPIRequest)

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}

	if len(required) > 0 {
		s["required"] = required
	}

	return s
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// decodeArgs unmarshals tool arguments.
func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}

	return nil
}
