package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"github.com/tidwall/gjson"
)

const linearIssueQuery = `query Issue($id: String!) {
  issue(id: $id) {
    id
    identifier
    title
    description
    url
    priority
    state { name }
    assignee { name }
    labels { nodes { name } }
    attachments { nodes { title url } }
  }
}`

// Issue is the trimmed view of a Linear issue.
type Issue struct {
	ID          string       `json:"id"`
	Identifier  string       `json:"identifier"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url"`
	Priority    int64        `json:"priority"`
	State       string       `json:"state,omitempty"`
	Assignee    string       `json:"assignee,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a link attached to an issue.
type Attachment struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func linearTools() []Tool {
	return []Tool{
		{
			Name:        "linear_graphql",
			Description: "Run a GraphQL query against the Linear API and return its data.",
			Requires:    []string{provider.Linear},
			InputSchema: objectSchema([]string{"query"}, map[string]any{
				"query":     stringProp("GraphQL query document"),
				"variables": map[string]any{"type": "object", "description": "Query variables"},
			}),
			Handler: linearGraphQL,
		},
		{
			Name:        "linear_get_issue",
			Description: "Fetch one Linear issue by id or identifier (for example ENG-123).",
			Requires:    []string{provider.Linear},
			InputSchema: objectSchema([]string{"id"}, map[string]any{
				"id": stringProp("Issue id or identifier"),
			}),
			Handler: linearGetIssue,
		},
	}
}

// graphQL posts a query and returns the data member, turning GraphQL
// errors into ErrAPIResponse.
func graphQL(ctx context.Context, api APIs, query string, variables map[string]any) (gjson.Result, error) {
	c, err := api.Client(provider.Linear)
	if err != nil {
		return gjson.Result{}, err
	}

	payload := map[string]any{"query": query}
	if len(variables) > 0 {
		payload["variables"] = variables
	}

	res, err := c.PostJSON(ctx, "/graphql", payload)
	if err != nil {
		return gjson.Result{}, err
	}

	if errs := res.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		return gjson.Result{}, fmt.Errorf("%w: linear: %s", apperrors.ErrAPIResponse, errs.Get("0.message").String())
	}

	return res.Get("data"), nil
}

func linearGraphQL(ctx context.Context, api APIs, args json.RawMessage) (any, error) {
	var in struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	if in.Query == "" {
		return nil, errors.New("query is required")
	}

	data, err := graphQL(ctx, api, in.Query, in.Variables)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(data.Raw), nil
}

func linearGetIssue(ctx context.Context, api APIs, args json.RawMessage) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	if in.ID == "" {
		return nil, errors.New("id is required")
	}

	return fetchIssue(ctx, api, in.ID)
}

func fetchIssue(ctx context.Context, api APIs, id string) (*Issue, error) {
	data, err := graphQL(ctx, api, linearIssueQuery, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}

	node := data.Get("issue")
	if !node.Exists() || node.Type == gjson.Null {
		return nil, fmt.Errorf("%w: linear issue %s not found", apperrors.ErrAPIResponse, id)
	}

	issue := &Issue{
		ID:          node.Get("id").String(),
		Identifier:  node.Get("identifier").String(),
		Title:       node.Get("title").String(),
		Description: node.Get("description").String(),
		URL:         node.Get("url").String(),
		Priority:    node.Get("priority").Int(),
		State:       node.Get("state.name").String(),
		Assignee:    node.Get("assignee.name").String(),
	}

	for _, l := range node.Get("labels.nodes.#.name").Array() {
		issue.Labels = append(issue.Labels, l.String())
	}

	for _, a := range node.Get("attachments.nodes").Array() {
		issue.Attachments = append(issue.Attachments, Attachment{
			Title: a.Get("title").String(),
			URL:   a.Get("url").String(),
		})
	}

	return issue, nil
}
