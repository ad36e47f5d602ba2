package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"github.com/tidwall/gjson"
)

// FileSummary is the trimmed view of a Figma file.
type FileSummary struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	LastModified string   `json:"last_modified"`
	Version      string   `json:"version"`
	Pages        []string `json:"pages"`
}

// Comment is one Figma comment.
type Comment struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	CreatedAt string `json:"created_at"`
	Resolved  bool   `json:"resolved"`
}

func figmaTools() []Tool {
	return []Tool{
		{
			Name:        "figma_get_file",
			Description: "Summarize a Figma file: name, version and page names.",
			Requires:    []string{provider.Figma},
			InputSchema: objectSchema([]string{"file_key"}, map[string]any{
				"file_key": stringProp("Figma file key from the file URL"),
			}),
			Handler: figmaGetFile,
		},
		{
			Name:        "figma_list_comments",
			Description: "List comments on a Figma file.",
			Requires:    []string{provider.Figma},
			InputSchema: objectSchema([]string{"file_key"}, map[string]any{
				"file_key":         stringProp("Figma file key from the file URL"),
				"include_resolved": map[string]any{"type": "boolean", "description": "Include resolved comments"},
			}),
			Handler: figmaListComments,
		},
	}
}

type fileKeyArgs struct {
	FileKey         string `json:"file_key"`
	IncludeResolved bool   `json:"include_resolved"`
}

func decodeFileKey(args json.RawMessage) (fileKeyArgs, error) {
	var in fileKeyArgs
	if err := decodeArgs(args, &in); err != nil {
		return in, err
	}

	if in.FileKey == "" {
		return in, errors.New("file_key is required")
	}

	return in, nil
}

func figmaGetFile(ctx context.Context, api APIs, args json.RawMessage) (any, error) {
	in, err := decodeFileKey(args)
	if err != nil {
		return nil, err
	}

	return fetchFileSummary(ctx, api, in.FileKey)
}

func fetchFileSummary(ctx context.Context, api APIs, key string) (*FileSummary, error) {
	c, err := api.Client(provider.Figma)
	if err != nil {
		return nil, err
	}

	res, err := c.GetJSON(ctx, "/v1/files/"+url.PathEscape(key), url.Values{"depth": {strconv.Itoa(1)}})
	if err != nil {
		return nil, err
	}

	s := &FileSummary{
		Key:          key,
		Name:         res.Get("name").String(),
		LastModified: res.Get("lastModified").String(),
		Version:      res.Get("version").String(),
	}

	for _, p := range res.Get("document.children.#.name").Array() {
		s.Pages = append(s.Pages, p.String())
	}

	return s, nil
}

func figmaListComments(ctx context.Context, api APIs, args json.RawMessage) (any, error) {
	in, err := decodeFileKey(args)
	if err != nil {
		return nil, err
	}

	return fetchComments(ctx, api, in.FileKey, in.IncludeResolved)
}

func fetchComments(ctx context.Context, api APIs, key string, includeResolved bool) ([]Comment, error) {
	c, err := api.Client(provider.Figma)
	if err != nil {
		return nil, err
	}

	res, err := c.GetJSON(ctx, "/v1/files/"+url.PathEscape(key)+"/comments", nil)
	if err != nil {
		return nil, err
	}

	comments := []Comment{}

	for _, n := range res.Get("comments").Array() {
		ra := n.Get("resolved_at")
		resolved := ra.Type == gjson.String && ra.String() != ""
		if resolved && !includeResolved {
			continue
		}

		comments = append(comments, Comment{
			ID:        n.Get("id").String(),
			Message:   n.Get("message").String(),
			Author:    n.Get("user.handle").String(),
			CreatedAt: n.Get("created_at").String(),
			Resolved:  resolved,
		})
	}

	return comments, nil
}
