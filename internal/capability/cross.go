package capability

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"golang.org/x/sync/errgroup"
)

// figmaURL matches file links in both the legacy /file/ and the /design/
// forms.
var figmaURL = regexp.MustCompile(`https://(?:www\.)?figma\.com/(?:file|design|proto)/([A-Za-z0-9]+)`)

// maxLinkedDesigns bounds how many Figma files one issue may pull in.
const maxLinkedDesigns = 5

// DesignContext joins a Linear issue with the Figma files it links to.
type DesignContext struct {
	Issue   *Issue         `json:"issue"`
	Designs []LinkedDesign `json:"designs"`
}

// LinkedDesign is one Figma file referenced by the issue.
type LinkedDesign struct {
	File         *FileSummary `json:"file"`
	OpenComments []Comment    `json:"open_comments"`
}

func crossTools() []Tool {
	return []Tool{
		{
			Name:        "design_issue_context",
			Description: "Fetch a Linear issue together with the Figma files it links to and their open comments.",
			Requires:    []string{provider.Linear, provider.Figma},
			InputSchema: objectSchema([]string{"issue_id"}, map[string]any{
				"issue_id": stringProp("Linear issue id or identifier"),
			}),
			Handler: designIssueContext,
		},
	}
}

// figmaKeys returns the distinct Figma file keys found in texts, in order
// of first appearance.
func figmaKeys(texts ...string) []string {
	seen := make(map[string]bool)

	var keys []string

	for _, t := range texts {
		for _, m := range figmaURL.FindAllStringSubmatch(t, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				keys = append(keys, m[1])
			}
		}
	}

	return keys
}

func designIssueContext(ctx context.Context, api APIs, args json.RawMessage) (any, error) {
	var in struct {
		IssueID string `json:"issue_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	if in.IssueID == "" {
		return nil, errors.New("issue_id is required")
	}

	issue, err := fetchIssue(ctx, api, in.IssueID)
	if err != nil {
		return nil, err
	}

	texts := []string{issue.Description}
	for _, a := range issue.Attachments {
		texts = append(texts, a.URL)
	}

	keys := figmaKeys(texts...)
	if len(keys) > maxLinkedDesigns {
		keys = keys[:maxLinkedDesigns]
	}

	designs := make([]LinkedDesign, len(keys))

	g, gctx := errgroup.WithContext(ctx)

	for i, key := range keys {
		g.Go(func() error {
			file, err := fetchFileSummary(gctx, api, key)
			if err != nil {
				return err
			}

			comments, err := fetchComments(gctx, api, key, false)
			if err != nil {
				return err
			}

			designs[i] = LinkedDesign{File: file, OpenComments: comments}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return DesignContext{Issue: issue, Designs: designs}, nil
}
