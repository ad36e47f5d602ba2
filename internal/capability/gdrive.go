package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/alexjbarnes/provider-bridge/internal/provider"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	driveFileFields = "files(id,name,mimeType,modifiedTime,webViewLink)"
)

// DriveFile is one Google Drive search hit.
type DriveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mime_type"`
	ModifiedTime string `json:"modified_time"`
	Link         string `json:"link,omitempty"`
}

// Export is the exported content of a Google document.
type Export struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

func driveTools() []Tool {
	return []Tool{
		{
			Name:        "gdrive_search",
			Description: "Full-text search of Google Drive files the user can read.",
			Requires:    []string{provider.Google},
			InputSchema: objectSchema([]string{"query"}, map[string]any{
				"query":     stringProp("Text to search for"),
				"page_size": intProp("Maximum results, 1 to 100"),
			}),
			Handler: driveSearch,
		},
		{
			Name:        "gdrive_export",
			Description: "Export a Google Docs, Sheets or Slides file as text.",
			Requires:    []string{provider.Google},
			InputSchema: objectSchema([]string{"file_id"}, map[string]any{
				"file_id":   stringProp("Drive file id"),
				"mime_type": stringProp("Export MIME type, text/plain by default"),
			}),
			Handler: driveExport,
		},
	}
}

// driveQuery builds a Drive search expression, escaping quotes and
// backslashes in the user text.
func driveQuery(text string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(text)
	return "fullText contains '" + escaped + "' and trashed = false"
}

func driveSearch(ctx context.Context, api APIs, args json.RawMessage) (any, error) {
	var in struct {
		Query    string `json:"query"`
		PageSize int    `json:"page_size"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	if in.Query == "" {
		return nil, errors.New("query is required")
	}

	size := in.PageSize
	if size <= 0 {
		size = defaultPageSize
	}

	size = min(size, maxPageSize)

	c, err := api.Client(provider.Google)
	if err != nil {
		return nil, err
	}

	res, err := c.GetJSON(ctx, "/drive/v3/files", url.Values{
		"q":        {driveQuery(in.Query)},
		"pageSize": {strconv.Itoa(size)},
		"fields":   {driveFileFields},
	})
	if err != nil {
		return nil, err
	}

	files := []DriveFile{}
	for _, f := range res.Get("files").Array() {
		files = append(files, DriveFile{
			ID:           f.Get("id").String(),
			Name:         f.Get("name").String(),
			MimeType:     f.Get("mimeType").String(),
			ModifiedTime: f.Get("modifiedTime").String(),
			Link:         f.Get("webViewLink").String(),
		})
	}

	return files, nil
}

func driveExport(ctx context.Context, api APIs, args json.RawMessage) (any, error) {
	var in struct {
		FileID   string `json:"file_id"`
		MimeType string `json:"mime_type"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	if in.FileID == "" {
		return nil, errors.New("file_id is required")
	}

	if in.MimeType == "" {
		in.MimeType = "text/plain"
	}

	c, err := api.Client(provider.Google)
	if err != nil {
		return nil, err
	}

	body, _, err := c.GetRaw(ctx, "/drive/v3/files/"+url.PathEscape(in.FileID)+"/export", url.Values{"mimeType": {in.MimeType}})
	if err != nil {
		return nil, err
	}

	return Export{FileID: in.FileID, MimeType: in.MimeType, Content: string(body)}, nil
}
