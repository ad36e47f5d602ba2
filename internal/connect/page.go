package connect

import (
	"html/template"
	"net/http"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// DisplayName turns a provider name into a human label.
func DisplayName(name string) string {
	return titleCaser.String(name)
}

var errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; max-width: 420px; margin: 60px auto; padding: 0 20px; color: #1a1a1a; }
h1 { font-size: 1.4em; }
.detail { background: #fdecea; color: #b3261e; padding: 10px 12px; border-radius: 6px; word-break: break-word; }
a.button { display: inline-block; margin-top: 20px; padding: 10px 16px; background: #1a1a1a; color: #fff; text-decoration: none; border-radius: 6px; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="detail">{{.Message}}</p>
<a class="button" href="{{.Restart}}">Start over</a>
</body>
</html>
`))

// RenderError writes an error page with a link back to the hub so the
// user can restart the flow.
func RenderError(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	_ = errorTmpl.Execute(w, struct {
		Title   string
		Message string
		Restart string
	}{title, message, HubPath})
}
