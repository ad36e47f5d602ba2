package hub

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/provider-bridge/internal/connect"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
)

// DonePath finalizes the hub.
const DonePath = "/auth/done"

// Mount registers the hub page and, for every provider, the authorize and
// callback handlers built by the connect package.
func Mount(mux *http.ServeMux, providers *provider.Set, store *Store, opts connect.Options) {
	mux.HandleFunc("GET "+connect.HubPath, HandleConnect(store, opts.Logger))

	for _, name := range providers.Names() {
		p, _ := providers.Get(name)

		mux.HandleFunc("GET "+connect.HubPath+"/"+name, connect.MakeAuthorize(p, store, opts))
		mux.HandleFunc("GET /auth/callback/"+name, connect.MakeCallback(p, store, store.Connect, opts))
	}
}

type providerRow struct {
	Name      string
	Label     string
	Connected bool
}

type pageData struct {
	Providers  []providerRow
	Phase      string
	CanFinish  bool
	HasRequest bool
	DonePath   string
}

// HandleConnect renders which providers are connected. When exactly one
// provider is enabled and it is connected the browser goes straight to
// finalize.
func HandleConnect(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := store.Status(r)

		if st.HasRequest && st.Phase == Ready && len(store.Enabled()) == 1 {
			http.Redirect(w, r, DonePath, http.StatusFound)
			return
		}

		data := pageData{
			Phase:      st.Phase.String(),
			CanFinish:  st.HasRequest && st.Phase != Empty,
			HasRequest: st.HasRequest,
			DonePath:   DonePath,
		}

		connected := make(map[string]bool, len(st.Connected))
		for _, name := range st.Connected {
			connected[name] = true
		}

		for _, name := range store.Enabled() {
			data.Providers = append(data.Providers, providerRow{
				Name:      name,
				Label:     connect.DisplayName(name),
				Connected: connected[name],
			})
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")

		if err := hubTmpl.Execute(w, data); err != nil {
			logger.Error("hub: rendering page", slog.String("error", err.Error()))
		}
	}
}

var hubTmpl = template.Must(template.New("hub").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Connect your accounts</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; max-width: 420px; margin: 60px auto; padding: 0 20px; color: #1a1a1a; }
h1 { font-size: 1.4em; }
ul { list-style: none; padding: 0; }
li { display: flex; justify-content: space-between; align-items: center; padding: 12px 0; border-bottom: 1px solid #eee; }
.ok { color: #1e7d32; }
a.button { display: inline-block; padding: 8px 14px; background: #1a1a1a; color: #fff; text-decoration: none; border-radius: 6px; }
a.finish { margin-top: 24px; background: #1e7d32; }
.note { color: #666; font-size: 0.9em; }
</style>
</head>
<body>
<h1>Connect your accounts</h1>
{{if not .HasRequest}}<p class="note">Start sign-in from your client application to finish connecting.</p>{{end}}
<ul>
{{range .Providers}}<li data-provider="{{.Name}}">
<span>{{.Label}}</span>
{{if .Connected}}<span class="ok">Connected</span> <a class="button" href="/auth/connect/{{.Name}}">Reconnect</a>{{else}}<a class="button" href="/auth/connect/{{.Name}}">Connect</a>{{end}}
</li>
{{end}}</ul>
{{if .CanFinish}}<a class="button finish" href="{{.DonePath}}">Finish</a>{{end}}
</body>
</html>
`))
