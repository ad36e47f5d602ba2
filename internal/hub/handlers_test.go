package hub

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alexjbarnes/provider-bridge/internal/connect"
	"github.com/alexjbarnes/provider-bridge/internal/models"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"github.com/alexjbarnes/provider-bridge/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestHandleConnect_RendersProviders(t *testing.T) {
	s := testStore(t, "linear", "figma")
	b := &browser{}
	begin(t, s, b)
	require.NoError(t, s.Connect(b.request(http.MethodGet, "/"), "figma", models.StandardToken{AccessToken: "f"}))

	rec := httptest.NewRecorder()
	HandleConnect(s, testLogger())(rec, b.request(http.MethodGet, "/auth/connect"))

	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "Figma")
	assert.Contains(t, body, "Linear")
	assert.Contains(t, body, "Connected")
	assert.Contains(t, body, `href="/auth/connect/linear"`)
	assert.Contains(t, body, `href="/auth/done"`)
}

func TestHandleConnect_NoFinishWhenEmpty(t *testing.T) {
	s := testStore(t, "linear", "figma")
	b := &browser{}
	begin(t, s, b)

	rec := httptest.NewRecorder()
	HandleConnect(s, testLogger())(rec, b.request(http.MethodGet, "/auth/connect"))

	assert.NotContains(t, rec.Body.String(), `href="/auth/done"`)
}

func TestHandleConnect_SingleProviderAutoFinish(t *testing.T) {
	s := testStore(t, "linear")
	b := &browser{}
	begin(t, s, b)
	require.NoError(t, s.Connect(b.request(http.MethodGet, "/"), "linear", models.StandardToken{AccessToken: "l"}))

	rec := httptest.NewRecorder()
	HandleConnect(s, testLogger())(rec, b.request(http.MethodGet, "/auth/connect"))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, DonePath, rec.Header().Get("Location"))
}

// TestMount_ConnectAnyOrder drives both providers through the mounted
// authorize and callback handlers, second provider first.
func TestMount_ConnectAnyOrder(t *testing.T) {
	ctrl := gomock.NewController(t)

	mk := func(name string) *providertest.MockProvider {
		p := providertest.NewMockProvider(ctrl)
		p.EXPECT().Name().Return(name).AnyTimes()
		p.EXPECT().DefaultScopes().Return(nil).AnyTimes()
		p.EXPECT().AuthorizationURL(gomock.Any()).DoAndReturn(func(ap provider.AuthParams) string {
			return "https://" + name + ".example.com/authorize?state=" + url.QueryEscape(ap.State)
		}).AnyTimes()
		p.EXPECT().ParseCallback(gomock.Any()).DoAndReturn(func(q url.Values) (string, string, error) {
			return q.Get("code"), q.Get("state"), nil
		}).AnyTimes()
		p.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(models.StandardToken{AccessToken: name + "-token"}, nil).AnyTimes()

		return p
	}

	set, err := provider.NewSet(mk("linear"), mk("figma"))
	require.NoError(t, err)

	s := testStore(t, set.Names()...)
	mux := http.NewServeMux()
	Mount(mux, set, s, connect.Options{ServerURL: "https://bridge.example.com", Logger: testLogger()})

	b := &browser{}
	begin(t, s, b)

	for _, name := range []string{"linear", "figma"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, b.request(http.MethodGet, "/auth/connect/"+name))
		require.Equal(t, http.StatusFound, rec.Code, name)

		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)

		cb := "/auth/callback/" + name + "?" + url.Values{"code": {"c"}, "state": {loc.Query().Get("state")}}.Encode()

		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, b.request(http.MethodGet, cb))
		require.Equal(t, http.StatusFound, rec.Code, name)
		assert.Equal(t, connect.HubPath, rec.Header().Get("Location"))
	}

	assert.Equal(t, Ready, s.Status(b.request(http.MethodGet, "/")).Phase)

	_, cred, err := s.Finalize(httptest.NewRecorder(), b.request(http.MethodGet, "/auth/done"))
	require.NoError(t, err)
	assert.Equal(t, []string{"figma", "linear"}, cred.Providers())
}
