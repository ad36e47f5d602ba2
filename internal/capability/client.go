package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/credential"
	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"github.com/tidwall/gjson"
)

// Default API base URLs.
var DefaultBaseURLs = map[string]string{
	provider.Linear: "https://api.linear.app",
	provider.Figma:  "https://api.figma.com",
	provider.Google: "https://www.googleapis.com",
}

// maxAPIBody caps how much of a provider API response is read.
const maxAPIBody = 4 << 20

// APIs hands out authenticated provider API clients.
type APIs interface {
	Client(providerName string) (*APIClient, error)
}

// Clients builds API clients for a credential. Base URLs may be
// overridden per provider.
type Clients struct {
	http     *http.Client
	baseURLs map[string]string
}

// NewClients returns a Clients with the given timeout and base URL
// overrides layered on DefaultBaseURLs.
func NewClients(timeout time.Duration, overrides map[string]string) *Clients {
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}

	base := make(map[string]string, len(DefaultBaseURLs))
	for k, v := range DefaultBaseURLs {
		base[k] = v
	}

	for k, v := range overrides {
		if v != "" {
			base[k] = strings.TrimRight(v, "/")
		}
	}

	return &Clients{http: &http.Client{Timeout: timeout}, baseURLs: base}
}

func (c *Clients) bind(cred credential.Credential) APIs {
	return boundClients{clients: c, cred: cred}
}

type boundClients struct {
	clients *Clients
	cred    credential.Credential
}

func (b boundClients) Client(providerName string) (*APIClient, error) {
	pc, ok := b.cred.Get(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s not connected", apperrors.ErrAPIRequest, providerName)
	}

	base, ok := b.clients.baseURLs[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownProvider, providerName)
	}

	return &APIClient{
		provider: providerName,
		baseURL:  base,
		token:    pc.AccessToken,
		http:     b.clients.http,
	}, nil
}

// APIClient is a bearer-authenticated client for one provider's API.
type APIClient struct {
	provider string
	baseURL  string
	token    string
	http     *http.Client
}

// GetJSON issues a GET and parses the response.
func (c *APIClient) GetJSON(ctx context.Context, path string, query url.Values) (gjson.Result, error) {
	body, _, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return gjson.Result{}, err
	}

	return parseJSON(c.provider, body)
}

// PostJSON sends payload as JSON and parses the response.
func (c *APIClient) PostJSON(ctx context.Context, path string, payload any) (gjson.Result, error) {
	body, _, err := c.do(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return gjson.Result{}, err
	}

	return parseJSON(c.provider, body)
}

// GetRaw issues a GET and returns the body with its content type.
func (c *APIClient) GetRaw(ctx context.Context, path string, query url.Values) ([]byte, string, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

func parseJSON(providerName string, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: %s returned invalid JSON", apperrors.ErrAPIResponse, providerName)
	}

	return gjson.ParseBytes(body), nil
}

func (c *APIClient) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, string, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("encoding %s request: %w", c.provider, err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", apperrors.ErrAPIRequest, c.provider, err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", apperrors.ErrAPIRequest, c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: reading response: %w", apperrors.ErrAPIResponse, c.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: %s %s: status %d: %s",
			apperrors.ErrAPIRequest, c.provider, path, resp.StatusCode, errorMessage(body))
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// errorMessage digs the human message out of the error shapes the three
// APIs use.
func errorMessage(body []byte) string {
	for _, path := range []string{"error.message", "errors.0.message", "message", "err", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}

	return msg
}
