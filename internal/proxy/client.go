// Package proxy implements the HTTP client for the CLI proxy's management
// API: reading and replacing the provider list document and listing the
// registered OAuth credential files. The remote store offers no transactions
// and no version tokens; the only mutation is a whole-document replace, so
// callers re-fetch immediately before every write.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/config"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/util"
)

var (
	// ErrUnconfigured is returned when no proxy base URL or management key
	// is configured.
	ErrUnconfigured = errors.New("proxy management endpoint not configured")

	// ErrTimeout is returned when a proxy call exceeds its deadline.
	ErrTimeout = errors.New("proxy request timed out")

	// ErrRejected is returned when the proxy answers a mutation with a
	// non-success status.
	ErrRejected = errors.New("proxy rejected request")
)

// AuthFile is the narrowed view of one credential-file entry from the
// proxy's auth-file listing.
type AuthFile struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Email string `json:"email,omitempty"`
}

// Client talks to the proxy management API under a bounded deadline.
type Client struct {
	baseURL       string
	managementKey string
	timeout       time.Duration
	httpClient    *http.Client
}

// NewClient builds a management API client from the proxy configuration.
func NewClient(cfg config.ProxyConfig) *Client {
	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{})
	return &Client{
		baseURL:       cfg.BaseURL,
		managementKey: cfg.ManagementKey,
		timeout:       cfg.RequestTimeoutOrDefault(),
		httpClient:    httpClient,
	}
}

func (c *Client) ready() error {
	if c == nil || c.baseURL == "" || c.managementKey == "" {
		return ErrUnconfigured
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := c.ready(); err != nil {
		return 0, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build proxy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.managementKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return 0, nil, fmt.Errorf("proxy request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read proxy response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// FetchProviderList reads the remote provider list document. Raw holds the
// entry array byte-for-byte as the proxy returned it; merges operate on Raw
// so entries this dashboard does not track survive every write untouched.
func (c *Client) FetchProviderList(ctx context.Context) (*ProviderList, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v0/management/openai-compatibility", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: provider list fetch returned %d", ErrRejected, status)
	}
	raw := gjson.GetBytes(body, "openai-compatibility")
	if !raw.Exists() {
		// Some proxy builds return the bare array.
		if gjson.ValidBytes(body) && gjson.ParseBytes(body).IsArray() {
			return parseProviderList(body)
		}
		return nil, fmt.Errorf("malformed provider list document")
	}
	if !raw.IsArray() {
		if raw.Type == gjson.Null {
			return parseProviderList([]byte("[]"))
		}
		return nil, fmt.Errorf("malformed provider list document")
	}
	return parseProviderList([]byte(raw.Raw))
}

// PutProviderList replaces the whole remote provider list with raw, which
// must be a JSON array of entries.
func (c *Client) PutProviderList(ctx context.Context, raw []byte) error {
	status, body, err := c.do(ctx, http.MethodPut, "/v0/management/openai-compatibility", raw)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: provider list write returned %d: %s", ErrRejected, status, truncate(body, 200))
	}
	return nil
}

// ListAuthFiles returns the currently-registered credential files, narrowed
// to the fields the claim engine attributes on.
func (c *Client) ListAuthFiles(ctx context.Context) ([]AuthFile, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v0/management/auth-files", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: auth file listing returned %d", ErrRejected, status)
	}

	var files []AuthFile
	gjson.GetBytes(body, "files").ForEach(func(_, value gjson.Result) bool {
		name := value.Get("name").String()
		if name == "" {
			return true
		}
		fileType := value.Get("type").String()
		if fileType == "" {
			fileType = value.Get("provider").String()
		}
		files = append(files, AuthFile{
			Name:  name,
			Type:  fileType,
			Email: value.Get("email").String(),
		})
		return true
	})
	return files, nil
}

// RelayCallback forwards an OAuth authorization code and state to the
// proxy's provider-specific callback endpoint. The returned status is the
// proxy's verbatim answer; the code/state pair is single-use, so this is
// never retried.
func (c *Client) RelayCallback(ctx context.Context, provider, code, state string) (int, error) {
	q := url.Values{}
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	path := "/" + url.PathEscape(provider) + "/callback?" + q.Encode()
	status, _, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	return status, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
