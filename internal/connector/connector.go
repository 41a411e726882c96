package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"commerce-sync-service/internal/store"
)

// RawRecord is a platform-native record plus fetch metadata. It is transient
// and never persisted past the pipeline.
type RawRecord struct {
	Platform     store.Platform
	Fields       map[string]any
	FetchedAt    time.Time
	SourceCursor string
}

// Window scopes a page fetch. A zero Since means from epoch (full sync);
// Cursor resumes platform-side pagination.
type Window struct {
	Since  time.Time
	Cursor string
	Limit  int
}

type Page struct {
	Records       []RawRecord
	NextCursor    string
	RateLimitHint time.Duration
}

// Credentials are opaque to the engine; each connector reads the fields it
// needs. Ref is the operator-facing handle stored on the job.
type Credentials struct {
	Ref         string `json:"ref,omitempty"`
	ShopDomain  string `json:"shop_domain,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	APISecret   string `json:"api_secret,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
}

// Connector fetches raw records from a remote platform. Implementations own
// platform-specific pagination and translate platform failures into the
// standard error kinds. Connectors never write.
type Connector interface {
	Platform() store.Platform
	FetchPage(ctx context.Context, creds Credentials, syncType string, window Window) (*Page, error)
}

// Registry maps the platform enum to its connector. Adding a platform adds
// an entry here, not a branch in the engine.
type Registry struct {
	connectors map[store.Platform]Connector
}

func NewRegistry(timeout time.Duration) *Registry {
	r := &Registry{connectors: make(map[store.Platform]Connector)}
	r.Register(NewShopifyConnector(timeout))
	r.Register(NewWooCommerceConnector(timeout))
	r.Register(NewStripeConnector(timeout))
	r.Register(NewCustomConnector(timeout))
	return r
}

func (r *Registry) Register(c Connector) {
	r.connectors[c.Platform()] = c
}

func (r *Registry) Get(platform store.Platform) (Connector, error) {
	c, ok := r.connectors[platform]
	if !ok {
		return nil, fmt.Errorf("no connector registered for platform %q", platform)
	}
	return c, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// fetchJSON performs the request and translates transport failures into the
// standard error kinds. On success the body is decoded into out and the
// response headers are returned for pagination.
func fetchJSON(ctx context.Context, client *http.Client, platform store.Platform, req *http.Request, out any) (http.Header, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &Error{Kind: KindTimeout, Platform: platform, Message: "request timed out"}
		}
		// Transport-level failures are treated as timeouts: retryable.
		return nil, &Error{Kind: KindTimeout, Platform: platform, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{
			Kind:     KindRateLimit,
			Platform: platform,
			Message:  "rate limited",
			Hint:     retryAfter(resp),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindAuthentication, Platform: platform, Message: "authentication rejected"}
	case resp.StatusCode >= 500:
		return nil, &Error{
			Kind:     KindTimeout,
			Platform: platform,
			Message:  fmt.Sprintf("upstream error: %s", resp.Status),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected status %s", platform, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", platform, err)
	}

	return resp.Header, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func pageLimit(window Window) int {
	if window.Limit > 0 {
		return window.Limit
	}
	return 100
}
