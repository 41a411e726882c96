package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"commerce-sync-service/internal/store"
)

// CustomConnector talks to arbitrary platforms that expose the simple
// records/next_cursor envelope. The base URL comes from the credentials.
type CustomConnector struct {
	client *http.Client
}

func NewCustomConnector(timeout time.Duration) *CustomConnector {
	return &CustomConnector{client: newHTTPClient(timeout)}
}

func (c *CustomConnector) Platform() store.Platform {
	return store.PlatformCustom
}

func (c *CustomConnector) FetchPage(ctx context.Context, creds Credentials, syncType string, window Window) (*Page, error) {
	if creds.BaseURL == "" {
		return nil, fmt.Errorf("custom: credentials missing base URL")
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(pageLimit(window)))
	if window.Cursor != "" {
		params.Set("cursor", window.Cursor)
	}
	if !window.Since.IsZero() {
		params.Set("since", window.Since.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/%s?%s", creds.BaseURL, syncType, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("custom: failed to build request: %w", err)
	}
	if creds.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}

	var payload struct {
		Records    []map[string]any `json:"records"`
		NextCursor string           `json:"next_cursor"`
	}
	if _, err := fetchJSON(ctx, c.client, store.PlatformCustom, req, &payload); err != nil {
		return nil, err
	}

	fetchedAt := time.Now().UTC()
	page := &Page{NextCursor: payload.NextCursor}
	for _, fields := range payload.Records {
		page.Records = append(page.Records, RawRecord{
			Platform:     store.PlatformCustom,
			Fields:       fields,
			FetchedAt:    fetchedAt,
			SourceCursor: window.Cursor,
		})
	}

	return page, nil
}
