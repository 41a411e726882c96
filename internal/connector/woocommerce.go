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

// WooCommerceConnector pages through the REST API v3. Pagination is
// page-number based, so the cursor is the page number as a string.
type WooCommerceConnector struct {
	client *http.Client
}

func NewWooCommerceConnector(timeout time.Duration) *WooCommerceConnector {
	return &WooCommerceConnector{client: newHTTPClient(timeout)}
}

func (c *WooCommerceConnector) Platform() store.Platform {
	return store.PlatformWooCommerce
}

func (c *WooCommerceConnector) FetchPage(ctx context.Context, creds Credentials, syncType string, window Window) (*Page, error) {
	endpoint := fmt.Sprintf("%s/wp-json/wc/v3/%s", creds.BaseURL, syncType)

	page := 1
	if window.Cursor != "" {
		p, err := strconv.Atoi(window.Cursor)
		if err != nil {
			return nil, fmt.Errorf("woocommerce: invalid page cursor %q: %w", window.Cursor, err)
		}
		page = p
	}

	limit := pageLimit(window)

	params := url.Values{}
	params.Set("per_page", strconv.Itoa(limit))
	params.Set("page", strconv.Itoa(page))
	params.Set("orderby", "modified")
	params.Set("order", "asc")
	if !window.Since.IsZero() {
		params.Set("modified_after", window.Since.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequest(http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("woocommerce: failed to build request: %w", err)
	}
	req.SetBasicAuth(creds.APIKey, creds.APISecret)

	var payload []map[string]any
	if _, err := fetchJSON(ctx, c.client, store.PlatformWooCommerce, req, &payload); err != nil {
		return nil, err
	}

	fetchedAt := time.Now().UTC()
	result := &Page{}
	for _, fields := range payload {
		result.Records = append(result.Records, RawRecord{
			Platform:     store.PlatformWooCommerce,
			Fields:       fields,
			FetchedAt:    fetchedAt,
			SourceCursor: window.Cursor,
		})
	}

	// A full page means there may be more.
	if len(payload) == limit {
		result.NextCursor = strconv.Itoa(page + 1)
	}

	return result, nil
}
