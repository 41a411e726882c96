package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"commerce-sync-service/internal/store"
)

// ShopifyConnector pages through the admin REST API. Pagination is
// cursor-based via the Link header's page_info parameter.
type ShopifyConnector struct {
	client     *http.Client
	apiVersion string
}

func NewShopifyConnector(timeout time.Duration) *ShopifyConnector {
	return &ShopifyConnector{
		client:     newHTTPClient(timeout),
		apiVersion: "2023-10",
	}
}

func (c *ShopifyConnector) Platform() store.Platform {
	return store.PlatformShopify
}

func (c *ShopifyConnector) FetchPage(ctx context.Context, creds Credentials, syncType string, window Window) (*Page, error) {
	base := creds.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s", creds.ShopDomain)
	}

	endpoint := fmt.Sprintf("%s/admin/api/%s/%s.json", base, c.apiVersion, syncType)

	params := url.Values{}
	params.Set("limit", strconv.Itoa(pageLimit(window)))
	if window.Cursor != "" {
		// page_info cursors cannot be combined with filters.
		params.Set("page_info", window.Cursor)
	} else if !window.Since.IsZero() {
		params.Set("updated_at_min", window.Since.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequest(http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("shopify: failed to build request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", creds.AccessToken)

	var payload map[string][]map[string]any
	header, err := fetchJSON(ctx, c.client, store.PlatformShopify, req, &payload)
	if err != nil {
		return nil, err
	}

	fetchedAt := time.Now().UTC()
	page := &Page{NextCursor: nextPageInfo(header.Get("Link"))}
	for _, fields := range payload[syncType] {
		page.Records = append(page.Records, RawRecord{
			Platform:     store.PlatformShopify,
			Fields:       fields,
			FetchedAt:    fetchedAt,
			SourceCursor: window.Cursor,
		})
	}

	return page, nil
}

// nextPageInfo extracts the page_info cursor from a Link header of the form
// <https://...?page_info=abc&limit=100>; rel="next".
func nextPageInfo(link string) string {
	for _, part := range strings.Split(link, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start < 0 || end < start {
			continue
		}
		u, err := url.Parse(part[start+1 : end])
		if err != nil {
			continue
		}
		return u.Query().Get("page_info")
	}
	return ""
}
