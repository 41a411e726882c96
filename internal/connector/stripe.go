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

// StripeConnector pages through the v1 list endpoints. Pagination is
// object-id based via starting_after.
type StripeConnector struct {
	client  *http.Client
	baseURL string
}

// Commerce record kinds map onto Stripe list resources.
var stripeResources = map[string]string{
	"orders":    "charges",
	"products":  "products",
	"customers": "customers",
}

func NewStripeConnector(timeout time.Duration) *StripeConnector {
	return &StripeConnector{
		client:  newHTTPClient(timeout),
		baseURL: "https://api.stripe.com/v1",
	}
}

func (c *StripeConnector) Platform() store.Platform {
	return store.PlatformStripe
}

func (c *StripeConnector) FetchPage(ctx context.Context, creds Credentials, syncType string, window Window) (*Page, error) {
	resource, ok := stripeResources[syncType]
	if !ok {
		return nil, fmt.Errorf("stripe: unsupported sync type %q", syncType)
	}

	base := c.baseURL
	if creds.BaseURL != "" {
		base = creds.BaseURL
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(pageLimit(window)))
	if window.Cursor != "" {
		params.Set("starting_after", window.Cursor)
	}
	if !window.Since.IsZero() {
		params.Set("created[gte]", strconv.FormatInt(window.Since.Unix(), 10))
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/%s?%s", base, resource, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("stripe: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	var payload struct {
		Data    []map[string]any `json:"data"`
		HasMore bool             `json:"has_more"`
	}
	if _, err := fetchJSON(ctx, c.client, store.PlatformStripe, req, &payload); err != nil {
		return nil, err
	}

	fetchedAt := time.Now().UTC()
	page := &Page{}
	for _, fields := range payload.Data {
		page.Records = append(page.Records, RawRecord{
			Platform:     store.PlatformStripe,
			Fields:       fields,
			FetchedAt:    fetchedAt,
			SourceCursor: window.Cursor,
		})
	}

	if payload.HasMore && len(payload.Data) > 0 {
		last := payload.Data[len(payload.Data)-1]
		if id, ok := last["id"].(string); ok {
			page.NextCursor = id
		}
	}

	return page, nil
}
