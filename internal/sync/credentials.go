package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"commerce-sync-service/internal/connector"
)

// CredentialsResolver turns a job's opaque credentials reference into the
// connector credentials. Ownership of the reference format sits with the
// connector side.
type CredentialsResolver interface {
	Resolve(ctx context.Context, ref string) (connector.Credentials, error)
}

// RefResolver understands two reference shapes: a JSON credentials document
// inlined as the reference, or an opaque handle passed through for the
// connector to resolve itself.
type RefResolver struct{}

func (RefResolver) Resolve(_ context.Context, ref string) (connector.Credentials, error) {
	if strings.HasPrefix(strings.TrimSpace(ref), "{") {
		var creds connector.Credentials
		if err := json.Unmarshal([]byte(ref), &creds); err != nil {
			return connector.Credentials{}, fmt.Errorf("invalid credentials reference: %w", err)
		}
		return creds, nil
	}
	return connector.Credentials{Ref: ref}, nil
}
