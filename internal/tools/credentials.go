package tools

import (
	"context"
	"slices"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Posture is the credential state of one provider type: granted scopes and
// the secrets tools may use. Tokens are already valid; nothing here refreshes them.
type Posture struct {
	Scopes  []string
	Secrets map[string]string
}

// Missing returns the scopes in required that the posture does not grant.
func (p Posture) Missing(required []string) []string {
	var missing []string
	for _, s := range required {
		if !slices.Contains(p.Scopes, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// CredentialAccessor exposes read-only credential postures by provider type.
type CredentialAccessor interface {
	GetPosture(ctx context.Context, providerType string) (Posture, error)
}

// StaticCredentials is an in-memory CredentialAccessor.
type StaticCredentials map[string]Posture

// GetPosture returns the posture registered for providerType.
func (c StaticCredentials) GetPosture(_ context.Context, providerType string) (Posture, error) {
	p, ok := c[providerType]
	if !ok {
		return Posture{}, schema.NewErrorf(schema.ErrCodeNotFound, "no credentials for provider type %q", providerType)
	}
	return p, nil
}
