package tenant

import (
	"context"

	"github.com/behavex/realtime/internal/protocol"
)

type contextKey struct{}

// WithTenant binds a resolved tenant to the context. Resolution is
// always request-scoped; there is no process-wide current tenant.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tenant bound to the context, or nil.
func FromContext(ctx context.Context) *Tenant {
	t, _ := ctx.Value(contextKey{}).(*Tenant)
	return t
}

// MustFromContext returns the bound tenant or an UNAUTHORIZED error.
func MustFromContext(ctx context.Context) (*Tenant, error) {
	t := FromContext(ctx)
	if t == nil {
		return nil, protocol.E(protocol.CodeUnauthorized, "no tenant bound to request")
	}
	return t, nil
}
