package core

import "context"

type contextKey string

const ctxKeyOwner contextKey = "owner_id"

// ContextWithOwner stores the authenticated owner id.
func ContextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ctxKeyOwner, owner)
}

// OwnerFromContext returns the owner id, or "".
func OwnerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyOwner).(string); ok {
		return v
	}
	return ""
}
