package domain

import "context"

type ctxKey string

const (
	identityCtxKey ctxKey = "chargepoint_identity"
	uniqueIDCtxKey ctxKey = "ocpp_unique_id"
)

// ContextWithIdentity returns a new context carrying the charge point identity.
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityCtxKey, identity)
}

// IdentityFromContext extracts the charge point identity from the context.
// Returns empty string if not set.
func IdentityFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(identityCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithUniqueID returns a new context carrying the unique id of the
// inbound call being handled.
func ContextWithUniqueID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, uniqueIDCtxKey, id)
}

// UniqueIDFromContext extracts the unique id of the inbound call being handled.
func UniqueIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(uniqueIDCtxKey).(string); ok {
		return v
	}
	return ""
}
