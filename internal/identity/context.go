package identity

import (
	"context"
)

type ctxKey struct{}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// CurrentUserID returns the id of the authenticated user set by the auth
// middleware.
func CurrentUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ctxKey{}).(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}
