package identity

import (
	"context"
	"errors"

	"github.com/2beens/fitsync/internal/apperrors"
)

var (
	ErrWrongPassword   = errors.New("wrong username or password")
	ErrUsernameTaken   = errors.New("username taken")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// RequireUser returns the current user id, or an authentication error when
// the request is anonymous.
func RequireUser(ctx context.Context, op string) (string, error) {
	userID, ok := CurrentUserID(ctx)
	if !ok {
		return "", apperrors.Authentication(op, "not logged in")
	}
	return userID, nil
}

// Authorize fails when the actor does not own the resource.
func Authorize(op, actorID, ownerID string) error {
	if actorID == "" || actorID != ownerID {
		return apperrors.Authorization(op, "resource belongs to another user")
	}
	return nil
}

func sessionNotFound(op string) error {
	return apperrors.Wrap(apperrors.KindAuthentication, op, ErrSessionNotFound)
}
