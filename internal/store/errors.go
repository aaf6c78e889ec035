package store

import (
	"fmt"

	"github.com/2beens/fitsync/internal/apperrors"

	"github.com/google/uuid"
)

// NotFound builds the not-found error every backend returns for a missing document.
func NotFound(op string, ref DocRef) error {
	return apperrors.Wrap(apperrors.KindNotFound, op, fmt.Errorf("%s: %w", ref, ErrDocNotFound))
}

// Conflict is returned by backends once they give up retrying a transaction
// that kept colliding with concurrent writers.
func Conflict(op string, attempts int, err error) error {
	return apperrors.Transient(op, apperrors.ReasonAborted, fmt.Errorf("transaction aborted after %d attempts: %w", attempts, err))
}

func NewListenerHandle() ListenerHandle {
	return ListenerHandle(uuid.NewString())
}

// DefaultMaxTxAttempts bounds how many times a backend re-runs a transaction
// function after a write conflict.
const DefaultMaxTxAttempts = 5
