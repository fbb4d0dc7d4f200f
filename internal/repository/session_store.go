package repository

import (
	"context"
	"errors"
	"time"

	"github.com/qcom/otpbroker/internal/models"
)

var ErrSessionNotFound = errors.New("otp session not found")

// SessionStore persists OTP sessions keyed by session id. Implementations
// must be safe for concurrent use; callers serialize read-modify-write
// sequences on a single session themselves.
type SessionStore interface {
	// Get returns ErrSessionNotFound when no session exists for id.
	Get(ctx context.Context, id string) (*models.OTPSession, error)
	// Put creates or replaces the session.
	Put(ctx context.Context, session models.OTPSession) error
	// Update replaces a stored session and returns ErrSessionNotFound when
	// it is gone, so a concurrent sweep or delete is never undone.
	Update(ctx context.Context, session models.OTPSession) error
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, id string) error
	// Sweep removes every session whose ExpiresAt is before now and
	// reports how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
