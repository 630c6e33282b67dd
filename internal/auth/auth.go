// Package auth links chat users to the calendar backend.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCode is returned when the provider rejects the code a user sent.
	ErrInvalidCode = errors.New("invalid authorization code")
	// ErrNotAuthorized is returned when a user has no stored credential.
	ErrNotAuthorized = errors.New("user is not authorized")
)

// Provider runs the out-of-band authorization handshake.
type Provider interface {
	// Prompt is the message shown after /auth, including any link to follow.
	Prompt(userID int64) string
	// Exchange trades the code the user pasted for a stored credential.
	Exchange(ctx context.Context, userID int64, code string) error
	Authorized(ctx context.Context, userID int64) (bool, error)
}

// CredentialStore persists opaque per-user credential blobs.
type CredentialStore interface {
	LoadCredential(ctx context.Context, userID int64, provider string) ([]byte, bool, error)
	SaveCredential(ctx context.Context, userID int64, provider string, data []byte) error
	DeleteCredential(ctx context.Context, userID int64, provider string) error
}
