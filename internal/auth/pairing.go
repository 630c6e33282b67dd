package auth

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	appLog "calbot/internal/log"
)

const pairingProvider = "pairing"

// Pairing authorizes users that know a pre-shared access code. It is used
// with the local calendar backend, where there is no third party to consent.
type Pairing struct {
	code  string
	store CredentialStore
	now   func() time.Time
}

func NewPairing(code string, store CredentialStore) *Pairing {
	return &Pairing{code: code, store: store, now: time.Now}
}

func (p *Pairing) Prompt(int64) string {
	return "Send me the access code you got from the bot administrator."
}

func (p *Pairing) Exchange(ctx context.Context, userID int64, code string) error {
	code = strings.TrimSpace(code)
	if p.code == "" || len(code) != len(p.code) ||
		subtle.ConstantTimeCompare([]byte(code), []byte(p.code)) != 1 {
		return ErrInvalidCode
	}
	stamp := p.now().UTC().Format(time.RFC3339)
	if err := p.store.SaveCredential(ctx, userID, pairingProvider, []byte(stamp)); err != nil {
		return err
	}
	appLog.Info("pairing accepted", "user_id", userID)
	return nil
}

func (p *Pairing) Authorized(ctx context.Context, userID int64) (bool, error) {
	_, ok, err := p.store.LoadCredential(ctx, userID, pairingProvider)
	return ok, err
}
