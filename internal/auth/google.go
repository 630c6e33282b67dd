package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"calbot/internal/config"
	appLog "calbot/internal/log"
)

const googleProvider = "google"

// Google implements Provider with the OAuth2 authorization-code flow. The
// redirect page only displays the code; the user pastes it into the chat.
type Google struct {
	conf  *oauth2.Config
	store CredentialStore
}

func NewGoogle(cfg config.GoogleConfig, store CredentialStore) *Google {
	return &Google{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		},
		store: store,
	}
}

func (g *Google) AuthURL(userID int64) string {
	return g.conf.AuthCodeURL(strconv.FormatInt(userID, 10), oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (g *Google) Prompt(userID int64) string {
	return "Open the link below, allow access to your calendar and send me the code you get:\n" + g.AuthURL(userID)
}

func (g *Google) Exchange(ctx context.Context, userID int64, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidCode
	}

	tok, err := g.conf.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return fmt.Errorf("%w: %v", ErrInvalidCode, re)
		}
		return fmt.Errorf("exchange code: %w", err)
	}

	if err := g.saveToken(ctx, userID, tok); err != nil {
		return err
	}
	appLog.Info("google authorization stored", "user_id", userID)
	return nil
}

func (g *Google) Authorized(ctx context.Context, userID int64) (bool, error) {
	_, ok, err := g.store.LoadCredential(ctx, userID, googleProvider)
	return ok, err
}

// Client returns an HTTP client that signs requests for userID and writes
// refreshed tokens back to the store.
func (g *Google) Client(ctx context.Context, userID int64) (*http.Client, error) {
	data, ok, err := g.store.LoadCredential(ctx, userID, googleProvider)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAuthorized
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token for %d: %w", userID, err)
	}

	src := &persistingSource{
		base:   g.conf.TokenSource(ctx, &tok),
		last:   tok.AccessToken,
		save:   func(t *oauth2.Token) error { return g.saveToken(ctx, userID, t) },
		userID: userID,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(&tok, src)), nil
}

func (g *Google) saveToken(ctx context.Context, userID int64, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return g.store.SaveCredential(ctx, userID, googleProvider, data)
}

// persistingSource stores every newly minted access token.
type persistingSource struct {
	base   oauth2.TokenSource
	save   func(*oauth2.Token) error
	userID int64

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.save(tok); err != nil {
			// The request can still go through with the fresh token.
			appLog.Error("persist refreshed token failed", err, "user_id", p.userID)
		} else {
			p.last = tok.AccessToken
		}
	}
	return tok, nil
}
