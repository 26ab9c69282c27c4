package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	stateCookieName    = "anda_oidc_state"
	nextCookieName     = "anda_oidc_next"
	stateCookieTTL     = 10 * time.Minute
	tokenRefreshLeeway = 30 * time.Second
	defaultAfterLogin  = "/app/home"
)

// Config describes the identity provider the dashboard signs in against.
type Config struct {
	Enabled      bool          `env:"ENABLED,default=true"`
	Issuer       string        `env:"ISSUER,default=https://accounts.fyralabs.com/oidc"`
	ClientID     string        `env:"CLIENT_ID,default=by2Xk45J3sx0zI2tijr0Y"`
	ClientSecret string        `env:"CLIENT_SECRET"`
	RedirectURL  string        `env:"REDIRECT_URL,default=http://localhost:8080/callback"`
	Scopes       []string      `env:"SCOPES,default=profile,email"`
	CookieName   string        `env:"COOKIE_NAME,default=anda_session"`
	CookieSecure bool          `env:"COOKIE_SECURE,default=false"`
	SessionTTL   time.Duration `env:"SESSION_TTL,default=168h"`

	// PruneInterval is how often expired sessions are deleted from the store.
	PruneInterval time.Duration `env:"SESSION_PRUNE_INTERVAL,default=15m"`
}

// identity is what a successful code exchange yields.
type identity struct {
	Subject string
	Name    string
	Email   string
	Claims  map[string]any
	IDToken string
	Token   *oauth2.Token
}

// exchanger is the part of the OIDC flow that talks to the identity provider.
type exchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*identity, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Provider runs the sign-in flow and hands out access tokens for signed-in users.
// A Provider built from a disabled Config treats every request as anonymous.
type Provider struct {
	cfg    Config
	ex     exchanger
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	refresh singleflight.Group
}

// NewProvider discovers the issuer and returns a Provider that keeps sessions in store.
func NewProvider(ctx context.Context, cfg Config, store Store, logger zerolog.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return newProvider(cfg, nil, store, logger)
	}
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("oidc issuer and client id are required")
	}

	ex, err := newOIDCExchanger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newProvider(cfg, ex, store, logger)
}

func newProvider(cfg Config, ex exchanger, store Store, logger zerolog.Logger) (*Provider, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "anda_session"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if ex == nil {
		cfg.Enabled = false
	}
	return &Provider{
		cfg:    cfg,
		ex:     ex,
		store:  store,
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}, nil
}

// Enabled reports whether users must sign in.
func (p *Provider) Enabled() bool {
	return p != nil && p.cfg.Enabled
}

// SignIn starts the authorization code flow, remembering next for after the callback.
func (p *Provider) SignIn(w http.ResponseWriter, r *http.Request) error {
	if !p.Enabled() {
		return ErrDisabled
	}

	state := uuid.NewString()
	p.setCookie(w, stateCookieName, state, stateCookieTTL)
	p.setCookie(w, nextCookieName, SafeNext(r.URL.Query().Get("next")), stateCookieTTL)

	http.Redirect(w, r, p.ex.AuthCodeURL(state), http.StatusFound)
	return nil
}

// HandleCallback completes sign in and redirects to where the user was going.
// Nothing is written to w when an error is returned.
func (p *Provider) HandleCallback(w http.ResponseWriter, r *http.Request) error {
	if !p.Enabled() {
		return ErrDisabled
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		return fmt.Errorf("identity provider: %s: %s", e, q.Get("error_description"))
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != q.Get("state") {
		return ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return errors.New("callback is missing the authorization code")
	}

	id, err := p.ex.Exchange(r.Context(), code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	now := p.now()
	s := &Session{
		ID:        uuid.NewString(),
		Subject:   id.Subject,
		Name:      id.Name,
		Email:     id.Email,
		IDToken:   id.IDToken,
		Claims:    id.Claims,
		ExpiresAt: now.Add(p.cfg.SessionTTL),
		CreatedAt: now,
	}
	if id.Token != nil {
		s.AccessToken = id.Token.AccessToken
		s.RefreshToken = id.Token.RefreshToken
		s.TokenExpiry = id.Token.Expiry
	}
	if err := p.store.Save(r.Context(), s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	next := defaultAfterLogin
	if c, err := r.Cookie(nextCookieName); err == nil {
		next = SafeNext(c.Value)
	}

	p.clearCookie(w, stateCookieName)
	p.clearCookie(w, nextCookieName)
	p.setCookie(w, p.cfg.CookieName, s.ID, p.cfg.SessionTTL)

	p.logger.Info().Str("subject", s.Subject).Msg("signed in")
	http.Redirect(w, r, next, http.StatusFound)
	return nil
}

// SignOut forgets the current session and sends the user to the landing page.
func (p *Provider) SignOut(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(p.cfg.CookieName); err == nil && c.Value != "" {
		if err := p.store.Delete(r.Context(), c.Value); err != nil {
			p.logger.Warn().Err(err).Msg("delete session")
		}
	}
	p.clearCookie(w, p.cfg.CookieName)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Token returns the caller's access token, refreshing it first when it is about
// to expire. Anonymous callers get an empty token.
func (p *Provider) Token(ctx context.Context) (string, error) {
	s := FromContext(ctx)
	if s == nil || !p.Enabled() {
		return "", nil
	}
	if !s.tokenNeedsRefresh(p.now()) {
		return s.AccessToken, nil
	}

	v, err, _ := p.refresh.Do(s.ID, func() (any, error) {
		// Another request may have refreshed already.
		if stored, err := p.store.Get(ctx, s.ID); err == nil && !stored.tokenNeedsRefresh(p.now()) {
			return stored.AccessToken, nil
		}

		tok, err := p.ex.Refresh(ctx, s.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("refresh token: %w", err)
		}

		updated := *s
		updated.AccessToken = tok.AccessToken
		updated.TokenExpiry = tok.Expiry
		if tok.RefreshToken != "" {
			updated.RefreshToken = tok.RefreshToken
		}
		if err := p.store.Save(ctx, &updated); err != nil {
			p.logger.Warn().Err(err).Str("session", s.ID).Msg("save refreshed session")
		}
		return updated.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Provider) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   p.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (p *Provider) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SafeNext returns next when it is a local path and the default landing page otherwise.
func SafeNext(next string) string {
	next = strings.TrimSpace(next)
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return defaultAfterLogin
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" {
		return defaultAfterLogin
	}
	return next
}

type oidcExchanger struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
}

func newOIDCExchanger(ctx context.Context, cfg Config) (*oidcExchanger, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer %s: %w", cfg.Issuer, err)
	}

	scopes := append([]string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}, cfg.Scopes...)
	return &oidcExchanger{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (o *oidcExchanger) AuthCodeURL(state string) string {
	return o.oauth.AuthCodeURL(state)
}

func (o *oidcExchanger) Exchange(ctx context.Context, code string) (*identity, error) {
	tok, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, errors.New("token response has no id_token")
	}
	idToken, err := o.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}

	var profile struct {
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&profile); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}

	name := profile.Name
	if name == "" {
		name = profile.PreferredUsername
	}
	return &identity{
		Subject: idToken.Subject,
		Name:    name,
		Email:   profile.Email,
		Claims:  claims,
		IDToken: rawID,
		Token:   tok,
	}, nil
}

func (o *oidcExchanger) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := o.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	return src.Token()
}
