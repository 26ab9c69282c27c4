package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeExchanger struct {
	identity   *identity
	err        error
	refreshed  *oauth2.Token
	refreshErr error
	refreshes  atomic.Int32
}

func (f *fakeExchanger) AuthCodeURL(state string) string {
	return "https://accounts.example/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeExchanger) Exchange(context.Context, string) (*identity, error) {
	return f.identity, f.err
}

func (f *fakeExchanger) Refresh(context.Context, string) (*oauth2.Token, error) {
	f.refreshes.Add(1)
	return f.refreshed, f.refreshErr
}

func newTestProvider(t *testing.T, ex exchanger) (*Provider, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	p, err := newProvider(Config{Enabled: true, CookieName: "anda_session", SessionTTL: time.Hour}, ex, store, zerolog.Nop())
	require.NoError(t, err)
	return p, store
}

func cookieByName(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSignInSetsStateAndRedirects(t *testing.T) {
	p, _ := newTestProvider(t, &fakeExchanger{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login?next=/app/projects/abc123/artifacts", nil)
	require.NoError(t, p.SignIn(rec, req))

	require.Equal(t, http.StatusFound, rec.Code)
	state := cookieByName(rec.Result().Cookies(), stateCookieName)
	require.NotNil(t, state)
	assert.NotEmpty(t, state.Value)
	assert.True(t, state.HttpOnly)
	assert.Contains(t, rec.Header().Get("Location"), "state="+state.Value)

	next := cookieByName(rec.Result().Cookies(), nextCookieName)
	require.NotNil(t, next)
	assert.Equal(t, "/app/projects/abc123/artifacts", next.Value)
}

func TestHandleCallback(t *testing.T) {
	ex := &fakeExchanger{identity: &identity{
		Subject: "user-1",
		Name:    "Cappy",
		Email:   "cappy@fyralabs.com",
		Token:   &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)},
	}}
	p, store := newTestProvider(t, ex)

	req := httptest.NewRequest(http.MethodGet, "/callback?state=s1&code=c1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "s1"})
	req.AddCookie(&http.Cookie{Name: nextCookieName, Value: "/app/projects/abc123/artifacts"})
	rec := httptest.NewRecorder()

	require.NoError(t, p.HandleCallback(rec, req))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/app/projects/abc123/artifacts", rec.Header().Get("Location"))

	sessionCookie := cookieByName(rec.Result().Cookies(), "anda_session")
	require.NotNil(t, sessionCookie)

	s, err := store.Get(context.Background(), sessionCookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "user-1", s.Subject)
	assert.Equal(t, "access", s.AccessToken)
	assert.Equal(t, "Cappy", s.DisplayName())
}

func TestHandleCallbackRejects(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		cookie  string
		ex      *fakeExchanger
		wantErr error
	}{
		{name: "missing state cookie", target: "/callback?state=s1&code=c1", ex: &fakeExchanger{}, wantErr: ErrStateMismatch},
		{name: "state mismatch", target: "/callback?state=s2&code=c1", cookie: "s1", ex: &fakeExchanger{}, wantErr: ErrStateMismatch},
		{name: "provider error", target: "/callback?error=access_denied", cookie: "s1", ex: &fakeExchanger{}},
		{name: "missing code", target: "/callback?state=s1", cookie: "s1", ex: &fakeExchanger{}},
		{name: "exchange fails", target: "/callback?state=s1&code=c1", cookie: "s1", ex: &fakeExchanger{err: errors.New("invalid_grant")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, tt.ex)
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: stateCookieName, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()

			err := p.HandleCallback(rec, req)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Empty(t, rec.Result().Cookies())
		})
	}
}

func TestRequire(t *testing.T) {
	p, store := newTestProvider(t, &fakeExchanger{})
	require.NoError(t, store.Save(context.Background(), &Session{ID: "sid", Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour)}))

	var seen *Session
	handler := p.Load(p.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app/projects/abc123/artifacts", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?next=%2Fapp%2Fprojects%2Fabc123%2Fartifacts", rec.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/app/home", nil)
	req.AddCookie(&http.Cookie{Name: "anda_session", Value: "sid"})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.Subject)

	req = httptest.NewRequest(http.MethodGet, "/app/home", nil)
	req.AddCookie(&http.Cookie{Name: "anda_session", Value: "unknown"})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestRequireAPI(t *testing.T) {
	p, _ := newTestProvider(t, &fakeExchanger{})
	handler := p.Load(p.RequireAPI(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/projects/abc123/artifacts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"authentication required"}`, rec.Body.String())
}

func TestDisabledProviderIsAnonymous(t *testing.T) {
	p, err := newProvider(Config{Enabled: true}, nil, NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	rec := httptest.NewRecorder()
	p.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app/home", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.ErrorIs(t, p.SignIn(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/login", nil)), ErrDisabled)

	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestSignOut(t *testing.T) {
	p, store := newTestProvider(t, &fakeExchanger{})
	require.NoError(t, store.Save(context.Background(), &Session{ID: "sid", ExpiresAt: time.Now().Add(time.Hour)}))

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(&http.Cookie{Name: "anda_session", Value: "sid"})
	rec := httptest.NewRecorder()
	p.SignOut(rec, req)

	assert.Equal(t, "/", rec.Header().Get("Location"))
	_, err := store.Get(context.Background(), "sid")
	assert.ErrorIs(t, err, ErrNoSession)
	cleared := cookieByName(rec.Result().Cookies(), "anda_session")
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)
}

func TestToken(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid token is returned as is", func(t *testing.T) {
		ex := &fakeExchanger{}
		p, _ := newTestProvider(t, ex)
		p.now = func() time.Time { return now }

		ctx := WithSession(context.Background(), &Session{ID: "sid", AccessToken: "a1", RefreshToken: "r1", TokenExpiry: now.Add(time.Hour)})
		token, err := p.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a1", token)
		assert.Equal(t, int32(0), ex.refreshes.Load())
	})

	t.Run("expiring token is refreshed and saved", func(t *testing.T) {
		ex := &fakeExchanger{refreshed: &oauth2.Token{AccessToken: "a2", Expiry: now.Add(time.Hour)}}
		p, store := newTestProvider(t, ex)
		p.now = func() time.Time { return now }
		s := &Session{ID: "sid", AccessToken: "a1", RefreshToken: "r1", TokenExpiry: now.Add(10 * time.Second), ExpiresAt: now.Add(24 * time.Hour)}
		store.now = func() time.Time { return now }
		require.NoError(t, store.Save(context.Background(), s))

		token, err := p.Token(WithSession(context.Background(), s))
		require.NoError(t, err)
		assert.Equal(t, "a2", token)
		assert.Equal(t, int32(1), ex.refreshes.Load())

		stored, err := store.Get(context.Background(), "sid")
		require.NoError(t, err)
		assert.Equal(t, "a2", stored.AccessToken)
		assert.Equal(t, "r1", stored.RefreshToken)
	})

	t.Run("refresh failure is returned", func(t *testing.T) {
		ex := &fakeExchanger{refreshErr: errors.New("invalid_grant")}
		p, _ := newTestProvider(t, ex)
		p.now = func() time.Time { return now }

		ctx := WithSession(context.Background(), &Session{ID: "sid", AccessToken: "a1", RefreshToken: "r1", TokenExpiry: now.Add(-time.Minute)})
		_, err := p.Token(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid_grant")
	})

	t.Run("anonymous", func(t *testing.T) {
		p, _ := newTestProvider(t, &fakeExchanger{})
		token, err := p.Token(context.Background())
		require.NoError(t, err)
		assert.Empty(t, token)
	})
}

func TestSafeNext(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "/app/projects/abc123/about", want: "/app/projects/abc123/about"},
		{in: "/app/home?tab=1", want: "/app/home?tab=1"},
		{in: "", want: defaultAfterLogin},
		{in: "https://evil.example/", want: defaultAfterLogin},
		{in: "//evil.example/", want: defaultAfterLogin},
		{in: "/\\evil.example", want: defaultAfterLogin},
		{in: "app/home", want: defaultAfterLogin},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeNext(tt.in))
		})
	}
}
