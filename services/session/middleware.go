package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

// Load attaches the caller's session to the request context when the session cookie is valid.
func (p *Provider) Load(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		c, err := r.Cookie(p.cfg.CookieName)
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		s, err := p.store.Get(r.Context(), c.Value)
		switch {
		case err == nil:
			r = r.WithContext(WithSession(r.Context(), s))
		case errors.Is(err, ErrNoSession):
			p.clearCookie(w, p.cfg.CookieName)
		default:
			p.logger.Error().Err(err).Msg("load session")
		}
		next.ServeHTTP(w, r)
	})
}

// Require sends anonymous callers to sign in, returning them to the page they asked for.
func (p *Provider) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Enabled() || FromContext(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
	})
}

// RequireAPI answers anonymous API callers with 401.
func (p *Provider) RequireAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Enabled() || FromContext(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
	})
}
