package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the router serving every page and API endpoint.
func (d *Dashboard) Routes() (http.Handler, error) {
	if d == nil {
		return nil, errors.New("nil dashboard")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(d.config.RequestTimeout))
	r.Use(httprate.LimitByIP(d.config.RateLimit, time.Minute))
	r.Use(d.deps.Sessions.Load)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", d.handleReady)
	r.Method(http.MethodGet, "/metrics", d.metricsHandler())
	if d.config.Branding != nil {
		r.Handle("/branding/*", http.StripPrefix("/branding/", http.FileServer(http.FS(d.config.Branding))))
	}

	r.Get("/", d.handleLanding)
	r.Get("/login", d.handleLogin)
	r.Get("/callback", d.handleCallback)
	r.Get("/logout", d.handleLogout)
	r.Post("/logout", d.handleLogout)

	r.Route("/app", func(r chi.Router) {
		r.Use(d.deps.Sessions.Require)
		r.Get("/", redirectTo("/app/home"))
		r.Get("/home", d.handleHome)
		r.Post("/refresh", d.handleRefreshProjects)

		r.Route("/projects/{id}", func(r chi.Router) {
			r.Use(d.projectCtx(d.pageNotFound))
			r.Get("/", d.redirectToTab("about"))
			r.Get("/about", d.handleAbout)
			r.Post("/refresh", d.handleRefreshProject)
			r.Get("/composes", d.handleComposes)
			r.Post("/composes/refresh", d.handleRefreshComposes)
			r.Get("/artifacts", d.handleArtifacts)
			r.Post("/artifacts/refresh", d.handleRefreshArtifacts)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.allowedOrigins(),
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           int((10 * time.Minute).Seconds()),
		}))
		r.Use(d.deps.Sessions.RequireAPI)
		r.With(d.projectCtx(jsonNotFound)).Get("/projects/{id}/artifacts", d.handleArtifactsJSON)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		d.pageNotFound(w, r, errors.New("page not found"))
	})

	return gzhttp.GzipHandler(r), nil
}

// projectCtx validates the {id} path parameter once for every route below it.
// An id that cannot name a project never reaches a handler or the backend.
func (d *Dashboard) projectCtx(invalid func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// chi matches on RawPath when it is set, so only then is the param still escaped.
			id, err := parseProjectID(chi.URLParam(r, "id"), r.URL.RawPath != "")
			if err != nil {
				invalid(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), projectIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseProjectID(raw string, escaped bool) (string, error) {
	id := raw
	if escaped {
		var err error
		if id, err = url.PathUnescape(raw); err != nil {
			return "", fmt.Errorf("project id %q is not valid", raw)
		}
	}
	if strings.TrimSpace(id) == "" {
		return "", errors.New("project id is missing")
	}
	if len(id) > maxProjectIDLength {
		return "", fmt.Errorf("project id is longer than %d bytes", maxProjectIDLength)
	}
	if strings.ContainsAny(id, `/\`) || strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return "", fmt.Errorf("project id %q is not valid", id)
	}
	return id, nil
}

func (d *Dashboard) allowedOrigins() []string {
	if len(d.config.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return d.config.AllowedOrigins
}

func (d *Dashboard) metricsHandler() http.Handler {
	if d.deps.Gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(d.deps.Gatherer, promhttp.HandlerOpts{})
}

func redirectTo(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (d *Dashboard) redirectToTab(tab string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, projectPath(ProjectID(r.Context()), tab), http.StatusFound)
	}
}

func projectPath(projectID, tab string) string {
	return "/app/projects/" + url.PathEscape(projectID) + "/" + tab
}

func jsonNotFound(w http.ResponseWriter, _ *http.Request, err error) {
	respondError(w, http.StatusNotFound, err)
}
