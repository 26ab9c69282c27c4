// Package dashboard serves the Anda web dashboard: the landing and sign-in
// pages, the project views, and a small JSON API over the same data.
package dashboard

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"andaweb/pkg/query"
	"andaweb/pkg/render"
	"andaweb/services/anda"
	"andaweb/services/session"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultLoadWait       = 3 * time.Second
	defaultLoadingRefresh = 2
	defaultRateLimit      = 300
	maxProjectIDLength    = 128
)

// Backend is the read side of the Anda API the views need.
type Backend interface {
	ListArtifacts(ctx context.Context, projectID string) ([]anda.Artifact, error)
	GetProject(ctx context.Context, projectID string) (anda.Project, error)
	ListProjects(ctx context.Context) ([]anda.Project, error)
	ListComposes(ctx context.Context) ([]anda.Compose, error)
}

// Presigner turns object storage locations into time limited download links.
type Presigner interface {
	PresignURL(ctx context.Context, location string) (string, error)
}

// Config controls runtime behaviour for the dashboard handlers.
type Config struct {
	AllowedOrigins []string
	// RateLimit is the number of requests one client IP may make per minute.
	RateLimit      int
	RequestTimeout time.Duration
	// LoadWait is how long a page waits for upstream data before rendering its loading state.
	LoadWait time.Duration
	// LoadingRefresh is the reload interval, in seconds, of a page in its loading state.
	LoadingRefresh int
	Branding       fs.FS
}

// Deps are the collaborators a Dashboard is built from. Presigner, Gatherer and Ready are optional.
type Deps struct {
	Backend   Backend
	Cache     *query.Cache
	Sessions  *session.Provider
	Presigner Presigner
	Gatherer  prometheus.Gatherer
	Ready     func(context.Context) error
	Logger    zerolog.Logger
}

// Dashboard wires dependencies, template renderer, and configuration for HTTP handlers.
type Dashboard struct {
	deps     Deps
	renderer *render.Engine
	config   Config

	artifacts *ArtifactsView
	projects  *ProjectsView
	composes  *ComposesView
}

// New initialises the dashboard with defaults applied to cfg.
func New(deps Deps, renderer *render.Engine, cfg Config) (*Dashboard, error) {
	if deps.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("query cache is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session provider is required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.LoadWait <= 0 {
		cfg.LoadWait = defaultLoadWait
	}
	if cfg.LoadingRefresh <= 0 {
		cfg.LoadingRefresh = defaultLoadingRefresh
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}

	logger := deps.Logger.With().Str("component", "dashboard").Logger()
	deps.Logger = logger

	return &Dashboard{
		deps:      deps,
		renderer:  renderer,
		config:    cfg,
		artifacts: NewArtifactsView(deps.Backend, deps.Cache, deps.Presigner, logger),
		projects:  &ProjectsView{backend: deps.Backend, cache: deps.Cache, logger: logger},
		composes:  &ComposesView{backend: deps.Backend, cache: deps.Cache, now: time.Now, logger: logger},
	}, nil
}

// Artifacts exposes the artifacts view for callers outside HTTP, such as the CLI.
func (d *Dashboard) Artifacts() *ArtifactsView {
	return d.artifacts
}
