// Package anda is a client for the Anda build server's read API.
package anda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 16 << 20
	errBodyBytes   = 2048
)

var (
	// ErrNotFound is matched by a StatusError carrying 404.
	ErrNotFound = errors.New("anda: not found")
	// ErrUnavailable marks network failures and 5xx gateway responses.
	ErrUnavailable = errors.New("anda: backend unavailable")
	// ErrDecode marks a response body that is not the expected JSON.
	ErrDecode = errors.New("anda: invalid response body")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("anda: GET %s: unexpected status %d", e.URL, e.Code)
	}
	return fmt.Sprintf("anda: GET %s: unexpected status %d: %s", e.URL, e.Code, e.Body)
}

// Is lets errors.Is match StatusError against ErrNotFound and ErrUnavailable.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrUnavailable:
		return e.Code == http.StatusBadGateway || e.Code == http.StatusServiceUnavailable || e.Code == http.StatusGatewayTimeout
	}
	return false
}

// TokenSource supplies the bearer token for the caller in ctx. An empty token
// means the request is sent anonymously.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// Client talks to the Anda API rooted at a base URL.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
}

// New returns a Client for the API at baseURL, e.g. https://api.fyralabs.com/anda.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("anda: base url is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("anda: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("anda: base url %q must be http or https", baseURL)
	}

	c := &Client{
		base: u,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListArtifacts returns the artifacts of a project in the order the server sent them.
func (c *Client) ListArtifacts(ctx context.Context, projectID string) ([]Artifact, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("anda: project id is required")
	}
	var artifacts []Artifact
	if err := c.get(ctx, []string{"projects", projectID, "artifacts"}, nil, &artifacts); err != nil {
		return nil, err
	}
	if artifacts == nil {
		artifacts = []Artifact{}
	}
	return artifacts, nil
}

// GetProject returns one project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return Project{}, errors.New("anda: project id is required")
	}
	var project Project
	err := c.get(ctx, []string{"projects", projectID}, nil, &project)
	return project, err
}

// ListProjects returns every project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.get(ctx, []string{"projects", ""}, url.Values{"all": {"true"}}, &projects); err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []Project{}
	}
	return projects, nil
}

// ListComposes returns every compose.
func (c *Client) ListComposes(ctx context.Context) ([]Compose, error) {
	var composes []Compose
	if err := c.get(ctx, []string{"composes", ""}, url.Values{"all": {"true"}}, &composes); err != nil {
		return nil, err
	}
	if composes == nil {
		composes = []Compose{}
	}
	return composes, nil
}

func (c *Client) endpoint(segments []string, query url.Values) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) get(ctx context.Context, segments []string, query url.Values, dest any) error {
	endpoint := c.endpoint(segments, query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("anda: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("anda: access token: %w", err)
		}
		if token = strings.TrimSpace(token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: GET %s: %w", ErrUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyBytes))
		return &StatusError{Code: resp.StatusCode, URL: endpoint, Body: strings.TrimSpace(string(data))}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(dest); err != nil {
		return fmt.Errorf("%w: GET %s: %w", ErrDecode, endpoint, err)
	}
	return nil
}
