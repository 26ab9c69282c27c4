package dashboard

import (
	"errors"
	"net/http"

	"andaweb/pkg/query"
	"andaweb/services/anda"
	"andaweb/services/session"
)

// Page is the data every HTML template receives.
type Page struct {
	Title     string
	Chrome    bool
	Refresh   int
	User      *session.Session
	ProjectID string
	Tab       string
	Data      any
}

type errorData struct {
	Code    int
	Message string
}

func (d *Dashboard) render(w http.ResponseWriter, r *http.Request, status int, name string, page Page) {
	page.User = session.FromContext(r.Context())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	body, err := d.renderer.Render(name, page)
	if err != nil {
		d.deps.Logger.Error().Err(err).Str("template", name).Msg("render page")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (d *Dashboard) renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	d.render(w, r, status, "error.html.tmpl", Page{
		Title:  http.StatusText(status),
		Chrome: true,
		Data:   errorData{Code: status, Message: message},
	})
}

func (d *Dashboard) pageNotFound(w http.ResponseWriter, r *http.Request, err error) {
	d.renderError(w, r, http.StatusNotFound, capitalize(err.Error()))
}

// refreshFor is the reload interval of a page in state st; zero means no reload.
func (d *Dashboard) refreshFor(st State) int {
	if st.Status == query.StatusLoading {
		return d.config.LoadingRefresh
	}
	return 0
}

func (d *Dashboard) handleReady(w http.ResponseWriter, r *http.Request) {
	if d.deps.Ready != nil {
		ctx, cancel := d.waitFor(r.Context())
		defer cancel()
		if err := d.deps.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (d *Dashboard) handleLanding(w http.ResponseWriter, r *http.Request) {
	d.render(w, r, http.StatusOK, "landing.html.tmpl", Page{})
}

func (d *Dashboard) handleLogin(w http.ResponseWriter, r *http.Request) {
	err := d.deps.Sessions.SignIn(w, r)
	if errors.Is(err, session.ErrDisabled) {
		http.Redirect(w, r, session.SafeNext(r.URL.Query().Get("next")), http.StatusFound)
		return
	}
	if err != nil {
		d.deps.Logger.Error().Err(err).Msg("sign in")
		d.renderError(w, r, http.StatusBadGateway, "Sign in is unavailable right now.")
	}
}

func (d *Dashboard) handleCallback(w http.ResponseWriter, r *http.Request) {
	err := d.deps.Sessions.HandleCallback(w, r)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrDisabled):
		http.Redirect(w, r, "/app/home", http.StatusFound)
	case errors.Is(err, session.ErrStateMismatch):
		d.renderError(w, r, http.StatusBadRequest, "This sign in link has expired. Please sign in again.")
	default:
		d.deps.Logger.Warn().Err(err).Msg("sign in callback")
		d.renderError(w, r, http.StatusUnauthorized, "Sign in failed.")
	}
}

func (d *Dashboard) handleLogout(w http.ResponseWriter, r *http.Request) {
	d.deps.Sessions.SignOut(w, r)
}

func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := d.waitFor(r.Context())
	defer cancel()

	data := d.projects.List(ctx)
	d.render(w, r, http.StatusOK, "home.html.tmpl", Page{
		Title:   "Projects",
		Chrome:  true,
		Refresh: d.refreshFor(data.State),
		Data:    data,
	})
}

func (d *Dashboard) handleAbout(w http.ResponseWriter, r *http.Request) {
	projectID := ProjectID(r.Context())
	ctx, cancel := d.waitFor(r.Context())
	defer cancel()

	data := d.projects.Get(ctx, projectID)
	title := projectID
	if data.Project != nil {
		title = data.Project.Name
	}
	d.render(w, r, http.StatusOK, "about.html.tmpl", Page{
		Title:     title,
		Chrome:    true,
		Refresh:   d.refreshFor(data.State),
		ProjectID: projectID,
		Tab:       "about",
		Data:      data,
	})
}

func (d *Dashboard) handleComposes(w http.ResponseWriter, r *http.Request) {
	projectID := ProjectID(r.Context())
	ctx, cancel := d.waitFor(r.Context())
	defer cancel()

	data := d.composes.List(ctx, projectID)
	d.render(w, r, http.StatusOK, "composes.html.tmpl", Page{
		Title:     "Composes",
		Chrome:    true,
		Refresh:   d.refreshFor(data.State),
		ProjectID: projectID,
		Tab:       "composes",
		Data:      data,
	})
}

func (d *Dashboard) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	projectID := ProjectID(r.Context())
	ctx, cancel := d.waitFor(r.Context())
	defer cancel()

	data := d.artifacts.Load(ctx, projectID)
	d.render(w, r, http.StatusOK, "artifacts.html.tmpl", Page{
		Title:     "Artifacts",
		Chrome:    true,
		Refresh:   d.refreshFor(data.State),
		ProjectID: projectID,
		Tab:       "artifacts",
		Data:      data,
	})
}

func (d *Dashboard) handleRefreshProjects(w http.ResponseWriter, r *http.Request) {
	d.deps.Cache.Invalidate(projectsKey)
	http.Redirect(w, r, "/app/home", http.StatusSeeOther)
}

func (d *Dashboard) handleRefreshProject(w http.ResponseWriter, r *http.Request) {
	projectID := ProjectID(r.Context())
	d.deps.Cache.Invalidate(ProjectKey(projectID))
	http.Redirect(w, r, projectPath(projectID, "about"), http.StatusSeeOther)
}

func (d *Dashboard) handleRefreshComposes(w http.ResponseWriter, r *http.Request) {
	d.deps.Cache.Invalidate(composesKey)
	http.Redirect(w, r, projectPath(ProjectID(r.Context()), "composes"), http.StatusSeeOther)
}

func (d *Dashboard) handleRefreshArtifacts(w http.ResponseWriter, r *http.Request) {
	projectID := ProjectID(r.Context())
	d.artifacts.Refresh(projectID)
	http.Redirect(w, r, projectPath(projectID, "artifacts"), http.StatusSeeOther)
}

type artifactsResponse struct {
	ProjectID string       `json:"project_id"`
	Status    query.Status `json:"status"`
	Stale     bool         `json:"stale,omitempty"`
	Artifacts []Row        `json:"artifacts"`
	Error     string       `json:"error,omitempty"`
}

func (d *Dashboard) handleArtifactsJSON(w http.ResponseWriter, r *http.Request) {
	projectID := ProjectID(r.Context())
	ctx, cancel := d.waitFor(r.Context())
	defer cancel()

	page := d.artifacts.Load(ctx, projectID)
	resp := artifactsResponse{
		ProjectID: projectID,
		Status:    page.Status,
		Stale:     page.Stale,
		Artifacts: page.Rows,
	}
	if resp.Artifacts == nil {
		resp.Artifacts = []Row{}
	}

	status := http.StatusOK
	switch page.Status {
	case query.StatusLoading:
		status = http.StatusAccepted
	case query.StatusError:
		resp.Error = page.Failure.Message
		switch {
		case page.HasData:
		case errors.Is(page.Err, anda.ErrNotFound):
			status = http.StatusNotFound
		default:
			status = http.StatusBadGateway
		}
	}
	respondJSON(w, status, resp)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b) + "."
}
