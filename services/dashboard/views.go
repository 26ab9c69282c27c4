package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"andaweb/pkg/query"
	"andaweb/pkg/s3"
	"andaweb/services/anda"
)

// Failure is what a view shows in place of data it could not load.
type Failure struct {
	Message     string
	RetryAction string
}

// State is the load state shared by every view.
type State struct {
	Status    query.Status
	Failure   Failure
	Stale     bool
	UpdatedAt time.Time
	// HasData is set when the page carries the last successful response,
	// including when a later refresh failed.
	HasData bool
}

// Loading reports whether no data has arrived yet.
func (s State) Loading() bool { return s.Status == query.StatusLoading }

// Failed reports whether the last load failed.
func (s State) Failed() bool { return s.Status == query.StatusError }

func stateOf[T any](res query.Result[T], failure Failure) State {
	st := State{Status: res.Status, Stale: res.Stale, UpdatedAt: res.UpdatedAt, HasData: res.HasData}
	if res.Status == query.StatusError {
		st.Failure = failure
	}
	return st
}

// ArtifactsKey is the cache key of a project's artifact list.
func ArtifactsKey(projectID string) query.Key {
	return query.Key{"artifacts", projectID}
}

// ProjectKey is the cache key of one project record.
func ProjectKey(projectID string) query.Key {
	return query.Key{"project", projectID}
}

var (
	projectsKey = query.Key{"projects"}
	composesKey = query.Key{"composes"}
)

// ArtifactsPage is the artifact list of one project at one point in time.
type ArtifactsPage struct {
	State
	ProjectID string
	Rows      []Row
	Err       error
}

// ArtifactsView loads a project's artifacts through the query cache and maps them to rows.
type ArtifactsView struct {
	backend Backend
	cache   *query.Cache
	presign Presigner
	now     func() time.Time
	logger  zerolog.Logger
}

// NewArtifactsView returns a view reading through cache. presign may be nil.
func NewArtifactsView(backend Backend, cache *query.Cache, presign Presigner, logger zerolog.Logger) *ArtifactsView {
	return &ArtifactsView{
		backend: backend,
		cache:   cache,
		presign: presign,
		now:     time.Now,
		logger:  logger,
	}
}

// Load returns the artifacts page for projectID. It only ever reads the cache
// entry keyed by projectID, so another project's rows cannot leak in. When ctx
// ends before the first response arrives the page is in its loading state.
// A failed refresh still carries the rows of the last successful response.
func (v *ArtifactsView) Load(ctx context.Context, projectID string) ArtifactsPage {
	res := query.Fetch(ctx, v.cache, ArtifactsKey(projectID), func(ctx context.Context) ([]anda.Artifact, error) {
		return v.backend.ListArtifacts(ctx, projectID)
	})

	page := ArtifactsPage{
		State:     stateOf(res, failureFor("artifacts", projectID, res.Err, refreshPath(projectID))),
		ProjectID: projectID,
		Err:       res.Err,
	}
	if res.Status == query.StatusError {
		v.logger.Warn().Err(res.Err).Str("project_id", projectID).Msg("list artifacts")
	}
	if !res.HasData {
		return page
	}

	page.Rows = Entries(res.Data, v.now())
	v.signLinks(ctx, page.Rows)
	return page
}

// Refresh drops what is cached for projectID so the next Load fetches again.
func (v *ArtifactsView) Refresh(projectID string) {
	v.cache.Invalidate(ArtifactsKey(projectID))
}

// signLinks replaces object storage locations with presigned links. A row whose
// link cannot be signed loses its download action instead of failing the page.
func (v *ArtifactsView) signLinks(ctx context.Context, rows []Row) {
	for i := range rows {
		if !s3.IsObjectURL(rows[i].DownloadURL) {
			continue
		}
		if v.presign == nil {
			rows[i].DownloadURL = ""
			continue
		}
		link, err := v.presign.PresignURL(ctx, rows[i].DownloadURL)
		if err != nil {
			v.logger.Warn().Err(err).Str("location", rows[i].DownloadURL).Msg("presign artifact")
			rows[i].DownloadURL = ""
			continue
		}
		rows[i].DownloadURL = link
	}
}

// ProjectItem is a project as listed on the home page.
type ProjectItem struct {
	ID      string
	Name    string
	Summary string
}

// ProjectDetail is a project as shown on its About tab.
type ProjectDetail struct {
	ID          string
	Name        string
	Summary     string
	Description string
}

// HomePage lists every project.
type HomePage struct {
	State
	Projects []ProjectItem
}

// AboutPage describes one project.
type AboutPage struct {
	State
	ProjectID string
	Project   *ProjectDetail
}

// ProjectsView loads project records.
type ProjectsView struct {
	backend Backend
	cache   *query.Cache
	logger  zerolog.Logger
}

// List returns the home page.
func (v *ProjectsView) List(ctx context.Context) HomePage {
	res := query.Fetch(ctx, v.cache, projectsKey, v.backend.ListProjects)
	page := HomePage{State: stateOf(res, failureFor("projects", "", res.Err, "/app/refresh"))}
	if res.Status == query.StatusError {
		v.logger.Warn().Err(res.Err).Msg("list projects")
	}
	if !res.HasData {
		return page
	}

	page.Projects = make([]ProjectItem, 0, len(res.Data))
	for _, p := range res.Data {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		page.Projects = append(page.Projects, ProjectItem{ID: p.ID, Name: name, Summary: deref(p.Summary)})
	}
	return page
}

// Get returns the About page of projectID.
func (v *ProjectsView) Get(ctx context.Context, projectID string) AboutPage {
	res := query.Fetch(ctx, v.cache, ProjectKey(projectID), func(ctx context.Context) (anda.Project, error) {
		return v.backend.GetProject(ctx, projectID)
	})
	retry := "/app/projects/" + url.PathEscape(projectID) + "/refresh"
	page := AboutPage{State: stateOf(res, failureFor("project", projectID, res.Err, retry)), ProjectID: projectID}
	if res.Status == query.StatusError {
		v.logger.Warn().Err(res.Err).Str("project_id", projectID).Msg("get project")
	}
	if !res.HasData {
		return page
	}

	p := res.Data
	name := p.Name
	if name == "" {
		name = projectID
	}
	page.Project = &ProjectDetail{ID: p.ID, Name: name, Summary: deref(p.Summary), Description: deref(p.Description)}
	return page
}

// ComposeItem is one compose in the Composes tab.
type ComposeItem struct {
	ID     string
	Ref    string
	Target string
	Age    string
}

// ComposesPage lists composes.
type ComposesPage struct {
	State
	ProjectID string
	Composes  []ComposeItem
}

// ComposesView loads the compose list. The backend has no per-project listing,
// so every project shows the same composes.
type ComposesView struct {
	backend Backend
	cache   *query.Cache
	now     func() time.Time
	logger  zerolog.Logger
}

// List returns the Composes tab of projectID.
func (v *ComposesView) List(ctx context.Context, projectID string) ComposesPage {
	res := query.Fetch(ctx, v.cache, composesKey, v.backend.ListComposes)
	retry := "/app/projects/" + url.PathEscape(projectID) + "/composes/refresh"
	page := ComposesPage{State: stateOf(res, failureFor("composes", "", res.Err, retry)), ProjectID: projectID}
	if res.Status == query.StatusError {
		v.logger.Warn().Err(res.Err).Msg("list composes")
	}
	if !res.HasData {
		return page
	}

	now := v.now()
	page.Composes = make([]ComposeItem, 0, len(res.Data))
	for _, c := range res.Data {
		item := ComposeItem{ID: c.ID, Ref: deref(c.ComposeRef), Target: c.TargetID}
		if !c.Timestamp.IsZero() {
			item.Age = humanize.RelTime(c.Timestamp, now, "ago", "from now")
		}
		page.Composes = append(page.Composes, item)
	}
	return page
}

func failureFor(resource, projectID string, err error, retry string) Failure {
	var msg string
	switch {
	case err == nil:
		return Failure{}
	case errors.Is(err, anda.ErrNotFound) && projectID != "":
		msg = fmt.Sprintf("Project %s was not found.", projectID)
	case errors.Is(err, anda.ErrUnavailable):
		msg = fmt.Sprintf("Could not load %s: the Anda API is unreachable.", resource)
	default:
		msg = fmt.Sprintf("Could not load %s.", resource)
	}
	return Failure{Message: msg, RetryAction: retry}
}

func refreshPath(projectID string) string {
	return "/app/projects/" + url.PathEscape(projectID) + "/artifacts/refresh"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
