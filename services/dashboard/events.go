package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"andaweb/pkg/bus"
	"andaweb/pkg/query"
)

const (
	// EventsStream is the JetStream stream carrying build server events.
	EventsStream = "ANDA_EVENTS"
	// ArtifactsUpdatedSubject is published when a project's artifact set changes.
	ArtifactsUpdatedSubject = "anda.artifacts.updated"
	// BuildsFinishedSubject is published when a build completes.
	BuildsFinishedSubject = "anda.builds.finished"
)

// EventSubjects are the subjects the dashboard listens on.
var EventSubjects = []string{ArtifactsUpdatedSubject, BuildsFinishedSubject}

// Event is the payload of both subjects. All invalidates every project and
// ProjectID is ignored.
type Event struct {
	ProjectID string `json:"project_id,omitempty"`
	All       bool   `json:"all,omitempty"`
	BuildID   string `json:"build_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Subscriber consumes a subject through a durable consumer.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
}

// Invalidator drops cached artifact lists when the build server reports changes.
type Invalidator struct {
	cache  *query.Cache
	logger zerolog.Logger
}

// NewInvalidator returns an Invalidator acting on cache.
func NewInvalidator(cache *query.Cache, logger zerolog.Logger) *Invalidator {
	return &Invalidator{cache: cache, logger: logger.With().Str("component", "events").Logger()}
}

// Handle invalidates the project named in data. Malformed events are logged and
// acknowledged since redelivering them cannot help.
func (i *Invalidator) Handle(_ context.Context, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		i.logger.Warn().Err(err).Msg("drop malformed event")
		return nil
	}
	if ev.All {
		n := i.cache.InvalidatePrefix(query.Key{ArtifactsKey("").Resource()})
		i.logger.Info().Int("entries", n).Msg("artifacts of every project invalidated")
		return nil
	}
	projectID := strings.TrimSpace(ev.ProjectID)
	if projectID == "" {
		i.logger.Warn().Msg("drop event without project_id")
		return nil
	}

	i.cache.Invalidate(ArtifactsKey(projectID))
	i.logger.Debug().Str("project_id", projectID).Str("build_id", ev.BuildID).Msg("artifacts invalidated")
	return nil
}

// Listen subscribes Handle to every event subject until ctx ends. The returned
// closer stops all subscriptions.
func (i *Invalidator) Listen(ctx context.Context, sub Subscriber, durable string) (io.Closer, error) {
	if sub == nil {
		return nil, errors.New("nil subscriber")
	}

	var closers multiCloser
	for _, subj := range EventSubjects {
		name := durable + "-" + strings.ReplaceAll(subj, ".", "-")
		c, err := sub.Subscribe(ctx, subj, name, i.Handle)
		if err != nil {
			_ = closers.Close()
			return nil, err
		}
		closers = append(closers, c)
	}
	return closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
