package anda

import (
	"path"
	"strings"
	"time"
)

// Artifact is one build output as returned by the Anda API. Only Name and URL
// are guaranteed; every other field may be missing and is nil when it is.
type Artifact struct {
	ID        *string       `json:"id,omitempty" yaml:"id,omitempty"`
	BuildID   *string       `json:"build_id,omitempty" yaml:"build_id,omitempty"`
	Name      string        `json:"name" yaml:"name"`
	Path      *string       `json:"path,omitempty" yaml:"path,omitempty"`
	Filename  *string       `json:"filename,omitempty" yaml:"filename,omitempty"`
	URL       string        `json:"url" yaml:"url"`
	Timestamp *time.Time    `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Metadata  *ArtifactMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ArtifactMeta describes what kind of object an artifact is.
type ArtifactMeta struct {
	Type   string      `json:"art_type,omitempty" yaml:"art_type,omitempty"`
	File   *FileMeta   `json:"file,omitempty" yaml:"file,omitempty"`
	RPM    *RPMMeta    `json:"rpm,omitempty" yaml:"rpm,omitempty"`
	Docker *DockerMeta `json:"docker,omitempty" yaml:"docker,omitempty"`
}

// FileMeta is recorded for every uploaded file.
type FileMeta struct {
	Size     *uint64 `json:"size,omitempty" yaml:"size,omitempty"`
	ETag     *string `json:"e_tag,omitempty" yaml:"e_tag,omitempty"`
	Filename *string `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// RPMMeta is the header data of an RPM package.
type RPMMeta struct {
	Name    string  `json:"name" yaml:"name"`
	Version string  `json:"version" yaml:"version"`
	Release *string `json:"release,omitempty" yaml:"release,omitempty"`
	Arch    string  `json:"arch" yaml:"arch"`
	Epoch   *string `json:"epoch,omitempty" yaml:"epoch,omitempty"`
}

// DockerMeta identifies a container image.
type DockerMeta struct {
	Image  string  `json:"image" yaml:"image"`
	Tag    *string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Digest *string `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// DisplayName is the label shown for a: its name, else its filename, else the
// last element of its path.
func (a Artifact) DisplayName() string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	if a.Filename != nil && strings.TrimSpace(*a.Filename) != "" {
		return strings.TrimSpace(*a.Filename)
	}
	if a.Metadata != nil && a.Metadata.File != nil && a.Metadata.File.Filename != nil {
		if name := strings.TrimSpace(*a.Metadata.File.Filename); name != "" {
			return name
		}
	}
	if a.Path != nil {
		if base := path.Base(strings.TrimRight(*a.Path, "/")); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return ""
}

// Size returns the stored size in bytes when the backend reported one.
func (a Artifact) Size() (uint64, bool) {
	if a.Metadata == nil || a.Metadata.File == nil || a.Metadata.File.Size == nil {
		return 0, false
	}
	return *a.Metadata.File.Size, true
}

// Version returns the package version-release or the image tag, whichever applies.
func (a Artifact) Version() (string, bool) {
	if a.Metadata == nil {
		return "", false
	}
	if rpm := a.Metadata.RPM; rpm != nil && rpm.Version != "" {
		if rpm.Release != nil && *rpm.Release != "" {
			return rpm.Version + "-" + *rpm.Release, true
		}
		return rpm.Version, true
	}
	if docker := a.Metadata.Docker; docker != nil && docker.Tag != nil && *docker.Tag != "" {
		return *docker.Tag, true
	}
	return "", false
}

// CreatedAt returns the upload time when the backend reported one.
func (a Artifact) CreatedAt() (time.Time, bool) {
	if a.Timestamp == nil || a.Timestamp.IsZero() {
		return time.Time{}, false
	}
	return *a.Timestamp, true
}

// Project is the backend's record of a build project.
type Project struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description *string `json:"description,omitempty" yaml:"description,omitempty"`
	Summary     *string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Compose is a repository compose produced for a target.
type Compose struct {
	ID         string    `json:"id" yaml:"id"`
	ComposeRef *string   `json:"compose_ref,omitempty" yaml:"compose_ref,omitempty"`
	TargetID   string    `json:"target_id" yaml:"target_id"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}
