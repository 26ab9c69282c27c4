package dashboard

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"andaweb/services/anda"
)

// Kind groups artifacts by what they contain.
type Kind string

const (
	KindPackage Kind = "package"
	KindImage   Kind = "image"
	KindArchive Kind = "archive"
	KindFile    Kind = "file"
)

var (
	packageSuffixes = []string{".rpm", ".deb", ".apk", ".whl", ".gem", ".nupkg"}
	archiveSuffixes = []string{".tar.gz", ".tar.xz", ".tar.zst", ".tar.bz2", ".tgz", ".tar", ".zip", ".7z"}
)

// Icon is the icon name shown for k.
func (k Kind) Icon() string {
	switch k {
	case KindPackage:
		return "box"
	case KindImage:
		return "docker"
	case KindArchive:
		return "file-zipper"
	default:
		return "file"
	}
}

// Row is one artifact as it appears in the list.
type Row struct {
	Kind        Kind     `json:"kind" yaml:"kind"`
	Icon        string   `json:"icon" yaml:"icon"`
	Name        string   `json:"name" yaml:"name"`
	Meta        []string `json:"meta" yaml:"meta"`
	DownloadURL string   `json:"download_url,omitempty" yaml:"download_url,omitempty"`
}

// Entries maps artifacts to rows, one per artifact and in the same order.
// Summary fields the backend did not send are left out.
func Entries(artifacts []anda.Artifact, now time.Time) []Row {
	rows := make([]Row, 0, len(artifacts))
	for _, a := range artifacts {
		rows = append(rows, Entry(a, now))
	}
	return rows
}

// Entry maps a single artifact to its row.
func Entry(a anda.Artifact, now time.Time) Row {
	kind := KindOf(a)

	name := a.DisplayName()
	if name == "" {
		name = nameFromURL(a.URL)
	}

	meta := make([]string, 0, 3)
	if size, ok := a.Size(); ok {
		meta = append(meta, humanize.Bytes(size))
	}
	if version, ok := versionLabel(a); ok {
		meta = append(meta, version)
	}
	if created, ok := a.CreatedAt(); ok {
		meta = append(meta, humanize.RelTime(created, now, "ago", "from now"))
	}

	return Row{
		Kind:        kind,
		Icon:        kind.Icon(),
		Name:        name,
		Meta:        meta,
		DownloadURL: strings.TrimSpace(a.URL),
	}
}

// KindOf classifies a by its metadata, falling back to its file name.
func KindOf(a anda.Artifact) Kind {
	if a.Metadata != nil {
		switch {
		case a.Metadata.Docker != nil:
			return KindImage
		case a.Metadata.RPM != nil:
			return KindPackage
		}
		if strings.EqualFold(a.Metadata.Type, "docker") {
			return KindImage
		}
	}

	name := strings.ToLower(a.DisplayName())
	if name == "" {
		name = strings.ToLower(nameFromURL(a.URL))
	}
	for _, suffix := range packageSuffixes {
		if strings.HasSuffix(name, suffix) {
			return KindPackage
		}
	}
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return KindArchive
		}
	}
	return KindFile
}

// versionLabel prefers a real version and falls back to a short content hash.
func versionLabel(a anda.Artifact) (string, bool) {
	if v, ok := a.Version(); ok {
		return v, true
	}
	if a.Metadata == nil {
		return "", false
	}
	if d := a.Metadata.Docker; d != nil && d.Digest != nil {
		digest := strings.TrimPrefix(*d.Digest, "sha256:")
		if len(digest) > 12 {
			digest = digest[:12]
		}
		return digest, digest != ""
	}
	if f := a.Metadata.File; f != nil && f.ETag != nil {
		etag := strings.Trim(*f.ETag, `"`)
		if len(etag) > 6 {
			etag = etag[:6]
		}
		return etag, etag != ""
	}
	return "", false
}

func nameFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Path == "" {
		return ""
	}
	base := path.Base(strings.TrimRight(u.Path, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}
