// Package release decides which release, pre-release or tag states of a watched
// repository are new enough to notify about.
package release

import (
	"strings"
	"time"
)

// Release is a provider release as seen by the detector.
type Release struct {
	ID          int64
	TagName     string
	Title       string
	Body        string
	HTMLURL     string
	PublishedAt time.Time
	// LastModified advances whenever the release is edited.
	LastModified time.Time
	Draft        bool
	Prerelease   bool
}

// Tag is a version-control tag used when a repository has no releases.
type Tag struct {
	Name         string
	LastModified time.Time
}

// State is the remote state of one repository.
type State struct {
	Archived bool
	// Latest is the provider's latest full release (no drafts, no pre-releases).
	Latest *Release
	// Newest is the most recent release of any kind.
	Newest *Release
	// Tag is set only when the repository has no releases at all.
	Tag *Tag
}

// EventKind distinguishes notifiable events.
type EventKind int

const (
	EventRelease EventKind = iota + 1
	EventPreRelease
	EventTag
)

func (k EventKind) String() string {
	switch k {
	case EventRelease:
		return "release"
	case EventPreRelease:
		return "prerelease"
	case EventTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Event is a detected change worth notifying subscribers about.
type Event struct {
	Kind    EventKind
	Release *Release // set for EventRelease and EventPreRelease
	Tag     *Tag     // set for EventTag
	// Updated marks a release that was edited after it was first notified.
	Updated bool
}

// RedundantTitle reports whether a release title only repeats its tag name,
// either verbatim or up to a leading "v" on either side.
func RedundantTitle(title, tag string) bool {
	title = strings.TrimSpace(title)
	tag = strings.TrimSpace(tag)
	if title == "" || title == tag {
		return true
	}
	return strings.TrimPrefix(title, "v") == strings.TrimPrefix(tag, "v")
}
