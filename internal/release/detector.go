package release

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/releasebot/internal/storage"
	"github.com/user/releasebot/pkg/logger"
)

// DefaultDebounce is how old a pre-release must be before it is notified.
// Releases are often edited right after publication.
const DefaultDebounce = 15 * time.Minute

// Transactor runs ledger work inside one transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(storage.Ledger) error) error
}

// Options configures a Detector.
type Options struct {
	TrackPreReleases bool
	Debounce         time.Duration
	Now              func() time.Time
}

// Detector compares a repository's remote state with the ledger and records
// every state it reports, so each state is reported at most once.
type Detector struct {
	ledger           Transactor
	trackPreReleases bool
	debounce         time.Duration
	now              func() time.Time
}

// NewDetector creates a detector backed by the given ledger.
func NewDetector(ledger Transactor, opts Options) *Detector {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Detector{
		ledger:           ledger,
		trackPreReleases: opts.TrackPreReleases,
		debounce:         debounce,
		now:              now,
	}
}

// Detect returns at most one release-or-tag event and at most one pre-release
// event for the repository. Ledger changes are committed before Detect returns;
// on error nothing is committed and no events are returned.
func (d *Detector) Detect(ctx context.Context, repoID int64, st *State) (primary, pre *Event, err error) {
	if st == nil {
		return nil, nil, nil
	}

	preCandidate := d.preReleaseCandidate(st.Newest)

	var candidate *Release
	if st.Latest != nil && !st.Latest.Draft {
		candidate = st.Latest
	}

	err = d.ledger.InTx(ctx, func(l storage.Ledger) error {
		if candidate == nil && preCandidate == nil {
			if st.Tag == nil {
				return nil
			}
			ev, err := d.detectTag(ctx, l, repoID, st.Tag)
			primary = ev
			return err
		}

		if candidate != nil {
			ev, err := d.detectRelease(ctx, l, repoID, candidate)
			if err != nil {
				return err
			}
			primary = ev
		}

		if preCandidate != nil {
			ev, err := d.detectPreRelease(ctx, l, repoID, preCandidate)
			if err != nil {
				return err
			}
			pre = ev
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("detect repo %d: %w", repoID, err)
	}
	return primary, pre, nil
}

func (d *Detector) preReleaseCandidate(newest *Release) *Release {
	if !d.trackPreReleases || newest == nil {
		return nil
	}
	if !newest.Prerelease || newest.Draft {
		return nil
	}
	if age := d.now().Sub(newest.PublishedAt); age < d.debounce {
		logger.Debug().
			Str("tag", newest.TagName).
			Dur("age", age).
			Msg("Pre-release too fresh, waiting")
		return nil
	}
	return newest
}

func (d *Detector) detectTag(ctx context.Context, l storage.Ledger, repoID int64, tag *Tag) (*Event, error) {
	entry, err := l.ReleaseByTag(ctx, repoID, tag.Name)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return nil, nil
	}

	err = l.InsertRelease(ctx, &storage.Release{
		RepoID:      repoID,
		TagName:     tag.Name,
		ReleaseDate: tag.LastModified,
	})
	if err != nil {
		return nil, err
	}
	return &Event{Kind: EventTag, Tag: tag}, nil
}

func (d *Detector) detectRelease(ctx context.Context, l storage.Ledger, repoID int64, r *Release) (*Event, error) {
	modified := lastModified(r)

	entry, err := l.ReleaseByID(ctx, repoID, r.ID)
	if err != nil {
		return nil, err
	}

	if entry == nil {
		err := l.InsertRelease(ctx, &storage.Release{
			RepoID:      repoID,
			ReleaseID:   sql.NullInt64{Int64: r.ID, Valid: true},
			TagName:     r.TagName,
			ReleaseDate: modified,
			Link:        sql.NullString{String: r.HTMLURL, Valid: r.HTMLURL != ""},
			PreRelease:  r.Prerelease,
		})
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventRelease, Release: r}, nil
	}

	if !modified.After(entry.ReleaseDate) {
		return nil, nil
	}

	if err := l.UpdateRelease(ctx, entry.ID, modified, r.Prerelease); err != nil {
		return nil, err
	}
	return &Event{Kind: EventRelease, Release: r, Updated: true}, nil
}

// detectPreRelease notifies a pre-release once. Later edits are ignored.
func (d *Detector) detectPreRelease(ctx context.Context, l storage.Ledger, repoID int64, r *Release) (*Event, error) {
	entry, err := l.ReleaseByID(ctx, repoID, r.ID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return nil, nil
	}

	err = l.InsertRelease(ctx, &storage.Release{
		RepoID:      repoID,
		ReleaseID:   sql.NullInt64{Int64: r.ID, Valid: true},
		TagName:     r.TagName,
		ReleaseDate: r.PublishedAt,
		Link:        sql.NullString{String: r.HTMLURL, Valid: r.HTMLURL != ""},
		PreRelease:  true,
	})
	if err != nil {
		return nil, err
	}
	return &Event{Kind: EventPreRelease, Release: r}, nil
}

func lastModified(r *Release) time.Time {
	if r.LastModified.IsZero() {
		return r.PublishedAt
	}
	return r.LastModified
}
