package release

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/releasebot/internal/storage"
)

const repoID = 42

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newDetector(t *testing.T, trackPre bool) (*Detector, *storage.LedgerStore, *clock) {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	subs := storage.NewSubscriptionStore(db)
	require.NoError(t, subs.UpsertRepo(context.Background(), storage.Repo{
		ID: repoID, FullName: "acme/rocket", Link: "https://github.com/acme/rocket",
	}))

	c := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	ledger := storage.NewLedgerStore(db)
	d := NewDetector(ledger, Options{TrackPreReleases: trackPre, Now: c.now})
	return d, ledger, c
}

func fullRelease(id int64, tag string, modified time.Time) *Release {
	return &Release{
		ID:           id,
		TagName:      tag,
		Title:        tag,
		HTMLURL:      "https://github.com/acme/rocket/releases/tag/" + tag,
		PublishedAt:  modified,
		LastModified: modified,
	}
}

func TestDetectReleaseAtMostOnce(t *testing.T) {
	ctx := context.Background()
	d, _, c := newDetector(t, false)
	rel := fullRelease(1, "v1.0.0", c.t.Add(-time.Hour))
	st := &State{Latest: rel, Newest: rel}

	primary, pre, err := d.Detect(ctx, repoID, st)
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, EventRelease, primary.Kind)
	assert.False(t, primary.Updated)
	assert.Nil(t, pre)

	for i := 0; i < 5; i++ {
		c.advance(time.Hour)
		primary, pre, err = d.Detect(ctx, repoID, st)
		require.NoError(t, err)
		assert.Nil(t, primary, "cycle %d", i)
		assert.Nil(t, pre, "cycle %d", i)
	}
}

func TestDetectEditedRelease(t *testing.T) {
	ctx := context.Background()
	d, _, c := newDetector(t, false)
	published := c.t.Add(-time.Hour)

	_, _, err := d.Detect(ctx, repoID, &State{Latest: fullRelease(1, "v1.0.0", published)})
	require.NoError(t, err)

	edited := fullRelease(1, "v1.0.0", published)
	edited.LastModified = published.Add(30 * time.Minute)

	primary, _, err := d.Detect(ctx, repoID, &State{Latest: edited})
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.True(t, primary.Updated)

	primary, _, err = d.Detect(ctx, repoID, &State{Latest: edited})
	require.NoError(t, err)
	assert.Nil(t, primary, "unchanged timestamp must not re-notify")

	older := fullRelease(1, "v1.0.0", published)
	primary, _, err = d.Detect(ctx, repoID, &State{Latest: older})
	require.NoError(t, err)
	assert.Nil(t, primary, "older timestamp must not re-notify")
}

func TestDetectIgnoresDrafts(t *testing.T) {
	ctx := context.Background()
	d, _, c := newDetector(t, true)
	draft := fullRelease(1, "v2.0.0", c.t.Add(-time.Hour))
	draft.Draft = true
	draftPre := fullRelease(2, "v2.1.0-rc1", c.t.Add(-time.Hour))
	draftPre.Draft = true
	draftPre.Prerelease = true

	primary, pre, err := d.Detect(ctx, repoID, &State{Latest: draft, Newest: draftPre})
	require.NoError(t, err)
	assert.Nil(t, primary)
	assert.Nil(t, pre)
}

func TestDetectPreReleaseDebounce(t *testing.T) {
	ctx := context.Background()
	d, _, c := newDetector(t, true)

	rc := fullRelease(5, "v2.0.0-rc1", c.t.Add(-5*time.Minute))
	rc.Prerelease = true
	st := &State{Newest: rc}

	primary, pre, err := d.Detect(ctx, repoID, st)
	require.NoError(t, err)
	assert.Nil(t, primary)
	assert.Nil(t, pre, "5 minute old pre-release is still debounced")

	c.advance(15 * time.Minute)
	primary, pre, err = d.Detect(ctx, repoID, st)
	require.NoError(t, err)
	assert.Nil(t, primary)
	require.NotNil(t, pre)
	assert.Equal(t, EventPreRelease, pre.Kind)
	assert.Equal(t, "v2.0.0-rc1", pre.Release.TagName)

	c.advance(time.Hour)
	rc.LastModified = c.t
	_, pre, err = d.Detect(ctx, repoID, st)
	require.NoError(t, err)
	assert.Nil(t, pre, "pre-releases are notified once, edits included")
}

func TestDetectPreReleaseDisabled(t *testing.T) {
	ctx := context.Background()
	d, _, c := newDetector(t, false)

	rc := fullRelease(5, "v2.0.0-rc1", c.t.Add(-time.Hour))
	rc.Prerelease = true

	primary, pre, err := d.Detect(ctx, repoID, &State{Newest: rc})
	require.NoError(t, err)
	assert.Nil(t, primary)
	assert.Nil(t, pre)
}

func TestDetectReleaseAndPreReleaseTogether(t *testing.T) {
	ctx := context.Background()
	d, _, c := newDetector(t, true)

	stable := fullRelease(1, "v1.0.0", c.t.Add(-48*time.Hour))
	rc := fullRelease(2, "v1.1.0-rc1", c.t.Add(-time.Hour))
	rc.Prerelease = true

	primary, pre, err := d.Detect(ctx, repoID, &State{Latest: stable, Newest: rc})
	require.NoError(t, err)
	require.NotNil(t, primary)
	require.NotNil(t, pre)
	assert.Equal(t, "v1.0.0", primary.Release.TagName)
	assert.Equal(t, "v1.1.0-rc1", pre.Release.TagName)
}

func TestDetectPromotedPreRelease(t *testing.T) {
	ctx := context.Background()
	d, ledger, c := newDetector(t, true)

	rc := fullRelease(2, "v1.1.0", c.t.Add(-time.Hour))
	rc.Prerelease = true
	_, pre, err := d.Detect(ctx, repoID, &State{Newest: rc})
	require.NoError(t, err)
	require.NotNil(t, pre)

	promoted := fullRelease(2, "v1.1.0", c.t.Add(-time.Hour))
	promoted.LastModified = c.t
	primary, pre, err := d.Detect(ctx, repoID, &State{Latest: promoted, Newest: promoted})
	require.NoError(t, err)
	assert.Nil(t, pre)
	require.NotNil(t, primary)
	assert.True(t, primary.Updated)

	entry, err := ledger.ReleaseByID(ctx, repoID, 2)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.PreRelease)
}

func TestDetectTagFallback(t *testing.T) {
	ctx := context.Background()
	d, _, c := newDetector(t, true)

	st := &State{Tag: &Tag{Name: "v1.0", LastModified: c.t.Add(-time.Hour)}}
	primary, pre, err := d.Detect(ctx, repoID, st)
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, EventTag, primary.Kind)
	assert.Equal(t, "v1.0", primary.Tag.Name)
	assert.Nil(t, pre)

	primary, _, err = d.Detect(ctx, repoID, st)
	require.NoError(t, err)
	assert.Nil(t, primary, "ledgered tag must not re-notify")

	st.Tag = &Tag{Name: "v1.1", LastModified: c.t}
	primary, _, err = d.Detect(ctx, repoID, st)
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, "v1.1", primary.Tag.Name)
}

func TestDetectReleasesTakePrecedenceOverTags(t *testing.T) {
	ctx := context.Background()
	d, ledger, c := newDetector(t, false)

	rel := fullRelease(1, "v3.0.0", c.t.Add(-time.Hour))
	primary, _, err := d.Detect(ctx, repoID, &State{
		Latest: rel,
		Tag:    &Tag{Name: "v9.9", LastModified: c.t},
	})
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, EventRelease, primary.Kind)

	entry, err := ledger.ReleaseByTag(ctx, repoID, "v9.9")
	require.NoError(t, err)
	assert.Nil(t, entry, "tags are not consulted while a release candidate exists")
}

func TestDetectNothing(t *testing.T) {
	d, _, _ := newDetector(t, true)

	primary, pre, err := d.Detect(context.Background(), repoID, &State{})
	require.NoError(t, err)
	assert.Nil(t, primary)
	assert.Nil(t, pre)
}

func TestRedundantTitle(t *testing.T) {
	cases := []struct {
		title, tag string
		want       bool
	}{
		{"v2.3.0", "v2.3.0", true},
		{"2.3.0", "v2.3.0", true},
		{"v2.3.0", "2.3.0", true},
		{"", "v2.3.0", true},
		{"Big Fix", "v2.3.0", false},
		{"v2.3.1", "v2.3.0", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RedundantTitle(tc.title, tc.tag), "%q vs %q", tc.title, tc.tag)
	}
}
