package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repoJSON = `{"id":42,"name":"rocket","full_name":"acme/rocket","owner":{"login":"acme"},
"html_url":"https://github.com/acme/rocket","description":"To the moon","archived":%s}`

func newTestClient(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c := NewClient("")
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	c.client.BaseURL = base
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func repoBody(archived bool) string {
	return fmt.Sprintf(repoJSON, strconv.FormatBool(archived))
}

func TestRepoStateWithReleases(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/repositories/42", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, repoBody(true))
	})
	r.Get("/repos/acme/rocket/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Last-Modified", "Sat, 01 Jun 2024 11:00:00 GMT")
		writeJSON(w, http.StatusOK, `{"id":1,"tag_name":"v1.0.0","name":"Rocket 1.0","body":"notes",
"html_url":"https://github.com/acme/rocket/releases/tag/v1.0.0","published_at":"2024-06-01T10:00:00Z"}`)
	})
	r.Get("/repos/acme/rocket/releases", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "1", req.URL.Query().Get("per_page"))
		writeJSON(w, http.StatusOK, `[{"id":2,"tag_name":"v1.1.0-rc1","prerelease":true,
"published_at":"2024-06-01T12:00:00Z"}]`)
	})
	r.Get("/repos/acme/rocket/tags", func(w http.ResponseWriter, _ *http.Request) {
		t.Error("tags must not be listed when releases exist")
	})

	st, err := newTestClient(t, r).RepoState(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, "acme/rocket", st.Info.FullName)
	assert.Equal(t, "To the moon", st.Info.Description)
	assert.True(t, st.Archived)

	require.NotNil(t, st.Latest)
	assert.Equal(t, "v1.0.0", st.Latest.TagName)
	assert.Equal(t, "Rocket 1.0", st.Latest.Title)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), st.Latest.PublishedAt)
	assert.Equal(t, time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), st.Latest.LastModified)

	require.NotNil(t, st.Newest)
	assert.True(t, st.Newest.Prerelease)
	assert.Nil(t, st.Tag)
}

func TestRepoStateFallsBackToTags(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/repositories/42", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, repoBody(false))
	})
	r.Get("/repos/acme/rocket/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})
	r.Get("/repos/acme/rocket/releases", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	})
	r.Get("/repos/acme/rocket/tags", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `[{"name":"v0.9","commit":{"sha":"abc123"}}]`)
	})
	r.Get("/repos/acme/rocket/commits/abc123", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"sha":"abc123","commit":{"committer":{"date":"2024-05-01T08:00:00Z"}}}`)
	})

	st, err := newTestClient(t, r).RepoState(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, st.Archived)
	assert.Nil(t, st.Latest)
	assert.Nil(t, st.Newest)
	require.NotNil(t, st.Tag)
	assert.Equal(t, "v0.9", st.Tag.Name)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), st.Tag.LastModified)
}

func TestRepoStateSkipsNewestWhenPreReleasesOff(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/repositories/42", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, repoBody(false))
	})
	r.Get("/repos/acme/rocket/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":1,"tag_name":"v1.0.0","published_at":"2024-06-01T10:00:00Z"}`)
	})
	r.Get("/repos/acme/rocket/releases", func(w http.ResponseWriter, _ *http.Request) {
		t.Error("newest release must not be fetched")
	})

	c := newTestClient(t, r)
	c.SetTrackPreReleases(false)
	st, err := c.RepoState(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, st.Latest)
	assert.Equal(t, st.Latest.PublishedAt, st.Latest.LastModified, "no Last-Modified header falls back to publication")
	assert.Nil(t, st.Newest)
}

func TestRepoStateNotFound(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		r := chi.NewRouter()
		r.Get("/repositories/42", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, status, `{"message":"gone"}`)
		})

		_, err := newTestClient(t, r).RepoState(context.Background(), 42)
		assert.ErrorIs(t, err, ErrRepoNotFound, "status %d", status)
	}
}

func TestRepoStateTransientError(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/repositories/42", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadGateway, `{"message":"bad gateway"}`)
	})

	_, err := newTestClient(t, r).RepoState(context.Background(), 42)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRepoNotFound)
	assert.False(t, IsRateLimited(err))
}

func TestIsRateLimited(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/repositories/42", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		writeJSON(w, http.StatusForbidden, `{"message":"API rate limit exceeded"}`)
	})

	_, err := newTestClient(t, r).RepoState(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.NotErrorIs(t, err, ErrRepoNotFound)
}

func TestStarredReposPaginates(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/users/octocat/starred", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, `[{"repo":{"id":2,"full_name":"acme/two","name":"two","owner":{"login":"acme"}}}]`)
			return
		}
		w.Header().Set("Link", `<https://api.github.com/users/octocat/starred?page=2>; rel="next"`)
		writeJSON(w, http.StatusOK, `[{"repo":{"id":1,"full_name":"acme/one","name":"one","owner":{"login":"acme"}}}]`)
	})
	r.Get("/users/ghost/starred", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})

	c := newTestClient(t, r)
	repos, err := c.StarredRepos(context.Background(), "octocat")
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "acme/one", repos[0].FullName)
	assert.Equal(t, int64(2), repos[1].ID)

	_, err = c.StarredRepos(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUserLogin(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/users/OctoCat", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"login":"octocat"}`)
	})
	r.Get("/users/nobody", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})

	c := newTestClient(t, r)
	login, err := c.UserLogin(context.Background(), "OctoCat")
	require.NoError(t, err)
	assert.Equal(t, "octocat", login)

	_, err = c.UserLogin(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
