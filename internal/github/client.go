// Package github provides the GitHub API client and webhook handling.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/user/releasebot/internal/release"
)

var (
	// ErrRepoNotFound means the repository was deleted or is no longer visible.
	ErrRepoNotFound = errors.New("repository not found")
	// ErrUserNotFound means a GitHub account does not exist.
	ErrUserNotFound = errors.New("user not found")

	errNoReleases = errors.New("repository has no releases")
)

// Client wraps the GitHub API client.
type Client struct {
	client           *github.Client
	trackPreReleases bool
}

// NewClient creates a new GitHub API client.
// If token is empty, an unauthenticated client is created (with lower rate limits).
func NewClient(token string) *Client {
	var client *github.Client

	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc := oauth2.NewClient(context.Background(), ts)
		client = github.NewClient(tc)
	} else {
		client = github.NewClient(nil)
	}

	return &Client{client: client, trackPreReleases: true}
}

// SetTrackPreReleases controls whether RepoState fetches the newest release of any
// kind. Without it, one API call per repository is saved.
func (c *Client) SetTrackPreReleases(enabled bool) {
	c.trackPreReleases = enabled
}

// RepoInfo contains basic repository information.
type RepoInfo struct {
	ID          int64
	Owner       string
	Name        string
	FullName    string
	Description string
	URL         string
	Archived    bool
}

// RepoState is a repository's metadata and release state.
type RepoState struct {
	Info RepoInfo
	release.State
}

// RepoState fetches everything the detector needs for one repository.
// It returns ErrRepoNotFound when the repository no longer exists.
func (c *Client) RepoState(ctx context.Context, repoID int64) (*RepoState, error) {
	r, _, err := c.client.Repositories.GetByID(ctx, repoID)
	if err != nil {
		return nil, classifyRepoError(err, "get repository")
	}

	st := &RepoState{Info: toRepoInfo(r)}
	st.Archived = r.GetArchived()
	owner, name := st.Info.Owner, st.Info.Name

	latest, err := c.latestRelease(ctx, owner, name)
	switch {
	case errors.Is(err, errNoReleases):
	case err != nil:
		return nil, err
	default:
		st.Latest = latest
	}

	if c.trackPreReleases {
		newest, err := c.newestRelease(ctx, owner, name)
		if err != nil && !errors.Is(err, errNoReleases) {
			return nil, err
		}
		st.Newest = newest
	}

	if st.Latest == nil && st.Newest == nil {
		tag, err := c.newestTag(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		st.Tag = tag
	}

	return st, nil
}

func (c *Client) latestRelease(ctx context.Context, owner, name string) (*release.Release, error) {
	rel, resp, err := c.client.Repositories.GetLatestRelease(ctx, owner, name)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, errNoReleases
		}
		return nil, fmt.Errorf("get latest release of %s/%s: %w", owner, name, err)
	}

	out := toRelease(rel)
	// Last-Modified moves when the release is edited; published_at does not.
	if resp != nil {
		if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
			out.LastModified = lm.UTC()
		}
	}
	return out, nil
}

func (c *Client) newestRelease(ctx context.Context, owner, name string) (*release.Release, error) {
	rels, _, err := c.client.Repositories.ListReleases(ctx, owner, name, &github.ListOptions{PerPage: 1})
	if err != nil {
		return nil, fmt.Errorf("list releases of %s/%s: %w", owner, name, err)
	}
	if len(rels) == 0 {
		return nil, errNoReleases
	}
	return toRelease(rels[0]), nil
}

func (c *Client) newestTag(ctx context.Context, owner, name string) (*release.Tag, error) {
	tags, _, err := c.client.Repositories.ListTags(ctx, owner, name, &github.ListOptions{PerPage: 1})
	if err != nil {
		return nil, fmt.Errorf("list tags of %s/%s: %w", owner, name, err)
	}
	if len(tags) == 0 {
		return nil, nil
	}

	tag := &release.Tag{Name: tags[0].GetName()}
	sha := tags[0].GetCommit().GetSHA()
	if sha == "" {
		return tag, nil
	}

	commit, _, err := c.client.Repositories.GetCommit(ctx, owner, name, sha, nil)
	if err != nil {
		return nil, fmt.Errorf("get tag commit %s of %s/%s: %w", sha, owner, name, err)
	}
	tag.LastModified = commit.GetCommit().GetCommitter().GetDate().Time.UTC()
	return tag, nil
}

// RepoByName retrieves a repository by "owner/name".
func (c *Client) RepoByName(ctx context.Context, owner, repo string) (*RepoInfo, error) {
	r, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classifyRepoError(err, "get repository")
	}
	info := toRepoInfo(r)
	return &info, nil
}

// UserLogin returns the canonical login of a GitHub account.
func (c *Client) UserLogin(ctx context.Context, username string) (string, error) {
	u, _, err := c.client.Users.Get(ctx, username)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("get user %s: %w", username, err)
	}
	return u.GetLogin(), nil
}

// StarredRepos lists every repository starred by a GitHub account.
func (c *Client) StarredRepos(ctx context.Context, username string) ([]RepoInfo, error) {
	opts := &github.ActivityListStarredOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var out []RepoInfo

	for {
		starred, resp, err := c.client.Activity.ListStarred(ctx, username, opts)
		if err != nil {
			if statusCode(err) == http.StatusNotFound {
				return nil, ErrUserNotFound
			}
			return nil, fmt.Errorf("list starred of %s: %w", username, err)
		}
		for _, s := range starred {
			out = append(out, toRepoInfo(s.GetRepository()))
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// GetRateLimit returns the current rate limit status.
func (c *Client) GetRateLimit(ctx context.Context) (*github.RateLimits, error) {
	limits, _, err := c.client.RateLimit.Get(ctx)
	if err != nil {
		return nil, err
	}
	return limits, nil
}

// IsRateLimited reports whether err came from a primary or secondary rate limit.
func IsRateLimited(err error) bool {
	var rl *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	return errors.As(err, &rl) || errors.As(err, &abuse)
}

func classifyRepoError(err error, op string) error {
	switch statusCode(err) {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%s: %w", op, ErrRepoNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusCode(err error) int {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

func toRepoInfo(r *github.Repository) RepoInfo {
	return RepoInfo{
		ID:          r.GetID(),
		Owner:       r.GetOwner().GetLogin(),
		Name:        r.GetName(),
		FullName:    r.GetFullName(),
		Description: r.GetDescription(),
		URL:         r.GetHTMLURL(),
		Archived:    r.GetArchived(),
	}
}

func toRelease(r *github.RepositoryRelease) *release.Release {
	published := r.GetPublishedAt().Time
	if published.IsZero() {
		published = r.GetCreatedAt().Time
	}
	return &release.Release{
		ID:           r.GetID(),
		TagName:      r.GetTagName(),
		Title:        r.GetName(),
		Body:         r.GetBody(),
		HTMLURL:      r.GetHTMLURL(),
		PublishedAt:  published.UTC(),
		LastModified: published.UTC(),
		Draft:        r.GetDraft(),
		Prerelease:   r.GetPrerelease(),
	}
}
