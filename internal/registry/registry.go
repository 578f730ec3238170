// Package registry resolves PyPI projects and npm packages to the GitHub
// repositories they are developed in.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrPackageNotFound is returned when the registry does not know the package.
	ErrPackageNotFound = errors.New("package not found")
	// ErrNoGitHubLink is returned when a package exists but links no GitHub repository.
	ErrNoGitHubLink = errors.New("package has no GitHub repository")
)

const (
	defaultPyPIURL = "https://pypi.org"
	defaultNPMURL  = "https://registry.npmjs.org"

	maxResponseSize = 4 << 20
)

var githubLink = regexp.MustCompile(`(?i)github\.com[/:]([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)`)

// Client queries package registries.
type Client struct {
	http    *http.Client
	pypiURL string
	npmURL  string
}

// NewClient creates a registry client. A nil httpClient gets a 10s timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{http: httpClient, pypiURL: defaultPyPIURL, npmURL: defaultNPMURL}
}

// SetBaseURLs points the client at other registry hosts.
func (c *Client) SetBaseURLs(pypi, npm string) {
	c.pypiURL = strings.TrimRight(pypi, "/")
	c.npmURL = strings.TrimRight(npm, "/")
}

type pypiProject struct {
	Info struct {
		HomePage    string            `json:"home_page"`
		ProjectURLs map[string]string `json:"project_urls"`
	} `json:"info"`
}

// PyPIRepo returns the GitHub repository of a PyPI project. The "Source",
// "Source Code" and "Homepage" project URLs are tried in that order, then the
// legacy home page.
func (c *Client) PyPIRepo(ctx context.Context, project string) (owner, repo string, err error) {
	var data pypiProject
	endpoint := fmt.Sprintf("%s/pypi/%s/json", c.pypiURL, url.PathEscape(project))
	if err := c.getJSON(ctx, endpoint, &data); err != nil {
		return "", "", fmt.Errorf("pypi project %s: %w", project, err)
	}

	candidates := []string{
		data.Info.ProjectURLs["Source"],
		data.Info.ProjectURLs["Source Code"],
		data.Info.ProjectURLs["Homepage"],
	}
	if len(data.Info.ProjectURLs) == 0 {
		candidates = append(candidates, data.Info.HomePage)
	}
	return firstGitHubRepo(project, candidates)
}

type npmPackage struct {
	Repository json.RawMessage `json:"repository"`
	Homepage   string          `json:"homepage"`
}

// NPMRepo returns the GitHub repository of an npm package from its repository
// field, falling back to its homepage.
func (c *Client) NPMRepo(ctx context.Context, pkg string) (owner, repo string, err error) {
	var data npmPackage
	endpoint := fmt.Sprintf("%s/%s", c.npmURL, url.PathEscape(pkg))
	if err := c.getJSON(ctx, endpoint, &data); err != nil {
		return "", "", fmt.Errorf("npm package %s: %w", pkg, err)
	}
	return firstGitHubRepo(pkg, []string{npmRepositoryURL(data.Repository), data.Homepage})
}

// npmRepositoryURL reads the repository field, which is either a string or
// an object with a url.
func npmRepositoryURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URL
	}
	return ""
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrPackageNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstGitHubRepo(name string, links []string) (owner, repo string, err error) {
	for _, link := range links {
		if owner, repo, ok := ParseGitHubURL(link); ok {
			return owner, repo, nil
		}
	}
	return "", "", fmt.Errorf("%s: %w", name, ErrNoGitHubLink)
}

// ParseGitHubURL extracts owner and repository from any GitHub link form,
// including git+https, ssh and .git suffixed URLs.
func ParseGitHubURL(link string) (owner, repo string, ok bool) {
	m := githubLink.FindStringSubmatch(link)
	if m == nil {
		return "", "", false
	}
	repo = strings.TrimSuffix(m[2], ".git")
	if repo == "" {
		return "", "", false
	}
	return m[1], repo, true
}
