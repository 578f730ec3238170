package registry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Ecosystem is a package registry.
type Ecosystem int

const (
	PyPI Ecosystem = iota + 1
	NPM
)

func (e Ecosystem) String() string {
	switch e {
	case PyPI:
		return "PyPI"
	case NPM:
		return "npm"
	default:
		return "unknown"
	}
}

var (
	pypiLink = regexp.MustCompile(`(?i)https?://(?:www\.)?pypi\.org/project/([A-Za-z0-9._-]+)`)
	npmLink  = regexp.MustCompile(`(?i)https?://(?:www\.)?npmjs\.com/package/((?:@[A-Za-z0-9._-]+/)?[A-Za-z0-9._-]+)`)

	requirementName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*`)
)

// ParsePackageLink recognises PyPI project and npm package page URLs.
func ParsePackageLink(text string) (eco Ecosystem, name string, ok bool) {
	if m := pypiLink.FindStringSubmatch(text); m != nil {
		return PyPI, m[1], true
	}
	if m := npmLink.FindStringSubmatch(text); m != nil {
		return NPM, m[1], true
	}
	return 0, "", false
}

// Resolve returns the GitHub repository of a package in the given ecosystem.
func (c *Client) Resolve(ctx context.Context, eco Ecosystem, name string) (owner, repo string, err error) {
	switch eco {
	case PyPI:
		return c.PyPIRepo(ctx, name)
	case NPM:
		return c.NPMRepo(ctx, name)
	default:
		return "", "", fmt.Errorf("unsupported ecosystem %d", eco)
	}
}

// ManifestEcosystem tells which ecosystem an uploaded dependency file belongs to.
func ManifestEcosystem(filename string) (Ecosystem, bool) {
	switch strings.ToLower(filename) {
	case "requirements.txt":
		return PyPI, true
	case "package.json":
		return NPM, true
	default:
		return 0, false
	}
}

// ParseManifest lists the package names declared in a dependency file.
func ParseManifest(eco Ecosystem, data []byte) ([]string, error) {
	switch eco {
	case PyPI:
		return ParseRequirements(data), nil
	case NPM:
		return ParsePackageJSON(data)
	default:
		return nil, fmt.Errorf("unsupported ecosystem %d", eco)
	}
}

// ParseRequirements returns the distinct project names of a pip requirements
// file. Options, includes, editable installs and URLs are skipped.
func ParseRequirements(data []byte) []string {
	var names []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") || strings.Contains(line, "://") {
			continue
		}

		name := requirementName.FindString(line)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, name)
	}
	return names
}

// ParsePackageJSON returns the runtime dependency names of a package.json,
// sorted.
func ParsePackageJSON(data []byte) ([]string, error) {
	var manifest struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}

	names := make([]string, 0, len(manifest.Dependencies))
	for name := range manifest.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
