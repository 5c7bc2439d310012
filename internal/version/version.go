// Package version exposes the running server version and checks GitHub
// for newer releases.
package version

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Current is the server version, overridable at build time with
// -ldflags "-X forge/internal/version.Current=...".
var Current = "0.1.0"

// GitHubRelease represents the relevant fields from GitHub's releases API
type GitHubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
}

// ReleaseInfo contains version comparison results
type ReleaseInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	ReleaseName     string    `json:"release_name,omitempty"`
	PublishedAt     time.Time `json:"published_at,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Checker handles release checking with caching
type Checker struct {
	currentVersion string
	owner          string
	repo           string
	httpClient     *http.Client

	mu          sync.RWMutex
	cachedInfo  *ReleaseInfo
	cacheExpiry time.Time
	cacheTTL    time.Duration
}

const (
	defaultCacheTTL    = 1 * time.Hour
	defaultHTTPTimeout = 10 * time.Second
	githubAPIURL       = "https://api.github.com/repos/%s/%s/releases/latest"
)

// NewChecker creates a new release checker
func NewChecker(currentVersion, owner, repo string) *Checker {
	return &Checker{
		currentVersion: strings.TrimPrefix(strings.TrimSpace(currentVersion), "v"),
		owner:          owner,
		repo:           repo,
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
		cacheTTL: defaultCacheTTL,
	}
}

// Check fetches the latest release info, using cache if available
func (c *Checker) Check() (*ReleaseInfo, error) {
	c.mu.RLock()
	if c.cachedInfo != nil && time.Now().Before(c.cacheExpiry) {
		info := *c.cachedInfo
		c.mu.RUnlock()
		return &info, nil
	}
	c.mu.RUnlock()

	info, err := c.fetchLatestRelease()
	if err != nil {
		// If fetch fails but we have stale cache, return it
		c.mu.RLock()
		if c.cachedInfo != nil {
			staleInfo := *c.cachedInfo
			staleInfo.CheckedAt = time.Now()
			c.mu.RUnlock()
			return &staleInfo, nil
		}
		c.mu.RUnlock()
		return nil, err
	}

	c.mu.Lock()
	c.cachedInfo = info
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return info, nil
}

// fetchLatestRelease makes the actual API call to GitHub
func (c *Checker) fetchLatestRelease() (*ReleaseInfo, error) {
	url := fmt.Sprintf(githubAPIURL, c.owner, c.repo)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", fmt.Sprintf("Forge/%s", c.currentVersion))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// No releases yet - not an error
		return c.upToDate(), nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to decode release info: %w", err)
	}

	// Skip prereleases and drafts
	if release.Draft || release.Prerelease {
		return c.upToDate(), nil
	}

	latest := strings.TrimPrefix(strings.TrimSpace(release.TagName), "v")

	return &ReleaseInfo{
		CurrentVersion:  c.currentVersion,
		LatestVersion:   latest,
		UpdateAvailable: IsNewerVersion(c.currentVersion, latest),
		ReleaseURL:      release.HTMLURL,
		ReleaseName:     release.Name,
		PublishedAt:     release.PublishedAt,
		CheckedAt:       time.Now(),
	}, nil
}

func (c *Checker) upToDate() *ReleaseInfo {
	return &ReleaseInfo{
		CurrentVersion:  c.currentVersion,
		LatestVersion:   c.currentVersion,
		UpdateAvailable: false,
		CheckedAt:       time.Now(),
	}
}

// IsNewerVersion reports whether latest is a strictly newer semantic
// version than current. Unparseable versions are treated as not newer.
func IsNewerVersion(current, latest string) bool {
	cv, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	lv, err := semver.NewVersion(latest)
	if err != nil {
		return false
	}
	return lv.GreaterThan(cv)
}
