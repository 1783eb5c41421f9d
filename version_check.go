package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

const (
	githubRepo = "oszuidwest/zwfm-noisemeter"
	githubAPI  = "https://api.github.com"

	releaseCheckDelay     = 30 * time.Second // keeps the first request out of start-up
	releaseCheckInterval  = 24 * time.Hour
	releaseRequestTimeout = 30 * time.Second
	releaseMaxAttempts    = 3
	releaseRetryDelay     = time.Minute
	releaseMaxRetryDelay  = 10 * time.Minute
)

// errTransient marks release check failures worth retrying.
var errTransient = errors.New("temporary release check failure")

// githubRelease is the part of a GitHub release object that is used.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// VersionChecker looks up the latest published release once a day and
// reports it through the status API and the metrics. It is safe for
// concurrent use.
type VersionChecker struct {
	client  *http.Client
	baseURL string
	metrics *metrics.Metrics
	backoff *util.Backoff

	mu        sync.RWMutex
	latest    string
	etag      string
	checkedAt time.Time
	lastErr   string

	stop chan struct{}
	once sync.Once
}

// NewVersionChecker returns a stopped checker. m may be nil.
func NewVersionChecker(m *metrics.Metrics) *VersionChecker {
	vc := &VersionChecker{
		client:  &http.Client{Timeout: releaseRequestTimeout},
		baseURL: githubAPI,
		metrics: m,
		backoff: util.NewBackoff(releaseRetryDelay, releaseMaxRetryDelay),
		stop:    make(chan struct{}),
	}
	vc.publish()
	return vc
}

// Start runs the periodic check in the background.
func (vc *VersionChecker) Start() {
	go vc.run()
}

// Stop ends the periodic check and any pending retry.
func (vc *VersionChecker) Stop() {
	vc.once.Do(func() { close(vc.stop) })
}

func (vc *VersionChecker) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in version checker", "panic", r)
		}
	}()

	timer := time.NewTimer(releaseCheckDelay)
	defer timer.Stop()
	for {
		select {
		case <-vc.stop:
			return
		case <-timer.C:
		}
		_ = vc.refresh() //nolint:errcheck // Logged and exposed through Info
		timer.Reset(releaseCheckInterval)
	}
}

// refresh checks for a new release, retrying temporary failures with
// exponential backoff up to releaseMaxAttempts times.
func (vc *VersionChecker) refresh() error {
	vc.backoff.Reset()
	for {
		err := vc.check()
		vc.record(err)
		if err == nil || !errors.Is(err, errTransient) || vc.backoff.Attempts() >= releaseMaxAttempts-1 {
			return err
		}
		slog.Debug("release check failed, retrying", "error", err, "delay", vc.backoff.Current())
		if !vc.backoff.Wait(vc.stop) {
			return err
		}
	}
}

// check performs one conditional request for the latest release.
func (vc *VersionChecker) check() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseRequestTimeout)
	defer cancel()

	url := vc.baseURL + "/repos/" + githubRepo + "/releases/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return util.WrapError("create release request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "zwfm-noisemeter/"+Version)

	vc.mu.RLock()
	etag := vc.etag
	vc.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := vc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransient, err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Read-only response
	}()

	switch code := resp.StatusCode; {
	case code == http.StatusNotModified, code == http.StatusNotFound:
		// Unchanged, or nothing released yet.
		return nil
	case code == http.StatusForbidden, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: github returned %s", errTransient, resp.Status)
	case code != http.StatusOK:
		return fmt.Errorf("github returned %s", resp.Status)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return util.WrapError("decode release", err)
	}
	if release.Draft || release.Prerelease {
		return nil
	}
	if release.TagName == "" {
		return errors.New("release has no tag")
	}

	vc.mu.Lock()
	vc.latest = normalizeVersion(release.TagName)
	if newETag := resp.Header.Get("ETag"); newETag != "" {
		vc.etag = newETag
	}
	vc.mu.Unlock()
	return nil
}

// record stores the outcome of one check and republishes the version info.
func (vc *VersionChecker) record(err error) {
	vc.mu.Lock()
	if err != nil {
		vc.lastErr = err.Error()
	} else {
		vc.lastErr = ""
		vc.checkedAt = time.Now()
	}
	vc.mu.Unlock()

	if err != nil {
		slog.Warn("release check failed", "error", err)
	}
	if vc.metrics != nil {
		vc.metrics.RecordReleaseCheck(err)
	}
	vc.publish()
}

func (vc *VersionChecker) publish() {
	if vc.metrics != nil {
		vc.metrics.RecordVersion(vc.Info())
	}
}

// Info returns the running version and the latest known release.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	info := types.VersionInfo{
		Current:    normalizeVersion(Version),
		Latest:     vc.latest,
		Commit:     Commit,
		BuildTime:  BuildTime,
		CheckedAt:  vc.checkedAt,
		CheckError: vc.lastErr,
	}
	// Development builds never report updates.
	if info.Latest != "" && semver.IsValid("v"+info.Current) {
		info.UpdateAvail = isNewerVersion(info.Latest, info.Current)
	}
	return info
}

// normalizeVersion strips whitespace and a leading "v".
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion reports whether latest is a higher semantic version than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}
