package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// newTestChecker returns a checker that talks to srv and retries without delay.
func newTestChecker(srv *httptest.Server, m *metrics.Metrics) *VersionChecker {
	vc := NewVersionChecker(m)
	vc.client = srv.Client()
	vc.baseURL = srv.URL
	vc.backoff = util.NewBackoff(time.Millisecond, time.Millisecond)
	return vc
}

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		latest, current string
		want            bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v2.0.0", "1.9.9", true},
		{"1.2.0", "1.2.0", false},
		{"1.1.0", "1.2.0", false},
		{"1.2.0", "1.2.0-rc.1", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isNewerVersion(tt.latest, tt.current), "%s vs %s", tt.latest, tt.current)
	}
}

func TestVersionCheck(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/repos/"+githubRepo+"/releases/latest", r.URL.Path)
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte(`{"tag_name":"v9.1.0","draft":false,"prerelease":false}`))
	}))
	defer srv.Close()

	m := metrics.New()
	vc := newTestChecker(srv, m)
	require.NoError(t, vc.refresh())
	require.NoError(t, vc.refresh(), "not modified counts as success")
	assert.Equal(t, int32(2), calls.Load())

	info := vc.Info()
	assert.Equal(t, "9.1.0", info.Latest)
	assert.Equal(t, normalizeVersion(Version), info.Current)
	assert.False(t, info.UpdateAvail, "dev builds never report updates")
	assert.False(t, info.CheckedAt.IsZero())
	assert.Empty(t, info.CheckError)

	assert.InDelta(t, 2, testutil.ToFloat64(m.ReleaseChecks.WithLabelValues("ok")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BuildInfo.WithLabelValues(info.Current, "9.1.0")), 1e-9)

	vc.Stop()
	vc.Stop()
}

func TestVersionCheckRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"tag_name":"v1.4.0"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	vc := newTestChecker(srv, m)
	require.NoError(t, vc.refresh())

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "1.4.0", vc.Info().Latest)
	assert.Empty(t, vc.Info().CheckError)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ReleaseChecks.WithLabelValues("error")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ReleaseChecks.WithLabelValues("ok")), 1e-9)
}

func TestVersionCheckGivesUpWhenRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	vc := newTestChecker(srv, nil)
	err := vc.refresh()
	require.ErrorIs(t, err, errTransient)

	assert.Equal(t, int32(releaseMaxAttempts), calls.Load())
	info := vc.Info()
	assert.Empty(t, info.Latest)
	assert.Contains(t, info.CheckError, "429")
	assert.True(t, info.CheckedAt.IsZero())
}

func TestVersionCheckPermanentError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	vc := newTestChecker(srv, nil)
	err := vc.refresh()
	require.Error(t, err)
	assert.NotErrorIs(t, err, errTransient)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestVersionCheckStopInterruptsRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	vc := newTestChecker(srv, nil)
	vc.backoff = util.NewBackoff(time.Hour, time.Hour)
	vc.Stop()

	require.ErrorIs(t, vc.refresh(), errTransient)
	assert.Equal(t, int32(1), calls.Load())
}
