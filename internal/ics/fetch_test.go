package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenecal/internal/config"
)

const testCalendar = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:x@example.com\r\nDTSTART:20250610T190000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

func testFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		Retries:     3,
		BackoffBase: 10 * time.Millisecond,
		Timeout:     5 * time.Second,
		UserAgent:   "test-agent",
	}
}

// newTestFetcher returns a fetcher whose sleeps are recorded instead of
// executed and whose jitter is zero, so backoff timing is deterministic.
func newTestFetcher(cfg config.FetchConfig) (*Fetcher, *[]time.Duration) {
	f := NewFetcher(cfg, nil)
	var slept []time.Duration
	f.sleep = func(d time.Duration) { slept = append(slept, d) }
	f.jitter = func() time.Duration { return 0 }
	return f, &slept
}

func TestFetch_CleanCalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		w.Write([]byte(testCalendar))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	f, slept := newTestFetcher(cfg)

	body, status, err := f.Fetch(context.Background(), NewSession(cfg), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, testCalendar, string(body))
	assert.Empty(t, *slept)
}

func TestFetch_ByteOrderMarkPrefixAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("\uFEFF" + testCalendar))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	f, _ := newTestFetcher(cfg)

	body, _, err := f.Fetch(context.Background(), NewSession(cfg), srv.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(body), testCalendar))
}

func TestFetch_ChallengeThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 3 {
			// Challenge pages come back with status 200 as often as not.
			w.Write([]byte("<html><title>Just a moment...</title></html>"))
			return
		}
		w.Write([]byte(testCalendar))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	f, slept := newTestFetcher(cfg)

	body, _, err := f.Fetch(context.Background(), NewSession(cfg), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, testCalendar, string(body))

	// One backoff per retry, exponentially increasing.
	require.Len(t, *slept, 3)
	for i := 1; i < len(*slept); i++ {
		assert.Greater(t, (*slept)[i], (*slept)[i-1])
	}
	assert.Equal(t, cfg.BackoffBase, (*slept)[0])
}

func TestFetch_ChallengeExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Checking your browser"))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	cfg.Retries = 2
	f, slept := newTestFetcher(cfg)

	_, status, err := f.Fetch(context.Background(), NewSession(cfg), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChallenge)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Len(t, *slept, 2)
}

func TestFetch_ChallengeHeaderOnCleanBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("cf-mitigated", "challenge")
		w.Write([]byte(testCalendar))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	cfg.Retries = 1
	f, _ := newTestFetcher(cfg)

	_, _, err := f.Fetch(context.Background(), NewSession(cfg), srv.URL)
	assert.ErrorIs(t, err, ErrChallenge)
}

func TestFetch_HTMLOnOKIsNotCalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html><body>event page, not a feed</body></html>"))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	f, slept := newTestFetcher(cfg)

	_, _, err := f.Fetch(context.Background(), NewSession(cfg), srv.URL)
	assert.ErrorIs(t, err, ErrNotCalendar)
	// A wrong document type will not improve with retries.
	assert.Empty(t, *slept)
}

func TestFetch_ClientErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	f, _ := newTestFetcher(cfg)

	_, status, err := f.Fetch(context.Background(), NewSession(cfg), srv.URL)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrChallenge)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(testCalendar))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	f, slept := newTestFetcher(cfg)

	body, _, err := f.Fetch(context.Background(), NewSession(cfg), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, testCalendar, string(body))
	assert.Len(t, *slept, 1)
}

func TestFetch_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	f, _ := newTestFetcher(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := f.Fetch(ctx, NewSession(cfg), srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionWarmUpSetsCookies(t *testing.T) {
	var originHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		originHits.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "cf_clearance", Value: "ok"})
	})
	mux.HandleFunc("/cal.ics", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("cf_clearance"); err != nil || c.Value != "ok" {
			w.Write([]byte("Just a moment..."))
			return
		}
		w.Write([]byte(testCalendar))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testFetchConfig()
	sess := NewSession(cfg)
	sess.WarmUp(context.Background(), srv.URL+"/cal.ics")
	sess.WarmUp(context.Background(), srv.URL+"/cal.ics")
	assert.Equal(t, int32(1), originHits.Load(), "warm-up is once per session")

	f, slept := newTestFetcher(cfg)
	body, _, err := f.Fetch(context.Background(), sess, srv.URL+"/cal.ics")
	require.NoError(t, err)
	assert.Equal(t, testCalendar, string(body))
	assert.Empty(t, *slept)
}
