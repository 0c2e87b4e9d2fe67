package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"scenecal/internal/config"
	appLog "scenecal/internal/log"
	"scenecal/internal/metrics"
)

// Error kinds surfaced by the fetcher. Callers classify feed outcomes on
// these rather than on HTTP status codes.
var (
	// ErrChallenge means the origin served an anti-bot interstitial for
	// every attempt. Expected to self-resolve on a later pass.
	ErrChallenge = errors.New("ics: anti-bot challenge")

	// ErrNotCalendar means a clean 2xx response did not contain calendar
	// data (typically an HTML error page served with status 200).
	ErrNotCalendar = errors.New("ics: response is not calendar data")
)

const calendarSignature = "BEGIN:VCALENDAR"

// challengeBodyMarkers are substrings of known anti-bot interstitial
// pages. Checked case-sensitively against the body even on 2xx responses;
// challenge pages are routinely served with status 200.
var challengeBodyMarkers = []string{
	"Just a moment...",
	"cf-browser-verification",
	"challenge-platform",
	"_cf_chl_opt",
	"Checking your browser",
}

// Session is a cookie-bearing HTTP session shared across many fetches of
// one orchestration pass. Anti-bot cookies set during the warm-up request
// persist across every subsequent per-feed fetch, which is what makes
// batch fetches of 50-100+ feeds from one protected origin practical.
type Session struct {
	client *resty.Client
	warmed bool
}

// NewSession builds a session with a fresh cookie jar and browser-like
// headers.
func NewSession(cfg config.FetchConfig) *Session {
	jar, _ := cookiejar.New(nil)

	client := resty.New().
		SetCookieJar(jar).
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeaders(map[string]string{
			"User-Agent":      cfg.UserAgent,
			"Accept":          "text/calendar,text/plain;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
			"Connection":      "keep-alive",
		})

	return &Session{client: client}
}

// WarmUp visits the origin of rawURL once so the session picks up any
// cookies the origin hands out before real fetches begin. Repeated calls
// are no-ops. A failed warm-up is logged and ignored; the per-feed
// fetches carry their own retry handling.
func (s *Session) WarmUp(ctx context.Context, rawURL string) {
	if s.warmed {
		return
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return
	}
	origin := u.Scheme + "://" + u.Host

	resp, err := s.client.R().SetContext(ctx).Get(origin)
	if err != nil {
		appLog.Warn("session warm-up failed", "origin", origin, "err", err)
		return
	}

	s.warmed = true
	appLog.Debug("session warmed", "origin", origin, "status", resp.StatusCode())
}

// Fetcher retrieves raw calendar bytes with challenge detection and
// exponential-backoff retry.
type Fetcher struct {
	cfg     config.FetchConfig
	metrics *metrics.Manager

	// sleep and jitter are swapped out in tests.
	sleep  func(time.Duration)
	jitter func() time.Duration
}

func NewFetcher(cfg config.FetchConfig, m *metrics.Manager) *Fetcher {
	f := &Fetcher{
		cfg:     cfg,
		metrics: m,
		sleep:   time.Sleep,
	}
	f.jitter = func() time.Duration {
		return time.Duration(rand.Int63n(int64(time.Second)))
	}
	return f
}

// Fetch retrieves the calendar document at rawURL through the given
// session. Challenged or transiently failing requests are retried up to
// cfg.Retries times with delay base * 2^attempt + jitter. A response that
// survives classification must begin with the calendar signature.
//
// The int result is the HTTP status of the last response received, for
// fetch-run records; it is zero when no response arrived at all.
func (f *Fetcher) Fetch(ctx context.Context, sess *Session, rawURL string) ([]byte, int, error) {
	var (
		lastErr    error
		lastStatus int
	)

	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := f.cfg.BackoffBase*(1<<(attempt-1)) + f.jitter()
			appLog.Debug("fetch backoff", "url", rawURL, "attempt", attempt, "delay", delay.String())
			if f.metrics != nil {
				f.metrics.FetchRetried()
			}
			f.sleep(delay)
		}
		if err := ctx.Err(); err != nil {
			return nil, lastStatus, err
		}

		resp, err := sess.client.R().SetContext(ctx).Get(rawURL)
		if err != nil {
			lastErr = err
			continue
		}

		body := resp.Body()
		status := resp.StatusCode()
		lastStatus = status

		if isChallenge(status, resp.Header(), body) {
			if f.metrics != nil {
				f.metrics.ChallengeDetected()
			}
			appLog.Warn("anti-bot challenge detected", "url", rawURL, "status", status, "attempt", attempt)
			lastErr = fmt.Errorf("%w (status %d)", ErrChallenge, status)
			continue
		}

		switch {
		case status >= 200 && status < 300:
			// fall through to signature check
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("ics: fetch %s: status %d", rawURL, status)
			continue
		default:
			// Other 4xx will not improve with retries.
			return nil, status, fmt.Errorf("ics: fetch %s: status %d", rawURL, status)
		}

		if !hasCalendarSignature(body) {
			return nil, status, fmt.Errorf("%w: %s", ErrNotCalendar, rawURL)
		}

		return body, status, nil
	}

	return nil, lastStatus, fmt.Errorf("ics: fetch %s: retries exhausted: %w", rawURL, lastErr)
}

// isChallenge reports whether a response is an anti-bot interstitial.
// Headers and body signatures are inspected rather than the HTTP status:
// challenge pages are served on 2xx as often as on 403/503.
func isChallenge(status int, header http.Header, body []byte) bool {
	if strings.EqualFold(header.Get("cf-mitigated"), "challenge") {
		return true
	}
	if (status == http.StatusForbidden || status == http.StatusServiceUnavailable) &&
		strings.Contains(strings.ToLower(header.Get("Server")), "cloudflare") {
		return true
	}
	for _, marker := range challengeBodyMarkers {
		if bytes.Contains(body, []byte(marker)) {
			return true
		}
	}
	return false
}

func hasCalendarSignature(body []byte) bool {
	// Some feeds prefix the payload with a UTF-8 byte order mark.
	return bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n\uFEFF"), []byte(calendarSignature))
}
