package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenecal/internal/category"
	"scenecal/internal/config"
	"scenecal/internal/ics"
	"scenecal/internal/model"
	"scenecal/internal/store"
	"scenecal/internal/venue"
)

func icsDocument(events ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n")
	for _, ev := range events {
		b.WriteString("BEGIN:VEVENT\r\n")
		b.WriteString(strings.TrimSpace(ev))
		b.WriteString("\r\nEND:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func icsEvent(uid, summary string, start time.Time) string {
	return fmt.Sprintf("UID:%s\r\nSUMMARY:%s\r\nDTSTART:%s", uid, summary, start.UTC().Format("20060102T150405Z"))
}

// newTestOrchestrator wires an orchestrator against the in-memory store
// with sleeps recorded, zero jitter, and a frozen clock centered so test
// events fall inside the expansion window.
func newTestOrchestrator(mem store.Store, now time.Time) (*Orchestrator, *[]time.Duration) {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	// Single-attempt fetches keep the retry backoff out of these tests.
	cfg.Fetch.Retries = 0
	cfg.Throttle.Delay = 100 * time.Millisecond
	cfg.Throttle.Jitter = 0

	fetcher := ics.NewFetcher(cfg.Fetch, nil)

	upserter := NewUpserter(mem, venue.NewResolver(mem), category.Default(), nil)
	o := NewOrchestrator(mem, fetcher, upserter, nil, cfg)
	o.now = func() time.Time { return now }

	var slept []time.Duration
	o.sleep = func(d time.Duration) { slept = append(slept, d) }
	o.jitter = func() time.Duration { return 0 }
	return o, &slept
}

func TestProcessFeeds_HappyPath(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, 9)

	mux := http.NewServeMux()
	mux.HandleFunc("/a.ics", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(icsDocument(icsEvent("a1@example.com", "Jazz Night", start))))
	})
	mux.HandleFunc("/b.ics", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(icsDocument(
			icsEvent("b1@example.com", "Art Walk", start.AddDate(0, 0, 1)),
			icsEvent("b2@example.com", "Trivia Night", start.AddDate(0, 0, 2)),
		)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := store.NewMemory()
	src := mem.AddSource(model.Source{Name: "Downtown", Type: "ical", Slug: "downtown"})
	feedA := mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: "a", IcalURL: srv.URL + "/a.ics", Status: model.FeedStatusNew})
	feedB := mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: "b", IcalURL: srv.URL + "/b.ics", Status: model.FeedStatusNew})

	o, _ := newTestOrchestrator(mem, now)
	stats, err := o.ProcessFeeds(context.Background(), src, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FeedsSeen)
	assert.Equal(t, 3, stats.EventsIngested)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, 3, mem.EventCount())
	assert.Equal(t, 3, mem.OccurrenceCount())

	a := mem.Feed(feedA.ID)
	require.NotNil(t, a)
	assert.Equal(t, model.FeedStatusOK, a.Status)
	require.NotNil(t, a.EventsParsed)
	assert.Equal(t, 1, *a.EventsParsed)
	require.NotNil(t, a.LastSeenAt)

	b := mem.Feed(feedB.ID)
	require.NotNil(t, b)
	require.NotNil(t, b.EventsIngested)
	assert.Equal(t, 2, *b.EventsIngested)

	runs := mem.FetchRuns()
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, model.RunStatusOK, run.Status)
		assert.NotEmpty(t, run.ID)
		require.NotNil(t, run.FinishedAt)
		require.NotNil(t, run.HTTPStatus)
		assert.Equal(t, http.StatusOK, *run.HTTPStatus)
	}
}

func TestProcessFeeds_ChallengeDoesNotAbortBatch(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, 5)

	mux := http.NewServeMux()
	mux.HandleFunc("/blocked.ics", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("Just a moment..."))
	})
	mux.HandleFunc("/fine.ics", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(icsDocument(icsEvent("f1@example.com", "Garden Tour", start))))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := store.NewMemory()
	src := mem.AddSource(model.Source{Name: "Downtown", Type: "ical", Slug: "downtown"})
	blocked := mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: "blocked", IcalURL: srv.URL + "/blocked.ics", Status: model.FeedStatusNew})
	fine := mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: "fine", IcalURL: srv.URL + "/fine.ics", Status: model.FeedStatusNew})

	o, _ := newTestOrchestrator(mem, now)
	stats, err := o.ProcessFeeds(context.Background(), src, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FeedsSeen)
	assert.Equal(t, 1, stats.Challenges)
	assert.Equal(t, 1, stats.EventsIngested)

	assert.Equal(t, model.FeedStatusCFBlocked, mem.Feed(blocked.ID).Status)
	assert.NotEmpty(t, mem.Feed(blocked.ID).Error)
	assert.Equal(t, model.FeedStatusOK, mem.Feed(fine.ID).Status)
	// A blocked feed keeps its last-seen untouched so it stays queued.
	assert.Nil(t, mem.Feed(blocked.ID).LastSeenAt)
}

func TestProcessFeeds_BadPayloadMarksError(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/bad.ics", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>not a calendar</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := store.NewMemory()
	src := mem.AddSource(model.Source{Name: "Downtown", Type: "ical", Slug: "downtown"})
	bad := mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: "bad", IcalURL: srv.URL + "/bad.ics", Status: model.FeedStatusNew})

	o, _ := newTestOrchestrator(mem, now)
	stats, err := o.ProcessFeeds(context.Background(), src, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, model.FeedStatusError, mem.Feed(bad.ID).Status)
	assert.Contains(t, mem.Feed(bad.ID).Error, "not calendar data")
}

func TestProcessFeeds_RollupRunsLastAndDedupes(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, 5)

	mux := http.NewServeMux()
	// The rollup republishes "Jazz Night" under its own UID (twice, as
	// aggregated feeds do) and adds one genuinely new item.
	mux.HandleFunc("/rollup.ics", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(icsDocument(
			icsEvent("roll-1@example.com", "Jazz Night", start),
			icsEvent("roll-1b@example.com", "Jazz  Night", start),
			icsEvent("roll-2@example.com", "Poetry Reading", start.AddDate(0, 0, 3)),
		)))
	})
	mux.HandleFunc("/jazz.ics", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(icsDocument(icsEvent("jazz-1@example.com", "Jazz Night", start))))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := store.NewMemory()
	src := mem.AddSource(model.Source{Name: "Big Venue", Type: "ical", Slug: "big-venue", RollupMarker: "happenings"})
	// The rollup feed has the lower id, so it would naturally run first.
	mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: "happenings-all", IcalURL: srv.URL + "/rollup.ics", Status: model.FeedStatusNew})
	mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: "jazz-night", IcalURL: srv.URL + "/jazz.ics", Status: model.FeedStatusNew})

	o, _ := newTestOrchestrator(mem, now)
	stats, err := o.ProcessFeeds(context.Background(), src, 10)
	require.NoError(t, err)

	// Jazz Night exists once, not once per feed.
	assert.Equal(t, 2, mem.EventCount())
	assert.Equal(t, 2, mem.OccurrenceCount())
	assert.Equal(t, 2, stats.EventsIngested)

	// The per-event feed ran first: the event carries its UID, not the
	// rollup's.
	ev, err := mem.FindEventByExternalID(context.Background(), src.ID, "jazz-1@example.com")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "Jazz Night", ev.Title)
}

func TestProcessFeeds_SecondPassIsIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, 5)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(icsDocument(
			icsEvent("a1@example.com", "Jazz Night", start),
			icsEvent("a2@example.com", "Art Walk", start.AddDate(0, 0, 1)),
		)))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	src := mem.AddSource(model.Source{Name: "Downtown", Type: "ical", Slug: "downtown"})
	mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: "a", IcalURL: srv.URL, Status: model.FeedStatusNew})

	o, _ := newTestOrchestrator(mem, now)
	_, err := o.ProcessFeeds(context.Background(), src, 10)
	require.NoError(t, err)
	require.Equal(t, 2, mem.EventCount())
	require.Equal(t, 2, mem.OccurrenceCount())

	// Unchanged feed content on a later pass adds no rows.
	_, err = o.ProcessFeeds(context.Background(), src, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, mem.EventCount())
	assert.Equal(t, 2, mem.OccurrenceCount())
}

func TestProcessFeeds_ThrottleOnlyBetweenFeeds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, 5)

	mux := http.NewServeMux()
	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("/f%d.ics", i)
		uid := fmt.Sprintf("f%d@example.com", i)
		title := fmt.Sprintf("Show %d", i)
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(icsDocument(icsEvent(uid, title, start))))
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := store.NewMemory()
	src := mem.AddSource(model.Source{Name: "Downtown", Type: "ical", Slug: "downtown"})
	for i := 0; i < 3; i++ {
		mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: fmt.Sprintf("f%d", i), IcalURL: srv.URL + fmt.Sprintf("/f%d.ics", i), Status: model.FeedStatusNew})
	}

	o, slept := newTestOrchestrator(mem, now)
	_, err := o.ProcessFeeds(context.Background(), src, 10)
	require.NoError(t, err)

	// Two pauses for three feeds: never before the first.
	require.Len(t, *slept, 2)
	for _, d := range *slept {
		assert.Equal(t, 100*time.Millisecond, d)
	}
}

func TestProcessFeeds_CancellationStopsBetweenFeeds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, 5)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(icsDocument(icsEvent("x@example.com", "Show", start))))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	src := mem.AddSource(model.Source{Name: "Downtown", Type: "ical", Slug: "downtown"})
	for i := 0; i < 5; i++ {
		mem.AddFeed(model.SourceFeed{SourceID: src.ID, ExternalID: fmt.Sprintf("f%d", i), IcalURL: srv.URL, Status: model.FeedStatusNew})
	}

	ctx, cancel := context.WithCancel(context.Background())

	o, _ := newTestOrchestrator(mem, now)
	o.sleep = func(time.Duration) { cancel() }

	stats, err := o.ProcessFeeds(ctx, src, 10)
	require.NoError(t, err)

	// The first feed completes, the sleep before the second cancels the
	// context, and the loop stops there.
	assert.Equal(t, 1, stats.FeedsSeen)
}

func TestProcessFeeds_FeedCategoriesApplied(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, 5)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(icsDocument(icsEvent("c1@example.com", "Saturday Social", start))))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	src := mem.AddSource(model.Source{Name: "Downtown", Type: "ical", Slug: "downtown"})
	mem.AddFeed(model.SourceFeed{
		SourceID:   src.ID,
		ExternalID: "social",
		IcalURL:    srv.URL,
		Status:     model.FeedStatusNew,
		Categories: "Nightlife, Community",
	})

	o, _ := newTestOrchestrator(mem, now)
	_, err := o.ProcessFeeds(context.Background(), src, 10)
	require.NoError(t, err)

	ev, err := mem.FindEventByExternalID(context.Background(), src.ID, "c1@example.com")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 2, mem.CategoryLinkCount(ev.ID))
}

func TestProcessFeeds_EmptyPending(t *testing.T) {
	mem := store.NewMemory()
	src := mem.AddSource(model.Source{Name: "Downtown", Type: "ical", Slug: "downtown"})

	o, slept := newTestOrchestrator(mem, time.Now().UTC())
	stats, err := o.ProcessFeeds(context.Background(), src, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.FeedsSeen)
	assert.Empty(t, *slept)
}
