package ingest

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"scenecal/internal/category"
	"scenecal/internal/config"
	"scenecal/internal/ics"
	appLog "scenecal/internal/log"
	"scenecal/internal/metrics"
	"scenecal/internal/model"
	"scenecal/internal/store"
)

// Stats summarizes one orchestration pass over a source's feeds.
type Stats struct {
	FeedsSeen      int
	EventsIngested int
	Errors         int
	Challenges     int
}

// Orchestrator drives the pending feeds of a source through fetch,
// sanitize, parse, expand, and upsert. One feed failing never aborts the
// batch; each feed's outcome lands on its row and on a fetch-run record.
type Orchestrator struct {
	store    store.Store
	fetcher  *ics.Fetcher
	upserter *Upserter
	metrics  *metrics.Manager

	defaultLoc   *time.Location
	expandMonths int
	fetchCfg     config.FetchConfig
	throttle     config.ThrottleConfig

	// swapped out in tests
	now        func() time.Time
	sleep      func(time.Duration)
	jitter     func() time.Duration
	newSession func() *ics.Session
}

func NewOrchestrator(st store.Store, fetcher *ics.Fetcher, upserter *Upserter, m *metrics.Manager, cfg *config.Config) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		fetcher:      fetcher,
		upserter:     upserter,
		metrics:      m,
		defaultLoc:   cfg.DefaultLocation(),
		expandMonths: cfg.ExpandMonths,
		fetchCfg:     cfg.Fetch,
		throttle:     cfg.Throttle,
		now:          time.Now,
		sleep:        time.Sleep,
	}
	o.jitter = func() time.Duration {
		if o.throttle.Jitter <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(o.throttle.Jitter)))
	}
	o.newSession = func() *ics.Session {
		return ics.NewSession(o.fetchCfg)
	}
	return o
}

// ProcessFeeds runs one pass over up to limit pending feeds of the source.
// Rollup feeds are pushed to the end of the batch so that per-event feeds
// create identifier-bearing events first; the rollup's items then resolve
// to those events instead of creating signature-only twins. The upsert
// engine makes the reverse order correct too, just with an extra backfill.
func (o *Orchestrator) ProcessFeeds(ctx context.Context, source *model.Source, limit int) (Stats, error) {
	var stats Stats

	feeds, err := o.store.ListPendingFeeds(ctx, source.ID, limit)
	if err != nil {
		return stats, err
	}
	if o.metrics != nil {
		o.metrics.PendingFeeds(len(feeds))
	}
	if len(feeds) == 0 {
		return stats, nil
	}

	feeds = orderRollupsLast(feeds, source.RollupMarker)

	sess := o.newSession()
	sess.WarmUp(ctx, feeds[0].IcalURL)

	// Signatures already ingested within this pass, for rollup dedup.
	seen := make(map[string]struct{})
	start := o.now()

	for i := range feeds {
		if i > 0 {
			// Pace requests against the origin; never before the first feed.
			o.sleep(o.throttle.Delay + o.jitter())
		}
		if ctx.Err() != nil {
			appLog.Info("pass cancelled", "source", source.Slug, "processed", stats.FeedsSeen)
			break
		}
		o.processFeed(ctx, sess, source, &feeds[i], seen, &stats)
	}

	if o.metrics != nil {
		o.metrics.PassDone(o.now().Sub(start))
	}
	appLog.Info("pass complete",
		"source", source.Slug,
		"feeds", stats.FeedsSeen,
		"ingested", stats.EventsIngested,
		"errors", stats.Errors,
		"challenges", stats.Challenges)
	return stats, nil
}

func (o *Orchestrator) processFeed(ctx context.Context, sess *ics.Session, source *model.Source, feed *model.SourceFeed, seen map[string]struct{}, stats *Stats) {
	stats.FeedsSeen++

	run := &model.FetchRun{
		ID:        uuid.NewString(),
		SourceID:  source.ID,
		FetchURL:  feed.IcalURL,
		StartedAt: o.now().UTC(),
		Status:    model.RunStatusRunning,
	}
	if err := o.store.StartFetchRun(ctx, run); err != nil {
		appLog.Warn("fetch run not recorded", "feed", feed.ExternalID, "err", err)
	}

	body, httpStatus, err := o.fetcher.Fetch(ctx, sess, feed.IcalURL)
	now := o.now().UTC()
	if httpStatus != 0 {
		run.HTTPStatus = &httpStatus
	}

	switch {
	case errors.Is(err, ics.ErrChallenge):
		stats.Challenges++
		o.finishFeed(ctx, feed, run, model.FeedStatusCFBlocked, now,
			"anti-bot challenge persisted across retries; feed stays queued for a later pass")
		return
	case err != nil:
		stats.Errors++
		o.finishFeed(ctx, feed, run, model.FeedStatusError, now, err.Error())
		return
	}

	nbytes := len(body)
	run.Bytes = &nbytes

	events, err := ics.Parse(ics.Sanitize(body), o.defaultLoc)
	if err != nil {
		stats.Errors++
		o.finishFeed(ctx, feed, run, model.FeedStatusError, now, err.Error())
		return
	}

	rangeStart, rangeEnd := ics.ExpandWindow(now, o.expandMonths)
	items := ics.Expand(events, ics.ExpandConfig{RangeStart: rangeStart, RangeEnd: rangeEnd})

	parsed := len(items)
	if o.metrics != nil {
		o.metrics.EventsParsed(parsed)
	}

	feedCats := category.SplitRaw(feed.Categories)
	rollup := source.RollupMarker != ""
	ingested := 0

	for _, item := range items {
		sig := itemSignature(item)
		if rollup {
			if _, dup := seen[sig]; dup {
				if o.metrics != nil {
					o.metrics.ItemSkippedDuplicate()
				}
				continue
			}
		}

		rec := model.EventRecord{
			ExternalID:  item.UID,
			Title:       item.Title,
			Description: item.Description,
			Location:    item.Location,
			StartUTC:    item.StartUTC,
			EndUTC:      item.EndUTC,
			ExternalURL: item.URL,
			FallbackURL: fallbackURL(feed),
			Categories:  category.NormalizeTags(append(append([]string{}, item.Categories...), feedCats...)),
		}

		if _, uerr := o.upserter.Upsert(ctx, source, rec); uerr != nil {
			// Contained: one bad item must not sink the feed.
			stats.Errors++
			appLog.Error("event upsert failed", uerr, "feed", feed.ExternalID, "uid", item.UID, "title", item.Title)
			continue
		}

		if rollup {
			seen[sig] = struct{}{}
		}
		ingested++
		stats.EventsIngested++
		if o.metrics != nil {
			o.metrics.EventIngested()
		}
	}

	feed.EventsParsed = &parsed
	feed.EventsIngested = &ingested
	run.EventsParsed = &parsed
	run.EventsIngested = &ingested
	o.finishFeed(ctx, feed, run, model.FeedStatusOK, now, "")
}

func (o *Orchestrator) finishFeed(ctx context.Context, feed *model.SourceFeed, run *model.FetchRun, status string, now time.Time, errMsg string) {
	feed.Status = status
	feed.Error = errMsg
	feed.LastFetchedAt = &now
	if status == model.FeedStatusOK {
		feed.LastSeenAt = &now
	}
	if err := o.store.UpdateFeedOutcome(ctx, feed); err != nil {
		appLog.Error("feed outcome not recorded", err, "feed", feed.ExternalID)
	}

	run.Status = status
	run.Error = errMsg
	finished := o.now().UTC()
	run.FinishedAt = &finished
	if err := o.store.FinishFetchRun(ctx, run); err != nil {
		appLog.Warn("fetch run not finalized", "run", run.ID, "err", err)
	}

	if o.metrics != nil {
		o.metrics.FeedProcessed(status)
	}
}

// orderRollupsLast stably partitions feeds so that feeds matching the
// source's rollup marker come after all per-event feeds.
func orderRollupsLast(feeds []model.SourceFeed, marker string) []model.SourceFeed {
	if marker == "" {
		return feeds
	}
	ordered := make([]model.SourceFeed, 0, len(feeds))
	var rollups []model.SourceFeed
	for _, f := range feeds {
		if isRollupFeed(&f, marker) {
			rollups = append(rollups, f)
			continue
		}
		ordered = append(ordered, f)
	}
	return append(ordered, rollups...)
}

func isRollupFeed(feed *model.SourceFeed, marker string) bool {
	return strings.Contains(feed.ExternalID, marker) ||
		strings.Contains(feed.IcalURL, marker) ||
		strings.Contains(feed.PageURL, marker)
}

// itemSignature is the in-run dedup key for rollup-prone sources: the
// normalized title plus the exact UTC start instant.
func itemSignature(item ics.Item) string {
	return NormalizeTitle(item.Title) + "|" + item.StartUTC.UTC().Format(time.RFC3339)
}

func fallbackURL(feed *model.SourceFeed) string {
	if feed.PageURL != "" {
		return feed.PageURL
	}
	return feed.IcalURL
}
