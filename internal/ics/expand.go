package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "scenecal/internal/log"
)

const defaultMaxOccurrencesPerEvent = 1000

// Item is one concrete occurrence of a calendar event after recurrence
// expansion: the record the ingestion engine consumes.
type Item struct {
	UID         string
	Title       string
	Description string
	Location    string
	URL         string

	StartUTC time.Time
	EndUTC   *time.Time

	Categories []string
}

// ExpandConfig bounds recurrence expansion.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxPerEvent caps expansion of a single rule as a safety net against
	// runaway rules. Zero means defaultMaxOccurrencesPerEvent.
	MaxPerEvent int
}

// ExpandWindow returns the standard expansion window: from yesterday
// through months*30 days ahead of now.
func ExpandWindow(now time.Time, months int) (time.Time, time.Time) {
	start := now.Add(-24 * time.Hour)
	end := now.Add(time.Duration(months) * 30 * 24 * time.Hour)
	return start, end
}

// Expand turns parsed events into concrete items within the window.
// Non-recurring events pass through when they intersect the window;
// RRULE-bearing events are expanded with their EXDATEs and RDATEs applied.
func Expand(events []ParsedEvent, cfg ExpandConfig) []Item {
	if cfg.MaxPerEvent <= 0 {
		cfg.MaxPerEvent = defaultMaxOccurrencesPerEvent
	}

	items := make([]Item, 0, len(events))
	for _, ev := range events {
		if ev.RawRRule == "" {
			if it, ok := expandSingle(ev, cfg); ok {
				items = append(items, it)
			}
			continue
		}
		items = append(items, expandRecurring(ev, cfg)...)
	}
	return items
}

func expandSingle(ev ParsedEvent, cfg ExpandConfig) (Item, bool) {
	end := ev.End
	if end.IsZero() {
		end = ev.Start
	}
	if end.Before(cfg.RangeStart) || ev.Start.After(cfg.RangeEnd) {
		return Item{}, false
	}
	return makeItem(ev, ev.Start), true
}

func expandRecurring(ev ParsedEvent, cfg ExpandConfig) []Item {
	rule, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Warn("unparseable RRULE, skipping expansion", "uid", ev.UID, "rrule", ev.RawRRule, "err", err)
		return nil
	}
	rule.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex)
	}
	for _, rd := range ev.RDates {
		set.RDate(rd)
	}

	starts := set.Between(cfg.RangeStart, cfg.RangeEnd, true)
	if len(starts) > cfg.MaxPerEvent {
		appLog.Warn("occurrence cap hit, truncating", "uid", ev.UID, "cap", cfg.MaxPerEvent)
		starts = starts[:cfg.MaxPerEvent]
	}

	out := make([]Item, 0, len(starts))
	for _, start := range starts {
		out = append(out, makeItem(ev, start.UTC()))
	}
	return out
}

func makeItem(ev ParsedEvent, start time.Time) Item {
	it := Item{
		UID:         ev.UID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		URL:         ev.URL,
		StartUTC:    start,
		Categories:  ev.Categories,
	}

	switch {
	case ev.AllDay:
		end := start.Add(24 * time.Hour)
		it.EndUTC = &end
	case !ev.End.IsZero():
		// Preserve the original duration for expanded occurrences.
		end := start.Add(ev.End.Sub(ev.Start))
		it.EndUTC = &end
	}

	return it
}
