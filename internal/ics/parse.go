package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"scenecal/internal/category"
	appLog "scenecal/internal/log"
)

// ParsedEvent is the normalized representation of a VEVENT as produced by
// the parser. All times are UTC; recurrence data is kept raw and expanded
// in expand.go. No downstream component touches the parser library's
// property objects.
type ParsedEvent struct {
	UID string

	Summary     string
	Description string
	Location    string
	URL         string

	Start  time.Time // UTC
	End    time.Time // UTC, zero when the item has no usable end
	AllDay bool

	Categories []string

	RawRRule string
	ExDates  []time.Time
	RDates   []time.Time
}

// Parse parses a sanitized calendar payload into a list of ParsedEvent.
//
// Timezone coercion (defaultLoc is the configured local zone):
//   - date-only values become local midnight, then convert to UTC
//   - naive date-times are assumed to be in defaultLoc
//   - zone-aware values (Z suffix or TZID) convert directly
//
// Items without a UID are dropped: deduplication downstream requires a
// stable identifier. Per-item failures are logged and skip only that item.
func Parse(body []byte, defaultLoc *time.Location) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty calendar body")
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, defaultLoc)
		if perr != nil {
			appLog.Warn("skipping calendar item", "err", perr)
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

func parseVEvent(ve *ical.VEvent, defaultLoc *time.Location) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = strings.TrimSpace(p.Value)
	}
	if out.Summary == "" {
		out.Summary = "(Untitled)"
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyUrl); p != nil {
		out.URL = strings.TrimSpace(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := coerceToUTC(dtStart, defaultLoc)
	if err != nil {
		return out, err
	}
	out.Start = start
	out.AllDay = allDay

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, _, eerr := coerceToUTC(dtEnd, defaultLoc)
		if eerr != nil {
			// A bad end date does not invalidate the item.
			appLog.Warn("unparseable DTEND, dropping end time", "uid", out.UID, "err", eerr)
		} else {
			out.End = end
		}
	}

	var rawCategories []string
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		rawCategories = append(rawCategories, p.Value)
	}
	out.Categories = category.NormalizeTags(rawCategories)

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		out.ExDates = append(out.ExDates, parseDateList(p, defaultLoc)...)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyRdate) {
		out.RDates = append(out.RDates, parseDateList(p, defaultLoc)...)
	}

	return out, nil
}

// coerceToUTC converts a DTSTART/DTEND property into a UTC time, honoring
// VALUE=DATE, TZID, the trailing-Z UTC form, and the naive local form.
// The second return value reports all-day (date-only) semantics.
func coerceToUTC(p *ical.IANAProperty, defaultLoc *time.Location) (time.Time, bool, error) {
	value := strings.TrimSpace(p.Value)
	if value == "" {
		return time.Time{}, false, errors.New("empty date value")
	}

	loc := defaultLoc
	if params := p.ICalParameters; params != nil {
		if tzids, ok := params["TZID"]; ok && len(tzids) > 0 {
			if l, err := time.LoadLocation(tzids[0]); err == nil {
				loc = l
			}
		}
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			t, err := time.ParseInLocation("20060102", value, defaultLoc)
			if err != nil {
				return time.Time{}, false, err
			}
			return t.UTC(), true, nil
		}
	}

	// Date-only without VALUE=DATE (no time part).
	if !strings.Contains(value, "T") {
		t, err := time.ParseInLocation("20060102", value, defaultLoc)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), true, nil
	}

	// UTC form, e.g. 20250101T090000Z.
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), false, nil
	}

	// Zone-aware (TZID) or naive local date-time.
	t, err := time.ParseInLocation("20060102T150405", value, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

// parseDateList parses a comma-separated EXDATE/RDATE property into UTC
// times. Unparseable entries are skipped.
func parseDateList(p *ical.IANAProperty, defaultLoc *time.Location) []time.Time {
	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		single := *p
		single.Value = part
		if t, _, err := coerceToUTC(&single, defaultLoc); err == nil {
			out = append(out, t)
		}
	}
	return out
}
