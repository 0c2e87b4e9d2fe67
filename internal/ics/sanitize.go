package ics

import (
	"bytes"
	"strings"

	appLog "scenecal/internal/log"
)

// Known upstream feed defects repaired before parsing:
//
//  1. A "no end date" sentinel emitted as a DTEND with a negative year
//     (e.g. "DTEND:-47120101T235959"), which breaks date parsing for the
//     whole item.
//  2. An empty recurrence-termination parameter ("RRULE:...;UNTIL=;...").
//     The rule still looks well-formed, but expansion of it silently
//     yields zero occurrences, which is indistinguishable from "no
//     events" downstream.
//
// Both come from the same feed generator and neither raises a parse
// error on its own, so they are stripped textually here.

// Sanitize repairs known structural defects in a raw calendar payload.
// The transformation is purely textual and line-based; unknown content
// passes through untouched.
func Sanitize(body []byte) []byte {
	lines := bytes.Split(body, []byte("\n"))
	out := make([][]byte, 0, len(lines))

	dropped := 0
	repaired := 0

	for _, line := range lines {
		trimmed := strings.TrimRight(string(line), "\r")

		if isNegativeDateLine(trimmed) {
			dropped++
			continue
		}

		if strings.HasPrefix(trimmed, "RRULE") && strings.Contains(trimmed, "UNTIL=") {
			fixed, changed := stripEmptyUntil(trimmed)
			if changed {
				repaired++
				trimmed = fixed
			}
		}

		out = append(out, []byte(trimmed))
	}

	if dropped > 0 || repaired > 0 {
		appLog.Debug("sanitized calendar payload",
			"sentinel_lines_dropped", dropped,
			"rrules_repaired", repaired,
		)
	}

	return bytes.Join(out, []byte("\r\n"))
}

// isNegativeDateLine reports whether the line is a DTSTART/DTEND property
// carrying a negative-year sentinel value such as "-47120101T235959".
func isNegativeDateLine(line string) bool {
	if !strings.HasPrefix(line, "DTEND") && !strings.HasPrefix(line, "DTSTART") {
		return false
	}
	i := strings.Index(line, ":")
	if i < 0 {
		return false
	}
	return strings.HasPrefix(line[i+1:], "-")
}

// stripEmptyUntil removes an "UNTIL=" parameter with no value from an
// RRULE line. Returns the rewritten line and whether anything changed.
func stripEmptyUntil(line string) (string, bool) {
	i := strings.Index(line, ":")
	if i < 0 {
		return line, false
	}
	prefix, value := line[:i], line[i+1:]

	parts := strings.Split(value, ";")
	kept := parts[:0]
	changed := false
	for _, part := range parts {
		if strings.EqualFold(part, "UNTIL=") {
			changed = true
			continue
		}
		kept = append(kept, part)
	}
	if !changed {
		return line, false
	}
	return prefix + ":" + strings.Join(kept, ";"), true
}
