package venue

import (
	"regexp"
	"strings"
)

// streetSuffixes are the words that mark a comma-separated segment as the
// start of a street address when paired with a number.
var streetSuffixes = map[string]struct{}{
	"st": {}, "street": {},
	"ave": {}, "avenue": {},
	"blvd": {}, "boulevard": {},
	"rd": {}, "road": {},
	"dr": {}, "drive": {},
	"ln": {}, "lane": {},
	"ct": {}, "court": {},
	"cir": {}, "circle": {},
	"pl": {}, "place": {},
	"hwy": {}, "highway": {},
	"pkwy": {}, "parkway": {},
	"ter": {}, "terrace": {},
	"way": {}, "trl": {}, "trail": {},
}

// countrySegments are trailing segments excluded from extracted addresses.
var countrySegments = map[string]struct{}{
	"usa": {}, "us": {}, "united states": {}, "united states of america": {},
}

var digitRe = regexp.MustCompile(`\d`)

// ExtractAddress scans the comma-separated segments of a location string
// for the first segment containing both a number and a street-suffix word,
// and returns the contiguous run of segments from that point up to (but
// excluding) a trailing country segment. Best effort, display-only:
// resolution to a venue is independent of this.
func ExtractAddress(location string) string {
	if strings.TrimSpace(location) == "" {
		return ""
	}

	segments := strings.Split(location, ",")
	start := -1
	for i, seg := range segments {
		if isStreetSegment(seg) {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}

	end := len(segments)
	last := Normalize(segments[end-1])
	if _, isCountry := countrySegments[last]; isCountry {
		end--
	}
	if end <= start {
		return ""
	}

	kept := make([]string, 0, end-start)
	for _, seg := range segments[start:end] {
		kept = append(kept, strings.TrimSpace(seg))
	}
	return strings.Join(kept, ", ")
}

func isStreetSegment(segment string) bool {
	if !digitRe.MatchString(segment) {
		return false
	}
	for _, word := range strings.Fields(Normalize(segment)) {
		if _, ok := streetSuffixes[word]; ok {
			return true
		}
	}
	return false
}
