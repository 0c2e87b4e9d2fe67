package model

import "time"

// Feed statuses recorded by the orchestrator after each pass.
const (
	FeedStatusNew       = "new"
	FeedStatusOK        = "ok"
	FeedStatusError     = "error"
	FeedStatusCFBlocked = "cf_blocked"
)

// Fetch-run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusOK        = "ok"
	RunStatusError     = "error"
	RunStatusCFBlocked = "cf_blocked"
)

// Source is an external event provider. A source owns zero or more feeds.
type Source struct {
	ID   int64
	Name string
	Type string // e.g. "ical", "html"
	URL  string
	Slug string

	// DefaultCategories are applied to every event ingested from this
	// source, in addition to explicit and inferred categories.
	DefaultCategories []string

	// RollupMarker identifies aggregated feeds for sources that publish
	// one rollup feed alongside per-event feeds. A feed whose external id
	// or URLs contain the marker is processed last and deduplicated by
	// signature within a run. Empty means the source has no rollup feed.
	RollupMarker string
}

// SourceFeed is one discoverable calendar URL belonging to a source.
//
// ExternalID is a stable handle chosen by the discovery step (e.g.
// "mustdo:event-slug" or "2025-01" for monthly feeds), unique per source.
// It is NOT the calendar item's own UID; that lives on Event.ExternalID.
type SourceFeed struct {
	ID       int64
	SourceID int64

	ExternalID string
	PageURL    string
	IcalURL    string

	Status        string // new|ok|error|cf_blocked
	LastSeenAt    *time.Time
	LastFetchedAt *time.Time

	EventsParsed   *int
	EventsIngested *int
	Error          string

	// Categories holds comma-separated category names applied to every
	// event ingested from this feed.
	Categories string
}

// Event is a deduplicated logical event.
//
// ExternalID is typically the calendar item UID. It is nullable, but when
// present it is unique per source (partial unique index), which is what
// makes re-ingestion idempotent.
type Event struct {
	ID       int64
	SourceID int64

	Title       string
	Description string
	Slug        string

	ExternalID  string // empty means no stable identifier yet
	ExternalURL string

	Hidden     bool
	LastSeenAt *time.Time
}

// EventOccurrence is one concrete start instant of an event. Identity is
// (event_id, start_datetime_utc); only the start time is immutable.
type EventOccurrence struct {
	ID      int64
	EventID int64

	StartUTC time.Time
	EndUTC   *time.Time

	LocationText string
	AddressText  string
	VenueID      *int64
}

// Category is one entry of the controlled vocabulary.
type Category struct {
	ID   int64
	Name string
	Slug string
}

// Venue is a canonical place record.
type Venue struct {
	ID      int64
	Name    string
	Address string
	Slug    string
}

// VenueAlias maps a free-text spelling (normalized) to a venue.
type VenueAlias struct {
	ID              int64
	VenueID         int64
	Alias           string
	AliasNormalized string
}

// FetchRun records one per-feed fetch attempt for external monitoring.
type FetchRun struct {
	ID       string // uuid
	SourceID int64
	FetchURL string

	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string // running|ok|error|cf_blocked

	HTTPStatus     *int
	Bytes          *int
	EventsParsed   *int
	EventsIngested *int
	Error          string
}

// EventRecord is the boundary contract between any producer (calendar
// pipeline, HTML scrapers, ingest bridges) and the upsert engine. Start and
// end times must be UTC.
type EventRecord struct {
	ExternalID  string     `json:"external_id"`
	Title       string     `json:"title" validate:"required"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartUTC    time.Time  `json:"start_utc" validate:"required"`
	EndUTC      *time.Time `json:"end_utc,omitempty"`
	ExternalURL string     `json:"external_url,omitempty"`
	FallbackURL string     `json:"-"`
	Categories  []string   `json:"categories"`
}
