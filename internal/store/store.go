// Package store defines the repository boundary for the ingestion engine
// and its Postgres and in-memory implementations.
//
// Find methods return (nil, nil) when no row matches; errors are reserved
// for storage failures. Create methods return ErrDuplicate when a
// uniqueness constraint rejects the row, which is how the upsert engine
// detects that a concurrent writer won an insert race.
package store

import (
	"context"
	"errors"
	"time"

	"scenecal/internal/model"
)

var (
	// ErrDuplicate maps a storage-level uniqueness violation.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrNotFound is returned by Get methods for missing rows.
	ErrNotFound = errors.New("store: not found")
)

// Store is everything the ingestion pipeline needs from persistence.
type Store interface {
	// Sources and feeds.
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	ListSourcesByType(ctx context.Context, sourceType string) ([]model.Source, error)
	ListPendingFeeds(ctx context.Context, sourceID int64, limit int) ([]model.SourceFeed, error)
	UpdateFeedOutcome(ctx context.Context, feed *model.SourceFeed) error

	// Events.
	FindEventByExternalID(ctx context.Context, sourceID int64, externalID string) (*model.Event, error)
	FindEventBySignature(ctx context.Context, sourceID int64, normalizedTitle string, startUTC time.Time) (*model.Event, error)
	CreateEvent(ctx context.Context, ev *model.Event) error
	UpdateEvent(ctx context.Context, ev *model.Event) error

	// Occurrences.
	FindOccurrence(ctx context.Context, eventID int64, startUTC time.Time) (*model.EventOccurrence, error)
	CreateOccurrence(ctx context.Context, occ *model.EventOccurrence) error
	UpdateOccurrence(ctx context.Context, occ *model.EventOccurrence) error

	// Categories.
	GetOrCreateCategory(ctx context.Context, name, slug string) (*model.Category, error)
	AttachCategory(ctx context.Context, eventID, categoryID int64) error

	// Venues.
	GetAliasByNormalized(ctx context.Context, normalized string) (*model.VenueAlias, error)
	ListVenueAliases(ctx context.Context) ([]model.VenueAlias, error)
	ListVenues(ctx context.Context) ([]model.Venue, error)

	// Fetch runs.
	StartFetchRun(ctx context.Context, run *model.FetchRun) error
	FinishFetchRun(ctx context.Context, run *model.FetchRun) error
}
