// Package ingest contains the idempotent upsert engine and the per-source
// feed orchestration loop.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"scenecal/internal/category"
	"scenecal/internal/metrics"
	"scenecal/internal/model"
	"scenecal/internal/store"
	"scenecal/internal/venue"
)

// ErrNotUTC is returned when a producer hands the engine a timestamp that
// is not UTC. This is a caller bug, not an ingestion failure, so it is
// raised immediately instead of being degraded to a count.
var ErrNotUTC = errors.New("ingest: timestamps must be UTC")

const (
	maxSlugLen     = 120
	maxSlugFragLen = 24
)

// Upserter writes event records exactly-once: events dedupe on
// (source_id, external_id), occurrences on (event_id, start). Concurrency
// safety comes from storage uniqueness constraints plus retry-on-conflict,
// not locking.
type Upserter struct {
	store    store.Store
	venues   *venue.Resolver
	registry *category.Registry
	validate *validator.Validate
	metrics  *metrics.Manager

	now func() time.Time
}

func NewUpserter(st store.Store, resolver *venue.Resolver, registry *category.Registry, m *metrics.Manager) *Upserter {
	return &Upserter{
		store:    st,
		venues:   resolver,
		registry: registry,
		validate: validator.New(),
		metrics:  m,
		now:      time.Now,
	}
}

// Upsert resolves rec to an existing event (by stable id, then by the
// semantic (normalized title, start) fallback within the same source),
// creates or updates the event and its occurrence, attaches the resolved
// venue, and applies merged categories. Safe to call any number of times
// with the same record.
func (u *Upserter) Upsert(ctx context.Context, source *model.Source, rec model.EventRecord) (*model.Event, error) {
	if err := u.validate.Struct(rec); err != nil {
		return nil, fmt.Errorf("ingest: invalid event record: %w", err)
	}
	if err := ensureUTC(rec.StartUTC); err != nil {
		return nil, err
	}
	if rec.EndUTC != nil {
		if err := ensureUTC(*rec.EndUTC); err != nil {
			return nil, err
		}
		// A bad end time is discarded rather than rejecting the record.
		if rec.EndUTC.Before(rec.StartUTC) {
			rec.EndUTC = nil
		}
	}

	event, err := u.resolveEvent(ctx, source, rec)
	if err != nil {
		return nil, err
	}

	if err := u.writeOccurrence(ctx, event, rec); err != nil {
		return nil, err
	}

	if err := u.applyCategories(ctx, source, event, rec); err != nil {
		return nil, err
	}

	return event, nil
}

func (u *Upserter) resolveEvent(ctx context.Context, source *model.Source, rec model.EventRecord) (*model.Event, error) {
	var (
		event *model.Event
		err   error
	)

	if rec.ExternalID != "" {
		event, err = u.store.FindEventByExternalID(ctx, source.ID, rec.ExternalID)
		if err != nil {
			return nil, err
		}
	}

	// Semantic fallback: rollup feeds lack stable identifiers, but their
	// items match an already-created event on title + exact start time.
	// Restricted to the same source to bound false-merge risk.
	if event == nil {
		event, err = u.store.FindEventBySignature(ctx, source.ID, NormalizeTitle(rec.Title), rec.StartUTC)
		if err != nil {
			return nil, err
		}
	}

	now := u.now().UTC()
	finalURL := rec.ExternalURL
	if finalURL == "" {
		finalURL = rec.FallbackURL
	}

	if event == nil {
		created := &model.Event{
			SourceID:    source.ID,
			Title:       rec.Title,
			Description: rec.Description,
			Slug:        buildEventSlug(rec.Title, source.ID, rec.ExternalID),
			ExternalID:  rec.ExternalID,
			ExternalURL: finalURL,
			LastSeenAt:  &now,
		}
		err = u.store.CreateEvent(ctx, created)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		// A concurrent writer won the insert race; re-read by the natural
		// key and fall through to update semantics.
		if u.metrics != nil {
			u.metrics.UpsertRaceRecovered()
		}
		event, err = u.reReadEvent(ctx, source.ID, rec)
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, fmt.Errorf("ingest: event insert conflicted but row not found (source %d, external_id %q)", source.ID, rec.ExternalID)
		}
	}

	event.Title = rec.Title
	event.Description = rec.Description
	event.ExternalURL = finalURL
	event.LastSeenAt = &now
	if event.ExternalID == "" && rec.ExternalID != "" {
		// Promote a semantic-key match to identifier-based matching.
		event.ExternalID = rec.ExternalID
	}

	err = u.store.UpdateEvent(ctx, event)
	if errors.Is(err, store.ErrDuplicate) {
		// The external_id backfill collided with an event created in the
		// meantime; prefer the identifier-bearing row.
		if u.metrics != nil {
			u.metrics.UpsertRaceRecovered()
		}
		existing, ferr := u.store.FindEventByExternalID(ctx, source.ID, rec.ExternalID)
		if ferr != nil {
			return nil, ferr
		}
		if existing == nil {
			return nil, err
		}
		existing.Title = rec.Title
		existing.Description = rec.Description
		existing.ExternalURL = finalURL
		existing.LastSeenAt = &now
		if uerr := u.store.UpdateEvent(ctx, existing); uerr != nil {
			return nil, uerr
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (u *Upserter) reReadEvent(ctx context.Context, sourceID int64, rec model.EventRecord) (*model.Event, error) {
	if rec.ExternalID != "" {
		if ev, err := u.store.FindEventByExternalID(ctx, sourceID, rec.ExternalID); err != nil || ev != nil {
			return ev, err
		}
	}
	return u.store.FindEventBySignature(ctx, sourceID, NormalizeTitle(rec.Title), rec.StartUTC)
}

func (u *Upserter) writeOccurrence(ctx context.Context, event *model.Event, rec model.EventRecord) error {
	venueID, err := u.venues.Resolve(ctx, rec.Location)
	if err != nil {
		return err
	}
	address := venue.ExtractAddress(rec.Location)

	occ, err := u.store.FindOccurrence(ctx, event.ID, rec.StartUTC)
	if err != nil {
		return err
	}

	if occ == nil {
		occ = &model.EventOccurrence{
			EventID:      event.ID,
			StartUTC:     rec.StartUTC,
			EndUTC:       rec.EndUTC,
			LocationText: rec.Location,
			AddressText:  address,
			VenueID:      venueID,
		}
		err = u.store.CreateOccurrence(ctx, occ)
		if errors.Is(err, store.ErrDuplicate) {
			if u.metrics != nil {
				u.metrics.UpsertRaceRecovered()
			}
			occ, err = u.store.FindOccurrence(ctx, event.ID, rec.StartUTC)
			if err != nil {
				return err
			}
			if occ == nil {
				return fmt.Errorf("ingest: occurrence insert conflicted but row not found (event %d)", event.ID)
			}
			// fall through to update below
		} else {
			return err
		}
	}

	// Last-write-wins for display fields; only the start time is identity.
	occ.EndUTC = rec.EndUTC
	occ.LocationText = rec.Location
	occ.AddressText = address
	occ.VenueID = venueID
	return u.store.UpdateOccurrence(ctx, occ)
}

// applyCategories attaches the union of explicit, source-default, and
// inferred category names. Runs on every sighting so a later sighting
// carrying categories a first sighting lacked still gets them; duplicate
// links are no-ops.
func (u *Upserter) applyCategories(ctx context.Context, source *model.Source, event *model.Event, rec model.EventRecord) error {
	var names []string
	names = append(names, u.registry.FilterKnown(rec.Categories)...)
	names = append(names, u.registry.FilterKnown(source.DefaultCategories)...)
	names = append(names, u.registry.Infer(rec.Title, rec.Description)...)

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		cat, err := u.store.GetOrCreateCategory(ctx, name, category.Slugify(name))
		if err != nil {
			return err
		}
		if err := u.store.AttachCategory(ctx, event.ID, cat.ID); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeTitle lowercases and collapses whitespace; it is the title half
// of the (title, start) dedup signature.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

func ensureUTC(t time.Time) error {
	if t.IsZero() || t.Location() != time.UTC {
		return ErrNotUTC
	}
	return nil
}

// buildEventSlug derives a globally-unique-enough slug from the title, the
// source id, and a short stable fragment of the external id. Collisions
// are left to the storage layer's unique constraint.
func buildEventSlug(title string, sourceID int64, externalID string) string {
	base := category.Slugify(title)
	if base == "" {
		base = "event"
	}

	frag, _, _ := strings.Cut(externalID, "@")
	frag = category.Slugify(frag)
	if frag == "" {
		frag = "ext"
	}
	frag = truncateSlug(frag, maxSlugFragLen)

	return truncateSlug(fmt.Sprintf("%s-%d-%s", base, sourceID, frag), maxSlugLen)
}

func truncateSlug(value string, maxLen int) string {
	if len(value) <= maxLen {
		return value
	}
	return strings.TrimRight(value[:maxLen], "-")
}
