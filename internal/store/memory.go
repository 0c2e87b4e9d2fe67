package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"scenecal/internal/model"
)

// Memory is an in-memory Store with the same uniqueness behavior as the
// Postgres implementation, including ErrDuplicate on constraint hits. It
// backs the engine and orchestrator tests and is usable for dry runs.
type Memory struct {
	mu sync.Mutex

	nextID  int64
	sources map[int64]*model.Source
	feeds   map[int64]*model.SourceFeed

	events      map[int64]*model.Event
	occurrences map[int64]*model.EventOccurrence

	categories      map[int64]*model.Category
	eventCategories map[[2]int64]struct{}

	venues  map[int64]*model.Venue
	aliases map[int64]*model.VenueAlias

	runs map[string]*model.FetchRun
}

func NewMemory() *Memory {
	return &Memory{
		sources:         make(map[int64]*model.Source),
		feeds:           make(map[int64]*model.SourceFeed),
		events:          make(map[int64]*model.Event),
		occurrences:     make(map[int64]*model.EventOccurrence),
		categories:      make(map[int64]*model.Category),
		eventCategories: make(map[[2]int64]struct{}),
		venues:          make(map[int64]*model.Venue),
		aliases:         make(map[int64]*model.VenueAlias),
		runs:            make(map[string]*model.FetchRun),
	}
}

func (m *Memory) nextID64() int64 {
	m.nextID++
	return m.nextID
}

// ---------------------------------------------------------------------------
// Seed helpers for tests and dry runs
// ---------------------------------------------------------------------------

func (m *Memory) AddSource(src model.Source) *model.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src.ID == 0 {
		src.ID = m.nextID64()
	}
	copied := src
	m.sources[copied.ID] = &copied
	return &copied
}

func (m *Memory) AddFeed(feed model.SourceFeed) *model.SourceFeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if feed.ID == 0 {
		feed.ID = m.nextID64()
	}
	if feed.Status == "" {
		feed.Status = model.FeedStatusNew
	}
	copied := feed
	m.feeds[copied.ID] = &copied
	return &copied
}

func (m *Memory) AddVenue(v model.Venue) *model.Venue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == 0 {
		v.ID = m.nextID64()
	}
	copied := v
	m.venues[copied.ID] = &copied
	return &copied
}

func (m *Memory) AddAlias(a model.VenueAlias) *model.VenueAlias {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		a.ID = m.nextID64()
	}
	copied := a
	m.aliases[copied.ID] = &copied
	return &copied
}

// EventCount and OccurrenceCount let tests assert idempotence without
// reaching into internals.
func (m *Memory) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *Memory) OccurrenceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.occurrences)
}

func (m *Memory) CategoryLinkCount(eventID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.eventCategories {
		if key[0] == eventID {
			n++
		}
	}
	return n
}

func (m *Memory) Feed(id int64) *model.SourceFeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.feeds[id]; ok {
		copied := *f
		return &copied
	}
	return nil
}

func (m *Memory) FetchRuns() []model.FetchRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.FetchRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ---------------------------------------------------------------------------
// Store implementation
// ---------------------------------------------------------------------------

func (m *Memory) GetSource(_ context.Context, id int64) (*model.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *src
	return &copied, nil
}

func (m *Memory) ListSourcesByType(_ context.Context, sourceType string) ([]model.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Source
	for _, src := range m.sources {
		if src.Type == sourceType {
			out = append(out, *src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListPendingFeeds(_ context.Context, sourceID int64, limit int) ([]model.SourceFeed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SourceFeed
	for _, f := range m.feeds {
		if f.SourceID == sourceID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateFeedOutcome(_ context.Context, feed *model.SourceFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.feeds[feed.ID]
	if !ok {
		return ErrNotFound
	}
	*existing = *feed
	return nil
}

func (m *Memory) FindEventByExternalID(_ context.Context, sourceID int64, externalID string) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findEventByExternalLocked(sourceID, externalID), nil
}

func (m *Memory) findEventByExternalLocked(sourceID int64, externalID string) *model.Event {
	if externalID == "" {
		return nil
	}
	for _, ev := range m.events {
		if ev.SourceID == sourceID && ev.ExternalID == externalID {
			copied := *ev
			return &copied
		}
	}
	return nil
}

func (m *Memory) FindEventBySignature(_ context.Context, sourceID int64, normalizedTitle string, startUTC time.Time) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *model.Event
	for _, occ := range m.occurrences {
		if !occ.StartUTC.Equal(startUTC) {
			continue
		}
		ev, ok := m.events[occ.EventID]
		if !ok || ev.SourceID != sourceID {
			continue
		}
		if normalizeWhitespaceLower(ev.Title) != normalizedTitle {
			continue
		}
		if best == nil || ev.ID < best.ID {
			best = ev
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (m *Memory) CreateEvent(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findEventByExternalLocked(ev.SourceID, ev.ExternalID) != nil {
		return ErrDuplicate
	}
	for _, existing := range m.events {
		if existing.Slug == ev.Slug {
			return ErrDuplicate
		}
	}

	ev.ID = m.nextID64()
	copied := *ev
	m.events[copied.ID] = &copied
	return nil
}

func (m *Memory) UpdateEvent(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.events[ev.ID]
	if !ok {
		return ErrNotFound
	}
	if ev.ExternalID != "" {
		for _, other := range m.events {
			if other.ID != ev.ID && other.SourceID == ev.SourceID && other.ExternalID == ev.ExternalID {
				return ErrDuplicate
			}
		}
	}
	*existing = *ev
	return nil
}

func (m *Memory) FindOccurrence(_ context.Context, eventID int64, startUTC time.Time) (*model.EventOccurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, occ := range m.occurrences {
		if occ.EventID == eventID && occ.StartUTC.Equal(startUTC) {
			copied := *occ
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateOccurrence(_ context.Context, occ *model.EventOccurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.occurrences {
		if existing.EventID == occ.EventID && existing.StartUTC.Equal(occ.StartUTC) {
			return ErrDuplicate
		}
	}
	occ.ID = m.nextID64()
	copied := *occ
	m.occurrences[copied.ID] = &copied
	return nil
}

func (m *Memory) UpdateOccurrence(_ context.Context, occ *model.EventOccurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.occurrences[occ.ID]
	if !ok {
		return ErrNotFound
	}
	*existing = *occ
	return nil
}

func (m *Memory) GetOrCreateCategory(_ context.Context, name, slug string) (*model.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cat := range m.categories {
		if cat.Name == name {
			copied := *cat
			return &copied, nil
		}
	}
	cat := &model.Category{ID: m.nextID64(), Name: name, Slug: slug}
	m.categories[cat.ID] = cat
	copied := *cat
	return &copied, nil
}

func (m *Memory) AttachCategory(_ context.Context, eventID, categoryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCategories[[2]int64{eventID, categoryID}] = struct{}{}
	return nil
}

func (m *Memory) GetAliasByNormalized(_ context.Context, normalized string) (*model.VenueAlias, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.aliases {
		if a.AliasNormalized == normalized {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListVenueAliases(_ context.Context) ([]model.VenueAlias, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.VenueAlias, 0, len(m.aliases))
	for _, a := range m.aliases {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListVenues(_ context.Context) ([]model.Venue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Venue, 0, len(m.venues))
	for _, v := range m.venues {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) StartFetchRun(_ context.Context, run *model.FetchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *run
	m.runs[copied.ID] = &copied
	return nil
}

func (m *Memory) FinishFetchRun(_ context.Context, run *model.FetchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *run
	m.runs[copied.ID] = &copied
	return nil
}

func normalizeWhitespaceLower(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
