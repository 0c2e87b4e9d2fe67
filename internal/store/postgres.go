package store

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"scenecal/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store on a pgx connection pool.
//
// Writes commit per statement: every operation of the upsert engine is
// idempotent, so an interrupted pass is safe to re-run and a duplicate-key
// insert fails alone without poisoning an enclosing transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Migrate applies the embedded schema. All statements are idempotent.
// Statements run one at a time; pgx's extended protocol rejects
// multi-statement strings.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// isDuplicate reports a unique-constraint violation (SQLSTATE 23505).
func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// ---------------------------------------------------------------------------
// Sources and feeds
// ---------------------------------------------------------------------------

func (p *Postgres) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	var (
		src         model.Source
		defaultCats string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, type, url, slug, default_categories, rollup_marker
		   FROM sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.Name, &src.Type, &src.URL, &src.Slug, &defaultCats, &src.RollupMarker)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	src.DefaultCategories = splitCSV(defaultCats)
	return &src, nil
}

func (p *Postgres) ListSourcesByType(ctx context.Context, sourceType string) ([]model.Source, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, type, url, slug, default_categories, rollup_marker
		   FROM sources WHERE type = $1 ORDER BY id`, sourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var (
			src         model.Source
			defaultCats string
		)
		if err := rows.Scan(&src.ID, &src.Name, &src.Type, &src.URL, &src.Slug, &defaultCats, &src.RollupMarker); err != nil {
			return nil, err
		}
		src.DefaultCategories = splitCSV(defaultCats)
		out = append(out, src)
	}
	return out, rows.Err()
}

func (p *Postgres) ListPendingFeeds(ctx context.Context, sourceID int64, limit int) ([]model.SourceFeed, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, source_id, external_id, COALESCE(page_url, ''), ical_url,
		        status, last_seen_at, last_fetched_at,
		        events_parsed, events_ingested,
		        COALESCE(error, ''), COALESCE(categories, '')
		   FROM source_feeds
		  WHERE source_id = $1
		  ORDER BY id
		  LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SourceFeed
	for rows.Next() {
		var f model.SourceFeed
		if err := rows.Scan(
			&f.ID, &f.SourceID, &f.ExternalID, &f.PageURL, &f.IcalURL,
			&f.Status, &f.LastSeenAt, &f.LastFetchedAt,
			&f.EventsParsed, &f.EventsIngested,
			&f.Error, &f.Categories,
		); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateFeedOutcome(ctx context.Context, feed *model.SourceFeed) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE source_feeds
		    SET status = $2, last_seen_at = $3, last_fetched_at = $4,
		        events_parsed = $5, events_ingested = $6, error = NULLIF($7, '')
		  WHERE id = $1`,
		feed.ID, feed.Status, feed.LastSeenAt, feed.LastFetchedAt,
		feed.EventsParsed, feed.EventsIngested, feed.Error)
	return err
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (p *Postgres) FindEventByExternalID(ctx context.Context, sourceID int64, externalID string) (*model.Event, error) {
	return p.scanEvent(p.pool.QueryRow(ctx,
		`SELECT id, source_id, title, COALESCE(description, ''), slug,
		        COALESCE(external_id, ''), COALESCE(external_url, ''), hidden, last_seen_at
		   FROM events WHERE source_id = $1 AND external_id = $2`,
		sourceID, externalID))
}

func (p *Postgres) FindEventBySignature(ctx context.Context, sourceID int64, normalizedTitle string, startUTC time.Time) (*model.Event, error) {
	return p.scanEvent(p.pool.QueryRow(ctx,
		`SELECT e.id, e.source_id, e.title, COALESCE(e.description, ''), e.slug,
		        COALESCE(e.external_id, ''), COALESCE(e.external_url, ''), e.hidden, e.last_seen_at
		   FROM events e
		   JOIN event_occurrences o ON o.event_id = e.id
		  WHERE e.source_id = $1
		    AND lower(regexp_replace(btrim(e.title), '\s+', ' ', 'g')) = $2
		    AND o.start_datetime_utc = $3
		  ORDER BY e.id
		  LIMIT 1`,
		sourceID, normalizedTitle, startUTC))
}

func (p *Postgres) scanEvent(row pgx.Row) (*model.Event, error) {
	var ev model.Event
	err := row.Scan(&ev.ID, &ev.SourceID, &ev.Title, &ev.Description, &ev.Slug,
		&ev.ExternalID, &ev.ExternalURL, &ev.Hidden, &ev.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (p *Postgres) CreateEvent(ctx context.Context, ev *model.Event) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO events (source_id, title, description, slug, external_id, external_url, hidden, last_seen_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		 RETURNING id`,
		ev.SourceID, ev.Title, ev.Description, ev.Slug, ev.ExternalID, ev.ExternalURL, ev.Hidden, ev.LastSeenAt,
	).Scan(&ev.ID)
	return mapWriteErr(err)
}

func (p *Postgres) UpdateEvent(ctx context.Context, ev *model.Event) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE events
		    SET title = $2, description = NULLIF($3, ''), external_id = NULLIF($4, ''),
		        external_url = NULLIF($5, ''), last_seen_at = $6
		  WHERE id = $1`,
		ev.ID, ev.Title, ev.Description, ev.ExternalID, ev.ExternalURL, ev.LastSeenAt)
	return mapWriteErr(err)
}

// ---------------------------------------------------------------------------
// Occurrences
// ---------------------------------------------------------------------------

func (p *Postgres) FindOccurrence(ctx context.Context, eventID int64, startUTC time.Time) (*model.EventOccurrence, error) {
	var occ model.EventOccurrence
	err := p.pool.QueryRow(ctx,
		`SELECT id, event_id, start_datetime_utc, end_datetime_utc,
		        COALESCE(location_text, ''), COALESCE(address_text, ''), venue_id
		   FROM event_occurrences
		  WHERE event_id = $1 AND start_datetime_utc = $2`,
		eventID, startUTC,
	).Scan(&occ.ID, &occ.EventID, &occ.StartUTC, &occ.EndUTC,
		&occ.LocationText, &occ.AddressText, &occ.VenueID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &occ, nil
}

func (p *Postgres) CreateOccurrence(ctx context.Context, occ *model.EventOccurrence) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO event_occurrences
		        (event_id, start_datetime_utc, end_datetime_utc, location_text, address_text, venue_id)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		 RETURNING id`,
		occ.EventID, occ.StartUTC, occ.EndUTC, occ.LocationText, occ.AddressText, occ.VenueID,
	).Scan(&occ.ID)
	return mapWriteErr(err)
}

func (p *Postgres) UpdateOccurrence(ctx context.Context, occ *model.EventOccurrence) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE event_occurrences
		    SET end_datetime_utc = $2, location_text = NULLIF($3, ''),
		        address_text = NULLIF($4, ''), venue_id = $5
		  WHERE id = $1`,
		occ.ID, occ.EndUTC, occ.LocationText, occ.AddressText, occ.VenueID)
	return err
}

// ---------------------------------------------------------------------------
// Categories
// ---------------------------------------------------------------------------

func (p *Postgres) GetOrCreateCategory(ctx context.Context, name, slug string) (*model.Category, error) {
	cat := &model.Category{Name: name, Slug: slug}

	err := p.pool.QueryRow(ctx,
		`SELECT id FROM categories WHERE name = $1`, name).Scan(&cat.ID)
	if err == nil {
		return cat, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	err = p.pool.QueryRow(ctx,
		`INSERT INTO categories (name, slug) VALUES ($1, $2) RETURNING id`,
		name, slug).Scan(&cat.ID)
	if isDuplicate(err) {
		// Concurrent creator won; re-read.
		err = p.pool.QueryRow(ctx,
			`SELECT id FROM categories WHERE name = $1`, name).Scan(&cat.ID)
	}
	if err != nil {
		return nil, err
	}
	return cat, nil
}

func (p *Postgres) AttachCategory(ctx context.Context, eventID, categoryID int64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO event_categories (event_id, category_id)
		 VALUES ($1, $2)
		 ON CONFLICT ON CONSTRAINT uq_event_category DO NOTHING`,
		eventID, categoryID)
	return err
}

// ---------------------------------------------------------------------------
// Venues
// ---------------------------------------------------------------------------

func (p *Postgres) GetAliasByNormalized(ctx context.Context, normalized string) (*model.VenueAlias, error) {
	var a model.VenueAlias
	err := p.pool.QueryRow(ctx,
		`SELECT id, venue_id, alias, alias_normalized
		   FROM venue_aliases WHERE alias_normalized = $1`, normalized,
	).Scan(&a.ID, &a.VenueID, &a.Alias, &a.AliasNormalized)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) ListVenueAliases(ctx context.Context) ([]model.VenueAlias, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, venue_id, alias, alias_normalized FROM venue_aliases`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.VenueAlias
	for rows.Next() {
		var a model.VenueAlias
		if err := rows.Scan(&a.ID, &a.VenueID, &a.Alias, &a.AliasNormalized); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) ListVenues(ctx context.Context) ([]model.Venue, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, COALESCE(address, ''), slug FROM venues`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Venue
	for rows.Next() {
		var v model.Venue
		if err := rows.Scan(&v.ID, &v.Name, &v.Address, &v.Slug); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Fetch runs
// ---------------------------------------------------------------------------

func (p *Postgres) StartFetchRun(ctx context.Context, run *model.FetchRun) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO source_fetch_runs (id, source_id, fetch_url, started_at, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.SourceID, run.FetchURL, run.StartedAt, run.Status)
	return err
}

func (p *Postgres) FinishFetchRun(ctx context.Context, run *model.FetchRun) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE source_fetch_runs
		    SET finished_at = $2, status = $3, http_status = $4, bytes = $5,
		        events_parsed = $6, events_ingested = $7, error = NULLIF($8, '')
		  WHERE id = $1`,
		run.ID, run.FinishedAt, run.Status, run.HTTPStatus, run.Bytes,
		run.EventsParsed, run.EventsIngested, run.Error)
	return err
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
