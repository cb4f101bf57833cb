// Package postgres persists imported content into Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/country-content-importer/internal/hash/sha256"
	"github.com/JakeFAU/country-content-importer/internal/importer"
)

const uniqueViolation = "23505"

// slugColumns whitelists the per-language slug columns on countries.
var slugColumns = map[string]string{
	"en": "slug_en",
	"de": "slug_de",
}

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbtx is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements importer.Store. A Store bound to a transaction turns
// every nested Begin into a savepoint.
type Store struct {
	db     dbtx
	logger *zap.Logger
	now    func() time.Time
}

var _ importer.Store = (*Store)(nil)

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithDB(pool, logger), nil
}

// NewStoreWithDB wraps an existing pool or transaction (primarily for testing).
func NewStoreWithDB(db dbtx, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	p, ok := s.db.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if c, ok := s.db.(interface{ Close() }); ok {
		c.Close()
	}
}

// WithTx runs fn against a Store bound to one transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(importer.Store) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return wrap("begin unit transaction", err)
	}
	if err := fn(&Store{db: tx, logger: s.logger, now: s.now}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("rollback unit transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit unit transaction", err)
	}
	return nil
}

// UpsertLanguage writes a language row keyed by code.
func (s *Store) UpsertLanguage(ctx context.Context, code, name string) error {
	if _, err := s.db.Exec(ctx, `
INSERT INTO languages (code, name)
VALUES ($1, $2)
ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name`, code, name); err != nil {
		return wrap("upsert language "+code, err)
	}
	return nil
}

// UpsertContentType writes a taxonomy row and returns its id.
func (s *Store) UpsertContentType(ctx context.Context, key importer.SectionKey, nameEN string) (int64, error) {
	var id int64
	if err := s.db.QueryRow(ctx, `
INSERT INTO content_types (key, name_en)
VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET name_en = EXCLUDED.name_en
RETURNING id`, string(key), nameEN).Scan(&id); err != nil {
		return 0, wrap("upsert content type "+string(key), err)
	}
	return id, nil
}

// UpsertEntity writes the catalog row for entity and returns its id and stored
// identifier. A known identifier is never cleared by an entry that lacks one.
func (s *Store) UpsertEntity(ctx context.Context, entity importer.Entity) (int64, string, error) {
	var (
		id         int64
		identifier string
	)
	if err := s.db.QueryRow(ctx, `
INSERT INTO countries (iso_code, name_en, continent, has_subregions, wikidata_id)
VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''))
ON CONFLICT (iso_code) DO UPDATE SET
	name_en = EXCLUDED.name_en,
	continent = COALESCE(EXCLUDED.continent, countries.continent),
	has_subregions = EXCLUDED.has_subregions,
	wikidata_id = COALESCE(EXCLUDED.wikidata_id, countries.wikidata_id),
	updated_at = CURRENT_TIMESTAMP
RETURNING id, COALESCE(wikidata_id, '')`,
		entity.Code, entity.Name, entity.Continent, entity.HasSubregions, entity.Identifier,
	).Scan(&id, &identifier); err != nil {
		return 0, "", wrap("upsert entity "+entity.Code, err)
	}
	return id, identifier, nil
}

// UpdateEntityIdentifier stores a discovered identifier when it differs.
func (s *Store) UpdateEntityIdentifier(ctx context.Context, entityID int64, identifier string) error {
	if identifier == "" {
		return nil
	}
	if _, err := s.db.Exec(ctx, `
UPDATE countries SET wikidata_id = $1, updated_at = CURRENT_TIMESTAMP
WHERE id = $2 AND (wikidata_id IS NULL OR wikidata_id <> $1)`, identifier, entityID); err != nil {
		return wrap("update identifier", err)
	}
	return nil
}

// UpdateEntitySlug writes the slug column for lang. Languages without a slug
// column are ignored.
func (s *Store) UpdateEntitySlug(ctx context.Context, entityID int64, lang, slug string) error {
	column, ok := slugColumns[lang]
	if !ok || slug == "" {
		return nil
	}
	query := fmt.Sprintf(`UPDATE countries SET %s = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, column)
	if _, err := s.db.Exec(ctx, query, slug, entityID); err != nil {
		return wrap("update slug "+lang, err)
	}
	return nil
}

// CachedTitle returns the stored localized title, if any.
func (s *Store) CachedTitle(ctx context.Context, entityID int64, lang string) (string, bool, error) {
	var title string
	err := s.db.QueryRow(ctx, `
SELECT title FROM wikipedia_titles WHERE country_id = $1 AND language_code = $2`,
		entityID, lang).Scan(&title)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, wrap("read cached title", err)
	}
	return title, true, nil
}

// SaveTitle caches a resolved localized title.
func (s *Store) SaveTitle(ctx context.Context, entityID int64, lang, title string) error {
	if title == "" {
		return nil
	}
	if _, err := s.db.Exec(ctx, `
INSERT INTO wikipedia_titles (country_id, language_code, title, updated_at)
VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
ON CONFLICT (country_id, language_code)
DO UPDATE SET title = EXCLUDED.title, updated_at = CURRENT_TIMESTAMP`,
		entityID, lang, title); err != nil {
		return wrap("save title", err)
	}
	return nil
}

// UpsertSection writes a localized section. The row, including updated_at, is
// left alone when the stored hash already matches.
func (s *Store) UpsertSection(ctx context.Context, section importer.Section) (importer.WriteOutcome, error) {
	if section.Body == "" {
		return importer.WriteNoChange, nil
	}
	var inserted bool
	err := s.db.QueryRow(ctx, `
INSERT INTO localized_contents (
	country_id, language_code, content_type_id, content, source_url, content_hash, updated_at
) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NOW())
ON CONFLICT ON CONSTRAINT uq_localized_content DO UPDATE SET
	content = EXCLUDED.content,
	source_url = EXCLUDED.source_url,
	content_hash = EXCLUDED.content_hash,
	updated_at = NOW()
WHERE localized_contents.content_hash IS DISTINCT FROM EXCLUDED.content_hash
RETURNING (xmax = 0)`,
		section.EntityID, section.Language, section.ContentTypeID,
		section.Body, section.SourceURL, sha256.Sum([]byte(section.Body)),
	).Scan(&inserted)

	outcome := importer.WriteUpdate
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		outcome = importer.WriteNoChange
	case err != nil:
		return "", wrap("upsert section", err)
	case inserted:
		outcome = importer.WriteInsert
	}
	s.logger.Debug("section written",
		zap.Int64("entity_id", section.EntityID),
		zap.String("lang", section.Language),
		zap.Int64("content_type_id", section.ContentTypeID),
		zap.String("outcome", string(outcome)),
	)
	return outcome, nil
}

// UpsertFact writes a structured fact, always overwriting.
func (s *Store) UpsertFact(ctx context.Context, entityID int64, lang string, fact importer.Fact) error {
	if fact.Value == "" {
		return nil
	}
	if _, err := s.db.Exec(ctx, `
INSERT INTO country_facts (country_id, language_code, key, value, unit, last_updated)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), CURRENT_TIMESTAMP)
ON CONFLICT (country_id, language_code, key)
DO UPDATE SET value = EXCLUDED.value, unit = EXCLUDED.unit, last_updated = CURRENT_TIMESTAMP`,
		entityID, lang, fact.Key, fact.Value, fact.Unit); err != nil {
		return wrap("upsert fact "+fact.Key, err)
	}
	return nil
}

// InsertMedia adds a media asset unless one with the same url already exists
// for the unit. The insert runs under its own savepoint so a unique violation
// never poisons an enclosing transaction.
func (s *Store) InsertMedia(ctx context.Context, entityID int64, lang string, asset importer.MediaAsset) (importer.WriteOutcome, error) {
	if asset.URL == "" {
		return "", fmt.Errorf("media url is required")
	}
	sp, err := s.db.Begin(ctx)
	if err != nil {
		return "", wrap("begin media savepoint", err)
	}
	tag, err := sp.Exec(ctx, `
INSERT INTO media_assets (country_id, language_code, title, type, url, attribution, source_url, uploaded_at)
SELECT $1::bigint, $2::text, $3::text, $4::text, $5::text, NULLIF($6::text, ''), NULLIF($7::text, ''), NOW()
WHERE NOT EXISTS (
	SELECT 1 FROM media_assets WHERE country_id = $1 AND language_code = $2 AND url = $5
)`,
		entityID, lang, asset.Title, asset.Type, asset.URL, asset.Attribution, asset.SourceURL)
	if err != nil {
		_ = sp.Rollback(ctx)
		if isUniqueViolation(err) {
			s.logger.Debug("media duplicate", zap.String("url", asset.URL))
			return importer.WriteDuplicate, nil
		}
		return "", wrap("insert media", err)
	}
	if tag.RowsAffected() == 0 {
		_ = sp.Rollback(ctx)
		return importer.WriteDuplicate, nil
	}
	if err := sp.Commit(ctx); err != nil {
		return "", wrap("release media savepoint", err)
	}
	return importer.WriteInsert, nil
}

// LogSync appends an audit row.
func (s *Store) LogSync(ctx context.Context, record importer.SyncRecord) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	source := record.Source
	if source == "" {
		source = importer.SourceWikipedia
	}
	if _, err := s.db.Exec(ctx, `
INSERT INTO sync_logs (run_id, country_id, language_code, source, status, message, created_at)
VALUES (NULLIF($1, ''), $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		record.RunID, record.EntityID, record.Language, source,
		string(record.Status), record.Message, createdAt); err != nil {
		return wrap("log sync", err)
	}
	return nil
}

// ListEntities returns the catalog rows ordered by name. The countries table
// has no ISO2 column, so listed entities carry no ISO2 and get no flag asset.
func (s *Store) ListEntities(ctx context.Context) ([]importer.Entity, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, iso_code, name_en, COALESCE(continent, ''), COALESCE(wikidata_id, ''),
	has_subregions, COALESCE(slug_en, ''), COALESCE(slug_de, '')
FROM countries
ORDER BY name_en`)
	if err != nil {
		return nil, wrap("list entities", err)
	}
	defer rows.Close()

	var entities []importer.Entity
	for rows.Next() {
		var (
			e              importer.Entity
			slugEN, slugDE string
		)
		if err := rows.Scan(&e.ID, &e.Code, &e.Name, &e.Continent, &e.Identifier,
			&e.HasSubregions, &slugEN, &slugDE); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Slugs = map[string]string{}
		if slugEN != "" {
			e.Slugs["en"] = slugEN
		}
		if slugDE != "" {
			e.Slugs["de"] = slugDE
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list entities", err)
	}
	return entities, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// wrap annotates err and tags connection failures with ErrStoreUnavailable.
func wrap(op string, err error) error {
	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%s: %w: %w", op, importer.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
