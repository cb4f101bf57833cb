package importer

import (
	"context"
	"io"
	"time"
)

// Store is the persistence surface used by the pipeline. It is the only
// component that writes database rows.
type Store interface {
	TitleStore
	UpsertLanguage(ctx context.Context, code, name string) error
	UpsertContentType(ctx context.Context, key SectionKey, nameEN string) (int64, error)
	// UpsertEntity returns the row id and the identifier now stored for the
	// entity, which may come from an earlier run.
	UpsertEntity(ctx context.Context, entity Entity) (id int64, identifier string, err error)
	UpdateEntitySlug(ctx context.Context, entityID int64, lang, slug string) error
	UpsertSection(ctx context.Context, section Section) (WriteOutcome, error)
	UpsertFact(ctx context.Context, entityID int64, lang string, fact Fact) error
	InsertMedia(ctx context.Context, entityID int64, lang string, asset MediaAsset) (WriteOutcome, error)
	LogSync(ctx context.Context, record SyncRecord) error
	// WithTx runs fn against a Store bound to a single transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// TitleStore covers the resolver's persistence needs.
type TitleStore interface {
	CachedTitle(ctx context.Context, entityID int64, lang string) (string, bool, error)
	SaveTitle(ctx context.Context, entityID int64, lang, title string) error
	UpdateEntityIdentifier(ctx context.Context, entityID int64, identifier string) error
}

// Section is one localized content write.
type Section struct {
	EntityID      int64
	Language      string
	ContentTypeID int64
	Body          string
	SourceURL     string
}

// Catalog enumerates the entities to import.
type Catalog interface {
	Entities(ctx context.Context) ([]Entity, error)
}

// Clock provides time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Hasher produces stable content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore archives raw article markup.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher emits import events and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (string, error)
}
