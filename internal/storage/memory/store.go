package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/country-content-importer/internal/hash/sha256"
	"github.com/JakeFAU/country-content-importer/internal/importer"
)

type unitKey struct {
	entityID int64
	lang     string
}

type sectionKey struct {
	unitKey
	contentTypeID int64
}

type factKey struct {
	unitKey
	key string
}

type sectionRow struct {
	body      string
	hash      string
	sourceURL string
	updatedAt time.Time
}

type mediaRow struct {
	unitKey
	asset importer.MediaAsset
}

// tables holds the rows a unit transaction may roll back.
type tables struct {
	sections map[sectionKey]sectionRow
	facts    map[factKey]importer.Fact
	media    []mediaRow
}

func (t tables) clone() tables {
	c := tables{
		sections: make(map[sectionKey]sectionRow, len(t.sections)),
		facts:    make(map[factKey]importer.Fact, len(t.facts)),
		media:    append([]mediaRow(nil), t.media...),
	}
	for k, v := range t.sections {
		c.sections[k] = v
	}
	for k, v := range t.facts {
		c.facts[k] = v
	}
	return c
}

// Store is an in-memory importer.Store with the same write outcomes as the
// Postgres store. Transactions are serialized with each other.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	now  func() time.Time

	languages    map[string]string
	contentTypes map[importer.SectionKey]int64
	entities     map[string]importer.Entity
	titles       map[unitKey]string
	data         tables
	syncLogs     []importer.SyncRecord
	nextID       int64

	failures map[string]error
}

var _ importer.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		now:          func() time.Time { return time.Now().UTC() },
		languages:    map[string]string{},
		contentTypes: map[importer.SectionKey]int64{},
		entities:     map[string]importer.Entity{},
		titles:       map[unitKey]string{},
		data: tables{
			sections: map[sectionKey]sectionRow{},
			facts:    map[factKey]importer.Fact{},
		},
		failures: map[string]error{},
	}
}

// FailOn makes op (a method name such as "UpsertSection") return err for lang.
// An empty lang matches every language.
func (s *Store) FailOn(op, lang string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op+"|"+lang] = err
}

func (s *Store) injected(op, lang string) error {
	if err, ok := s.failures[op+"|"+lang]; ok {
		return err
	}
	return s.failures[op+"|"]
}

// WithTx runs fn and restores section, fact and media rows when it fails.
func (s *Store) WithTx(_ context.Context, fn func(importer.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// UpsertLanguage records a language.
func (s *Store) UpsertLanguage(_ context.Context, code, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpsertLanguage", code); err != nil {
		return err
	}
	s.languages[code] = name
	return nil
}

// UpsertContentType records a taxonomy key and returns its stable id.
func (s *Store) UpsertContentType(_ context.Context, key importer.SectionKey, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpsertContentType", ""); err != nil {
		return 0, err
	}
	if id, ok := s.contentTypes[key]; ok {
		return id, nil
	}
	s.nextID++
	s.contentTypes[key] = s.nextID
	return s.nextID, nil
}

// UpsertEntity records the entity keyed by code.
func (s *Store) UpsertEntity(_ context.Context, entity importer.Entity) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpsertEntity", ""); err != nil {
		return 0, "", err
	}
	existing, ok := s.entities[entity.Code]
	if ok {
		entity.ID = existing.ID
		entity.Slugs = existing.Slugs
		if entity.Identifier == "" {
			entity.Identifier = existing.Identifier
		}
	} else {
		s.nextID++
		entity.ID = s.nextID
		entity.Slugs = map[string]string{}
	}
	s.entities[entity.Code] = entity
	return entity.ID, entity.Identifier, nil
}

func (s *Store) entityByID(id int64) (importer.Entity, bool) {
	for _, e := range s.entities {
		if e.ID == id {
			return e, true
		}
	}
	return importer.Entity{}, false
}

// UpdateEntityIdentifier sets the entity's identifier.
func (s *Store) UpdateEntityIdentifier(_ context.Context, entityID int64, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if identifier == "" {
		return nil
	}
	if e, ok := s.entityByID(entityID); ok {
		e.Identifier = identifier
		s.entities[e.Code] = e
	}
	return nil
}

// UpdateEntitySlug stores slugs for en and de only.
func (s *Store) UpdateEntitySlug(_ context.Context, entityID int64, lang, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateEntitySlug", lang); err != nil {
		return err
	}
	if (lang != "en" && lang != "de") || slug == "" {
		return nil
	}
	if e, ok := s.entityByID(entityID); ok {
		e.Slugs[lang] = slug
		s.entities[e.Code] = e
	}
	return nil
}

// CachedTitle returns a stored title.
func (s *Store) CachedTitle(_ context.Context, entityID int64, lang string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	title, ok := s.titles[unitKey{entityID, lang}]
	return title, ok, nil
}

// SaveTitle stores a title.
func (s *Store) SaveTitle(_ context.Context, entityID int64, lang, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if title != "" {
		s.titles[unitKey{entityID, lang}] = title
	}
	return nil
}

// UpsertSection writes a section, reporting no_change when the hash matches.
func (s *Store) UpsertSection(_ context.Context, section importer.Section) (importer.WriteOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpsertSection", section.Language); err != nil {
		return "", err
	}
	if section.Body == "" {
		return importer.WriteNoChange, nil
	}
	key := sectionKey{unitKey{section.EntityID, section.Language}, section.ContentTypeID}
	hash := sha256.Sum([]byte(section.Body))
	existing, ok := s.data.sections[key]
	if ok && existing.hash == hash {
		return importer.WriteNoChange, nil
	}
	s.data.sections[key] = sectionRow{body: section.Body, hash: hash, sourceURL: section.SourceURL, updatedAt: s.now()}
	if ok {
		return importer.WriteUpdate, nil
	}
	return importer.WriteInsert, nil
}

// UpsertFact overwrites a fact.
func (s *Store) UpsertFact(_ context.Context, entityID int64, lang string, fact importer.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpsertFact", lang); err != nil {
		return err
	}
	if fact.Value == "" {
		return nil
	}
	s.data.facts[factKey{unitKey{entityID, lang}, fact.Key}] = fact
	return nil
}

// InsertMedia appends an asset unless the unit already has its url.
func (s *Store) InsertMedia(_ context.Context, entityID int64, lang string, asset importer.MediaAsset) (importer.WriteOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("InsertMedia", lang); err != nil {
		return "", err
	}
	if asset.URL == "" {
		return "", fmt.Errorf("media url is required")
	}
	key := unitKey{entityID, lang}
	for _, row := range s.data.media {
		if row.unitKey == key && row.asset.URL == asset.URL {
			return importer.WriteDuplicate, nil
		}
	}
	s.data.media = append(s.data.media, mediaRow{unitKey: key, asset: asset})
	return importer.WriteInsert, nil
}

// LogSync appends an audit record.
func (s *Store) LogSync(_ context.Context, record importer.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("LogSync", record.Language); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if record.Source == "" {
		record.Source = importer.SourceWikipedia
	}
	s.syncLogs = append(s.syncLogs, record)
	return nil
}

// Entity returns the stored entity for code.
func (s *Store) Entity(code string) (importer.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[code]
	return e, ok
}

// Languages returns the recorded language codes in sorted order.
func (s *Store) Languages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.languages))
	for code := range s.languages {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ContentTypeID returns the id assigned to key.
func (s *Store) ContentTypeID(key importer.SectionKey) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.contentTypes[key]
	return id, ok
}

// Sections returns the stored bodies for a unit keyed by taxonomy key.
func (s *Store) Sections(entityID int64, lang string) map[importer.SectionKey]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[importer.SectionKey]string{}
	for key, id := range s.contentTypes {
		if row, ok := s.data.sections[sectionKey{unitKey{entityID, lang}, id}]; ok {
			out[key] = row.body
		}
	}
	return out
}

// SectionUpdatedAt returns when a section body last changed.
func (s *Store) SectionUpdatedAt(entityID int64, lang string, key importer.SectionKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.data.sections[sectionKey{unitKey{entityID, lang}, s.contentTypes[key]}]
	return row.updatedAt, ok
}

// Facts returns a unit's facts sorted by key.
func (s *Store) Facts(entityID int64, lang string) []importer.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []importer.Fact
	for k, f := range s.data.facts {
		if k.unitKey == (unitKey{entityID, lang}) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Media returns a unit's assets in insertion order.
func (s *Store) Media(entityID int64, lang string) []importer.MediaAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []importer.MediaAsset
	for _, row := range s.data.media {
		if row.unitKey == (unitKey{entityID, lang}) {
			out = append(out, row.asset)
		}
	}
	return out
}

// SyncLogs returns every audit record in append order.
func (s *Store) SyncLogs() []importer.SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]importer.SyncRecord(nil), s.syncLogs...)
}
