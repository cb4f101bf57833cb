// Package catalog enumerates the entities an import run covers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/country-content-importer/internal/importer"
)

// ErrNoEntities is returned when a source yields nothing to import.
var ErrNoEntities = errors.New("catalog has no entities")

// fileFormat accepts a flat entity list, entities grouped by continent, or both.
type fileFormat struct {
	Entities   []importer.Entity            `yaml:"entities"`
	Continents map[string][]importer.Entity `yaml:"continents"`
	Order      []string                     `yaml:"continent_order"`
}

// File reads entities from a YAML document.
type File struct {
	path string
}

// NewFile returns a catalog backed by the YAML file at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Entities parses the file on every call.
func (f *File) Entities(_ context.Context) ([]importer.Entity, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", f.path, err)
	}
	return Parse(data)
}

// Parse decodes a catalog document. Grouped entities inherit their group's
// continent. Entries keep document order, flat entries first and then groups
// in continent_order (remaining groups alphabetically).
func Parse(data []byte) ([]importer.Entity, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	entities := append([]importer.Entity(nil), doc.Entities...)
	for _, continent := range continentOrder(doc) {
		for _, e := range doc.Continents[continent] {
			if e.Continent == "" {
				e.Continent = continent
			}
			entities = append(entities, e)
		}
	}
	return normalize(entities)
}

func continentOrder(doc fileFormat) []string {
	seen := map[string]bool{}
	var order []string
	for _, c := range doc.Order {
		if _, ok := doc.Continents[c]; ok && !seen[c] {
			seen[c] = true
			order = append(order, c)
		}
	}
	var rest []string
	for c := range doc.Continents {
		if !seen[c] {
			rest = append(rest, c)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func normalize(entities []importer.Entity) ([]importer.Entity, error) {
	seen := make(map[string]bool, len(entities))
	out := make([]importer.Entity, 0, len(entities))
	for i, e := range entities {
		e.Code = strings.ToUpper(strings.TrimSpace(e.Code))
		e.Name = strings.TrimSpace(e.Name)
		e.ISO2 = strings.ToLower(strings.TrimSpace(e.ISO2))
		if e.Code == "" || e.Name == "" {
			return nil, fmt.Errorf("catalog entry %d: code and name are required", i+1)
		}
		if seen[e.Code] {
			return nil, fmt.Errorf("catalog entry %d: duplicate code %s", i+1, e.Code)
		}
		seen[e.Code] = true
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, ErrNoEntities
	}
	return out, nil
}

// Lister is the database query behind DB.
type Lister interface {
	ListEntities(ctx context.Context) ([]importer.Entity, error)
}

// DB reads entities already stored in the countries table.
type DB struct {
	lister Lister
}

// NewDB wraps lister.
func NewDB(lister Lister) *DB {
	return &DB{lister: lister}
}

// Entities queries the database.
func (d *DB) Entities(ctx context.Context) ([]importer.Entity, error) {
	entities, err := d.lister.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, ErrNoEntities
	}
	return entities, nil
}

// Filtered restricts another catalog to a set of codes.
type Filtered struct {
	inner importer.Catalog
	codes map[string]bool
}

// Filter returns inner limited to codes. No codes means no filtering.
func Filter(inner importer.Catalog, codes []string) importer.Catalog {
	if len(codes) == 0 {
		return inner
	}
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &Filtered{inner: inner, codes: set}
}

// Entities returns the matching entities in the inner order.
func (f *Filtered) Entities(ctx context.Context) ([]importer.Entity, error) {
	all, err := f.inner.Entities(ctx)
	if err != nil {
		return nil, err
	}
	var out []importer.Entity
	for _, e := range all {
		if f.codes[e.Code] {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no entity matches the requested codes", ErrNoEntities)
	}
	return out, nil
}
