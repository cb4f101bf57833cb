package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/country-content-importer/internal/importer"
)

const sampleCatalog = `
entities:
  - code: deu
    name: Germany
    continent: Europe
    wikidata_id: Q183
    iso2: DE
continent_order: [Europe, Asia]
continents:
  Oceania:
    - code: TUV
      name: Tuvalu
  Asia:
    - code: JPN
      name: Japan
      slugs:
        en: japan
  Europe:
    - code: FRA
      name: France
      iso2: fr
`

func TestParseOrdersAndInheritsContinent(t *testing.T) {
	t.Parallel()

	got, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	codes := make([]string, 0, len(got))
	for _, e := range got {
		codes = append(codes, e.Code)
	}
	assert.Equal(t, []string{"DEU", "FRA", "JPN", "TUV"}, codes)
	assert.Equal(t, importer.Entity{
		Code: "DEU", Name: "Germany", Continent: "Europe", Identifier: "Q183", ISO2: "de",
	}, got[0])
	assert.Equal(t, "Europe", got[1].Continent)
	assert.Equal(t, "fr", got[1].ISO2)
	assert.Equal(t, "Asia", got[2].Continent)
	assert.Equal(t, map[string]string{"en": "japan"}, got[2].Slugs)
	assert.Equal(t, "Oceania", got[3].Continent)
}

func TestParseRejectsBadEntries(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("entities:\n  - code: DEU\n"))
	require.Error(t, err)

	_, err = Parse([]byte("entities:\n  - {code: DEU, name: Germany}\n  - {code: deu, name: Deutschland}\n"))
	require.ErrorContains(t, err, "duplicate code DEU")

	_, err = Parse([]byte("entities: []\n"))
	require.ErrorIs(t, err, ErrNoEntities)

	_, err = Parse([]byte("entities: {"))
	require.Error(t, err)
}

func TestFileCatalog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	got, err := NewFile(path).Entities(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 4)

	_, err = NewFile(filepath.Join(t.TempDir(), "missing.yaml")).Entities(context.Background())
	require.Error(t, err)
}

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListEntities(ctx context.Context) ([]importer.Entity, error) {
	args := m.Called(ctx)
	entities, _ := args.Get(0).([]importer.Entity)
	return entities, args.Error(1)
}

func listerReturning(entities []importer.Entity, err error) *mockLister {
	m := &mockLister{}
	m.On("ListEntities", mock.Anything).Return(entities, err)
	return m
}

func TestDBCatalog(t *testing.T) {
	t.Parallel()

	ok := listerReturning([]importer.Entity{{ID: 1, Code: "FRA", Name: "France"}}, nil)
	got, err := NewDB(ok).Entities(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
	ok.AssertNumberOfCalls(t, "ListEntities", 1)

	_, err = NewDB(listerReturning(nil, nil)).Entities(context.Background())
	require.ErrorIs(t, err, ErrNoEntities)

	boom := errors.New("boom")
	failing := listerReturning(nil, boom)
	_, err = NewDB(failing).Entities(context.Background())
	require.ErrorIs(t, err, boom)
	failing.AssertExpectations(t)
}

func TestFilter(t *testing.T) {
	t.Parallel()

	inner := NewDB(listerReturning([]importer.Entity{
		{Code: "DEU", Name: "Germany"},
		{Code: "FRA", Name: "France"},
		{Code: "JPN", Name: "Japan"},
	}, nil))

	assert.Same(t, inner, Filter(inner, nil))

	got, err := Filter(inner, []string{"jpn", " DEU "}).Entities(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "DEU", got[0].Code)
	assert.Equal(t, "JPN", got[1].Code)

	_, err = Filter(inner, []string{"XXX"}).Entities(context.Background())
	require.ErrorIs(t, err, ErrNoEntities)
}
