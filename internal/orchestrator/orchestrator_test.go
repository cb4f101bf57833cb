package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/country-content-importer/internal/clock/system"
	"github.com/JakeFAU/country-content-importer/internal/httpclient"
	"github.com/JakeFAU/country-content-importer/internal/importer"
	"github.com/JakeFAU/country-content-importer/internal/progress"
	pubmemory "github.com/JakeFAU/country-content-importer/internal/publisher/memory"
	"github.com/JakeFAU/country-content-importer/internal/storage/memory"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticCatalog []importer.Entity

func (c staticCatalog) Entities(context.Context) ([]importer.Entity, error) {
	return append([]importer.Entity(nil), c...), nil
}

type fixedIDs string

func (f fixedIDs) NewID() (string, error) { return string(f), nil }

type fakeResolver struct {
	mu     sync.Mutex
	titles map[string]string
	errs   map[string]error
	panics map[string]bool
	calls  []string
	// discovered ids are handed out once, like a lookup whose result is only
	// persisted through store.
	discovered map[string]string
	store      importer.TitleStore
}

func (r *fakeResolver) Resolve(_ context.Context, entity importer.Entity, lang string) (importer.Resolution, error) {
	key := entity.Code + ":" + lang
	r.mu.Lock()
	r.calls = append(r.calls, key)
	r.mu.Unlock()
	if r.panics[key] {
		panic("resolver exploded")
	}
	identifier := entity.Identifier
	if identifier == "" {
		r.mu.Lock()
		qid := r.discovered[entity.Code]
		delete(r.discovered, entity.Code)
		r.mu.Unlock()
		if qid != "" {
			if err := r.store.UpdateEntityIdentifier(context.Background(), entity.ID, qid); err != nil {
				return importer.Resolution{}, err
			}
			identifier = qid
		}
	}
	if err := r.errs[key]; err != nil {
		return importer.Resolution{}, err
	}
	return importer.Resolution{Title: r.titles[key], Identifier: identifier}, nil
}

func (r *fakeResolver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeFetcher struct {
	mu          sync.Mutex
	articles    map[string]string
	articleErrs map[string]error
	leads       map[string]string
	summaries   map[string]string
	facts       map[string][]importer.Fact
}

func (f *fakeFetcher) PageURL(title, lang string) string {
	return "https://" + lang + ".wikipedia.org/wiki/" + strings.ReplaceAll(title, " ", "_")
}

func (f *fakeFetcher) FetchFullArticle(_ context.Context, title, lang string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := lang + ":" + title
	if err := f.articleErrs[key]; err != nil {
		return "", err
	}
	return f.articles[key], nil
}

func (f *fakeFetcher) FetchLead(_ context.Context, title, lang string) (string, error) {
	return f.leads[lang+":"+title], nil
}

func (f *fakeFetcher) FetchSummary(_ context.Context, title, lang string) (importer.Summary, error) {
	return importer.Summary{Extract: f.summaries[lang+":"+title]}, nil
}

func (f *fakeFetcher) FetchBestImage(context.Context, string, string) (importer.Image, bool, error) {
	return importer.Image{}, false, nil
}

func (f *fakeFetcher) FetchFacts(_ context.Context, identifier, lang string) ([]importer.Fact, error) {
	return f.facts[identifier+":"+lang], nil
}

func (f *fakeFetcher) clearErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.articleErrs = nil
}

const germanyEN = `<p>Germany is a country in Central Europe.</p>
<h2>History</h2><p>The Holy Roman Empire.</p>
<figure><img src="//upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Berlin_skyline.jpg/320px-Berlin_skyline.jpg" alt="Berlin skyline" width="320" height="200"></figure>
<h2>Trivia</h2><p>Dropped.</p>`

const germanyDE = `<p>Deutschland ist ein Bundesstaat in Mitteleuropa.</p>
<h2>Geschichte</h2><p>Das Heilige Römische Reich.</p>`

var germany = importer.Entity{Code: "DEU", Name: "Germany", ISO2: "DE", Identifier: "Q183", Continent: "Europe"}

type fixture struct {
	store        *memory.Store
	progressPath string
	tracker      *progress.Tracker
	resolver     *fakeResolver
	fetcher      *fakeFetcher
	archive      *memory.BlobStore
	publisher    *pubmemory.Publisher
	spans        *tracetest.SpanRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress.json")
	return &fixture{
		store:        memory.NewStore(),
		progressPath: path,
		tracker:      progress.New(progress.Config{Path: path, SaveEvery: 1}),
		resolver: &fakeResolver{
			titles: map[string]string{"DEU:en": "Germany", "DEU:de": "Deutschland", "FRA:en": "France"},
		},
		fetcher: &fakeFetcher{
			articles: map[string]string{
				"en:Germany":     germanyEN,
				"de:Deutschland": germanyDE,
				"en:France":      `<p>France.</p>`,
			},
			facts: map[string][]importer.Fact{
				"Q183:en": {{Key: "capital", Value: "Berlin"}, {Key: "population", Value: "83000000"}},
			},
		},
		archive:   memory.NewBlobStore(),
		publisher: pubmemory.New(),
		spans:     tracetest.NewSpanRecorder(),
	}
}

// reloadTracker replaces the tracker with one read back from disk, as a new
// process would.
func (f *fixture) reloadTracker() {
	f.tracker = progress.New(progress.Config{Path: f.progressPath, SaveEvery: 1})
	f.tracker.Load()
}

func (f *fixture) orchestrator(t *testing.T, cfg Config, entities ...importer.Entity) *Orchestrator {
	t.Helper()
	o, err := New(cfg, Deps{
		Catalog:   staticCatalog(entities),
		Store:     f.store,
		Resolver:  f.resolver,
		Fetcher:   f.fetcher,
		Tracker:   f.tracker,
		Archive:   f.archive,
		Publisher: f.publisher,
		IDs:       fixedIDs("run-1"),
		Clock:     system.Fixed{At: fixedNow},
		Logger:    zaptest.NewLogger(t),
		Tracer:    sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans)).Tracer("orchestrator-test"),
	})
	require.NoError(t, err)
	return o
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)

	f := newFixture(t)
	deps := Deps{Catalog: staticCatalog{}, Store: f.store, Resolver: f.resolver, Fetcher: f.fetcher, Tracker: f.tracker}
	_, err = New(Config{Workers: 9}, deps)
	require.Error(t, err)

	o, err := New(Config{}, deps)
	require.NoError(t, err)
	assert.Equal(t, defaultWorkers, o.cfg.Workers)
	assert.Equal(t, []string{"en", "de", "es", "zh", "hi"}, o.cfg.Languages)
	assert.Equal(t, DefaultFlagURL, o.cfg.FlagURL)
}

func TestRunImportsEntity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := f.orchestrator(t, Config{Languages: []string{"en", "de"}, Workers: 2}, germany)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", stats.RunID)
	assert.Equal(t, 1, stats.EntitiesProcessed)
	assert.Equal(t, 1, stats.EntitiesCompleted)
	assert.Equal(t, 2, stats.Units[importer.OutcomeSuccess])
	assert.Equal(t, 4, stats.ContentsImported())
	assert.Equal(t, 2, stats.Facts)
	assert.Equal(t, 2, stats.MediaInserted)
	assert.Equal(t, 2, stats.Archived)
	assert.Equal(t, 2, stats.Published)
	assert.Zero(t, stats.Errors)

	assert.Equal(t, []string{"de", "en"}, f.store.Languages())
	_, ok := f.store.ContentTypeID(importer.SectionReferences)
	assert.True(t, ok)

	stored, ok := f.store.Entity("DEU")
	require.True(t, ok)
	assert.Equal(t, "germany", stored.Slugs["en"])
	assert.Equal(t, "deutschland", stored.Slugs["de"])

	en := f.store.Sections(stored.ID, "en")
	assert.Equal(t, "<p>Germany is a country in Central Europe.</p>", en[importer.SectionOverview])
	assert.Contains(t, en[importer.SectionHistory], "Holy Roman Empire")
	assert.NotContains(t, en[importer.SectionHistory], "Dropped")
	assert.Len(t, en, 2)
	de := f.store.Sections(stored.ID, "de")
	assert.Contains(t, de[importer.SectionHistory], "Heilige")

	enMedia := f.store.Media(stored.ID, "en")
	require.Len(t, enMedia, 2)
	assert.Equal(t, "https://upload.wikimedia.org/wikipedia/commons/a/ab/Berlin_skyline.jpg", enMedia[0].URL)
	assert.Equal(t, "hero_city", enMedia[0].Type)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Germany", enMedia[0].SourceURL)
	assert.Equal(t, importer.MediaAsset{
		Title:       "Flag of Germany",
		Type:        "flag",
		URL:         "https://flagcdn.com/w320/de.png",
		Attribution: "FlagCDN",
		SourceURL:   "https://flagcdn.com",
	}, enMedia[1])
	assert.Empty(t, f.store.Media(stored.ID, "de"))

	assert.Len(t, f.store.Facts(stored.ID, "en"), 2)

	assert.True(t, f.tracker.IsEntityDone("DEU"))
	assert.True(t, f.tracker.IsUnitDone("DEU", "de"))

	archived, ok := f.archive.Object("DEU/en/run-1.html")
	require.True(t, ok)
	assert.Equal(t, germanyEN, string(archived))

	logs := f.store.SyncLogs()
	require.Len(t, logs, 2)
	for _, rec := range logs {
		assert.Equal(t, importer.OutcomeSuccess, rec.Status)
		assert.Equal(t, "run-1", rec.RunID)
		assert.Equal(t, stored.ID, rec.EntityID)
		assert.Equal(t, fixedNow, rec.CreatedAt)
	}

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, importer.EventUnitImported, msg.EventType)
		event, ok := msg.Payload.(importer.UnitEvent)
		require.True(t, ok)
		assert.Equal(t, "DEU", event.EntityCode)
		assert.Equal(t, "memory://DEU/"+event.Language+"/run-1.html", event.ArchiveURI)
	}
}

func TestRunLeavesEntityPendingUntilEveryUnitSucceeds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fetcher.articleErrs = map[string]error{"de:Deutschland": httpclient.ErrRetriesExhausted}
	cfg := Config{Languages: []string{"en", "de"}, Workers: 2}

	stats, err := f.orchestrator(t, cfg, germany).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Units[importer.OutcomeSuccess])
	assert.Equal(t, 1, stats.Units[importer.OutcomeError])
	assert.Equal(t, 1, stats.Errors)
	assert.Zero(t, stats.EntitiesCompleted)
	assert.True(t, f.tracker.IsUnitDone("DEU", "en"))
	assert.False(t, f.tracker.IsUnitDone("DEU", "de"))
	assert.False(t, f.tracker.IsEntityDone("DEU"))

	var failed importer.SyncRecord
	for _, rec := range f.store.SyncLogs() {
		if rec.Status == importer.OutcomeError {
			failed = rec
		}
	}
	assert.Equal(t, "de", failed.Language)
	assert.Contains(t, failed.Message, "fetch article")

	f.fetcher.clearErrors()
	f.resolver.calls = nil
	f.reloadTracker()
	require.True(t, f.tracker.IsUnitDone("DEU", "en"), "completed units survive a reload")
	stats, err = f.orchestrator(t, cfg, germany).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"DEU:de"}, f.resolver.Calls())
	assert.Equal(t, 1, stats.EntitiesCompleted)
	assert.True(t, f.tracker.IsEntityDone("DEU"))
}

func TestRunResumeKeepsDiscoveredIdentifier(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	montenegro := importer.Entity{Code: "MNE", Name: "Montenegro", Continent: "Europe"}
	f.resolver.titles = map[string]string{"MNE:en": "Montenegro", "MNE:de": "Montenegro"}
	f.resolver.discovered = map[string]string{"MNE": "Q236"}
	f.resolver.store = f.store
	f.fetcher.articles = map[string]string{
		"en:Montenegro": `<p>Montenegro is a country in Southeastern Europe.</p>`,
		"de:Montenegro": `<p>Montenegro ist ein Staat in Südosteuropa.</p>`,
	}
	f.fetcher.articleErrs = map[string]error{"de:Montenegro": httpclient.ErrRetriesExhausted}
	f.fetcher.facts = map[string][]importer.Fact{
		"Q236:en": {{Key: "capital", Value: "Podgorica"}},
		"Q236:de": {{Key: "capital", Value: "Podgorica"}},
	}
	cfg := Config{Languages: []string{"en", "de"}, Workers: 1}

	stats, err := f.orchestrator(t, cfg, montenegro).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Units[importer.OutcomeError])
	stored, ok := f.store.Entity("MNE")
	require.True(t, ok)
	require.Equal(t, "Q236", stored.Identifier)

	f.fetcher.clearErrors()
	f.reloadTracker()
	stats, err = f.orchestrator(t, cfg, montenegro).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Units[importer.OutcomeSuccess])
	assert.Equal(t, 1, stats.EntitiesCompleted)
	assert.Equal(t, []importer.Fact{{Key: "capital", Value: "Podgorica"}}, f.store.Facts(stored.ID, "de"))
}

func TestRunSkipsCompletedEntities(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.tracker.MarkEntityDone("FRA"))
	france := importer.Entity{Code: "FRA", Name: "France", ISO2: "FR"}

	stats, err := f.orchestrator(t, Config{Languages: []string{"en"}}, france, germany).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntitiesSkipped)
	assert.Equal(t, 1, stats.EntitiesCompleted)
	assert.Equal(t, []string{"DEU:en"}, f.resolver.Calls())
	_, ok := f.store.Entity("FRA")
	assert.False(t, ok)
}

func TestRunUnitOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(f *fixture)
		want    importer.UnitOutcome
		message string
	}{
		{
			name:  "success",
			setup: func(*fixture) {},
			want:  importer.OutcomeSuccess,
		},
		{
			name:    "no title",
			setup:   func(f *fixture) { f.resolver.titles = map[string]string{} },
			want:    importer.OutcomeSkipped,
			message: "no localized title",
		},
		{
			name:    "empty article",
			setup:   func(f *fixture) { f.fetcher.articles = map[string]string{} },
			want:    importer.OutcomeNoData,
			message: "empty article",
		},
		{
			name: "open breaker",
			setup: func(f *fixture) {
				f.resolver.errs = map[string]error{"DEU:en": fmt.Errorf("sitelink: %w", httpclient.ErrCircuitOpen)}
			},
			want:    importer.OutcomeError,
			message: "circuit breaker open",
		},
		{
			name:    "panic",
			setup:   func(f *fixture) { f.resolver.panics = map[string]bool{"DEU:en": true} },
			want:    importer.OutcomeError,
			message: "panic: resolver exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f)
			o := f.orchestrator(t, Config{Languages: []string{"en"}})
			require.NoError(t, o.Bootstrap(context.Background()))
			entity := germany
			id, _, err := f.store.UpsertEntity(context.Background(), entity)
			require.NoError(t, err)
			entity.ID = id

			got := o.RunUnit(context.Background(), entity, "en")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Done(), f.tracker.IsUnitDone("DEU", "en"))

			logs := f.store.SyncLogs()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.want, logs[0].Status)
			assert.Contains(t, logs[0].Message, tt.message)
			assert.Equal(t, 1, o.Stats().Units[tt.want])
		})
	}
}

func TestRunUnitRecordsSpan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.articles = map[string]string{}
	o := f.orchestrator(t, Config{Languages: []string{"en", "de"}})
	require.NoError(t, o.Bootstrap(context.Background()))
	f.resolver.errs = map[string]error{"DEU:de": errors.New("sitelink lookup failed")}

	o.RunUnit(context.Background(), germany, "en")
	o.RunUnit(context.Background(), germany, "de")

	ended := f.spans.Ended()
	require.Len(t, ended, 2)
	for _, span := range ended {
		assert.Equal(t, "import.unit", span.Name())
		assert.Contains(t, span.Attributes(), attribute.String("entity.code", "DEU"))
	}
	assert.Contains(t, ended[0].Attributes(), attribute.String("outcome", string(importer.OutcomeNoData)))
	assert.Equal(t, otelcodes.Unset, ended[0].Status().Code)
	assert.Contains(t, ended[1].Attributes(), attribute.String("outcome", string(importer.OutcomeError)))
	assert.Equal(t, otelcodes.Error, ended[1].Status().Code)
}

func TestRunUnitTransaction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		transaction  bool
		wantSections int
	}{
		{name: "rolled back", transaction: true, wantSections: 0},
		{name: "partial writes kept", transaction: false, wantSections: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.store.FailOn("UpsertFact", "en", errors.New("disk full"))
			cfg := Config{Languages: []string{"en"}, UnitTransaction: tt.transaction}

			stats, err := f.orchestrator(t, cfg, germany).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Units[importer.OutcomeError])
			assert.Equal(t, tt.wantSections, stats.ContentsImported())
			assert.Empty(t, f.publisher.Messages())
			assert.False(t, f.tracker.IsUnitDone("DEU", "en"))

			stored, ok := f.store.Entity("DEU")
			require.True(t, ok)
			assert.Len(t, f.store.Sections(stored.ID, "en"), tt.wantSections)
			if tt.transaction {
				assert.Empty(t, f.store.Media(stored.ID, "en"))
			}
		})
	}
}

func TestRunMediaAndSideEffectFailuresAreNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.FailOn("InsertMedia", "en", errors.New("constraint"))
	f.publisher.FailWith(errors.New("topic gone"))

	stats, err := f.orchestrator(t, Config{Languages: []string{"en"}}, germany).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Units[importer.OutcomeSuccess])
	assert.Equal(t, 2, stats.Errors)
	assert.Zero(t, stats.MediaInserted)
	assert.Zero(t, stats.Published)
	assert.Equal(t, 1, stats.Archived)
	assert.Equal(t, 2, stats.Facts)
	assert.True(t, f.tracker.IsEntityDone("DEU"))
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cfg := Config{Languages: []string{"en"}}

	_, err := f.orchestrator(t, cfg, germany).Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.tracker.Reset())

	stats, err := f.orchestrator(t, cfg, germany).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sections[importer.WriteNoChange])
	assert.Zero(t, stats.ContentsImported())
	assert.Equal(t, 2, stats.MediaDuplicate)
	stored, _ := f.store.Entity("DEU")
	assert.Len(t, f.store.Media(stored.ID, "en"), 2)
}

func TestOverviewFallback(t *testing.T) {
	t.Parallel()

	t.Run("lead section", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.fetcher.articles["en:Germany"] = `<h2>History</h2><p>Old.</p>`
		f.fetcher.leads = map[string]string{"en:Germany": `<p>Lead from section zero.</p>`}

		_, err := f.orchestrator(t, Config{Languages: []string{"en"}}, germany).Run(context.Background())
		require.NoError(t, err)
		stored, _ := f.store.Entity("DEU")
		assert.Equal(t, "<p>Lead from section zero.</p>", f.store.Sections(stored.ID, "en")[importer.SectionOverview])
	})

	t.Run("summary extract", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.fetcher.articles["en:Germany"] = `<h2>History</h2><p>Old.</p>`
		f.fetcher.summaries = map[string]string{"en:Germany": "Germany & friends"}

		_, err := f.orchestrator(t, Config{Languages: []string{"en"}}, germany).Run(context.Background())
		require.NoError(t, err)
		stored, _ := f.store.Entity("DEU")
		assert.Equal(t, "<p>Germany &amp; friends</p>", f.store.Sections(stored.ID, "en")[importer.SectionOverview])
	})
}

func TestRunAbortsWhenStoreUnavailable(t *testing.T) {
	t.Parallel()
	unavailable := fmt.Errorf("connect: %w", importer.ErrStoreUnavailable)

	t.Run("bootstrap", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.FailOn("UpsertLanguage", "en", unavailable)

		_, err := f.orchestrator(t, Config{Languages: []string{"en"}}, germany).Run(context.Background())
		require.ErrorIs(t, err, importer.ErrStoreUnavailable)
		assert.Empty(t, f.resolver.Calls())
	})

	t.Run("entity", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, f.tracker.MarkUnitDone("FRA", "en"))
		f.store.FailOn("UpsertEntity", "", unavailable)

		_, err := f.orchestrator(t, Config{Languages: []string{"en"}}, germany).Run(context.Background())
		require.ErrorIs(t, err, importer.ErrStoreUnavailable)
		assert.Empty(t, f.resolver.Calls())

		saved := progress.New(progress.Config{Path: f.tracker.Path()})
		saved.Load()
		assert.True(t, saved.IsUnitDone("FRA", "en"))
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orchestrator(t, Config{Languages: []string{"en"}}, germany).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.resolver.Calls())
}
