// Package orchestrator drives the import: entities run one after another while
// the languages of an entity share a bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/country-content-importer/internal/httpclient"
	"github.com/JakeFAU/country-content-importer/internal/importer"
	"github.com/JakeFAU/country-content-importer/internal/metrics"
	"github.com/JakeFAU/country-content-importer/internal/sections"
	"github.com/JakeFAU/country-content-importer/internal/telemetry"
)

const (
	defaultWorkers = 2
	maxWorkers     = 8

	// DefaultFlagURL is the FlagCDN pattern, filled with the lowercase ISO2 code.
	DefaultFlagURL   = "https://flagcdn.com/w320/%s.png"
	flagAttribution  = "FlagCDN"
	flagSourceURL    = "https://flagcdn.com"
	mediaAttribution = "Wikipedia"
)

// Resolver finds the localized title of an entity.
type Resolver interface {
	Resolve(ctx context.Context, entity importer.Entity, lang string) (importer.Resolution, error)
}

// Fetcher retrieves the content of a resolved article.
type Fetcher interface {
	PageURL(title, lang string) string
	FetchFullArticle(ctx context.Context, title, lang string) (string, error)
	FetchLead(ctx context.Context, title, lang string) (string, error)
	FetchSummary(ctx context.Context, title, lang string) (importer.Summary, error)
	FetchBestImage(ctx context.Context, title, lang string) (importer.Image, bool, error)
	FetchFacts(ctx context.Context, identifier, lang string) ([]importer.Fact, error)
}

// Tracker persists completion state across runs.
type Tracker interface {
	IsUnitDone(code, lang string) bool
	MarkUnitDone(code, lang string) error
	IsEntityDone(code string) bool
	MarkEntityDone(code string) error
	Save() error
}

// Config tunes a run.
type Config struct {
	Languages []string
	Workers   int
	// UnitTransaction wraps each unit's section, fact and media writes in one
	// transaction.
	UnitTransaction bool
	FlagURL         string
}

// Deps are the collaborators of an Orchestrator. Archive and Publisher are optional.
type Deps struct {
	Catalog   importer.Catalog
	Store     importer.Store
	Resolver  Resolver
	Fetcher   Fetcher
	Tracker   Tracker
	Archive   importer.BlobStore
	Publisher importer.Publisher
	IDs       importer.IDGenerator
	Clock     importer.Clock
	Logger    *zap.Logger
	// Tracer defaults to the global importer tracer.
	Tracer trace.Tracer
}

// Orchestrator runs the import pipeline.
type Orchestrator struct {
	cfg  Config
	deps Deps

	logger       *zap.Logger
	tracer       trace.Tracer
	stats        *statsRecorder
	runID        string
	contentTypes map[importer.SectionKey]int64
	ctMu         sync.RWMutex
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Catalog == nil || deps.Store == nil || deps.Resolver == nil || deps.Fetcher == nil || deps.Tracker == nil {
		return nil, errors.New("catalog, store, resolver, fetcher and tracker are required")
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"en", "de", "es", "zh", "hi"}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Workers > maxWorkers {
		return nil, fmt.Errorf("workers must be between 1 and %d, got %d", maxWorkers, cfg.Workers)
	}
	if cfg.FlagURL == "" {
		cfg.FlagURL = DefaultFlagURL
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		tracer:       tracer,
		stats:        newStatsRecorder(),
		contentTypes: map[importer.SectionKey]int64{},
	}, nil
}

// Stats returns a snapshot of the current run's counters.
func (o *Orchestrator) Stats() Stats {
	return o.stats.snapshot()
}

// Run imports every outstanding entity of the catalog. It stops early on
// cancellation or when the store becomes unreachable; the tracker is saved in
// every case.
func (o *Orchestrator) Run(ctx context.Context) (Stats, error) {
	started := o.now()
	runID := ""
	if o.deps.IDs != nil {
		id, err := o.deps.IDs.NewID()
		if err != nil {
			return o.Stats(), fmt.Errorf("generate run id: %w", err)
		}
		runID = id
	}
	o.runID = runID
	o.stats.reset(runID)
	logger := o.logger.With(zap.String("run_id", runID))

	if err := o.Bootstrap(ctx); err != nil {
		return o.Stats(), err
	}
	entities, err := o.deps.Catalog.Entities(ctx)
	if err != nil {
		return o.Stats(), fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("run started",
		zap.Int("entities", len(entities)),
		zap.Strings("languages", o.cfg.Languages),
		zap.Int("workers", o.cfg.Workers),
	)

	pool, err := ants.NewPool(o.cfg.Workers)
	if err != nil {
		return o.Stats(), fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var runErr error
	for i, entity := range entities {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		if o.deps.Tracker.IsEntityDone(entity.Code) {
			o.stats.update(func(s *Stats) { s.EntitiesSkipped++ })
			logger.Debug("entity already done", zap.String("entity", entity.Code))
			continue
		}
		logger.Info("entity started",
			zap.Int("position", i+1),
			zap.Int("total", len(entities)),
			zap.String("entity", entity.Code),
			zap.String("name", entity.Name),
		)
		if err := o.runEntity(ctx, pool, entity); err != nil {
			runErr = err
			break
		}
	}

	if err := o.deps.Tracker.Save(); err != nil {
		logger.Error("save progress", zap.Error(err))
	}
	stats := o.Stats()
	logger.Info("run finished",
		zap.Duration("elapsed", o.now().Sub(started)),
		zap.Int("countries_processed", stats.EntitiesProcessed),
		zap.Int("countries_completed", stats.EntitiesCompleted),
		zap.Int("countries_skipped", stats.EntitiesSkipped),
		zap.Int("languages_processed", stats.UnitsProcessed()),
		zap.Int("units_success", stats.Units[importer.OutcomeSuccess]),
		zap.Int("units_no_data", stats.Units[importer.OutcomeNoData]),
		zap.Int("units_skipped", stats.Units[importer.OutcomeSkipped]),
		zap.Int("units_error", stats.Units[importer.OutcomeError]),
		zap.Int("contents_imported", stats.ContentsImported()),
		zap.Int("contents_unchanged", stats.Sections[importer.WriteNoChange]),
		zap.Int("facts", stats.Facts),
		zap.Int("media_imported", stats.MediaInserted),
		zap.Int("media_duplicate", stats.MediaDuplicate),
		zap.Int("errors", stats.Errors),
	)
	if runErr != nil {
		return stats, fmt.Errorf("run interrupted: %w", runErr)
	}
	return stats, nil
}

// Bootstrap seeds languages and content types and caches the content type ids.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	for _, code := range o.cfg.Languages {
		if err := o.deps.Store.UpsertLanguage(ctx, code, importer.LanguageName(code)); err != nil {
			return fmt.Errorf("bootstrap languages: %w", err)
		}
	}
	ids := make(map[importer.SectionKey]int64, len(importer.SectionOrder))
	for _, key := range importer.SectionOrder {
		id, err := o.deps.Store.UpsertContentType(ctx, key, importer.SectionNames[key])
		if err != nil {
			return fmt.Errorf("bootstrap content types: %w", err)
		}
		ids[key] = id
	}
	o.ctMu.Lock()
	o.contentTypes = ids
	o.ctMu.Unlock()
	return nil
}

func (o *Orchestrator) contentTypeID(key importer.SectionKey) (int64, bool) {
	o.ctMu.RLock()
	defer o.ctMu.RUnlock()
	id, ok := o.contentTypes[key]
	return id, ok
}

// runEntity walks one entity from pending to done. Only an unreachable store
// is reported as an error.
func (o *Orchestrator) runEntity(ctx context.Context, pool *ants.Pool, entity importer.Entity) error {
	logger := o.logger.With(zap.String("entity", entity.Code))
	id, identifier, err := o.deps.Store.UpsertEntity(ctx, entity)
	if err != nil {
		if errors.Is(err, importer.ErrStoreUnavailable) {
			return err
		}
		logger.Error("upsert entity", zap.Error(err))
		o.stats.update(func(s *Stats) { s.Errors++ })
		return nil
	}
	entity.ID = id
	if entity.Identifier == "" {
		entity.Identifier = identifier
	}
	o.stats.update(func(s *Stats) { s.EntitiesProcessed++ })

	var outstanding []string
	for _, lang := range o.cfg.Languages {
		if !o.deps.Tracker.IsUnitDone(entity.Code, lang) {
			outstanding = append(outstanding, lang)
		}
	}

	var wg sync.WaitGroup
	for _, lang := range outstanding {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			o.RunUnit(ctx, entity, lang)
		}); err != nil {
			wg.Done()
			logger.Error("submit unit", zap.String("lang", lang), zap.Error(err))
			o.stats.update(func(s *Stats) { s.Errors++ })
		}
	}
	wg.Wait()

	for _, lang := range o.cfg.Languages {
		if !o.deps.Tracker.IsUnitDone(entity.Code, lang) {
			logger.Info("entity incomplete, will resume next run", zap.String("pending_lang", lang))
			return nil
		}
	}
	if err := o.deps.Tracker.MarkEntityDone(entity.Code); err != nil {
		logger.Warn("save progress", zap.Error(err))
	}
	o.stats.update(func(s *Stats) { s.EntitiesCompleted++ })
	logger.Info("entity done")
	return nil
}

// RunUnit imports one (entity, language) unit and records its outcome. entity
// must carry its store id. A panic inside the pipeline becomes an error outcome.
func (o *Orchestrator) RunUnit(ctx context.Context, entity importer.Entity, lang string) (outcome importer.UnitOutcome) {
	metrics.IncActiveUnits()
	defer metrics.DecActiveUnits()
	logger := o.logger.With(zap.String("entity", entity.Code), zap.String("lang", lang))
	ctx, span := o.tracer.Start(ctx, "import.unit", trace.WithAttributes(
		attribute.String("entity.code", entity.Code),
		attribute.String("language", lang),
		attribute.String("run.id", o.runID),
	))
	defer span.End()

	var message string
	defer func() {
		if r := recover(); r != nil {
			outcome = importer.OutcomeError
			message = fmt.Sprintf("panic: %v", r)
			logger.Error("unit panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if outcome == importer.OutcomeError {
			span.SetStatus(codes.Error, message)
		}
		o.finishUnit(ctx, logger, entity, lang, outcome, message)
	}()

	outcome, message = o.importUnit(ctx, logger, entity, lang)
	return outcome
}

func (o *Orchestrator) finishUnit(ctx context.Context, logger *zap.Logger, entity importer.Entity, lang string, outcome importer.UnitOutcome, message string) {
	o.stats.update(func(s *Stats) {
		s.Units[outcome]++
		if outcome == importer.OutcomeError {
			s.Errors++
		}
	})
	metrics.ObserveUnit(lang, string(outcome))

	// The audit row is written even when the run is being canceled.
	if err := o.deps.Store.LogSync(context.WithoutCancel(ctx), importer.SyncRecord{
		RunID:     o.runID,
		EntityID:  entity.ID,
		Language:  lang,
		Source:    importer.SourceWikipedia,
		Status:    outcome,
		Message:   message,
		CreatedAt: o.now(),
	}); err != nil {
		logger.Warn("log sync", zap.Error(err))
	}

	switch {
	case outcome == importer.OutcomeError:
		logger.Warn("unit failed", zap.String("reason", message))
	case outcome.Done():
		if err := o.deps.Tracker.MarkUnitDone(entity.Code, lang); err != nil {
			logger.Warn("save progress", zap.Error(err))
		}
		logger.Info("unit finished", zap.String("outcome", string(outcome)), zap.String("reason", message))
	}
}

// unitContent is everything fetched for a unit before anything is written.
type unitContent struct {
	title     string
	sourceURL string
	markup    string
	sections  map[importer.SectionKey]string
	media     []importer.MediaAsset
	facts     []importer.Fact
}

func (o *Orchestrator) importUnit(ctx context.Context, logger *zap.Logger, entity importer.Entity, lang string) (importer.UnitOutcome, string) {
	res, err := o.deps.Resolver.Resolve(ctx, entity, lang)
	if err != nil {
		return importer.OutcomeError, upstreamFailure(logger, "resolve", err)
	}
	if res.Empty() {
		return importer.OutcomeSkipped, "no localized title"
	}
	logger = logger.With(zap.String("title", res.Title))

	slug := entity.Slugs[lang]
	if slug == "" {
		slug = importer.Slugify(res.Title)
	}
	if err := o.deps.Store.UpdateEntitySlug(ctx, entity.ID, lang, slug); err != nil {
		logger.Warn("update slug", zap.Error(err))
	}

	markup, err := o.deps.Fetcher.FetchFullArticle(ctx, res.Title, lang)
	if err != nil {
		return importer.OutcomeError, upstreamFailure(logger, "fetch article", err)
	}
	if strings.TrimSpace(markup) == "" {
		return importer.OutcomeNoData, "empty article"
	}

	content, err := o.collect(ctx, logger, entity, lang, res, markup)
	if err != nil {
		return importer.OutcomeError, err.Error()
	}

	counts := newUnitCounts()
	persist := func(store importer.Store) error {
		counts = newUnitCounts()
		return o.persist(ctx, logger, store, entity, lang, content, &counts)
	}
	if o.cfg.UnitTransaction {
		err = o.deps.Store.WithTx(ctx, persist)
		if err == nil {
			o.stats.addUnit(counts)
		}
	} else {
		err = persist(o.deps.Store)
		o.stats.addUnit(counts)
	}
	if err != nil {
		return importer.OutcomeError, err.Error()
	}

	archiveURI := o.archive(ctx, logger, entity, lang, markup)
	o.publish(ctx, logger, entity, lang, content, counts, archiveURI)
	return importer.OutcomeSuccess, ""
}

// collect performs the network reads for a unit.
func (o *Orchestrator) collect(ctx context.Context, logger *zap.Logger, entity importer.Entity, lang string, res importer.Resolution, markup string) (unitContent, error) {
	content := unitContent{
		title:     res.Title,
		sourceURL: o.deps.Fetcher.PageURL(res.Title, lang),
		markup:    markup,
	}

	split, err := sections.Split(markup, lang)
	if err != nil {
		return content, fmt.Errorf("split sections: %w", err)
	}
	if split[importer.SectionOverview] == "" {
		if overview := o.fallbackOverview(ctx, logger, res.Title, lang); overview != "" {
			split[importer.SectionOverview] = overview
		}
	}
	content.sections = split

	images, err := sections.ExtractImages(markup)
	if err != nil {
		logger.Warn("extract images", zap.Error(err))
	}
	best, ok, err := o.deps.Fetcher.FetchBestImage(ctx, res.Title, lang)
	switch {
	case err != nil:
		logger.Warn("fetch media list", zap.Error(err))
	case ok:
		best.URL = sections.NormalizeMediaURL(best.URL)
		images = append(images, best)
	}
	images = sections.Dedupe(images)
	sections.SortByPriority(images)
	for _, img := range images {
		content.media = append(content.media, importer.MediaAsset{
			Title:       imageTitle(img),
			Type:        img.Kind.MediaType(),
			URL:         img.URL,
			Attribution: mediaAttribution,
			SourceURL:   content.sourceURL,
		})
	}
	if lang == importer.ReferenceLanguage && entity.ISO2 != "" {
		content.media = append(content.media, importer.MediaAsset{
			Title:       "Flag of " + entity.Name,
			Type:        string(importer.ImageFlag),
			URL:         fmt.Sprintf(o.cfg.FlagURL, strings.ToLower(entity.ISO2)),
			Attribution: flagAttribution,
			SourceURL:   flagSourceURL,
		})
	}

	identifier := res.Identifier
	if identifier == "" {
		identifier = entity.Identifier
	}
	if identifier != "" {
		facts, err := o.deps.Fetcher.FetchFacts(ctx, identifier, lang)
		if err != nil {
			logger.Warn("fetch facts", zap.Error(err))
		}
		content.facts = facts
	}
	return content, nil
}

// fallbackOverview uses the rendered lead section, then the page summary.
func (o *Orchestrator) fallbackOverview(ctx context.Context, logger *zap.Logger, title, lang string) string {
	lead, err := o.deps.Fetcher.FetchLead(ctx, title, lang)
	if err != nil {
		logger.Debug("fetch lead", zap.Error(err))
	}
	if lead != "" {
		if split, err := sections.Split(lead, lang); err == nil && split[importer.SectionOverview] != "" {
			return split[importer.SectionOverview]
		}
	}
	summary, err := o.deps.Fetcher.FetchSummary(ctx, title, lang)
	if err != nil {
		logger.Debug("fetch summary", zap.Error(err))
	}
	if extract := strings.TrimSpace(summary.Extract); extract != "" {
		return "<p>" + html.EscapeString(extract) + "</p>"
	}
	return ""
}

// persist writes sections in taxonomy order, then media, then facts. Section
// and fact failures abort the unit; a failed media row is counted and skipped.
func (o *Orchestrator) persist(ctx context.Context, logger *zap.Logger, store importer.Store, entity importer.Entity, lang string, content unitContent, counts *unitCounts) error {
	for _, key := range importer.SectionOrder {
		body := content.sections[key]
		if body == "" {
			continue
		}
		ctID, ok := o.contentTypeID(key)
		if !ok {
			continue
		}
		outcome, err := store.UpsertSection(ctx, importer.Section{
			EntityID:      entity.ID,
			Language:      lang,
			ContentTypeID: ctID,
			Body:          body,
			SourceURL:     content.sourceURL,
		})
		if err != nil {
			return fmt.Errorf("write section %s: %w", key, err)
		}
		counts.sections[outcome]++
		metrics.ObserveSectionWrite(string(outcome))
	}

	for _, asset := range content.media {
		outcome, err := store.InsertMedia(ctx, entity.ID, lang, asset)
		if err != nil {
			logger.Warn("write media", zap.String("url", asset.URL), zap.Error(err))
			counts.errors++
			if errors.Is(err, importer.ErrStoreUnavailable) {
				return fmt.Errorf("write media: %w", err)
			}
			continue
		}
		switch outcome {
		case importer.WriteInsert:
			counts.mediaInserted++
		case importer.WriteDuplicate:
			counts.mediaDuplicate++
		}
		metrics.ObserveMediaWrite(string(outcome))
	}

	for _, fact := range content.facts {
		if err := store.UpsertFact(ctx, entity.ID, lang, fact); err != nil {
			return fmt.Errorf("write fact %s: %w", fact.Key, err)
		}
		counts.facts++
	}
	return nil
}

func (o *Orchestrator) archive(ctx context.Context, logger *zap.Logger, entity importer.Entity, lang, markup string) string {
	if o.deps.Archive == nil {
		return ""
	}
	name := o.runID
	if name == "" {
		name = o.now().Format("20060102T150405Z")
	}
	path := fmt.Sprintf("%s/%s/%s.html", entity.Code, lang, name)
	uri, err := o.deps.Archive.PutObject(ctx, path, "text/html; charset=utf-8", strings.NewReader(markup))
	if err != nil {
		logger.Warn("archive article", zap.Error(err))
		return ""
	}
	o.stats.update(func(s *Stats) { s.Archived++ })
	return uri
}

func (o *Orchestrator) publish(ctx context.Context, logger *zap.Logger, entity importer.Entity, lang string, content unitContent, counts unitCounts, archiveURI string) {
	if o.deps.Publisher == nil {
		return
	}
	id, err := o.deps.Publisher.Publish(ctx, importer.EventUnitImported, importer.UnitEvent{
		RunID:         o.runID,
		EntityCode:    entity.Code,
		Language:      lang,
		Title:         content.title,
		SourceURL:     content.sourceURL,
		ArchiveURI:    archiveURI,
		SectionWrites: counts.sections,
		MediaInserted: counts.mediaInserted,
		Facts:         counts.facts,
		ImportedAt:    o.now(),
	})
	if err != nil {
		logger.Warn("publish event", zap.Error(err))
		return
	}
	o.stats.update(func(s *Stats) { s.Published++ })
	logger.Debug("event published", zap.String("message_id", id))
}

func (o *Orchestrator) now() time.Time {
	if o.deps.Clock != nil {
		return o.deps.Clock.Now()
	}
	return time.Now().UTC()
}

// upstreamFailure formats the sync message for a failed upstream call.
func upstreamFailure(logger *zap.Logger, step string, err error) string {
	if errors.Is(err, httpclient.ErrCircuitOpen) {
		logger.Error("upstream circuit open, unit deferred", zap.String("step", step))
	}
	return fmt.Sprintf("%s: %v", step, err)
}

func imageTitle(img importer.Image) string {
	switch {
	case img.Title != "":
		return img.Title
	case img.Alt != "":
		return img.Alt
	}
	name := img.URL[strings.LastIndex(img.URL, "/")+1:]
	return strings.ReplaceAll(name, "_", " ")
}
