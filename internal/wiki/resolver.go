package wiki

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/JakeFAU/country-content-importer/internal/httpclient"
	"github.com/JakeFAU/country-content-importer/internal/importer"
)

// ResolverConfig tunes the resolver.
type ResolverConfig struct {
	Endpoints Endpoints
	// SearchTTL bounds how long search hits are memoized in process.
	SearchTTL time.Duration
}

// Resolver finds an entity's identifier and localized title.
type Resolver struct {
	client      Getter
	titles      importer.TitleStore
	endpoints   Endpoints
	searches    *cache.Cache
	identifiers *cache.Cache // discovered ids keyed by entity code
	logger      *zap.Logger
}

// NewResolver builds a Resolver. titles may be nil to disable the title cache.
func NewResolver(client Getter, titles importer.TitleStore, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.SearchTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Resolver{
		client:      client,
		titles:      titles,
		endpoints:   cfg.Endpoints.withDefaults(),
		searches:    cache.New(ttl, 2*ttl),
		identifiers: cache.New(cache.NoExpiration, 0),
		logger:      logger,
	}
}

// failures remembers the first transient error seen across strategies.
type failures struct {
	err error
}

func (f *failures) note(value string, err error) string {
	if err = absent(err); err != nil && f.err == nil {
		f.err = err
	}
	return value
}

// Resolve runs the title cache and then the strategy cascade. An empty
// Resolution with a nil error means every strategy came back empty and the unit
// should be skipped. When nothing resolved and a strategy failed transiently the
// error is returned so the unit is retried on a later run.
func (r *Resolver) Resolve(ctx context.Context, entity importer.Entity, lang string) (importer.Resolution, error) {
	logger := r.logger.With(zap.String("entity", entity.Code), zap.String("lang", lang))
	identifier := r.knownIdentifier(entity)

	if cached, ok, err := r.cachedTitle(ctx, entity, lang); err != nil {
		return importer.Resolution{}, err
	} else if ok {
		logger.Debug("title cache hit", zap.String("title", cached))
		return importer.Resolution{Title: cached, Identifier: identifier}, nil
	}

	var fails failures
	ref := importer.ReferenceLanguage
	refTitle := entity.Name
	refConfirmed := false

	if identifier == "" {
		identifier = fails.note(r.pageProps(ctx, ref, entity.Name))
		refConfirmed = identifier != ""
		if identifier == "" {
			if found := fails.note(r.search(ctx, ref, entity.Name)); found != "" {
				refTitle = found
				identifier = fails.note(r.pageProps(ctx, ref, found))
				refConfirmed = identifier != ""
			}
		}
		if identifier != "" {
			r.saveIdentifier(ctx, logger, entity, identifier)
		}
	}

	var title string
	if identifier != "" {
		title = fails.note(r.sitelink(ctx, identifier, lang))
	}
	if title == "" {
		if lang == ref {
			if refConfirmed {
				title = refTitle
			}
		} else {
			title = fails.note(r.langlink(ctx, refTitle, lang))
		}
	}
	if title == "" {
		title = fails.note(r.search(ctx, lang, entity.Name))
	}

	if title == "" {
		if fails.err != nil {
			return importer.Resolution{}, fmt.Errorf("resolve %s/%s: %w", entity.Code, lang, fails.err)
		}
		logger.Info("no title found")
		return importer.Resolution{}, nil
	}

	if r.titles != nil && entity.ID != 0 {
		if err := r.titles.SaveTitle(ctx, entity.ID, lang, title); err != nil {
			// The cache only saves work on later runs.
			logger.Warn("save title failed", zap.Error(err))
		}
	}
	logger.Debug("title resolved", zap.String("title", title), zap.String("identifier", identifier))
	return importer.Resolution{Title: title, Identifier: identifier}, nil
}

func (r *Resolver) cachedTitle(ctx context.Context, entity importer.Entity, lang string) (string, bool, error) {
	if r.titles == nil || entity.ID == 0 {
		return "", false, nil
	}
	title, ok, err := r.titles.CachedTitle(ctx, entity.ID, lang)
	if err != nil {
		return "", false, fmt.Errorf("read title cache: %w", err)
	}
	return title, ok && title != "", nil
}

func (r *Resolver) knownIdentifier(entity importer.Entity) string {
	if entity.Identifier != "" {
		return entity.Identifier
	}
	if hit, ok := r.identifiers.Get(entity.Code); ok {
		return hit.(string)
	}
	return ""
}

func (r *Resolver) saveIdentifier(ctx context.Context, logger *zap.Logger, entity importer.Entity, identifier string) {
	r.identifiers.SetDefault(entity.Code, identifier)
	if r.titles == nil || entity.ID == 0 || identifier == entity.Identifier {
		return
	}
	if err := r.titles.UpdateEntityIdentifier(ctx, entity.ID, identifier); err != nil {
		logger.Warn("update identifier failed", zap.Error(err))
	}
}

type pagePropsResponse struct {
	Query struct {
		Pages map[string]struct {
			PageProps struct {
				WikibaseItem string `json:"wikibase_item"`
			} `json:"pageprops"`
		} `json:"pages"`
	} `json:"query"`
}

func (r *Resolver) pageProps(ctx context.Context, lang, title string) (string, error) {
	endpoint, err := r.endpoints.ActionAPI(lang)
	if err != nil {
		return "", err
	}
	var resp pagePropsResponse
	if _, err := r.client.GetJSON(ctx, httpclient.Request{
		URL: endpoint,
		Params: url.Values{
			"action":    {"query"},
			"format":    {"json"},
			"prop":      {"pageprops"},
			"redirects": {"1"},
			"titles":    {title},
		},
	}, &resp); err != nil {
		return "", err
	}
	for _, page := range resp.Query.Pages {
		if qid := page.PageProps.WikibaseItem; validQID.MatchString(qid) {
			return qid, nil
		}
	}
	return "", nil
}

type searchResponse struct {
	Query struct {
		Search []struct {
			Title string `json:"title"`
		} `json:"search"`
	} `json:"query"`
}

func (r *Resolver) search(ctx context.Context, lang, term string) (string, error) {
	key := lang + "|" + term
	if hit, ok := r.searches.Get(key); ok {
		if title, ok := hit.(string); ok {
			return title, nil
		}
	}
	endpoint, err := r.endpoints.ActionAPI(lang)
	if err != nil {
		return "", err
	}
	var resp searchResponse
	if _, err := r.client.GetJSON(ctx, httpclient.Request{
		URL: endpoint,
		Params: url.Values{
			"action":   {"query"},
			"format":   {"json"},
			"list":     {"search"},
			"srlimit":  {"1"},
			"srprop":   {""},
			"srsearch": {term},
		},
	}, &resp); err != nil {
		if absent(err) == nil {
			r.searches.SetDefault(key, "")
		}
		return "", err
	}
	title := ""
	if len(resp.Query.Search) > 0 {
		title = resp.Query.Search[0].Title
	}
	r.searches.SetDefault(key, title)
	return title, nil
}

type entitiesResponse struct {
	Entities map[string]struct {
		Sitelinks map[string]struct {
			Title string `json:"title"`
		} `json:"sitelinks"`
	} `json:"entities"`
}

func (r *Resolver) sitelink(ctx context.Context, identifier, lang string) (string, error) {
	if !validQID.MatchString(identifier) {
		return "", nil
	}
	var resp entitiesResponse
	if _, err := r.client.GetJSON(ctx, httpclient.Request{
		URL: r.endpoints.WikidataAPI,
		Params: url.Values{
			"action":     {"wbgetentities"},
			"format":     {"json"},
			"props":      {"sitelinks"},
			"ids":        {identifier},
			"sitefilter": {lang + "wiki"},
		},
	}, &resp); err != nil {
		return "", err
	}
	entity, ok := resp.Entities[identifier]
	if !ok {
		return "", nil
	}
	return entity.Sitelinks[lang+"wiki"].Title, nil
}

type langlinksResponse struct {
	Query struct {
		Pages map[string]struct {
			Langlinks []struct {
				Lang  string `json:"lang"`
				Title string `json:"*"`
			} `json:"langlinks"`
		} `json:"pages"`
	} `json:"query"`
}

func (r *Resolver) langlink(ctx context.Context, refTitle, lang string) (string, error) {
	endpoint, err := r.endpoints.ActionAPI(importer.ReferenceLanguage)
	if err != nil {
		return "", err
	}
	var resp langlinksResponse
	if _, err := r.client.GetJSON(ctx, httpclient.Request{
		URL: endpoint,
		Params: url.Values{
			"action":    {"query"},
			"format":    {"json"},
			"prop":      {"langlinks"},
			"redirects": {"1"},
			"lllang":    {lang},
			"lllimit":   {"max"},
			"titles":    {refTitle},
		},
	}, &resp); err != nil {
		return "", err
	}
	for _, page := range resp.Query.Pages {
		for _, link := range page.Langlinks {
			if link.Lang == lang && link.Title != "" {
				return link.Title, nil
			}
		}
	}
	return "", nil
}
