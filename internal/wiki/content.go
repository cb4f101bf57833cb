package wiki

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/country-content-importer/internal/httpclient"
	"github.com/JakeFAU/country-content-importer/internal/importer"
	"github.com/JakeFAU/country-content-importer/internal/sections"
)

// Fetcher retrieves article markup, summaries, media and facts.
type Fetcher struct {
	client    Getter
	endpoints Endpoints
	logger    *zap.Logger
}

// NewFetcher builds a Fetcher.
func NewFetcher(client Getter, endpoints Endpoints, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: client, endpoints: endpoints.withDefaults(), logger: logger}
}

// PageURL returns the public article URL used as the source of stored rows.
func (f *Fetcher) PageURL(title, lang string) string {
	return f.endpoints.PageURL(lang, title)
}

type parseResponse struct {
	Parse struct {
		Text map[string]string `json:"text"`
	} `json:"parse"`
}

// FetchLead returns the rendered first section of the article.
func (f *Fetcher) FetchLead(ctx context.Context, title, lang string) (string, error) {
	html, err := f.parse(ctx, title, lang, url.Values{"section": {"0"}})
	return html, absent(err)
}

// FetchFullArticle returns the rich Parsoid rendering, falling back to the
// parse endpoint when the REST endpoint answers 403.
func (f *Fetcher) FetchFullArticle(ctx context.Context, title, lang string) (string, error) {
	endpoint, err := f.endpoints.REST(lang, "html", title)
	if err != nil {
		return "", err
	}
	body, _, err := f.client.Get(ctx, httpclient.Request{
		URL:     endpoint,
		Headers: http.Header{"Accept": {"text/html; charset=utf-8"}},
	})
	switch {
	case err == nil:
		return string(body), nil
	case httpclient.HasStatus(err, http.StatusForbidden):
		f.logger.Info("parsoid blocked, using parse endpoint",
			zap.String("title", title), zap.String("lang", lang))
		html, err := f.parse(ctx, title, lang, nil)
		return html, absent(err)
	default:
		return "", absent(err)
	}
}

func (f *Fetcher) parse(ctx context.Context, title, lang string, extra url.Values) (string, error) {
	endpoint, err := f.endpoints.ActionAPI(lang)
	if err != nil {
		return "", err
	}
	params := url.Values{
		"action":             {"parse"},
		"format":             {"json"},
		"prop":               {"text"},
		"redirects":          {"1"},
		"disableeditsection": {"1"},
		"page":               {title},
	}
	for k, v := range extra {
		params[k] = v
	}
	var resp parseResponse
	if _, err := f.client.GetJSON(ctx, httpclient.Request{URL: endpoint, Params: params}, &resp); err != nil {
		return "", err
	}
	return resp.Parse.Text["*"], nil
}

type summaryResponse struct {
	Extract     string `json:"extract"`
	ContentURLs struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
	Thumbnail struct {
		Source string `json:"source"`
	} `json:"thumbnail"`
	OriginalImage struct {
		Source string `json:"source"`
	} `json:"originalimage"`
}

// FetchSummary returns the REST page summary.
func (f *Fetcher) FetchSummary(ctx context.Context, title, lang string) (importer.Summary, error) {
	endpoint, err := f.endpoints.REST(lang, "summary", title)
	if err != nil {
		return importer.Summary{}, err
	}
	var resp summaryResponse
	if _, err := f.client.GetJSON(ctx, httpclient.Request{URL: endpoint}, &resp); err != nil {
		return importer.Summary{}, absent(err)
	}
	return importer.Summary{
		Extract:       resp.Extract,
		PageURL:       resp.ContentURLs.Desktop.Page,
		Thumbnail:     resp.Thumbnail.Source,
		OriginalImage: resp.OriginalImage.Source,
	}, nil
}

type mediaListResponse struct {
	Items []struct {
		Title  string `json:"title"`
		Type   string `json:"type"`
		Srcset []struct {
			Src   string `json:"src"`
			Scale string `json:"scale"`
		} `json:"srcset"`
	} `json:"items"`
}

// FetchBestImage returns the first image of the media list in its widest rendition.
func (f *Fetcher) FetchBestImage(ctx context.Context, title, lang string) (importer.Image, bool, error) {
	endpoint, err := f.endpoints.REST(lang, "media-list", title)
	if err != nil {
		return importer.Image{}, false, err
	}
	var resp mediaListResponse
	if _, err := f.client.GetJSON(ctx, httpclient.Request{URL: endpoint}, &resp); err != nil {
		return importer.Image{}, false, absent(err)
	}
	for _, item := range resp.Items {
		if item.Type != "image" || len(item.Srcset) == 0 {
			continue
		}
		best, bestScale := "", -1.0
		for _, src := range item.Srcset {
			if scale := parseScale(src.Scale); scale > bestScale && src.Src != "" {
				best, bestScale = src.Src, scale
			}
		}
		if best == "" {
			continue
		}
		imageURL := best
		if strings.HasPrefix(imageURL, "//") {
			imageURL = "https:" + imageURL
		}
		name := strings.TrimPrefix(item.Title, "File:")
		return importer.Image{
			URL:   imageURL,
			Title: name,
			Kind:  sections.Classify(imageURL, "", name),
		}, true, nil
	}
	return importer.Image{}, false, nil
}

// parseScale reads srcset descriptors such as "2x", "1.5x" or "640w".
func parseScale(descriptor string) float64 {
	d := strings.TrimSpace(descriptor)
	if d == "" {
		return 1
	}
	unit := d[len(d)-1]
	number := d[:len(d)-1]
	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0
	}
	switch unit {
	case 'w':
		// Width descriptors outrank density descriptors.
		return 1000 + value
	case 'x':
		return value
	default:
		return 0
	}
}

const factsQuery = `SELECT ?pop ?area ?capitalLabel ?currencyLabel ?languageLabel WHERE {
  OPTIONAL { wd:%[1]s wdt:P1082 ?pop . }
  OPTIONAL { wd:%[1]s wdt:P2046 ?area . }
  OPTIONAL { wd:%[1]s wdt:P36 ?capital . }
  OPTIONAL { wd:%[1]s wdt:P38 ?currency . }
  OPTIONAL { wd:%[1]s wdt:P37 ?language . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "%[2]s,en". }
}
LIMIT 1`

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]struct {
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

var factFields = []struct {
	binding string
	key     string
	unit    string
}{
	{"pop", "population", ""},
	{"area", "area_km2", "km2"},
	{"capitalLabel", "capital", ""},
	{"currencyLabel", "currency", ""},
	{"languageLabel", "official_language", ""},
}

// FetchFacts runs one structured query for the identifier. Fields missing from
// the result are left out without affecting the others.
func (f *Fetcher) FetchFacts(ctx context.Context, identifier, lang string) ([]importer.Fact, error) {
	if !validQID.MatchString(identifier) || !validLang.MatchString(lang) {
		return nil, nil
	}
	var resp sparqlResponse
	if _, err := f.client.GetJSON(ctx, httpclient.Request{
		URL: f.endpoints.SPARQL,
		Params: url.Values{
			"query":  {fmt.Sprintf(factsQuery, identifier, lang)},
			"format": {"json"},
		},
		Headers: http.Header{"Accept": {"application/sparql-results+json"}},
	}, &resp); err != nil {
		return nil, absent(err)
	}
	if len(resp.Results.Bindings) == 0 {
		return nil, nil
	}
	row := resp.Results.Bindings[0]
	var facts []importer.Fact
	for _, field := range factFields {
		value := strings.TrimSpace(row[field.binding].Value)
		if value == "" {
			continue
		}
		facts = append(facts, importer.Fact{Key: field.key, Value: value, Unit: field.unit})
	}
	return facts, nil
}
