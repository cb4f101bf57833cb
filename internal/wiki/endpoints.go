package wiki

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/country-content-importer/internal/httpclient"
)

var (
	validLang = regexp.MustCompile(`^[a-z][a-z-]{1,11}$`)
	validQID  = regexp.MustCompile(`^Q[0-9]+$`)
)

// Getter is the subset of the HTTP client used here.
type Getter interface {
	Get(ctx context.Context, req httpclient.Request) ([]byte, int, error)
	GetJSON(ctx context.Context, req httpclient.Request, out any) (int, error)
}

// Endpoints holds upstream base URLs. Tests point them at mocks.
type Endpoints struct {
	// WikipediaBase is a format string taking the language code.
	WikipediaBase string `mapstructure:"wikipedia_base"`
	WikidataAPI   string `mapstructure:"wikidata_api"`
	SPARQL        string `mapstructure:"sparql"`
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		WikipediaBase: "https://%s.wikipedia.org",
		WikidataAPI:   "https://www.wikidata.org/w/api.php",
		SPARQL:        "https://query.wikidata.org/sparql",
	}
}

func (e Endpoints) withDefaults() Endpoints {
	d := DefaultEndpoints()
	if e.WikipediaBase == "" {
		e.WikipediaBase = d.WikipediaBase
	}
	if e.WikidataAPI == "" {
		e.WikidataAPI = d.WikidataAPI
	}
	if e.SPARQL == "" {
		e.SPARQL = d.SPARQL
	}
	return e
}

func (e Endpoints) site(lang string) (string, error) {
	if !validLang.MatchString(lang) {
		return "", fmt.Errorf("invalid language code %q", lang)
	}
	return fmt.Sprintf(e.WikipediaBase, lang), nil
}

// ActionAPI returns the Action API URL for lang.
func (e Endpoints) ActionAPI(lang string) (string, error) {
	site, err := e.site(lang)
	if err != nil {
		return "", err
	}
	return site + "/w/api.php", nil
}

// REST returns a REST page endpoint such as html, summary or media-list.
func (e Endpoints) REST(lang, kind, title string) (string, error) {
	site, err := e.site(lang)
	if err != nil {
		return "", err
	}
	return site + "/api/rest_v1/page/" + kind + "/" + escapeTitle(title), nil
}

// PageURL returns the human-facing article URL.
func (e Endpoints) PageURL(lang, title string) string {
	site, err := e.site(lang)
	if err != nil {
		return ""
	}
	return site + "/wiki/" + escapeTitle(title)
}

func escapeTitle(title string) string {
	return url.PathEscape(strings.ReplaceAll(strings.TrimSpace(title), " ", "_"))
}

// absent turns "no data" errors into nil so only transient failures remain.
func absent(err error) error {
	if err == nil || httpclient.IsAbsent(err) {
		return nil
	}
	return err
}
