package importer

import (
	"strings"
	"time"
)

// ReferenceLanguage is the language used to look up identifiers and cross-language links.
const ReferenceLanguage = "en"

// SourceWikipedia tags sync records written by the pipeline.
const SourceWikipedia = "wikipedia"

// SectionKey is a label from the fixed content taxonomy.
type SectionKey string

// Content taxonomy.
const (
	SectionOverview      SectionKey = "overview"
	SectionGeography     SectionKey = "geography"
	SectionDemography    SectionKey = "demography"
	SectionHistory       SectionKey = "history"
	SectionPolitics      SectionKey = "politics"
	SectionEconomy       SectionKey = "economy"
	SectionTransport     SectionKey = "transport"
	SectionCulture       SectionKey = "culture"
	SectionSeeAlso       SectionKey = "see_also"
	SectionLiterature    SectionKey = "literature"
	SectionExternalLinks SectionKey = "external_links"
	SectionNotes         SectionKey = "notes"
	SectionReferences    SectionKey = "references"
	// SectionOther collects headings that match no alias. It is never persisted.
	SectionOther SectionKey = "other"
)

// SectionOrder lists the taxonomy in persistence order.
var SectionOrder = []SectionKey{
	SectionOverview,
	SectionGeography,
	SectionDemography,
	SectionHistory,
	SectionPolitics,
	SectionEconomy,
	SectionTransport,
	SectionCulture,
	SectionSeeAlso,
	SectionLiterature,
	SectionExternalLinks,
	SectionNotes,
	SectionReferences,
}

// SectionNames holds the English display names used to seed content types.
var SectionNames = map[SectionKey]string{
	SectionOverview:      "Overview",
	SectionGeography:     "Geography",
	SectionDemography:    "Demography",
	SectionHistory:       "History",
	SectionPolitics:      "Politics",
	SectionEconomy:       "Economy",
	SectionTransport:     "Transport",
	SectionCulture:       "Culture",
	SectionSeeAlso:       "See also",
	SectionLiterature:    "Literature",
	SectionExternalLinks: "External links",
	SectionNotes:         "Notes",
	SectionReferences:    "References",
}

// LanguageNames maps supported language codes to display names.
var LanguageNames = map[string]string{
	"en": "English",
	"de": "Deutsch",
	"es": "Español",
	"zh": "中文",
	"hi": "हिन्दी",
}

// LanguageName returns the display name for code, falling back to the code itself.
func LanguageName(code string) string {
	if name, ok := LanguageNames[code]; ok {
		return name
	}
	return code
}

// Entity is a catalogued country.
type Entity struct {
	ID            int64             `json:"id,omitempty" yaml:"-"`
	Code          string            `json:"code" yaml:"code"`
	Name          string            `json:"name" yaml:"name"`
	Continent     string            `json:"continent,omitempty" yaml:"continent"`
	Identifier    string            `json:"identifier,omitempty" yaml:"wikidata_id"`
	ISO2          string            `json:"iso2,omitempty" yaml:"iso2"`
	HasSubregions bool              `json:"has_subregions,omitempty" yaml:"has_subregions"`
	Slugs         map[string]string `json:"slugs,omitempty" yaml:"slugs"`
}

// Slugify turns a localized title into a URL slug.
func Slugify(title string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(title)), " ", "-")
}

// Resolution is the outcome of identity resolution for one unit.
type Resolution struct {
	Title      string
	Identifier string
}

// Empty reports whether no title was resolved.
func (r Resolution) Empty() bool {
	return r.Title == ""
}

// Summary is the condensed page summary.
type Summary struct {
	Extract       string
	PageURL       string
	Thumbnail     string
	OriginalImage string
}

// Fact is one structured key/value record.
type Fact struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// ImageKind is the classification of an extracted image.
type ImageKind string

// Image kinds ordered by priority.
const (
	ImageFlag       ImageKind = "flag"
	ImageCoatOfArms ImageKind = "coat_of_arms"
	ImageScenic     ImageKind = "scenic"
	ImageLandmark   ImageKind = "landmark"
	ImageCity       ImageKind = "city"
	ImageBuilding   ImageKind = "building"
	ImageOther      ImageKind = "other"
)

// Priority returns the sort rank of the kind. Lower ranks first.
func (k ImageKind) Priority() int {
	switch k {
	case ImageFlag:
		return 0
	case ImageCoatOfArms:
		return 1
	case ImageScenic:
		return 2
	case ImageLandmark:
		return 3
	case ImageCity:
		return 4
	case ImageBuilding:
		return 5
	default:
		return 6
	}
}

// MediaType maps a kind onto the stored media type.
func (k ImageKind) MediaType() string {
	switch k {
	case ImageFlag, ImageCoatOfArms:
		return string(k)
	case "":
		return "hero_" + string(ImageOther)
	default:
		return "hero_" + string(k)
	}
}

// Image is an image discovered in article markup or the media list.
type Image struct {
	URL   string
	Alt   string
	Title string
	Kind  ImageKind
}

// MediaAsset is a media row ready for persistence.
type MediaAsset struct {
	Title       string
	Type        string
	URL         string
	Attribution string
	SourceURL   string
}

// WriteOutcome reports what an idempotent write did.
type WriteOutcome string

// Write outcomes.
const (
	WriteInsert    WriteOutcome = "insert"
	WriteUpdate    WriteOutcome = "update"
	WriteNoChange  WriteOutcome = "no_change"
	WriteDuplicate WriteOutcome = "duplicate"
)

// UnitOutcome is the terminal state of one (entity, language) unit.
type UnitOutcome string

// Unit outcomes.
const (
	OutcomeSuccess UnitOutcome = "success"
	OutcomeNoData  UnitOutcome = "no_data"
	OutcomeSkipped UnitOutcome = "skipped"
	OutcomeError   UnitOutcome = "error"
)

// Done reports whether the outcome marks the unit complete.
func (o UnitOutcome) Done() bool {
	return o != OutcomeError
}

// SyncRecord is one audit row per attempted unit.
type SyncRecord struct {
	RunID     string
	EntityID  int64
	Language  string
	Source    string
	Status    UnitOutcome
	Message   string
	CreatedAt time.Time
}

// EventUnitImported is published after a unit's content has been persisted.
const EventUnitImported = "unit.imported"

// UnitEvent is the payload of EventUnitImported. SectionWrites counts
// section writes by outcome.
type UnitEvent struct {
	RunID         string               `json:"run_id"`
	EntityCode    string               `json:"entity_code"`
	Language      string               `json:"language"`
	Title         string               `json:"title"`
	SourceURL     string               `json:"source_url"`
	ArchiveURI    string               `json:"archive_uri,omitempty"`
	SectionWrites map[WriteOutcome]int `json:"section_writes"`
	MediaInserted int                  `json:"media_inserted"`
	Facts         int                  `json:"facts"`
	ImportedAt    time.Time            `json:"imported_at"`
}
