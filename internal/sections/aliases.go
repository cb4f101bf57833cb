package sections

import (
	"strings"

	"github.com/JakeFAU/country-content-importer/internal/importer"
)

type aliasEntry struct {
	key     importer.SectionKey
	aliases []string
}

// Tables are matched in order; the first prefix hit wins.
var aliasTables = map[string][]aliasEntry{
	"en": {
		{importer.SectionGeography, []string{"geography", "location", "climate", "environment"}},
		{importer.SectionDemography, []string{"demography", "demographics", "population"}},
		{importer.SectionHistory, []string{"history", "prehistory", "modern history"}},
		{importer.SectionPolitics, []string{"politics", "government", "administration", "foreign relations"}},
		{importer.SectionEconomy, []string{"economy", "economic", "industries", "finance"}},
		{importer.SectionTransport, []string{"transport", "transportation", "infrastructure"}},
		{importer.SectionCulture, []string{"culture", "arts", "media", "education", "religion", "sport"}},
		{importer.SectionSeeAlso, []string{"see also"}},
		{importer.SectionLiterature, []string{"bibliography", "further reading"}},
		{importer.SectionExternalLinks, []string{"external links"}},
		{importer.SectionNotes, []string{"notes", "footnotes"}},
		{importer.SectionReferences, []string{"references", "citations"}},
	},
	"de": {
		{importer.SectionGeography, []string{"geographie", "lage", "klima", "naturräumliche gliederung"}},
		{importer.SectionDemography, []string{"bevölkerung", "demografie"}},
		{importer.SectionHistory, []string{"geschichte", "vorgeschichte", "neuzeit"}},
		{importer.SectionPolitics, []string{"politik", "staat", "verwaltung", "außenpolitik"}},
		{importer.SectionEconomy, []string{"wirtschaft", "finanzen", "industrie"}},
		{importer.SectionTransport, []string{"verkehr", "infrastruktur"}},
		{importer.SectionCulture, []string{"kultur", "bildung", "religion", "medien", "sport"}},
		{importer.SectionSeeAlso, []string{"siehe auch"}},
		{importer.SectionLiterature, []string{"literatur", "weiterführende literatur"}},
		{importer.SectionExternalLinks, []string{"weblinks"}},
		{importer.SectionNotes, []string{"anmerkungen"}},
		{importer.SectionReferences, []string{"einzelnachweise", "referenzen", "belege"}},
	},
	"es": {
		{importer.SectionGeography, []string{"geografía", "ubicación", "clima", "medio ambiente"}},
		{importer.SectionDemography, []string{"demografía", "población"}},
		{importer.SectionHistory, []string{"historia"}},
		{importer.SectionPolitics, []string{"política", "gobierno"}},
		{importer.SectionEconomy, []string{"economía"}},
		{importer.SectionTransport, []string{"transporte", "infraestructura"}},
		{importer.SectionCulture, []string{"cultura", "educación", "religión", "deporte", "arte"}},
		{importer.SectionSeeAlso, []string{"véase también"}},
		{importer.SectionLiterature, []string{"bibliografía"}},
		{importer.SectionExternalLinks, []string{"enlaces externos"}},
		{importer.SectionNotes, []string{"notas"}},
		{importer.SectionReferences, []string{"referencias"}},
	},
	"zh": {
		{importer.SectionGeography, []string{"地理", "地貌", "气候", "地理环境"}},
		{importer.SectionDemography, []string{"人口", "民族"}},
		{importer.SectionHistory, []string{"历史"}},
		{importer.SectionPolitics, []string{"政治", "政府", "行政"}},
		{importer.SectionEconomy, []string{"经济"}},
		{importer.SectionTransport, []string{"交通", "基础设施", "基礎設施"}},
		{importer.SectionCulture, []string{"文化", "教育", "宗教", "体育", "藝術", "媒体"}},
		{importer.SectionSeeAlso, []string{"参见"}},
		{importer.SectionLiterature, []string{"书目", "延伸阅读"}},
		{importer.SectionExternalLinks, []string{"外部链接"}},
		{importer.SectionNotes, []string{"注释"}},
		{importer.SectionReferences, []string{"参考资料", "参考文献"}},
	},
	"hi": {
		{importer.SectionGeography, []string{"भूगोल", "स्थिति", "जलवायु"}},
		{importer.SectionDemography, []string{"जनसांख्यिकी", "जनसंख्या"}},
		{importer.SectionHistory, []string{"इतिहास"}},
		{importer.SectionPolitics, []string{"राजनीति", "सरकार"}},
		{importer.SectionEconomy, []string{"अर्थव्यवस्था"}},
		{importer.SectionTransport, []string{"परिवहन", "बुनियादी ढाँचा"}},
		{importer.SectionCulture, []string{"संस्कृति", "शिक्षा", "धर्म", "खेल", "कला", "मीडिया"}},
		{importer.SectionSeeAlso, []string{"यह भी देखें"}},
		{importer.SectionLiterature, []string{"साहित्य", "ग्रंथसूची"}},
		{importer.SectionExternalLinks, []string{"बाहरी कड़ियाँ"}},
		{importer.SectionNotes, []string{"टिप्पणियाँ"}},
		{importer.SectionReferences, []string{"संदर्भ", "उद्धरण"}},
	},
}

// NormalizeHeading maps heading text onto the taxonomy for lang. Unknown
// languages use the reference table; unmatched headings return SectionOther.
func NormalizeHeading(heading, lang string) importer.SectionKey {
	text := strings.ToLower(strings.Join(strings.Fields(heading), " "))
	table, ok := aliasTables[lang]
	if !ok {
		table = aliasTables[importer.ReferenceLanguage]
	}
	for _, entry := range table {
		for _, alias := range entry.aliases {
			if strings.HasPrefix(text, alias) {
				return entry.key
			}
		}
	}
	return importer.SectionOther
}

// SupportsLanguage reports whether lang has its own alias table.
func SupportsLanguage(lang string) bool {
	_, ok := aliasTables[lang]
	return ok
}
