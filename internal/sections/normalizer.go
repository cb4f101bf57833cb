// Package sections splits article markup into the content taxonomy and
// extracts classified images.
package sections

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/country-content-importer/internal/importer"
)

var blockElements = map[string]bool{
	"p":          true,
	"ul":         true,
	"ol":         true,
	"dl":         true,
	"table":      true,
	"div":        true,
	"figure":     true,
	"h3":         true,
	"h4":         true,
	"blockquote": true,
}

// Split walks the top-level blocks of markup and groups them under the
// level-2 headings that precede them. Bodies keep their original markup.
func Split(markup, lang string) (map[importer.SectionKey]string, error) {
	out := make(map[importer.SectionKey]string)
	if strings.TrimSpace(markup) == "" {
		return out, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse article markup: %w", err)
	}

	var (
		current importer.SectionKey
		inBody  bool
		buf     []string
		lead    []string
	)
	flush := func() {
		if !inBody || current == importer.SectionOther {
			return
		}
		chunk := strings.TrimSpace(strings.Join(buf, "\n"))
		if chunk == "" {
			return
		}
		if existing, ok := out[current]; ok {
			chunk = existing + "\n" + chunk
		}
		out[current] = chunk
	}

	walkBlocks(doc.Find("body"), func(s *goquery.Selection, heading string, isHeading bool) {
		if isHeading {
			flush()
			buf = buf[:0]
			current = NormalizeHeading(heading, lang)
			inBody = true
			return
		}
		html, err := goquery.OuterHtml(s)
		if err != nil {
			return
		}
		if !inBody {
			if goquery.NodeName(s) == "p" {
				lead = append(lead, html)
			}
			return
		}
		buf = append(buf, html)
	})
	flush()

	if _, ok := out[importer.SectionOverview]; !ok {
		if leadHTML := strings.TrimSpace(strings.Join(lead, "\n")); leadHTML != "" {
			out[importer.SectionOverview] = leadHTML
		}
	}
	return out, nil
}

// walkBlocks visits block elements in document order, descending into
// section wrappers so Parsoid and parser output look the same.
func walkBlocks(root *goquery.Selection, visit func(s *goquery.Selection, heading string, isHeading bool)) {
	root.Children().Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		switch {
		case name == "h2":
			visit(s, s.Text(), true)
		case name == "section" || s.HasClass("mw-parser-output"):
			walkBlocks(s, visit)
		case name == "div" && s.HasClass("mw-heading"):
			if h2 := s.ChildrenFiltered("h2"); h2.Length() > 0 {
				visit(s, h2.First().Text(), true)
				return
			}
			visit(s, "", false)
		case blockElements[name]:
			visit(s, "", false)
		}
	})
}
