package sections

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/country-content-importer/internal/importer"
)

// MinImageSize is the smallest width or height kept; smaller images are icons.
const MinImageSize = 100

var (
	scenicKeywords = []string{
		"landscape", "beach", "mountain", "forest", "lake", "river", "valley", "coast",
		"landschaft", "strand", "berg", "wald", "see", "fluss", "tal", "küste",
		"nature", "natural", "natur", "scenic", "vista", "view", "panorama",
	}
	landmarkKeywords = []string{
		"monument", "temple", "church", "cathedral", "palace", "castle", "fortress",
		"denkmal", "tempel", "kirche", "dom", "palast", "schloss", "festung",
		"tower", "bridge", "statue", "turm", "brücke",
	}
	cityKeywords = []string{
		"city", "town", "capital", "downtown", "skyline", "street", "square",
		"stadt", "hauptstadt", "zentrum", "straße", "platz", "markt",
	}
	buildingKeywords = []string{
		"building", "house", "hotel", "market", "school", "university",
		"gebäude", "haus", "markt", "schule", "universität",
	}
)

// Classify tags an image from its URL, alt text and title. Flags and coats of
// arms are also recognized from the file URL; the scenery kinds use only the
// human-readable text.
func Classify(url, alt, title string) importer.ImageKind {
	u := strings.ToLower(url)
	a := strings.ToLower(alt)
	t := strings.ToLower(title)

	switch {
	case strings.Contains(u, "flag") || strings.Contains(a, "flag") || strings.Contains(t, "flag") ||
		strings.Contains(a, "flagge") || strings.Contains(t, "flagge"):
		return importer.ImageFlag
	case containsAny(u, "coat", "arms", "wappen") || containsAny(a, "coat", "arms", "wappen"):
		return importer.ImageCoatOfArms
	case textMatches(a, t, scenicKeywords):
		return importer.ImageScenic
	case textMatches(a, t, landmarkKeywords):
		return importer.ImageLandmark
	case textMatches(a, t, cityKeywords):
		return importer.ImageCity
	case textMatches(a, t, buildingKeywords):
		return importer.ImageBuilding
	default:
		return importer.ImageOther
	}
}

// NormalizeMediaURL trims, upgrades protocol-relative URLs and rewrites
// Wikimedia thumbnails to their original file.
func NormalizeMediaURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "//") {
		u = "https:" + u
	}
	if !strings.Contains(u, "upload.wikimedia.org") || !strings.Contains(u, "/thumb/") {
		return u
	}
	// .../wikipedia/commons/thumb/a/ab/File.jpg/250px-File.jpg -> .../wikipedia/commons/a/ab/File.jpg
	parts := strings.Split(u, "/")
	thumb := -1
	for i, p := range parts {
		if p == "thumb" {
			thumb = i
			break
		}
	}
	if thumb < 0 || thumb+3 >= len(parts) {
		return u
	}
	file := parts[len(parts)-1]
	size, _, found := strings.Cut(file, "-")
	if !found || !strings.HasSuffix(size, "px") {
		return u
	}
	original := append(append([]string{}, parts[:thumb]...), parts[thumb+1:len(parts)-1]...)
	return strings.Join(original, "/")
}

// ExtractImages returns the non-icon images in markup, classified, de-duplicated
// by normalized URL and sorted by kind priority.
func ExtractImages(markup string) ([]importer.Image, error) {
	if strings.TrimSpace(markup) == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse article markup: %w", err)
	}

	seen := make(map[string]bool)
	var images []importer.Image
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := NormalizeMediaURL(s.AttrOr("src", ""))
		if !strings.HasPrefix(src, "http") || seen[src] {
			return
		}
		if tooSmall(s.AttrOr("width", ""), s.AttrOr("height", "")) {
			return
		}
		alt := s.AttrOr("alt", "")
		title := s.AttrOr("title", alt)
		seen[src] = true
		images = append(images, importer.Image{
			URL:   src,
			Alt:   alt,
			Title: title,
			Kind:  Classify(src, alt, title),
		})
	})

	SortByPriority(images)
	return images, nil
}

// SortByPriority orders images flag first, then coat of arms, scenic,
// landmark, city, building and other. Ties keep document order.
func SortByPriority(images []importer.Image) {
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].Kind.Priority() < images[j].Kind.Priority()
	})
}

// Dedupe drops later images whose URL was already seen.
func Dedupe(images []importer.Image) []importer.Image {
	seen := make(map[string]bool, len(images))
	out := images[:0:0]
	for _, img := range images {
		if seen[img.URL] {
			continue
		}
		seen[img.URL] = true
		out = append(out, img)
	}
	return out
}

func tooSmall(width, height string) bool {
	if width == "" || height == "" {
		return false
	}
	w, errW := strconv.Atoi(width)
	h, errH := strconv.Atoi(height)
	if errW != nil || errH != nil {
		return false
	}
	return w < MinImageSize || h < MinImageSize
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// textMatches reports whether a word of alt or title starts with a keyword, so
// "mountains" matches "mountain" while "capital" does not match "tal".
func textMatches(alt, title string, keywords []string) bool {
	return wordPrefixAny(alt, keywords) || wordPrefixAny(title, keywords)
}

func wordPrefixAny(text string, keywords []string) bool {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		for _, k := range keywords {
			if strings.HasPrefix(w, k) {
				return true
			}
		}
	}
	return false
}
