package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "united-states", Slugify("  United States "))
	assert.Equal(t, "côte-d'ivoire", Slugify("Côte d'Ivoire"))
	assert.Empty(t, Slugify(""))
}

func TestImageKindPriorityAndMediaType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind      ImageKind
		priority  int
		mediaType string
	}{
		{ImageFlag, 0, "flag"},
		{ImageCoatOfArms, 1, "coat_of_arms"},
		{ImageScenic, 2, "hero_scenic"},
		{ImageLandmark, 3, "hero_landmark"},
		{ImageCity, 4, "hero_city"},
		{ImageBuilding, 5, "hero_building"},
		{ImageOther, 6, "hero_other"},
		{"", 6, "hero_other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.priority, tt.kind.Priority(), tt.kind)
		assert.Equal(t, tt.mediaType, tt.kind.MediaType(), tt.kind)
	}
}

func TestUnitOutcomeDone(t *testing.T) {
	t.Parallel()
	assert.True(t, OutcomeSuccess.Done())
	assert.True(t, OutcomeNoData.Done())
	assert.True(t, OutcomeSkipped.Done())
	assert.False(t, OutcomeError.Done())
}

func TestLanguageName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Deutsch", LanguageName("de"))
	assert.Equal(t, "fr", LanguageName("fr"))
}

func TestSectionNamesCoverTaxonomy(t *testing.T) {
	t.Parallel()
	assert.Len(t, SectionOrder, 13)
	for _, key := range SectionOrder {
		assert.NotEmpty(t, SectionNames[key], key)
	}
	assert.NotContains(t, SectionOrder, SectionOther)
}

func TestResolutionEmpty(t *testing.T) {
	t.Parallel()
	assert.True(t, Resolution{Identifier: "Q183"}.Empty())
	assert.False(t, Resolution{Title: "Germany"}.Empty())
}
