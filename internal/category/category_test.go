package category

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfer_WordBoundaries(t *testing.T) {
	reg := Default()

	t.Run("KeywordInsideSentence", func(t *testing.T) {
		got := reg.Infer("An Evening in the Theatre District", "")
		assert.Contains(t, got, "Performing Arts")
	})

	t.Run("KeywordAsSubstringDoesNotMatch", func(t *testing.T) {
		// "theatre" embedded in a longer word must not trigger.
		got := reg.Infer("Theatrely Newsletter Launch", "")
		assert.NotContains(t, got, "Performing Arts")
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		got := reg.Infer("FARMERS MARKET on the square", "")
		assert.Contains(t, got, "Markets & Shopping")
	})

	t.Run("DescriptionScannedToo", func(t *testing.T) {
		got := reg.Infer("Saturday Special", "Live music on the patio all evening")
		assert.Contains(t, got, "Live Music")
	})

	t.Run("MultipleCategories", func(t *testing.T) {
		got := reg.Infer("Jazz Festival", "")
		assert.Contains(t, got, "Live Music")
		assert.Contains(t, got, "Festivals & Fairs")
	})

	t.Run("NoMatch", func(t *testing.T) {
		assert.Empty(t, reg.Infer("Quarterly Board Meeting", ""))
	})

	t.Run("EmptyInput", func(t *testing.T) {
		assert.Empty(t, reg.Infer("", ""))
	})
}

func TestInfer_DeterministicOrder(t *testing.T) {
	reg := Default()

	// Both categories match; registration order decides the result order.
	got := reg.Infer("Comedy night with live music", "")
	require.Equal(t, []string{"Live Music", "Comedy"}, got)
}

func TestFilterKnown(t *testing.T) {
	reg := Default()

	got := reg.FilterKnown([]string{"performing arts", "  Comedy ", "Llama Grooming", "NIGHTLIFE"})
	assert.Equal(t, []string{"Performing Arts", "Comedy", "Nightlife"}, got)

	assert.Empty(t, reg.FilterKnown(nil))
	assert.Empty(t, reg.FilterKnown([]string{"unknown"}))
}

func TestNormalizeTags(t *testing.T) {
	t.Run("SplitsEmbeddedCommas", func(t *testing.T) {
		got := NormalizeTags([]string{"Music, Live Music", "Outdoors"})
		assert.Equal(t, []string{"Music", "Live Music", "Outdoors"}, got)
	})

	t.Run("DedupeFirstSpellingWins", func(t *testing.T) {
		got := NormalizeTags([]string{"Live Music", "live music", "LIVE MUSIC"})
		assert.Equal(t, []string{"Live Music"}, got)
	})

	t.Run("DropsBlanks", func(t *testing.T) {
		got := NormalizeTags([]string{" , ,Comedy, "})
		assert.Equal(t, []string{"Comedy"}, got)
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Empty(t, NormalizeTags(nil))
	})
}

func TestSplitRaw(t *testing.T) {
	assert.Equal(t, []string{"Live Music", "Comedy"}, SplitRaw("Live Music, Comedy"))
	assert.Empty(t, SplitRaw("   "))
	assert.Empty(t, SplitRaw(""))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "food-drink", Slugify("Food & Drink"))
	assert.Equal(t, "trivia-night", Slugify("  Trivia Night  "))
	assert.Equal(t, "jazz-blues-fest", Slugify("Jazz & Blues Fest!"))
	assert.Equal(t, "", Slugify("!!!"))
}
