package stemmer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyPinnedOutputs(t *testing.T) {
	tests := []struct {
		text     string
		stemmers []string
		want     string
	}{
		{"this is a great day", []string{"english", "greek"}, "thi great day"},
		{"λάστιχα αυτοκινήτων", []string{"english", "greek"}, "λάστιχ αυτοκινήτ"},
		{"αμοχωστος", []string{"greeklish"}, "amoxost"},
		{"xeimerina elastika autokinitou", []string{"greeklish"}, "xeimerin elastik autokinit"},
		{"opel corsa", []string{"greeklish"}, "opel cors"},
		{"ford mondeo", []string{"greeklish"}, "ford mondeo"},
		{"διαμέρισμα", []string{"greeklish"}, "diamerism"},
		{"καλαμαριά", []string{"greeklish"}, "kalamar"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Apply(tt.text, tt.stemmers))
		})
	}
}

func TestApplyIsIdempotentOnStemmedText(t *testing.T) {
	// Indexed descriptions are stemmed once and queries are stemmed against
	// them, so stemmed output must be stable under re-stemming.
	inputs := []struct {
		text     string
		stemmers []string
	}{
		{"this is a great day", []string{"english", "greek"}},
		{"λάστιχα αυτοκινήτων", []string{"english", "greek"}},
		{"xeimerina elastika autokinitou", []string{"greeklish"}},
		{"opel corsa", []string{"greeklish"}},
		{"διαμέρισμα", []string{"greeklish"}},
	}
	for _, tt := range inputs {
		once := Apply(tt.text, tt.stemmers)
		assert.Equal(t, once, Apply(once, tt.stemmers), "re-stemming %q", tt.text)
	}
}

func TestEnglishStopwordsAndSuffixes(t *testing.T) {
	e := English{}
	assert.Equal(t, "go the market", e.Stem("going to the markets"))
	assert.Equal(t, "", e.Stem("is are was"))
	// Only the first matching suffix is stripped.
	assert.Equal(t, "stor", e.Stem("stories"))
}

func TestGreekSuffixStrip(t *testing.T) {
	g := Greek{}
	assert.Equal(t, "αυτοκινήτ", g.Stem("αυτοκινήτων"))
	assert.Equal(t, "λάστιχ", g.Stem("λάστιχα"))
	assert.Equal(t, "", g.Stem("είναι για"))
}

func TestGreeklishDropsShortWords(t *testing.T) {
	g := Greeklish{}
	// "i" is a stopword; single-letter leftovers are dropped too.
	assert.Equal(t, "elastik", g.Stem("i elastika"))
}

func TestGreekToGreeklish(t *testing.T) {
	tests := []struct{ in, want string }{
		{"αμοχωστος", "amoxostos"},
		{"διαμέρισμα", "diamerisma"},
		{"καλαμαριά", "kalamaria"},
		{"αυτοκινήτου", "aftokinitoy"},
		{"ευχαριστώ", "efxaristo"},
		{"ευαγγελιο", "evaggelio"},
		{"θεσσαλονίκη", "thessaloniki"},
		{"μπαρ", "bar"},
		{"opel", "opel"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, GreekToGreeklish(tt.in))
		})
	}
}

func TestGreeklishToGreek(t *testing.T) {
	assert.Equal(t, "θα", GreeklishToGreek("tha"))
	assert.Equal(t, "μπαρ", GreeklishToGreek("bar"))
}

func TestForNamesKeepsCanonicalOrder(t *testing.T) {
	stemmers := ForNames([]string{"greeklish", "english"})
	assert.Len(t, stemmers, 2)
	assert.Equal(t, "english", stemmers[0].Name())
	assert.Equal(t, "greeklish", stemmers[1].Name())

	assert.Empty(t, ForNames(nil))
	assert.Empty(t, ForNames([]string{"turkish"}))
}
