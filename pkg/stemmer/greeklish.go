package stemmer

import "strings"

var greeklishStopwords = stopwordSet(
	"o", "i", "oi", "tou", "tis", "ton", "tin", "to", "ta",
	"twn", "tw", "ston", "stwn", "stou", "se",
	"stin", "stis", "sthn", "sths", "tous",
)

// Greeklish words carry stacked endings (plural + case), so unlike the
// single-strip stemmers every suffix in order gets a chance, as long as at
// least three characters remain.
var greeklishSuffixes = []string{
	"ontas", "iontas", "ousas", "ousa",
	"oume", "oune", "ountai", "ou",
	"esai", "ia", "ies", "ion",
	"os", "es", "wn", "ous", "as", "a", "h", "hs",
	"este", "etai", "oun", "ete", "eis", "ei",
}

type Greeklish struct{}

func (Greeklish) Name() string { return "greeklish" }

// Stem transliterates Greek script to Latin first, so mixed-script input
// ("χειμερινά" and "xeimerina") lands on the same stems.
func (Greeklish) Stem(text string) string {
	text = GreekToGreeklish(text)
	return stemWords(text, greeklishStopwords, func(word string) string {
		word = stemGreeklishWord(word)
		if len([]rune(word)) <= 1 {
			return ""
		}
		return word
	})
}

func stemGreeklishWord(word string) string {
	for _, sfx := range greeklishSuffixes {
		if strings.HasSuffix(word, sfx) && len(word)-len(sfx) >= 3 {
			word = strings.TrimSuffix(word, sfx)
		}
	}
	return word
}

var greekAccentFold = map[rune]rune{
	'ά': 'α', 'έ': 'ε', 'ό': 'ο', 'ί': 'ι', 'ύ': 'υ', 'ώ': 'ω', 'ή': 'η',
	'ϊ': 'ι', 'ϋ': 'υ', 'ΐ': 'ι', 'ΰ': 'υ',
	'Ά': 'α', 'Ό': 'ο', 'Ί': 'ι', 'Έ': 'ε', 'Ύ': 'υ', 'Ώ': 'ω', 'Ή': 'η',
}

// Hard consonants turn ΕΥ/ΑΥ into EF/AF instead of EV/AV.
var greekHardConsonants = map[rune]bool{
	'Θ': true, 'Κ': true, 'Ξ': true, 'Π': true,
	'Σ': true, 'Τ': true, 'Φ': true, 'Χ': true, 'Ψ': true,
}

var greekDoubles = strings.NewReplacer(
	"Θ", "TH",
	"Ξ", "KS",
	"Ψ", "PS",
	"ΤΖ", "J",
	"ΜΠ", "B",
)

var greekSingles = buildRuneMap(
	"ΑΨΔΕΦΓΗΙΚΛΜΝΟΠΡΣΤΥΒΩΧΥΖΘΞ",
	"ACDEFGIIKLMNOPRSTYVOXYZ83",
)

var latinDoubles = strings.NewReplacer(
	"TH", "Θ",
	"KS", "Ξ",
	"EF", "ΕΥ",
	"AF", "ΑΥ",
	"CH", "Χ",
	"PS", "Ψ",
	"J", "ΤΖ",
	"B", "ΜΠ",
)

var latinSingles = buildRuneMap(
	"ACDEFGIIKLMNOPRSTIVOXIZ83I",
	"ΑΨΔΕΦΓΗΙΚΛΜΝΟΠΡΣΤΥΒΩΧΥΖΘΞΥ",
)

// buildRuneMap pairs the runes of from and to; later duplicates overwrite
// earlier ones.
func buildRuneMap(from, to string) map[rune]rune {
	fr, tr := []rune(from), []rune(to)
	m := make(map[rune]rune, len(fr))
	for i := range fr {
		m[fr[i]] = tr[i]
	}
	return m
}

// GreekToGreeklish transliterates Greek script to the Latin spelling used in
// greeklish text. Latin characters pass through untouched.
func GreekToGreeklish(text string) string {
	lowered := strings.ToLower(text)
	folded := strings.Map(func(r rune) rune {
		if f, ok := greekAccentFold[r]; ok {
			return f
		}
		return r
	}, lowered)
	upper := strings.ToUpper(folded)

	// ΕΥ and ΑΥ depend on the following consonant, which regexp can't see
	// without lookahead, so scan runes by hand.
	runes := []rune(upper)
	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		if (runes[i] == 'Ε' || runes[i] == 'Α') && i+1 < len(runes) && runes[i+1] == 'Υ' {
			first := byte('E')
			if runes[i] == 'Α' {
				first = 'A'
			}
			second := byte('V')
			if i+2 < len(runes) && greekHardConsonants[runes[i+2]] {
				second = 'F'
			}
			b.WriteByte(first)
			b.WriteByte(second)
			i++
			continue
		}
		b.WriteRune(runes[i])
	}

	replaced := greekDoubles.Replace(b.String())
	mapped := strings.Map(func(r rune) rune {
		if l, ok := greekSingles[r]; ok {
			return l
		}
		return r
	}, replaced)

	return strings.ToLower(mapped)
}

// GreeklishToGreek is the lossy inverse transliteration.
func GreeklishToGreek(text string) string {
	upper := strings.ToUpper(text)
	replaced := latinDoubles.Replace(upper)
	mapped := strings.Map(func(r rune) rune {
		if g, ok := latinSingles[r]; ok {
			return g
		}
		return r
	}, replaced)
	return strings.ToLower(mapped)
}
