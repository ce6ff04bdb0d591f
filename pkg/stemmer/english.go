package stemmer

var englishStopwords = stopwordSet(
	"is", "are", "was", "were", "be", "been", "being",
	"have", "has", "had", "do", "does", "did",
	"shall", "will", "should", "would", "may", "might", "must",
	"can", "could", "to", "a",
)

// Suffix order matters: the first match wins and only one is stripped.
var englishSuffixes = []string{"ing", "ly", "ious", "ies", "ive", "es", "s", "ment"}

type English struct{}

func (English) Name() string { return "english" }

func (English) Stem(text string) string {
	return stemWords(text, englishStopwords, func(word string) string {
		return stripFirstSuffix(word, englishSuffixes)
	})
}
