package stemmer

var greekStopwords = stopwordSet(
	"είμαι", "είσαι", "είναι", "είμαστε", "είστε", "σε", "για",
)

// Verb endings first, then noun endings, longest variants before their
// prefixes. First match wins, single strip.
var greekSuffixes = []string{
	"ωντας", "οντας", "ιωντας", "ουσας", "ουσα",
	"ουμε", "ουνε", "ουνται",
	"εσαι", "εστε", "εται",
	"ουν", "ετε", "εις", "ει", "ειτε",
	"ια", "ιες", "ιων",
	"ος", "ου", "α", "ες", "ων", "ους", "ας", "η", "ης",
}

type Greek struct{}

func (Greek) Name() string { return "greek" }

func (Greek) Stem(text string) string {
	return stemWords(text, greekStopwords, func(word string) string {
		return stripFirstSuffix(word, greekSuffixes)
	})
}
