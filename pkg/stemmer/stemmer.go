// Package stemmer implements the lightweight suffix stemmers applied to
// item descriptions and text queries: english, greek, and greeklish
// (Greek transliterated to Latin). Collections configure a subset; they are
// always applied in the fixed order english, greek, greeklish, each feeding
// the next.
package stemmer

import (
	"strings"
	"unicode"
)

type Stemmer interface {
	Name() string
	Stem(text string) string
}

var registry = []Stemmer{English{}, Greek{}, Greeklish{}}

// ForNames returns the configured stemmers in canonical order. Unknown
// names are ignored.
func ForNames(names []string) []Stemmer {
	if len(names) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(n)] = true
	}
	var out []Stemmer
	for _, s := range registry {
		if wanted[s.Name()] {
			out = append(out, s)
		}
	}
	return out
}

// Apply runs the named stemmers over text in canonical order.
func Apply(text string, names []string) string {
	for _, s := range ForNames(names) {
		text = s.Stem(text)
	}
	return text
}

// Names lists the available stemmer names.
func Names() []string {
	out := make([]string, len(registry))
	for i, s := range registry {
		out[i] = s.Name()
	}
	return out
}

// tokenize lowercases text, turns every non-letter non-digit rune into a
// space, and splits into words.
func tokenize(text string) []string {
	lowered := strings.ToLower(text)
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return ' '
	}, lowered)
	return strings.Fields(cleaned)
}

// stripFirstSuffix removes the first matching suffix from word, at most one.
func stripFirstSuffix(word string, suffixes []string) string {
	for _, sfx := range suffixes {
		if strings.HasSuffix(word, sfx) {
			return strings.TrimSuffix(word, sfx)
		}
	}
	return word
}

func stemWords(text string, stopwords map[string]bool, stem func(string) string) string {
	var out []string
	for _, word := range tokenize(text) {
		if stopwords[word] {
			continue
		}
		if stemmed := stem(word); stemmed != "" {
			out = append(out, stemmed)
		}
	}
	return strings.Join(out, " ")
}

func stopwordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
