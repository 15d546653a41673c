// Package alert implements keyword watch rules over call transcripts.
//
// Scanner transcripts are speech-to-text output, so a literal substring
// match misses most of what users actually care about ("Mane Street" for
// "Main Street", "structure higher" for "structure fire"). The matcher
// therefore combines two stages per keyword:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the keyword and for each transcript word. An overlapping code makes
//     the word a phonetic candidate.
//
//  2. Jaro-Winkler ranking: candidates are accepted when their similarity
//     to the keyword exceeds the phonetic threshold (default 0.70). When no
//     phonetic candidate exists, a pure similarity pass applies a stricter
//     fuzzy threshold (default 0.85).
//
// Hits are advisory: they are logged and counted but never affect record
// routing.
package alert

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Rule is one named watch rule. A rule matches when any of its keywords
// matches any word of a transcript.
type Rule struct {
	// Name identifies the rule in logs and metrics.
	Name string

	// Keywords are the words or short phrases to watch for.
	Keywords []string
}

// Hit records one rule match within a transcript.
type Hit struct {
	// Rule is the name of the matched rule.
	Rule string

	// Keyword is the rule keyword that matched.
	Keyword string

	// Word is the transcript token (or phrase) that triggered the match.
	Word string

	// Score is the Jaro-Winkler similarity that accepted the match, in
	// [0.0, 1.0].
	Score float64
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched word to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher evaluates watch rules against transcripts. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	rules             []Rule
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher for the given rules. Rules with no keywords are
// kept but can never match.
func New(rules []Rule, opts ...Option) *Matcher {
	m := &Matcher{
		rules:             rules,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Rules returns the configured rule set.
func (m *Matcher) Rules() []Rule { return m.rules }

// Scan evaluates every rule against transcript and returns all hits, at most
// one per rule keyword. An empty transcript never matches.
func (m *Matcher) Scan(transcript string) []Hit {
	words := strings.Fields(strings.ToLower(transcript))
	if len(words) == 0 {
		return nil
	}

	var hits []Hit
	for _, rule := range m.rules {
		for _, keyword := range rule.Keywords {
			if word, score, ok := m.match(strings.ToLower(keyword), words); ok {
				hits = append(hits, Hit{
					Rule:    rule.Name,
					Keyword: keyword,
					Word:    word,
					Score:   score,
				})
			}
		}
	}
	return hits
}

// match finds the best transcript word for one keyword. Multi-word keywords
// are compared against sliding windows of the same token count.
func (m *Matcher) match(keyword string, words []string) (string, float64, bool) {
	kwTokens := strings.Fields(keyword)
	if len(kwTokens) == 0 {
		return "", 0, false
	}
	kwCodes := codesForTokens(kwTokens)

	var (
		bestWord     string
		bestScore    float64
		bestPhonetic bool
	)

	for i := 0; i+len(kwTokens) <= len(words); i++ {
		window := strings.Join(words[i:i+len(kwTokens)], " ")
		windowCodes := codesForTokens(words[i : i+len(kwTokens)])

		score := matchr.JaroWinkler(keyword, window, false)
		phonetic := codesOverlap(kwCodes, windowCodes)

		if phonetic {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				bestWord, bestScore, bestPhonetic = window, score, true
			}
		} else if !bestPhonetic {
			if score >= m.fuzzyThreshold && score > bestScore {
				bestWord, bestScore = window, score
			}
		}
	}

	return bestWord, bestScore, bestWord != ""
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
