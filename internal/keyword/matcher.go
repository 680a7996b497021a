// Package keyword implements offline wake-phrase spotting on the shared
// capture stream.
//
// A [Spotter] subscribes to the capture hub, feeds 16 kHz mono PCM to a
// [Recognizer], and publishes [Detection] events on a channel consumed by
// exactly one caller. The spotter never acts on its own detections; starting
// a conversation is the consumer's job.
//
// Recognizers are deliberately short-lived: every (re)start allocates a
// fresh recognizer and model instance through a [Factory], because reusing
// disposed handles is a known source of invalid-handle failures in speech
// SDKs. A configurable gap is enforced between dispose and re-create.
package keyword

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultExactThreshold    = 0.85
)

// MatcherOption is a functional option for configuring a [Matcher].
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum per-token Jaro-Winkler score
// required when the transcript token phonetically overlaps the phrase
// token. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithExactThreshold sets the minimum per-token Jaro-Winkler score required
// when the tokens share no phonetic code and plain string similarity is the
// only evidence. Default: 0.85.
func WithExactThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.exactThreshold = threshold
	}
}

// Matcher decides whether a transcript contains one of the configured wake
// phrases. It slides a phrase-width window over the transcript tokens and
// requires EVERY phrase token to align with its window counterpart: a token
// pair passes on Double Metaphone phonetic overlap combined with moderate
// Jaro-Winkler similarity, or on high similarity alone. Requiring all
// tokens keeps "hey there" from triggering a "hey verdure" phrase on the
// strength of the shared first word.
//
// A Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	exactThreshold    float64
}

// NewMatcher returns a [Matcher] configured with the supplied options.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		exactThreshold:    defaultExactThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match scans transcript for the best-scoring occurrence of any phrase.
// Confidence is the mean per-token Jaro-Winkler score of the winning
// window. When matched is false, phrase is empty and confidence is 0.
func (m *Matcher) Match(transcript string, phrases []string) (phrase string, confidence float64, matched bool) {
	tokens := strings.Fields(strings.ToLower(transcript))
	if len(tokens) == 0 || len(phrases) == 0 {
		return "", 0, false
	}

	var (
		bestPhrase string
		bestScore  float64
	)

	for _, p := range phrases {
		phraseTokens := strings.Fields(strings.ToLower(strings.TrimSpace(p)))
		if len(phraseTokens) == 0 {
			continue
		}

		if len(tokens) < len(phraseTokens) {
			// The recognizer may have merged words ("heyverdure"). Compare
			// the space-stripped forms; high similarity is required since
			// there is no per-token evidence.
			joined := strings.Join(tokens, "")
			target := strings.Join(phraseTokens, "")
			if s := matchr.JaroWinkler(joined, target, false); s >= m.exactThreshold && s > bestScore {
				bestPhrase, bestScore = p, s
			}
			continue
		}

		for i := 0; i+len(phraseTokens) <= len(tokens); i++ {
			window := tokens[i : i+len(phraseTokens)]
			if score, ok := m.scoreWindow(window, phraseTokens); ok && score > bestScore {
				bestPhrase, bestScore = p, score
			}
		}
	}

	if bestPhrase == "" {
		return "", 0, false
	}
	return bestPhrase, bestScore, true
}

// scoreWindow aligns window and phrase tokens positionally. Every pair must
// clear its threshold for the window to match; the returned score is the
// mean pairwise similarity.
func (m *Matcher) scoreWindow(window, phraseTokens []string) (float64, bool) {
	var sum float64
	for i, pt := range phraseTokens {
		jw := matchr.JaroWinkler(window[i], pt, false)

		threshold := m.exactThreshold
		if codesOverlap(tokenCodes(window[i]), tokenCodes(pt)) {
			threshold = m.phoneticThreshold
		}
		if jw < threshold {
			return 0, false
		}
		sum += jw
	}
	return sum / float64(len(phraseTokens)), true
}

// tokenCodes returns the Double Metaphone codes for a single token. Empty
// codes (words too short or without consonants) are excluded.
func tokenCodes(token string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(token)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
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
