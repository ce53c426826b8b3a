// Package intent implements deterministic intent detection for the assistant.
//
// The matcher scores free-form operator text against a catalog of intent
// patterns using word overlap weighted by pattern specificity; no LLM is
// involved in control decisions.  Entity (slot) extraction runs only for the
// winning intent, using per-slot regular expressions.
//
// A small per-actor recency window feeds a continuity bonus: when the
// candidate intent is a registered follow-up to the actor's most recent
// intent, its score is nudged upward.  The window is session-scoped and never
// persisted.
package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/solari-hq/spine/internal/assistant/session"
)

// UnknownIntent is the name returned when no pattern clears the confidence
// threshold.  It is a valid, non-error outcome.
const UnknownIntent = "unknown"

// unknownConfidence is the fixed confidence reported for UnknownIntent.
const unknownConfidence = 0.1

// DefaultThreshold is the minimum confidence (τ) a candidate must reach to
// be reported as a real intent.
const DefaultThreshold = 0.3

// continuityBonus is added to a candidate's score when it is a registered
// follow-up to the actor's most recent intent.
const continuityBonus = 0.15

// SlotKind selects how a captured slot value is typed.
type SlotKind string

const (
	SlotString SlotKind = "string"
	SlotNumber SlotKind = "number"
)

// SlotPattern declares one extractable entity for an intent.  Pattern must
// contain exactly one capture group; the captured text becomes the slot value.
type SlotPattern struct {
	Name    string
	Kind    SlotKind
	Pattern string

	re *regexp.Regexp
}

// Pattern is one catalog entry: an intent name plus the phrases that signal
// it and the slots extracted when it wins.
type Pattern struct {
	// Intent is the intent name, e.g. "invoices.refund".
	Intent string
	// Phrases are example utterances.  The candidate score is the best score
	// across all phrases.
	Phrases []string
	// Slots are the entity extractors run for the winning intent only.
	Slots []SlotPattern
	// FollowsFrom lists intent names this intent is a logical follow-up to.
	// When the actor's most recent intent is in this list the candidate
	// receives the continuity bonus.
	FollowsFrom []string

	phraseTokens [][]string
}

// Detected is the ranked result of one detection call.
type Detected struct {
	// Name is the winning intent name, or UnknownIntent.
	Name string
	// Confidence is in [0,1].
	Confidence float64
	// Slots holds the extracted entities.  Values are string or float64.
	// A slot with no match is omitted, never defaulted.
	Slots map[string]any
	// RawText is the original input text.
	RawText string
}

// Matcher scores text against a fixed pattern catalog.
//
// Detect is a pure function of (text, actor history); it never mutates the
// recency window.  Callers that act on a detection record it with Observe so
// follow-up intents from the same actor get the continuity bonus.  This split
// keeps Detect idempotent and usable as a read-only preview.
//
// Matcher is safe for concurrent use from multiple goroutines.
type Matcher struct {
	patterns  []Pattern
	threshold float64
	window    *recencyWindow
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithThreshold overrides the minimum confidence τ.
func WithThreshold(tau float64) Option {
	return func(m *Matcher) { m.threshold = tau }
}

// NewMatcher compiles the pattern catalog and returns a ready Matcher.
// It fails when a pattern has no phrases, a duplicate intent name, or an
// invalid slot regex: configuration errors surface at startup, not at
// detection time.
func NewMatcher(patterns []Pattern, opts ...Option) (*Matcher, error) {
	m := &Matcher{
		threshold: DefaultThreshold,
		window:    newRecencyWindow(recencyWindowSize),
	}
	for _, opt := range opts {
		opt(m)
	}

	seen := make(map[string]struct{}, len(patterns))
	for i := range patterns {
		p := patterns[i]
		if p.Intent == "" {
			return nil, fmt.Errorf("pattern %d: intent name must not be empty", i)
		}
		if _, dup := seen[p.Intent]; dup {
			return nil, fmt.Errorf("pattern %d: duplicate intent %q", i, p.Intent)
		}
		seen[p.Intent] = struct{}{}
		if len(p.Phrases) == 0 {
			return nil, fmt.Errorf("pattern %q: at least one phrase is required", p.Intent)
		}

		p.phraseTokens = make([][]string, len(p.Phrases))
		for j, phrase := range p.Phrases {
			toks := contentTokens(phrase)
			if len(toks) == 0 {
				return nil, fmt.Errorf("pattern %q: phrase %d has no content tokens", p.Intent, j)
			}
			p.phraseTokens[j] = toks
		}

		for k := range p.Slots {
			s := &p.Slots[k]
			if s.Name == "" {
				return nil, fmt.Errorf("pattern %q: slot %d has no name", p.Intent, k)
			}
			if s.Kind == "" {
				s.Kind = SlotString
			}
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: slot %q: %w", p.Intent, s.Name, err)
			}
			if re.NumSubexp() != 1 {
				return nil, fmt.Errorf("pattern %q: slot %q: pattern must have exactly one capture group", p.Intent, s.Name)
			}
			s.re = re
		}

		m.patterns = append(m.patterns, p)
	}

	return m, nil
}

// Threshold returns the configured minimum confidence τ.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Detect scores text against the catalog and returns the highest-ranked
// intent above τ, or UnknownIntent.  Ties break toward the earliest
// registered pattern so detection is deterministic.
func (m *Matcher) Detect(text string, sctx session.Context) Detected {
	tokens := contentTokens(text)

	best := -1
	bestScore := 0.0

	recent := m.window.last(sctx.ActorID)

	for i := range m.patterns {
		p := &m.patterns[i]
		score := m.scorePattern(p, tokens)
		if score > 0 && recent != "" && followsFrom(p, recent) {
			score += continuityBonus
			if score > 1 {
				score = 1
			}
		}
		// Strict > keeps the earliest-registered pattern on ties.
		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	if best < 0 || bestScore < m.threshold {
		return Detected{
			Name:       UnknownIntent,
			Confidence: unknownConfidence,
			RawText:    text,
		}
	}

	winner := &m.patterns[best]
	return Detected{
		Name:       winner.Intent,
		Confidence: bestScore,
		Slots:      extractSlots(winner, text),
		RawText:    text,
	}
}

// Observe records that the actor acted on the named intent, feeding the
// continuity bonus for follow-up detections.  The per-actor window is
// bounded; the oldest entry is evicted.
func (m *Matcher) Observe(actorID, intentName string) {
	if actorID == "" || intentName == "" || intentName == UnknownIntent {
		return
	}
	m.window.append(actorID, intentName)
}

// scorePattern returns the best phrase score for the pattern.
//
// A phrase scores coverage × specificity weight, where coverage is the share
// of phrase tokens present in the input and the weight grows with phrase
// length (longer phrases are more specific, so a full match on "refund the
// invoice" outranks a full match on "refund").
func (m *Matcher) scorePattern(p *Pattern, textTokens []string) float64 {
	if len(textTokens) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(textTokens))
	for _, t := range textTokens {
		set[t] = struct{}{}
	}

	best := 0.0
	for _, phrase := range p.phraseTokens {
		matched := 0
		for _, t := range phrase {
			if _, ok := set[t]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		coverage := float64(matched) / float64(len(phrase))
		specificity := float64(len(phrase)) / 4.0
		if specificity > 1 {
			specificity = 1
		}
		score := coverage * (0.7 + 0.3*specificity)
		if score > best {
			best = score
		}
	}
	return best
}

// extractSlots runs the winning intent's slot extractors against the raw
// text.  Slots that do not match are omitted.
func extractSlots(p *Pattern, text string) map[string]any {
	if len(p.Slots) == 0 {
		return nil
	}
	slots := make(map[string]any)
	for i := range p.Slots {
		s := &p.Slots[i]
		match := s.re.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		value := match[1]
		switch s.Kind {
		case SlotNumber:
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			slots[s.Name] = n
		default:
			slots[s.Name] = value
		}
	}
	if len(slots) == 0 {
		return nil
	}
	return slots
}

func followsFrom(p *Pattern, recent string) bool {
	for _, f := range p.FollowsFrom {
		if f == recent {
			return true
		}
	}
	return false
}

// normalize lowercases text and strips punctuation so scoring is insensitive
// to casing and symbols.
func normalize(text string) string {
	lower := strings.ToLower(text)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// tokenize splits normalized text into tokens of letters, digits, hyphens,
// and underscores (matching valid identifier characters).
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}

// stopWords are function words dropped before scoring so overlap on filler
// ("the", "please") never pushes an unrelated pattern over the threshold.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "my": {}, "me": {}, "i": {}, "is": {},
	"are": {}, "was": {}, "to": {}, "of": {}, "in": {}, "on": {}, "at": {},
	"for": {}, "please": {}, "can": {}, "could": {}, "would": {}, "you": {},
	"it": {}, "this": {}, "that": {}, "and": {}, "with": {}, "what": {},
}

// contentTokens normalizes and tokenizes text, then drops stop words.
func contentTokens(text string) []string {
	tokens := tokenize(normalize(text))
	out := tokens[:0]
	for _, t := range tokens {
		if _, skip := stopWords[t]; !skip {
			out = append(out, t)
		}
	}
	return out
}
