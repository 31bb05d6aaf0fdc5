package extract

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultMaxPhraseWords = 4  // Longest multi-word term
	defaultMinTextLen     = 10 // Sentences shorter than this yield no terms
	minNounLen            = 3
	minTermLen            = 2
)

var (
	yearPattern = regexp.MustCompile(`^\d{4}$`)
	urlPattern  = regexp.MustCompile(`(?i)^(https?://|www\.)|^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// Extractor derives normalized candidate terms from sentence text.
// An Extractor keeps reusable scratch state and must not be shared between goroutines.
type Extractor struct {
	lower          cases.Caser
	maxPhraseWords int
	minTextLen     int
	tokens         []token
}

// Option configures an Extractor
type Option func(*Extractor)

// WithMaxPhraseWords bounds the length of multi-word terms
func WithMaxPhraseWords(n int) Option {
	return func(e *Extractor) {
		if n >= 2 {
			e.maxPhraseWords = n
		}
	}
}

// WithMinTextLength sets the shortest sentence that is considered at all
func WithMinTextLength(n int) Option {
	return func(e *Extractor) {
		if n >= 0 {
			e.minTextLen = n
		}
	}
}

// NewExtractor creates a new term extractor
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		lower:          cases.Lower(language.English),
		maxPhraseWords: defaultMaxPhraseWords,
		minTextLen:     defaultMinTextLen,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type token struct {
	lower   string
	capital bool
	stop    bool
	brk     bool // Punctuation or a dropped token precedes this one
}

// Extract returns the sorted set of normalized terms found in text
func (e *Extractor) Extract(text string) []string {
	text = norm.NFKC.String(StripMarkup(text))
	if utf8.RuneCountInString(strings.TrimSpace(text)) < e.minTextLen {
		return nil
	}

	e.tokenize(text)
	terms := make(map[string]struct{})

	add := func(term string) {
		term = collapseSpaces(term)
		if isValidTerm(term) && !isGenericTerm(term) {
			terms[term] = struct{}{}
		}
	}

	// Named-entity spans: runs of capitalized content tokens
	e.eachRun(func(t token) bool { return !t.stop && t.capital }, nil, func(run []token) {
		if len(run) <= e.maxPhraseWords {
			add(joinLower(run))
		}
	})

	// Meaningful single nouns
	for _, t := range e.tokens {
		if t.stop || utf8.RuneCountInString(t.lower) < minNounLen {
			continue
		}
		add(singularize(t.lower))
	}

	// Short multi-word phrases, split where capitalization changes
	caseChange := func(prev, t token) bool { return prev.capital != t.capital }
	// English phrases are head-final, so keep the tails of each run
	e.eachRun(func(t token) bool { return !t.stop }, caseChange, func(run []token) {
		for n := 2; n <= len(run) && n <= e.maxPhraseWords; n++ {
			add(joinLower(run[len(run)-n:]))
		}
	})

	out := make([]string, 0, len(terms))
	for term := range terms {
		out = append(out, term)
	}
	sort.Strings(out)
	return out
}

// tokenize splits text into word tokens, marking breaks at punctuation,
// numbers and URL-like fields so phrases never cross them
func (e *Extractor) tokenize(text string) {
	e.tokens = e.tokens[:0]
	pendingBreak := true

	for _, field := range strings.Fields(text) {
		if urlPattern.MatchString(strings.Trim(field, "()[]<>\"'.,;:")) {
			pendingBreak = true
			continue
		}

		start := -1
		flush := func(end int) {
			if start < 0 {
				return
			}
			word := strings.Trim(field[start:end], "-'’")
			word = strings.TrimSuffix(strings.TrimSuffix(word, "'s"), "’s")
			start = -1
			if word == "" {
				return
			}
			if !containsLetter(word) {
				pendingBreak = true
				return
			}
			lower := e.lower.String(word)
			first, _ := utf8.DecodeRuneInString(word)
			e.tokens = append(e.tokens, token{
				lower:   lower,
				capital: unicode.IsUpper(first),
				stop:    isStopword(lower),
				brk:     pendingBreak,
			})
			pendingBreak = false
		}

		for i, r := range field {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '\'' || r == '’' {
				if start < 0 {
					start = i
				}
				continue
			}
			flush(i)
			pendingBreak = true
		}
		flush(len(field))
	}
}

// eachRun calls fn for every maximal run of consecutive tokens matching keep.
// A non-nil split ends a run between two kept tokens.
func (e *Extractor) eachRun(keep func(token) bool, split func(prev, t token) bool, fn func([]token)) {
	var run []token
	for _, t := range e.tokens {
		if t.brk || !keep(t) || (split != nil && len(run) > 0 && split(run[len(run)-1], t)) {
			if len(run) > 0 {
				fn(run)
			}
			run = run[:0]
		}
		if keep(t) {
			run = append(run, t)
		}
	}
	if len(run) > 0 {
		fn(run)
	}
}

func joinLower(run []token) string {
	parts := make([]string, len(run))
	for i, t := range run {
		parts[i] = t.lower
	}
	return strings.Join(parts, " ")
}

// isValidTerm rejects near-empty, number, year and URL/email candidates
func isValidTerm(term string) bool {
	if utf8.RuneCountInString(term) < minTermLen {
		return false
	}
	if !containsLetter(term) {
		return false
	}
	if yearPattern.MatchString(term) {
		return false
	}
	if urlPattern.MatchString(term) {
		return false
	}
	return true
}

func containsLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// singularize applies light plural folding to single nouns
func singularize(w string) string {
	if _, ok := invariantNouns[w]; ok {
		return w
	}
	n := len(w)
	switch {
	case n > 5 && strings.HasSuffix(w, "ies"):
		return w[:n-3] + "y"
	case n > 5 && (strings.HasSuffix(w, "ches") || strings.HasSuffix(w, "shes") || strings.HasSuffix(w, "sses")):
		return w[:n-2]
	case n > 4 && strings.HasSuffix(w, "xes"):
		return w[:n-2]
	case n > 4 && strings.HasSuffix(w, "s") &&
		!strings.HasSuffix(w, "ss") && !strings.HasSuffix(w, "us") && !strings.HasSuffix(w, "is"):
		return w[:n-1]
	}
	return w
}
