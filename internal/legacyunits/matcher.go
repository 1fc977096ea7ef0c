// Package legacyunits maps free-text legacy unit strings onto the unit
// catalog and records the outcome as unit migrations.
package legacyunits

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/lherron/boq/internal/domain"
)

// Scores assigned per match method. Fuzzy scores are scaled below the alias
// score so only exact and alias matches clear a high threshold.
const (
	ScoreExact       = 1.0
	ScoreAlias       = 0.95
	ScoreContainment = 0.7
	fuzzyScale       = 0.9

	// MinCandidateScore is the lowest score still reported as a candidate.
	MinCandidateScore = 0.5
)

// Match methods
const (
	MethodExact       = "exact"
	MethodAlias       = "alias"
	MethodContainment = "containment"
	MethodSimilarity  = "similarity"
)

// DefaultAliases maps normalized spellings to a canonical unit key. Keys and
// values are in Normalize form with spaces removed.
var DefaultAliases = map[string]string{
	"sqm": "m2", "squaremeter": "m2", "squaremetre": "m2", "квм": "m2", "м2": "m2",
	"cum": "m3", "cubicmeter": "m3", "cubicmetre": "m3", "кубм": "m3", "м3": "m3",
	"meter": "m", "metre": "m", "lm": "m", "runningmeter": "m", "погм": "m", "пм": "m", "м": "m",
	"pc": "pcs", "piece": "pcs", "pieces": "pcs", "ea": "pcs", "each": "pcs", "шт": "pcs", "штука": "pcs",
	"kilogram": "kg", "кг": "kg",
	"ton": "t", "tonne": "t", "т": "t",
	"kit": "set", "компл": "set", "комплект": "set",
	"hour": "h", "hr": "h", "час": "h", "ч": "h",
}

// Normalize folds s into the form used for comparison: NFKC (so m² becomes
// m2), case folded, with punctuation separators turned into single spaces.
func Normalize(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	s = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '_', '-':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func compact(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

// MatchResult is the best catalog candidate for one legacy string.
type MatchResult struct {
	UnitID    int64
	UnitName  string
	Score     float64
	Method    string
	Ambiguous []int64 // other units that tied with the best score
}

// Found reports whether any candidate scored at least MinCandidateScore.
func (m MatchResult) Found() bool {
	return m.UnitID != 0
}

// Reason describes the match for a reviewer.
func (m MatchResult) Reason(legacy string, threshold float64) string {
	switch {
	case !m.Found():
		return fmt.Sprintf("no catalog unit resembles %q", legacy)
	case len(m.Ambiguous) > 0:
		return fmt.Sprintf("ambiguous: %q matches %d units equally (%s, %.2f)", legacy, len(m.Ambiguous)+1, m.Method, m.Score)
	case m.Score < threshold:
		return fmt.Sprintf("best match %q scored %.2f by %s, below threshold %.2f", m.UnitName, m.Score, m.Method, threshold)
	default:
		return fmt.Sprintf("matched %q by %s with score %.2f", m.UnitName, m.Method, m.Score)
	}
}

type catalogEntry struct {
	id        int64
	name      string
	norm      string
	canonical string
}

// Matcher scores legacy unit text against a fixed unit catalog.
type Matcher struct {
	scorer  *Scorer
	aliases map[string]string
	catalog []catalogEntry
}

// NewMatcher builds a matcher over the live units of catalog. A nil aliases
// map uses DefaultAliases.
func NewMatcher(catalog []domain.Unit, aliases map[string]string) *Matcher {
	if aliases == nil {
		aliases = DefaultAliases
	}
	m := &Matcher{scorer: NewScorer(), aliases: aliases}
	for _, u := range catalog {
		if u.MarkedForDeletion {
			continue
		}
		n := Normalize(u.Name)
		if n == "" {
			continue
		}
		m.catalog = append(m.catalog, catalogEntry{id: u.ID, name: u.Name, norm: n, canonical: m.canonical(n)})
	}
	sort.Slice(m.catalog, func(i, j int) bool { return m.catalog[i].id < m.catalog[j].id })
	return m
}

func (m *Matcher) canonical(normalized string) string {
	c := compact(normalized)
	if key, ok := m.aliases[c]; ok {
		return key
	}
	return c
}

// Match returns the highest scoring unit for legacy. Ties go to the lowest
// unit id and are listed in Ambiguous.
func (m *Matcher) Match(legacy string) MatchResult {
	n := Normalize(legacy)
	if n == "" {
		return MatchResult{}
	}
	canon := m.canonical(n)
	c := compact(n)

	var best MatchResult
	for _, e := range m.catalog {
		score, method := m.score(n, c, canon, e)
		if score < MinCandidateScore {
			continue
		}
		switch {
		case score > best.Score:
			best = MatchResult{UnitID: e.id, UnitName: e.name, Score: score, Method: method}
		case score == best.Score:
			best.Ambiguous = append(best.Ambiguous, e.id)
		}
	}
	return best
}

func (m *Matcher) score(n, c, canon string, e catalogEntry) (float64, string) {
	if n == e.norm {
		return ScoreExact, MethodExact
	}
	if canon == e.canonical {
		return ScoreAlias, MethodAlias
	}

	ec := compact(e.norm)
	score := fuzzyScale * m.scorer.Similarity(c, ec)
	method := MethodSimilarity
	if len([]rune(c)) >= 2 && len([]rune(ec)) >= 2 && (strings.Contains(c, ec) || strings.Contains(ec, c)) && score < ScoreContainment {
		score, method = ScoreContainment, MethodContainment
	}
	return score, method
}
