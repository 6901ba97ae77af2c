package quality

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
)

type Config struct {
	PhraseGap   int     `envconfig:"QUALITY_PHRASE_GAP" default:"10"`
	LengthRatio float64 `envconfig:"QUALITY_LENGTH_RATIO" default:"1.0"`
}

const (
	CriterionLength          = "length"
	CriterionH2              = "h2_count"
	CriterionH3              = "h3_count"
	CriterionPhrase          = "phrase"
	CriterionForbidden       = "forbidden_phrase"
	CriterionHorizontalRules = "horizontal_rules"
)

type Phrase struct {
	Text string `json:"text"`
	Min  int    `json:"min"`
}

// Criteria are the targets an artifact is measured against. Zero targets are not checked.
type Criteria struct {
	TargetLength          int      `json:"target_length,omitempty"`
	TargetH2              int      `json:"target_h2,omitempty"`
	TargetH3              int      `json:"target_h3,omitempty"`
	Phrases               []Phrase `json:"phrases,omitempty"`
	Forbidden             []string `json:"forbidden,omitempty"`
	ForbidHorizontalRules bool     `json:"forbid_horizontal_rules,omitempty"`
}

func (c Criteria) Validate() error {
	if c.TargetLength < 0 || c.TargetH2 < 0 || c.TargetH3 < 0 {
		return fmt.Errorf("criteria targets must be non-negative")
	}
	for _, p := range c.Phrases {
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("criteria phrase is empty")
		}
		if p.Min < 0 {
			return fmt.Errorf("criteria phrase %q: min must be non-negative", p.Text)
		}
	}
	return nil
}

func (c Criteria) Empty() bool {
	return c.TargetLength == 0 && c.TargetH2 == 0 && c.TargetH3 == 0 &&
		len(c.Phrases) == 0 && len(c.Forbidden) == 0 && !c.ForbidHorizontalRules
}

type Measurement struct {
	Criterion string `json:"criterion"`
	Name      string `json:"name,omitempty"`
	Measured  int    `json:"measured"`
	Target    int    `json:"target"`
	Passed    bool   `json:"passed"`
}

// Shortfall is how far a measurement is from passing.
func (m Measurement) Shortfall() int {
	if m.Passed {
		return 0
	}
	if m.Criterion == CriterionForbidden || m.Criterion == CriterionHorizontalRules {
		return m.Measured - m.Target
	}
	return m.Target - m.Measured
}

type Result struct {
	Passed       bool          `json:"passed"`
	Measurements []Measurement `json:"measurements"`
	Unmet        []Measurement `json:"unmet"`
}

type Gate struct {
	phraseGap   int
	lengthRatio float64

	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func NewGate(cfg Config) *Gate {
	gap := cfg.PhraseGap
	if gap < 0 {
		gap = 0
	}
	ratio := cfg.LengthRatio
	if ratio <= 0 {
		ratio = 1.0
	}
	return &Gate{
		phraseGap:   gap,
		lengthRatio: ratio,
		cache:       map[string]*regexp.Regexp{},
	}
}

// Evaluate measures artifact against c. It has no side effects and is deterministic for a
// given gate configuration.
func (g *Gate) Evaluate(artifact string, c Criteria) Result {
	res := Result{Measurements: []Measurement{}, Unmet: []Measurement{}}
	add := func(m Measurement) {
		res.Measurements = append(res.Measurements, m)
		if !m.Passed {
			res.Unmet = append(res.Unmet, m)
		}
	}

	if c.TargetLength > 0 {
		required := int(math.Ceil(float64(c.TargetLength) * g.lengthRatio))
		n := Length(artifact)
		add(Measurement{Criterion: CriterionLength, Measured: n, Target: required, Passed: n >= required})
	}
	if c.TargetH2 > 0 {
		n := CountH2(artifact)
		add(Measurement{Criterion: CriterionH2, Measured: n, Target: c.TargetH2, Passed: n >= c.TargetH2})
	}
	if c.TargetH3 > 0 {
		n := CountH3(artifact)
		add(Measurement{Criterion: CriterionH3, Measured: n, Target: c.TargetH3, Passed: n >= c.TargetH3})
	}
	for _, p := range c.Phrases {
		if strings.TrimSpace(p.Text) == "" || p.Min <= 0 {
			continue
		}
		n := g.CountPhrase(artifact, p.Text)
		add(Measurement{Criterion: CriterionPhrase, Name: p.Text, Measured: n, Target: p.Min, Passed: n >= p.Min})
	}
	for _, f := range c.Forbidden {
		if strings.TrimSpace(f) == "" {
			continue
		}
		n := g.CountPhrase(artifact, f)
		add(Measurement{Criterion: CriterionForbidden, Name: f, Measured: n, Target: 0, Passed: n == 0})
	}
	if c.ForbidHorizontalRules {
		n := len(hrRE.FindAllStringIndex(artifact, -1))
		add(Measurement{Criterion: CriterionHorizontalRules, Measured: n, Target: 0, Passed: n == 0})
	}
	res.Passed = len(res.Unmet) == 0
	return res
}

var (
	h2RE = regexp.MustCompile(`(?m)^## `)
	h3RE = regexp.MustCompile(`(?m)^### `)
	hrRE = regexp.MustCompile(`(?m)^[ \t]*(?:-{3,}|\*{3,}|_{3,})[ \t]*$`)
)

// Length counts runes excluding whitespace and markdown heading marks.
func Length(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsSpace(r) || r == '#' {
			continue
		}
		n++
	}
	return n
}

func CountH2(s string) int { return len(h2RE.FindAllStringIndex(s, -1)) }

func CountH3(s string) int { return len(h3RE.FindAllStringIndex(s, -1)) }

// CountPhrase counts case-insensitive, non-overlapping occurrences of phrase. Terms of a
// multi-word phrase may be separated by up to the configured gap of other characters.
func (g *Gate) CountPhrase(text, phrase string) int {
	re := g.phraseRE(phrase)
	if re == nil {
		return 0
	}
	return len(re.FindAllStringIndex(text, -1))
}

func (g *Gate) phraseRE(phrase string) *regexp.Regexp {
	terms := strings.Fields(phrase)
	if len(terms) == 0 {
		return nil
	}
	key := strings.Join(terms, " ")
	g.mu.Lock()
	defer g.mu.Unlock()
	if re, ok := g.cache[key]; ok {
		return re
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = regexp.QuoteMeta(t)
	}
	re := regexp.MustCompile("(?i)" + strings.Join(quoted, fmt.Sprintf(".{0,%d}", g.phraseGap)))
	g.cache[key] = re
	return re
}

// Feedback renders the unmet criteria as rewrite instructions, largest shortfall first.
func (r Result) Feedback() []string {
	unmet := append([]Measurement(nil), r.Unmet...)
	sort.SliceStable(unmet, func(i, j int) bool { return unmet[i].Shortfall() > unmet[j].Shortfall() })
	out := make([]string, 0, len(unmet))
	for _, m := range unmet {
		switch m.Criterion {
		case CriterionLength:
			out = append(out, fmt.Sprintf("Expand the text by at least %d characters (now %d, need %d).", m.Shortfall(), m.Measured, m.Target))
		case CriterionH2:
			out = append(out, fmt.Sprintf("Add %d more H2 (##) sections (now %d, need %d).", m.Shortfall(), m.Measured, m.Target))
		case CriterionH3:
			out = append(out, fmt.Sprintf("Add %d more H3 (###) subsections (now %d, need %d).", m.Shortfall(), m.Measured, m.Target))
		case CriterionPhrase:
			out = append(out, fmt.Sprintf("Use %q %d more times naturally (now %d, need %d).", m.Name, m.Shortfall(), m.Measured, m.Target))
		case CriterionForbidden:
			out = append(out, fmt.Sprintf("Remove every occurrence of %q (found %d).", m.Name, m.Measured))
		case CriterionHorizontalRules:
			out = append(out, fmt.Sprintf("Remove all horizontal rules (found %d).", m.Measured))
		}
	}
	return out
}
