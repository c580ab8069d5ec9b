package synth

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// defaultQualityThreshold is the score below which text is flagged as risky
// to synthesize.
const defaultQualityThreshold = 0.70

// Issue is one detected synthesis risk in a text.
type Issue struct {
	// Kind is one of "long_sentence", "digit_run", "caps_run",
	// "unpronounceable".
	Kind string `json:"kind"`

	// Token is the offending fragment.
	Token string `json:"token"`

	// Note explains the risk.
	Note string `json:"note"`
}

// Analysis is the result of scoring a text for synthesis quality.
type Analysis struct {
	// Score is the overall quality in [0, 1]; 1 means no detected risk.
	Score float64 `json:"score"`

	// Passed reports whether Score meets the threshold.
	Passed bool `json:"passed"`

	// Issues lists each detected risk.
	Issues []Issue `json:"issues,omitempty"`

	// Recommendations are human-readable fixes, one per issue kind found.
	Recommendations []string `json:"recommendations,omitempty"`

	// Alternative is a rewritten text with mechanical fixes applied, present
	// only when the text failed the threshold and a rewrite changed it.
	Alternative string `json:"alternative,omitempty"`
}

// AnalyzerOption is a functional option for configuring an [Analyzer].
type AnalyzerOption func(*Analyzer)

// WithThreshold sets the default pass threshold. Default: 0.70.
func WithThreshold(threshold float64) AnalyzerOption {
	return func(a *Analyzer) { a.threshold = threshold }
}

// Analyzer scores text for text-to-speech risk: overlong sentences, digit
// runs, acronym shouting, and tokens that defeat phonetic encoding. It is
// read-only after construction and safe for concurrent use.
type Analyzer struct {
	threshold float64
}

// NewAnalyzer returns an [Analyzer] configured with the supplied options.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{threshold: defaultQualityThreshold}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Penalty weights per issue kind. A text accumulating several issues of one
// kind keeps losing score, so a phone-number-heavy text scores much worse
// than one with a single digit run.
const (
	penaltyLongSentence   = 0.15
	penaltyDigitRun       = 0.10
	penaltyCapsRun        = 0.10
	penaltyUnpronouncable = 0.20
)

// Analyze scores text against threshold. A threshold ≤ 0 uses the analyzer's
// default.
func (a *Analyzer) Analyze(text string, threshold float64) Analysis {
	if threshold <= 0 {
		threshold = a.threshold
	}

	var issues []Issue
	score := 1.0

	for _, sentence := range splitSentences(text) {
		if len(sentence) > 250 {
			issues = append(issues, Issue{
				Kind:  "long_sentence",
				Token: sentence[:40] + "...",
				Note:  "sentence exceeds 250 characters without a pause; listeners lose the thread",
			})
			score -= penaltyLongSentence
		}
	}

	for _, token := range strings.Fields(text) {
		bare := strings.Trim(token, ".,;:!?\"'()[]")
		if bare == "" {
			continue
		}
		switch {
		case digitRunLen(bare) > 4:
			issues = append(issues, Issue{
				Kind:  "digit_run",
				Token: bare,
				Note:  "long digit sequences are read as a single number; group them for dictation",
			})
			score -= penaltyDigitRun
		case capsRunLen(bare) >= 4:
			issues = append(issues, Issue{
				Kind:  "caps_run",
				Token: bare,
				Note:  "all-caps tokens are spelled letter by letter or mispronounced",
			})
			score -= penaltyCapsRun
		case unpronounceable(bare):
			issues = append(issues, Issue{
				Kind:  "unpronounceable",
				Token: bare,
				Note:  "no phonetic encoding; the synthesizer will guess",
			})
			score -= penaltyUnpronouncable
		}
	}

	if score < 0 {
		score = 0
	}

	res := Analysis{
		Score:           score,
		Passed:          score >= threshold,
		Issues:          issues,
		Recommendations: recommendations(issues),
	}
	if !res.Passed {
		if alt := rewrite(text); alt != text {
			res.Alternative = alt
		}
	}
	return res
}

// splitSentences splits on sentence-final punctuation.
func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
}

// digitRunLen returns the longest consecutive digit run in the token.
func digitRunLen(token string) int {
	best, run := 0, 0
	for _, r := range token {
		if unicode.IsDigit(r) {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	return best
}

// capsRunLen returns the longest consecutive uppercase-letter run.
func capsRunLen(token string) int {
	best, run := 0, 0
	for _, r := range token {
		if unicode.IsUpper(r) {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	return best
}

// unpronounceable reports whether the token has letters but produces no
// Double Metaphone code, meaning the synthesizer has nothing phonetic to work
// with.
func unpronounceable(token string) bool {
	hasLetter := false
	for _, r := range token {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	if !hasLetter || len(token) < 3 {
		return false
	}
	primary, secondary := matchr.DoubleMetaphone(token)
	return primary == "" && secondary == ""
}

// recommendations maps found issue kinds to one fix suggestion each.
func recommendations(issues []Issue) []string {
	seen := map[string]bool{}
	var out []string
	for _, is := range issues {
		if seen[is.Kind] {
			continue
		}
		seen[is.Kind] = true
		switch is.Kind {
		case "long_sentence":
			out = append(out, "Break long sentences into shorter ones so the voice can pause naturally.")
		case "digit_run":
			out = append(out, "Write long numbers in spaced groups (e.g. \"555 0142\") so they are dictated digit by digit.")
		case "caps_run":
			out = append(out, "Expand acronyms or separate their letters with spaces.")
		case "unpronounceable":
			out = append(out, "Replace tokens without a phonetic reading with a spoken-form spelling.")
		}
	}
	return out
}

// rewrite applies the mechanical fixes: digit runs get spaced into groups of
// three and caps runs get their letters separated.
func rewrite(text string) string {
	fields := strings.Fields(text)
	for i, token := range fields {
		bare := strings.Trim(token, ".,;:!?\"'()[]")
		if bare == "" {
			continue
		}
		var fixed string
		switch {
		case digitRunLen(bare) > 4:
			fixed = spaceDigits(bare)
		case capsRunLen(bare) >= 4:
			fixed = spaceLetters(bare)
		default:
			continue
		}
		fields[i] = strings.Replace(token, bare, fixed, 1)
	}
	return strings.Join(fields, " ")
}

// spaceDigits inserts a space after every third digit of a digit run.
func spaceDigits(token string) string {
	var b strings.Builder
	run := 0
	for _, r := range token {
		if unicode.IsDigit(r) {
			if run > 0 && run%3 == 0 {
				b.WriteByte(' ')
			}
			run++
		} else {
			run = 0
		}
		b.WriteRune(r)
	}
	return b.String()
}

// spaceLetters separates consecutive uppercase letters with spaces.
func spaceLetters(token string) string {
	var b strings.Builder
	prevUpper := false
	for _, r := range token {
		if unicode.IsUpper(r) && prevUpper {
			b.WriteByte(' ')
		}
		prevUpper = unicode.IsUpper(r)
		b.WriteRune(r)
	}
	return b.String()
}
