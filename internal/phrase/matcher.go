package phrase

import "strings"

const (
	DefaultConfidenceFloor = 0.6
	DefaultTokenOverlap    = 0.7
	DefaultEditSimilarity  = 0.75
)

// Thresholds are the tunable knobs of the matcher. Speech recognizers
// mis-transcribe short phrases, so the matcher layers strict and fuzzy
// strategies while the confidence floor bounds false positives.
type Thresholds struct {
	ConfidenceFloor float64
	TokenOverlap    float64
	EditSimilarity  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ConfidenceFloor: DefaultConfidenceFloor,
		TokenOverlap:    DefaultTokenOverlap,
		EditSimilarity:  DefaultEditSimilarity,
	}
}

type Matcher struct {
	thresholds Thresholds
}

func NewMatcher(thresholds Thresholds) *Matcher {
	if thresholds.ConfidenceFloor <= 0 {
		thresholds.ConfidenceFloor = DefaultConfidenceFloor
	}
	if thresholds.TokenOverlap <= 0 {
		thresholds.TokenOverlap = DefaultTokenOverlap
	}
	if thresholds.EditSimilarity <= 0 {
		thresholds.EditSimilarity = DefaultEditSimilarity
	}
	return &Matcher{thresholds: thresholds}
}

// Matches reports whether transcript counts as an utterance of phrase.
// Below the confidence floor even an exact match is rejected. Above it,
// any one strategy is sufficient: exact equality, substring containment,
// token overlap, or normalized edit-distance similarity. All comparisons
// are case-insensitive.
func (m *Matcher) Matches(transcript, phrase string, confidence float64) bool {
	if confidence < m.thresholds.ConfidenceFloor {
		return false
	}

	transcript = strings.ToLower(strings.TrimSpace(transcript))
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if transcript == "" || phrase == "" {
		return false
	}

	if transcript == phrase {
		return true
	}
	if strings.Contains(transcript, phrase) {
		return true
	}
	if tokenOverlap(transcript, phrase) >= m.thresholds.TokenOverlap {
		return true
	}
	return editSimilarity(transcript, phrase) >= m.thresholds.EditSimilarity
}

// tokenOverlap returns the fraction of the phrase's tokens found, by
// substring containment, among the transcript's tokens.
func tokenOverlap(transcript, phrase string) float64 {
	phraseTokens := strings.Fields(phrase)
	if len(phraseTokens) == 0 {
		return 0
	}
	transcriptTokens := strings.Fields(transcript)

	found := 0
	for _, pt := range phraseTokens {
		for _, tt := range transcriptTokens {
			if strings.Contains(tt, pt) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(phraseTokens))
}

// editSimilarity is 1 - levenshtein(a, b) / max(len(a), len(b)).
func editSimilarity(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}
