package gate

import (
	"regexp"
	"strings"
	"unicode"
)

// HeuristicScorer is the built-in content scorer: repetition against the
// correspondent's recent texts, known spam phrasing, link stuffing and
// shape anomalies. It holds no state of its own, so one instance serves
// every correspondent.
type HeuristicScorer struct {
	// Markers are lowercase phrases that each add a fixed weight to the
	// score when present.
	Markers []string
}

// Signal weights. The individual contributions sum past 1.0 on purpose;
// the final score is clamped.
const (
	duplicateWeight = 0.30
	similarWeight   = 0.20
	markerWeight    = 0.10
	linkWeight      = 0.25
	allCapsWeight   = 0.15
	lengthWeight    = 0.10

	duplicateStreak  = 3    // exact repeats among recent texts
	similarStreak    = 3    // near-repeats among recent texts
	similarityFloor  = 0.8  // Jaccard similarity counted as a near-repeat
	allCapsMinLength = 20   // shorter shouts are ignored
	longMessageRunes = 1000 // beyond this adds the length anomaly
)

var defaultMarkers = []string{
	"buy now",
	"click here",
	"free money",
	"limited time offer",
	"act now",
	"make money fast",
	"work from home",
	"100% free",
	"winner",
	"congratulations you",
}

var linkPattern = regexp.MustCompile(`https?://\S+|www\.\S+`)

// NewHeuristicScorer returns a scorer with the default marker set.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{Markers: defaultMarkers}
}

var _ Scorer = (*HeuristicScorer)(nil)

// Score rates text in [0,1]. Higher means more spam-like.
func (s *HeuristicScorer) Score(text string, recent []string) float64 {
	var score float64
	lower := strings.ToLower(text)
	norm := normalize(lower)

	duplicates := 0
	similar := 0
	words := wordSet(norm)
	for _, prev := range recent {
		prevNorm := normalize(strings.ToLower(prev))
		if prevNorm == norm {
			duplicates++
			continue
		}
		if jaccard(words, wordSet(prevNorm)) >= similarityFloor {
			similar++
		}
	}
	if duplicates >= duplicateStreak {
		score += duplicateWeight
	}
	if similar >= similarStreak {
		score += similarWeight
	}

	for _, marker := range s.Markers {
		if strings.Contains(lower, marker) {
			score += markerWeight
		}
	}

	if linkPattern.MatchString(lower) {
		score += linkWeight
	}
	if isShouting(text) {
		score += allCapsWeight
	}
	if len([]rune(text)) > longMessageRunes {
		score += lengthWeight
	}

	return clamp01(score)
}

// normalize collapses runs of whitespace so trivial padding does not defeat
// duplicate detection.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

// jaccard is intersection over union of the two word sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// isShouting reports whether text is a sustained all-caps message: at least
// allCapsMinLength letters, none of them lowercase.
func isShouting(text string) bool {
	letters := 0
	for _, r := range text {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters >= allCapsMinLength
}
