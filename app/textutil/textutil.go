package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var normalizer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases, strips diacritics and collapses all whitespace runs
// to single spaces. Fingerprints and similarity comparisons operate on this
// canonical form so formatting differences never defeat duplicate detection.
func Normalize(s string) string {
	folded, _, err := transform.String(normalizer, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Similarity returns a normalized edit-distance similarity in [0,1].
// Identical strings score 1, fully distinct strings score 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return 0
	}
	longest := la
	if lb > longest {
		longest = lb
	}
	dist := levenshtein(a, b)
	return float64(longest-dist) / float64(longest)
}

// LengthRatio gives a cheap upper bound on Similarity: if the lengths alone
// differ too much, the full edit distance cannot clear a threshold.
func LengthRatio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 && lb == 0 {
		return 1
	}
	shorter, longer := la, lb
	if shorter > longer {
		shorter, longer = longer, shorter
	}
	if longer == 0 {
		return 0
	}
	return float64(shorter) / float64(longer)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
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
