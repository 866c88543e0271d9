package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	featRegex       = regexp.MustCompile(`(?i)\s*[\(\[]?\s*(?:feat\.?|ft\.?|featuring)\s+[^\)\]]*[\)\]]?\s*`)
	bracketRegex    = regexp.MustCompile(`\s*[\(\[][^\)\]]*[\)\]]\s*`)
	punctRegex      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)

	// lowConfidenceRegex matches title markers that usually indicate a
	// different recording than the one requested.
	lowConfidenceRegex = regexp.MustCompile(`(?i)\b(cover|remix|instrumental|karaoke|tribute|live|acoustic version|sped up|slowed)\b`)
)

type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NormalizeQuery prepares a title/artist pair for full-text catalog search:
// bracketed annotations and feat./ft. suffixes are stripped before the usual
// lowercase/diacritic/punctuation pass.
func (n *Normalizer) NormalizeQuery(title, artist string) string {
	title = featRegex.ReplaceAllString(title, " ")
	title = bracketRegex.ReplaceAllString(title, " ")
	artist = featRegex.ReplaceAllString(artist, " ")

	query := strings.TrimSpace(artist + " " + title)
	return n.basicNormalize(query)
}

func (n *Normalizer) NormalizeTitle(title string) string {
	title = featRegex.ReplaceAllString(title, " ")
	title = bracketRegex.ReplaceAllString(title, " ")
	return n.basicNormalize(title)
}

// LowConfidence reports whether the title carries a cover/remix/instrumental
// marker, meaning the recording likely differs from the requested one.
func (n *Normalizer) LowConfidence(title string) bool {
	return lowConfidenceRegex.MatchString(title)
}

func (n *Normalizer) basicNormalize(text string) string {
	text = norm.NFKD.String(text)

	var result strings.Builder
	for _, r := range text {
		if !unicode.IsMark(r) {
			result.WriteRune(r)
		}
	}
	text = result.String()

	text = punctRegex.ReplaceAllString(text, " ")
	text = whitespaceRegex.ReplaceAllString(text, " ")

	text = strings.ToLower(text)
	text = strings.TrimSpace(text)

	return text
}

func (n *Normalizer) CalculateSimilarity(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}

	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}

	return float64(n.longestCommonSubsequence(s1, s2)) / float64(max(len(s1), len(s2)))
}

func (n *Normalizer) longestCommonSubsequence(s1, s2 string) int {
	m, l := len(s1), len(s2)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, l+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= l; j++ {
			if s1[i-1] == s2[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}

	return dp[m][l]
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
