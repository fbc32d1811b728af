package tokens

import "unicode"

const (
	asciiCharsPerToken = 4
	messageOverhead    = 4
)

// Estimate approximates the token count of text. CJK runes count roughly one
// token each; everything else is counted at ~4 characters per token. The
// result is a heuristic for budget decisions, not an exact tokenizer count.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
			continue
		}
		other++
	}

	estimate := cjk + (other+asciiCharsPerToken-1)/asciiCharsPerToken
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

// EstimateMessage adds per-message framing overhead (role, separators) on top
// of the content estimate.
func EstimateMessage(role, content string) int {
	return messageOverhead + Estimate(role) + Estimate(content)
}

// EstimateAll sums EstimateMessage over role/content pairs.
func EstimateAll(pairs [][2]string) int {
	total := 0
	for _, p := range pairs {
		total += EstimateMessage(p[0], p[1])
	}
	return total
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
