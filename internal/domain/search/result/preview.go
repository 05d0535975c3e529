package result

import "unicode/utf8"

// DefaultPreviewChars is the preview length in characters.
const DefaultPreviewChars = 200

const sentenceEnd = '。'

// Preview bounds text to maxRunes characters. A cut text ends at the last full stop
// when that stop lies past 70% of the limit, otherwise it gets "..." appended.
// Counting runes keeps CJK and Cyrillic text from being split mid-character.
func Preview(text string, maxRunes int) string {
	if text == "" || maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	r := []rune(text)[:maxRunes]

	last := -1
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == sentenceEnd {
			last = i
			break
		}
	}
	if float64(last) > float64(maxRunes)*0.7 {
		return string(r[:last+1])
	}
	return string(r) + "..."
}
