package messenger

import (
	"strings"
	"unicode/utf8"
)

const previewMaxChars = 80

// FormatPreview renders a bubble as the one-line widget preview, labelled
// with who spoke.
func FormatPreview(content string, fromUser bool) string {
	label := "TA"
	if fromUser {
		label = "我"
	}
	cleaned := strings.ReplaceAll(strings.TrimSpace(content), "\n", " ")
	if cleaned == "" {
		return label
	}
	if utf8.RuneCountInString(cleaned) > previewMaxChars {
		runes := []rune(cleaned)
		cleaned = strings.TrimRight(string(runes[:previewMaxChars]), " \t") + "…"
	}
	return label + ": " + cleaned
}
