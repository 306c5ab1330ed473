package tts

import (
	"regexp"
	"strings"
)

// NormalizeText prepares assistant text for a speech engine: markdown
// markers, emoji and layout whitespace are removed.
func NormalizeText(text string) string {
	text = markdownReplacer.Replace(text)
	text = markdownLinkRegex.ReplaceAllString(text, "$1")
	text = headingRegex.ReplaceAllString(text, "")
	text = bulletRegex.ReplaceAllString(text, "")
	text = emojiRegex.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

var (
	markdownReplacer = strings.NewReplacer(
		"**", "", // bold
		"__", "", // underline
		"~~", "", // strikethrough
		"`", "", // code
		"*", "", // italic
	)
	markdownLinkRegex = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	headingRegex      = regexp.MustCompile(`(?m)^\s*#{1,6}\s+`)
	bulletRegex       = regexp.MustCompile(`(?m)^\s*[-+]\s+`)
	emojiRegex        = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}\s$+<=>^|~]`)
)
