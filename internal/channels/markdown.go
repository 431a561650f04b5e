package channels

import (
	"regexp"
	"strings"
)

// MarkdownSanitizer is a pure per-platform translation function converting a
// common Markdown superset to a platform dialect. Each adapter owns a small
// one with focused unit tests; this file holds only shared utilities.
type MarkdownSanitizer func(string) string

var headerRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.*)$`)
var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// StripUnsupportedMarkdown converts "##" headers to emphasized lines and
// strips raw HTML, leaving **bold**/_italic_/`code` untouched. Adapters
// compose this with their own bold/italic dialect remap.
func StripUnsupportedMarkdown(s string) string {
	s = headerRe.ReplaceAllString(s, "*$1*")
	s = htmlTagRe.ReplaceAllString(s, "")
	return s
}

// ToPlainText strips all Markdown decoration, used as the fallback when a
// formatted send fails and the adapter retries as plain text.
func ToPlainText(s string) string {
	replacer := strings.NewReplacer(
		"**", "", "__", "", "*", "", "_", "", "`", "", "~~", "",
	)
	s = replacer.Replace(s)
	s = headerRe.ReplaceAllString(s, "$1")
	s = htmlTagRe.ReplaceAllString(s, "")
	return s
}
