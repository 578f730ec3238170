package telegram

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// Presentational markup that Telegram cannot render. Anything not matched is left alone.
	strippedMarkup = regexp.MustCompile(`(?is)` +
		`<p\s+align="[^"]*"[^>]*>|</p>` +
		`|<a(?:\s[^>]*)?>|</a>` +
		`|<picture>.*?</picture>` +
		`|</?h[1-6](?:\s[^>]*)?>` +
		`|</?(?:sub|sup|details|summary|em|i|b|strong)(?:\s[^>]*)?>` +
		`|<!--.*?-->`)

	inlineImage = regexp.MustCompile(`(?is)<img\s[^>]*?src="([^"]*)"[^>]*>`)

	anchor = regexp.MustCompile(`(?is)<a\s[^>]*?href="([^"]*)"[^>]*>(.*?)</a>`)
)

// SanitizeBody strips markup Telegram cannot render from a release body,
// replaces inline images with their source URL and HTML links with
// "text (url)".
func SanitizeBody(body string) string {
	body = anchor.ReplaceAllStringFunc(body, expandAnchor)
	body = strippedMarkup.ReplaceAllString(body, "")
	body = inlineImage.ReplaceAllString(body, "$1")
	return strings.TrimSpace(body)
}

func expandAnchor(m string) string {
	sub := anchor.FindStringSubmatch(m)
	href, text := sub[1], strings.TrimSpace(strippedMarkup.ReplaceAllString(sub[2], ""))
	if text == "" || text == href {
		return href
	}
	return text + " (" + href + ")"
}

// truncateEscaped escapes body and cuts it to at most limit characters of
// escaped text, appending TruncationMarker when anything was dropped. An
// escape sequence is never split.
func truncateEscaped(body string, escape func(string) string, limit int) string {
	escaped := escape(body)
	if utf8.RuneCountInString(escaped) <= limit {
		return escaped
	}

	var b strings.Builder
	n := 0
	for _, r := range body {
		e := escape(string(r))
		c := utf8.RuneCountInString(e)
		if n+c > limit {
			break
		}
		b.WriteString(e)
		n += c
	}
	b.WriteString(TruncationMarker)
	return b.String()
}
