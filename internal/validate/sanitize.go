package validate

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxInputLength caps sanitized output and plausible address input, in characters.
const MaxInputLength = 500

// jsSpace is the whitespace class browsers use for \s, so the server strips
// exactly what the dashboard form strips.
const jsSpace = `[\t\n\v\f\r\p{Zs}\x{2028}\x{2029}\x{FEFF}]`

var (
	tagPattern     = regexp.MustCompile(`<[^>]*>`)
	jsSchemePat    = regexp.MustCompile(`(?i)javascript` + jsSpace + `*:`)
	dataSchemePat  = regexp.MustCompile(`(?i)data` + jsSpace + `*:`)
	eventHandlerPt = regexp.MustCompile(`(?i)on\w+` + jsSpace + `*=`)

	// word chars, whitespace, comma, period, hyphen, hash, apostrophe, slash
	disallowedChars = regexp.MustCompile(`[^\w\t\n\v\f\r\p{Zs}\x{2028}\x{2029}\x{FEFF},.\-#'/]`)
)

// Sanitize returns the address-safe form of input. Non-string input yields "".
func Sanitize(input any) string {
	s, ok := input.(string)
	if !ok {
		return ""
	}
	return SanitizeString(s)
}

// SanitizeString strips markup, script schemes, inline event handlers and any
// character outside the address allow-list, then trims and caps the result at
// MaxInputLength characters.
//
// The order of the passes matters: tags and schemes must go before the
// allow-list pass or their letters would be merged into the surrounding text
// in a different shape.
func SanitizeString(s string) string {
	s = stripTags(s)
	s = jsSchemePat.ReplaceAllString(s, "")
	s = dataSchemePat.ReplaceAllString(s, "")
	s = eventHandlerPt.ReplaceAllString(s, "")
	s = disallowedChars.ReplaceAllString(s, "")
	s = trimSpace(s)
	// a cut can land just after a space, so trim the tail again
	return strings.TrimRightFunc(truncate(s, MaxInputLength), isSpace)
}

// stripTags removes tag-shaped substrings until nothing changes, so nested
// input like <<script>> cannot reassemble into a tag after one pass.
func stripTags(s string) string {
	for {
		next := tagPattern.ReplaceAllString(s, "")
		if next == s {
			return s
		}
		s = next
	}
}

func isSpace(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', '\u2028', '\u2029', '\uFEFF':
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func trimSpace(s string) string { return strings.TrimFunc(s, isSpace) }

// truncate cuts s to at most n characters without splitting a rune.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
