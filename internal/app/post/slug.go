package post

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slug derives the post identifier from the sender-local date and the
// decoded subject. It is a pure function of its inputs.
func Slug(date time.Time, title string) string {
	day := date.Format(time.DateOnly)
	if s := Slugify(title); s != "" {
		return day + "-" + s
	}

	return day
}

// Slugify lowercases s, folds accented letters to ASCII and joins the
// remaining alphanumeric runs with single hyphens. Runes without an ASCII
// form are kept as their escaped code point: "xdf" below U+0100, "u65e5"
// up to U+FFFF and "u0001f4ac" above.
func Slugify(s string) string {
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	pendingSep := false
	writeWord := func(w string) {
		if pendingSep && b.Len() > 0 {
			b.WriteByte('-')
		}
		pendingSep = false
		b.WriteString(w)
	}

	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			writeWord(string(r))
		case r < utf8.RuneSelf:
			pendingSep = true
		default:
			pendingSep = true
			writeWord(escapeRune(r))
		}
	}

	return b.String()
}

func escapeRune(r rune) string {
	switch {
	case r < 0x100:
		return fmt.Sprintf("x%02x", r)
	case r < 0x10000:
		return fmt.Sprintf("u%04x", r)
	default:
		return fmt.Sprintf("u%08x", r)
	}
}
