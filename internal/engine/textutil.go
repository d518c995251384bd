package engine

import (
	"regexp"
	"strings"

	"github.com/anatolykoptev/go-kit/strutil"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// CollapseSpace folds runs of whitespace into single spaces.
func CollapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// CleanTitle drops trailing URLs and hashtags that the source site appends
// to captions, then caps the result at limit runes with an ellipsis.
// An empty result falls back to "Video".
func CleanTitle(title string, limit int) string {
	t := title
	if i := strings.Index(t, "http"); i >= 0 {
		t = t[:i]
	}
	if i := strings.Index(t, "#"); i >= 0 {
		t = t[:i]
	}
	t = CollapseSpace(t)
	if t == "" {
		t = "Video"
	}
	return TruncateRunes(t, limit, "...")
}

// TruncateRunes caps s at limit runes, appending suffix if truncated.
// Pass suffix="" for no suffix. Safe for UTF-8 (Cyrillic, CJK, emoji).
func TruncateRunes(s string, limit int, suffix string) string {
	return strutil.TruncateWith(s, limit, suffix)
}
