package extract

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// collapseLines collapses whitespace runs inside each line, trims lines and
// drops empty ones. Line structure survives so subject headings stay on
// their own line.
func collapseLines(s string) string {
	var out strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		line = collapseSpaces(line)
		if line == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(line)
	}
	return out.String()
}

func collapseSpaces(s string) string {
	var sb strings.Builder
	pending := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			pending = sb.Len() > 0
		case unicode.IsPrint(r):
			if pending {
				sb.WriteByte(' ')
				pending = false
			}
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// decodeBytes interprets raw PDF string bytes. Valid UTF-8 is kept; anything
// else is read as Latin-1, which covers WinAnsi accents in Portuguese text.
func decodeBytes(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// runeLen counts characters of the trimmed text.
func runeLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}
