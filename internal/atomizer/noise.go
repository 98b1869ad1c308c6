package atomizer

import (
	"regexp"
	"strings"
)

var (
	ansiRe      = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	artifactsRe = regexp.MustCompile(`\[(?:Truncated|\.\.\.)\]`)
)

// isNoise reports terminal UI glyphs and decorative emoji.
func isNoise(r rune) bool {
	switch {
	case r >= 0x2500 && r <= 0x27BF: // box drawing, blocks, shapes, symbols, dingbats
		return true
	case r == 0x2B50, r == 0xFE0F, r == 0x200D:
		return true
	case r >= 0x1F300 && r <= 0x1F64F:
		return true
	case r >= 0x1F680 && r <= 0x1F6FF:
		return true
	case r >= 0x1F900 && r <= 0x1FAFF:
		return true
	}
	return false
}

// cleanse strips escape sequences, truncation artifacts and noise glyphs from
// text before tag extraction. Molecule offsets are unaffected.
func cleanse(text string) string {
	text = ansiRe.ReplaceAllString(text, " ")
	text = artifactsRe.ReplaceAllString(text, " ")
	return strings.Map(func(r rune) rune {
		if isNoise(r) {
			return ' '
		}
		return r
	}, text)
}
