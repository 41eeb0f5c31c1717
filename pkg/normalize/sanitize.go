package normalize

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// sanitizeDescription puts vendor text into canonical form: Unicode NFC,
// control characters stripped (newlines and tabs become spaces), bounded
// at the description length cap.
func sanitizeDescription(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			return ' '
		case r < 0x20 || (r >= 0x7f && r < 0xa0):
			return -1
		default:
			return r
		}
	}, s)
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > domain.MaxDescriptionLen {
		return string(runes[:domain.MaxDescriptionLen])
	}
	return s
}
