package delivery

import (
	"strings"

	"github.com/rivo/uniseg"
)

// MaxSegmentLength is the longest text the provider accepts in one SMS,
// counted in user-perceived characters.
const MaxSegmentLength = 160

// Segments splits text into consecutive pieces of at most max grapheme
// clusters, so no emoji or combining sequence is cut in half.
func Segments(text string, max int) []string {
	if text == "" || max <= 0 {
		return nil
	}
	var (
		out []string
		b   strings.Builder
		n   int
	)
	g := uniseg.NewGraphemes(text)
	for g.Next() {
		if n == max {
			out = append(out, b.String())
			b.Reset()
			n = 0
		}
		b.WriteString(g.Str())
		n++
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
