package presence

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

var DefaultPalette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FCE",
	"#85C1E9",
}

// ColorAllocator hands out the first palette color not used in a room and
// falls back to a random color once the palette is exhausted.
type ColorAllocator struct {
	palette []string
	random  func() uint32
}

func NewColorAllocator(palette []string) *ColorAllocator {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	p := make([]string, len(palette))
	for i, c := range palette {
		p[i] = strings.ToUpper(c)
	}
	return &ColorAllocator{
		palette: p,
		random:  func() uint32 { return rand.Uint32N(0x1000000) },
	}
}

// Next picks a color given the set of colors already used in the room. Keys
// of used must be upper-case.
func (a *ColorAllocator) Next(used map[string]bool) string {
	for _, c := range a.palette {
		if !used[c] {
			return c
		}
	}
	return fmt.Sprintf("#%06X", a.random())
}
