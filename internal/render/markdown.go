package render

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	glamouransi "github.com/charmbracelet/glamour/ansi"
	"github.com/charmbracelet/glamour/styles"
	xansi "github.com/charmbracelet/x/ansi"
)

const defaultWidth = 80

var (
	rendererMu       sync.Mutex
	renderersByWidth = map[int]*glamour.TermRenderer{}
)

// Markdown renders step output for a terminal of the given width. Input that
// glamour rejects is returned unchanged.
func Markdown(input string, width int) string {
	input = strings.TrimRight(input, "\n")
	if input == "" {
		return ""
	}
	if width <= 0 {
		width = defaultWidth
	}
	r := rendererFor(width)
	if r == nil {
		return input
	}
	out, err := r.Render(input)
	if err != nil {
		return input
	}
	out = strings.TrimRight(out, "\n")
	out = xansi.Hardwrap(out, width, true)
	return strings.TrimRight(out, "\n")
}

func rendererFor(width int) *glamour.TermRenderer {
	rendererMu.Lock()
	defer rendererMu.Unlock()
	if r, ok := renderersByWidth[width]; ok && r != nil {
		return r
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStyles(outputStyleConfig()),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	renderersByWidth[width] = r
	return r
}

func outputStyleConfig() glamouransi.StyleConfig {
	base := styles.DarkStyleConfig
	// Document margins come from the surrounding layout.
	base.Document.StylePrimitive.BlockPrefix = ""
	base.Document.StylePrimitive.BlockSuffix = ""
	zero := uint(0)
	base.Document.Margin = &zero
	return base
}
