package render

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
)

// ShouldColorize reports whether w is an interactive terminal.
func ShouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Truncate shortens plain text to width display cells.
func Truncate(text string, width int) string {
	if width <= 0 || runewidth.StringWidth(text) <= width {
		return text
	}
	if width == 1 {
		return "…"
	}
	return runewidth.Truncate(text, width, "…")
}
