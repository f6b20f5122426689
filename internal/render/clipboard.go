package render

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
)

type ClipboardMethod uint8

const (
	ClipboardSystem ClipboardMethod = iota
	ClipboardOSC52
)

func (m ClipboardMethod) String() string {
	if m == ClipboardOSC52 {
		return "osc52"
	}
	return "system"
}

var (
	clipboardWriteAll   = clipboard.WriteAll
	clipboardWriteOSC52 = writeOSC52Clipboard
)

// CopyText writes text to the system clipboard, falling back to an OSC52
// escape sequence on the controlling terminal.
func CopyText(text string) (ClipboardMethod, error) {
	systemErr := clipboardWriteAll(text)
	if systemErr == nil {
		return ClipboardSystem, nil
	}
	if oscErr := clipboardWriteOSC52(text); oscErr != nil {
		return ClipboardSystem, combineClipboardErrors(systemErr, oscErr)
	}
	return ClipboardOSC52, nil
}

func writeOSC52Clipboard(text string) error {
	if !shouldAttemptOSC52() {
		return errors.New("OSC52 unavailable for this terminal")
	}
	tty, err := os.OpenFile("/dev/tty", os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open /dev/tty: %w", err)
	}
	defer tty.Close()
	return writeOSC52Sequence(tty, text)
}

func writeOSC52Sequence(w io.Writer, text string) error {
	seq := osc52.New(text)
	switch {
	case os.Getenv("TMUX") != "":
		// Plain and tmux-wrapped, for either tmux clipboard setting.
		if _, err := seq.WriteTo(w); err != nil {
			return err
		}
		_, err := seq.Tmux().WriteTo(w)
		return err
	case strings.HasPrefix(strings.ToLower(strings.TrimSpace(os.Getenv("TERM"))), "screen"):
		_, err := seq.Screen().WriteTo(w)
		return err
	default:
		_, err := seq.WriteTo(w)
		return err
	}
}

func shouldAttemptOSC52() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("RUNSTREAM_DISABLE_OSC52"))) {
	case "1", "true", "yes", "on":
		return false
	}
	term := strings.TrimSpace(os.Getenv("TERM"))
	return term != "" && !strings.EqualFold(term, "dumb")
}

func combineClipboardErrors(systemErr, oscErr error) error {
	if missingDisplay() {
		return fmt.Errorf("no GUI clipboard available (DISPLAY/WAYLAND_DISPLAY unset); OSC52 fallback failed: %s", oscErr)
	}
	return fmt.Errorf("system clipboard failed: %s; OSC52 fallback failed: %s", strings.TrimSpace(systemErr.Error()), oscErr)
}

func missingDisplay() bool {
	return strings.TrimSpace(os.Getenv("DISPLAY")) == "" && strings.TrimSpace(os.Getenv("WAYLAND_DISPLAY")) == ""
}
