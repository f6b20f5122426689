package render

import (
	"fmt"
	"strconv"
	"strings"

	xansi "github.com/charmbracelet/x/ansi"

	"runstream/internal/runview"
	"runstream/internal/types"
)

const (
	stepTitleWidth = 40
	noRunMessage   = "no run"
)

type Options struct {
	Width    int
	Color    bool
	Markdown bool
	// HideOutput limits the rendering to the header and step table.
	HideOutput bool
}

// View renders a projected run for a terminal.
func View(view runview.View, opts Options) string {
	if view.RunID == "" {
		return paint(mutedStyle, noRunMessage, opts.Color)
	}
	sections := []string{header(view, opts)}
	if len(view.Steps) > 0 {
		sections = append(sections, stepTable(view.Steps))
	}
	if !opts.HideOutput {
		if body := output(view, opts); body != "" {
			sections = append(sections, body)
		}
	}
	return strings.Join(sections, "\n\n")
}

func header(view runview.View, opts Options) string {
	parts := []string{statusBadge(view.Status, opts.Color), paint(headerStyle, "run "+view.RunID, opts.Color)}
	if view.TaskID != "" && view.TaskID != view.RunID {
		parts = append(parts, paint(mutedStyle, "task "+view.TaskID, opts.Color))
	}
	parts = append(parts, strconv.Itoa(view.OverallProgress)+"%")
	if view.IsLiveRunning {
		parts = append(parts, paint(mutedStyle, "live", opts.Color))
	}
	line := strings.Join(parts, "  ")
	if opts.Width > 0 && xansi.StringWidth(line) > opts.Width {
		line = xansi.Truncate(line, opts.Width, "…")
	}
	return line
}

func statusBadge(status types.RunStatus, colorize bool) string {
	label := " " + strings.ToUpper(string(status)) + " "
	if status == "" {
		label = " UNKNOWN "
	}
	switch status {
	case types.RunStatusRunning:
		return paint(runningStyle, label, colorize)
	case types.RunStatusCompleted:
		return paint(completedStyle, label, colorize)
	case types.RunStatusFailed:
		return paint(failedStyle, label, colorize)
	default:
		return paint(mutedStyle, label, colorize)
	}
}

func stepTable(steps []runview.StepView) string {
	rows := make([][]string, 0, len(steps))
	for i, step := range steps {
		marker := ""
		switch {
		case step.Selected:
			marker = "*"
		case step.Active:
			marker = ">"
		}
		title := step.Title
		if title == "" {
			title = step.ID
		}
		if step.Attempt > 1 {
			title = fmt.Sprintf("%s (attempt %d)", title, step.Attempt)
		}
		rows = append(rows, []string{
			marker,
			stepPosition(i, step),
			Truncate(title, stepTitleWidth),
			string(step.Status),
			strconv.Itoa(step.Progress) + "%",
			strconv.Itoa(step.TextLength),
		})
	}
	return renderTable(
		[]string{"", "#", "Step", "Status", "Progress", "Chars"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignRight},
	)
}

func stepPosition(i int, step runview.StepView) string {
	index := i + 1
	if step.Index != nil {
		index = *step.Index + 1
	}
	if step.Total != nil && *step.Total > 0 {
		return fmt.Sprintf("%d/%d", index, *step.Total)
	}
	return strconv.Itoa(index)
}

func output(view runview.View, opts Options) string {
	text := strings.TrimSpace(view.OutputText)
	var parts []string
	failed := view.Status == types.RunStatusFailed
	if failed && view.ErrorMessage == "" && text != "" {
		// OutputText already carries the failure fallback.
		return paint(errorStyle, "error: "+text, opts.Color)
	}
	if text != "" && text != view.ErrorMessage {
		if opts.Markdown {
			text = Markdown(text, opts.Width)
		}
		parts = append(parts, text)
	}
	if failed && view.ErrorMessage != "" {
		parts = append(parts, paint(errorStyle, "error: "+view.ErrorMessage, opts.Color))
	}
	return strings.Join(parts, "\n\n")
}

// Result renders the one-line outcome of a finished run.
func Result(result types.RunResult, colorize bool) string {
	line := statusBadge(result.Status, colorize) + "  run " + result.RunID
	if result.Status == types.RunStatusFailed && result.ErrorMessage != "" {
		line += "  " + paint(errorStyle, result.ErrorMessage, colorize)
	}
	return line
}
