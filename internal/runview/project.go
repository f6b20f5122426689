package runview

import (
	"time"

	"runstream/internal/types"
)

const (
	DefaultGraceWindow         = 8 * time.Second
	defaultProgressWithContent = 15
	defaultProgressEmpty       = 2
	defaultFailedOutput        = "run failed"
)

// ProgressHeuristic is the percentage shown for a step that is running but
// has no completion signal yet.
type ProgressHeuristic struct {
	RunningWithContent int
	RunningEmpty       int
}

type Options struct {
	GraceWindow time.Duration
	Progress    ProgressHeuristic
}

func DefaultOptions() Options {
	return Options{
		GraceWindow: DefaultGraceWindow,
		Progress: ProgressHeuristic{
			RunningWithContent: defaultProgressWithContent,
			RunningEmpty:       defaultProgressEmpty,
		},
	}
}

type StepView struct {
	ID              string
	Title           string
	Status          types.StepStatus
	Progress        int
	Attempt         int
	Index           *int
	Total           *int
	Message         string
	ErrorMessage    string
	TextLength      int
	ReasoningLength int
	Active          bool
	Selected        bool
}

type View struct {
	RunID           string
	TaskID          string
	Status          types.RunStatus
	Steps           []StepView
	ActiveStepID    string
	SelectedStepID  string
	SelectedStep    *StepView
	OutputText      string
	ErrorMessage    string
	OverallProgress int
	IsVisible       bool
	IsLiveRunning   bool
	TerminalAt      *time.Time
}

// Project derives the render-ready view of state at now.
func Project(state *types.RunState, isLiveRunning bool, now time.Time, opts Options) View {
	opts = normalizeOptions(opts)
	view := View{IsLiveRunning: isLiveRunning, IsVisible: isLiveRunning}
	if state == nil {
		return view
	}
	view.RunID = state.RunID
	view.TaskID = state.TaskID
	view.Status = state.Status
	view.ErrorMessage = state.ErrorMessage
	view.TerminalAt = state.TerminalAt
	view.IsVisible = isVisible(state, isLiveRunning, now, opts.GraceWindow)

	steps := make([]*types.RunStepState, 0, len(state.StepOrder))
	for _, id := range state.StepOrder {
		if step := state.StepsByID[id]; step != nil {
			steps = append(steps, step)
		}
	}

	view.ActiveStepID = state.ActiveStepID
	if _, ok := state.StepsByID[view.ActiveStepID]; !ok {
		view.ActiveStepID = ""
		if len(steps) > 0 {
			view.ActiveStepID = steps[len(steps)-1].ID
		}
	}
	view.SelectedStepID = state.SelectedStepID
	if _, ok := state.StepsByID[view.SelectedStepID]; !ok {
		view.SelectedStepID = view.ActiveStepID
	}

	var selected *types.RunStepState
	total := 0
	view.Steps = make([]StepView, 0, len(steps))
	for _, step := range steps {
		sv := StepView{
			ID:              step.ID,
			Title:           step.Title,
			Status:          step.Status,
			Progress:        stepProgress(step, opts.Progress),
			Attempt:         step.Attempt,
			Index:           step.Index,
			Total:           step.Total,
			Message:         step.Message,
			ErrorMessage:    step.ErrorMessage,
			TextLength:      step.TextLength,
			ReasoningLength: step.ReasoningLength,
			Active:          step.ID == view.ActiveStepID,
			Selected:        step.ID == view.SelectedStepID,
		}
		view.Steps = append(view.Steps, sv)
		total += overallContribution(step, opts.Progress)
		if sv.Selected {
			selected = step
		}
	}
	for i := range view.Steps {
		if view.Steps[i].Selected {
			view.SelectedStep = &view.Steps[i]
			break
		}
	}

	switch {
	case len(steps) > 0:
		view.OverallProgress = total / len(steps)
	case state.Status == types.RunStatusCompleted:
		view.OverallProgress = 100
	}

	view.OutputText = outputText(state, selected)
	return view
}

func normalizeOptions(opts Options) Options {
	defaults := DefaultOptions()
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = defaults.GraceWindow
	}
	if opts.Progress == (ProgressHeuristic{}) {
		opts.Progress = defaults.Progress
	}
	if opts.Progress.RunningWithContent <= 0 || opts.Progress.RunningWithContent >= 100 {
		opts.Progress.RunningWithContent = defaults.Progress.RunningWithContent
	}
	if opts.Progress.RunningEmpty < 0 || opts.Progress.RunningEmpty >= 100 {
		opts.Progress.RunningEmpty = defaults.Progress.RunningEmpty
	}
	return opts
}

func isVisible(state *types.RunState, isLiveRunning bool, now time.Time, grace time.Duration) bool {
	if isLiveRunning || state.Status == types.RunStatusRunning {
		return true
	}
	if state.TerminalAt == nil {
		return false
	}
	return now.Sub(*state.TerminalAt) < grace
}

func stepProgress(step *types.RunStepState, heuristic ProgressHeuristic) int {
	switch step.Status {
	case types.StepStatusCompleted:
		return 100
	case types.StepStatusRunning:
		return runningProgress(step, heuristic)
	default:
		return 0
	}
}

// overallContribution counts a failed step at the value it had while it
// was still running.
func overallContribution(step *types.RunStepState, heuristic ProgressHeuristic) int {
	if step.Status == types.StepStatusFailed {
		return runningProgress(step, heuristic)
	}
	return stepProgress(step, heuristic)
}

func runningProgress(step *types.RunStepState, heuristic ProgressHeuristic) int {
	if step.TextLength > 0 || step.ReasoningLength > 0 {
		return heuristic.RunningWithContent
	}
	return heuristic.RunningEmpty
}

func outputText(state *types.RunState, selected *types.RunStepState) string {
	if selected != nil {
		if selected.Text != "" {
			return selected.Text
		}
		if selected.Reasoning != "" {
			return selected.Reasoning
		}
	}
	if state.Status != types.RunStatusFailed {
		return ""
	}
	if selected != nil && selected.ErrorMessage != "" {
		return selected.ErrorMessage
	}
	if state.ErrorMessage != "" {
		return state.ErrorMessage
	}
	return defaultFailedOutput
}
