package runengine

import (
	"sync"

	"runstream/internal/types"
)

// TerminalCapture holds the first terminal result observed for one
// execution. Later captures are ignored.
type TerminalCapture struct {
	mu     sync.Mutex
	result *types.RunResult
	done   chan struct{}
}

func NewTerminalCapture() *TerminalCapture {
	return &TerminalCapture{done: make(chan struct{})}
}

// Capture records result if nothing was captured yet and reports whether
// it won.
func (c *TerminalCapture) Capture(result types.RunResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil {
		return false
	}
	c.result = &result
	close(c.done)
	return true
}

func (c *TerminalCapture) Result() (types.RunResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return types.RunResult{}, false
	}
	return *c.result, true
}

// Done is closed once a result has been captured.
func (c *TerminalCapture) Done() <-chan struct{} {
	return c.done
}
