package taskbus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"runstream/internal/logging"
	"runstream/internal/types"
)

// Source opens the project-wide task event stream.
type Source interface {
	TaskEventStream(ctx context.Context, projectID string) (<-chan types.TaskEvent, func(), error)
}

var (
	ErrClosed = errors.New("task bus closed")
	// ErrConnectionEnded is returned to a subscriber whose shared connection
	// ended before it could attach.
	ErrConnectionEnded = errors.New("task bus connection ended")
)

// Hub shares one task event connection per project between any number of
// per-task subscribers. The connection is opened by the first subscriber
// and closed when the last one leaves. Dialing happens outside the hub
// lock; concurrent subscribers wait on the same dial.
type Hub struct {
	source Source
	logger logging.Logger
	done   chan struct{}

	mu     sync.Mutex
	conns  map[string]*projectConn
	closed bool
}

type projectConn struct {
	projectID string
	// cancel aborts the dial and the stream; stop is set once dialed.
	cancel  context.CancelFunc
	stop    func()
	ready   chan struct{}
	err     error
	subs    map[uint64]*subscriber
	nextID  uint64
	waiters int
	ended   bool
}

type subscriber struct {
	taskID string
	ch     chan types.TaskEvent
	done   chan struct{}
	once   sync.Once
}

func NewHub(source Source, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		source: source,
		logger: logger,
		done:   make(chan struct{}),
		conns:  map[string]*projectConn{},
	}
}

// Subscribe delivers events for taskID (all tasks when empty) from the
// project's shared connection. It returns early with ctx's error when ctx
// ends before the connection is up. The channel is closed when the
// connection ends. The returned func unsubscribes and may be called more
// than once.
func (h *Hub) Subscribe(ctx context.Context, projectID, taskID string) (<-chan types.TaskEvent, func(), error) {
	if h == nil || h.source == nil {
		return nil, nil, errors.New("task bus source is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	projectID = strings.TrimSpace(projectID)
	taskID = strings.TrimSpace(taskID)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrClosed
	}
	conn := h.conns[projectID]
	if conn == nil || conn.ended {
		conn = h.dialLocked(projectID)
	}
	conn.waiters++
	h.mu.Unlock()

	select {
	case <-conn.ready:
	case <-ctx.Done():
		h.abandon(conn)
		return nil, nil, ctx.Err()
	case <-h.done:
		h.abandon(conn)
		return nil, nil, ErrClosed
	}

	h.mu.Lock()
	conn.waiters--
	switch {
	case conn.err != nil:
		h.mu.Unlock()
		return nil, nil, conn.err
	case h.closed:
		h.mu.Unlock()
		return nil, nil, ErrClosed
	case conn.ended:
		h.mu.Unlock()
		return nil, nil, ErrConnectionEnded
	}
	sub := &subscriber{
		taskID: taskID,
		ch:     make(chan types.TaskEvent, 64),
		done:   make(chan struct{}),
	}
	conn.nextID++
	id := conn.nextID
	conn.subs[id] = sub
	count := len(conn.subs)
	h.mu.Unlock()

	h.logger.Debug("task bus subscribe",
		logging.F("project_id", projectID),
		logging.F("task_id", taskID),
		logging.F("subscribers", count),
	)
	return sub.ch, func() { h.unsubscribe(conn, id, sub) }, nil
}

// Subscribers returns the number of live subscribers for a project.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn := h.conns[strings.TrimSpace(projectID)]
	if conn == nil {
		return 0
	}
	return len(conn.subs)
}

// Close tears down every shared connection, including dials in progress,
// and releases waiting subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	var stops []func()
	for _, conn := range h.conns {
		stops = append(stops, h.retireLocked(conn))
	}
	h.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// dialLocked registers a placeholder connection and dials it in the
// background. The stream context is detached from any one subscriber.
func (h *Hub) dialLocked(projectID string) *projectConn {
	streamCtx, cancel := context.WithCancel(context.Background())
	conn := &projectConn{
		projectID: projectID,
		cancel:    cancel,
		ready:     make(chan struct{}),
		subs:      map[uint64]*subscriber{},
	}
	h.conns[projectID] = conn
	go h.dial(streamCtx, conn)
	return conn
}

func (h *Hub) dial(ctx context.Context, conn *projectConn) {
	events, stop, err := h.source.TaskEventStream(ctx, conn.projectID)

	h.mu.Lock()
	if err == nil && conn.ended {
		// Retired while dialing.
		h.mu.Unlock()
		stop()
		h.failDial(conn, ErrConnectionEnded)
		return
	}
	if err != nil {
		conn.ended = true
		if h.conns[conn.projectID] == conn {
			delete(h.conns, conn.projectID)
		}
		h.mu.Unlock()
		conn.cancel()
		h.failDial(conn, err)
		return
	}
	conn.stop = stop
	h.mu.Unlock()

	close(conn.ready)
	h.logger.Info("task bus connected", logging.F("project_id", conn.projectID))
	h.pump(conn, events)
}

func (h *Hub) failDial(conn *projectConn, err error) {
	h.mu.Lock()
	conn.err = err
	h.mu.Unlock()
	close(conn.ready)
	h.logger.Warn("task bus connect failed", logging.F("project_id", conn.projectID), logging.F("error", err))
}

func (h *Hub) pump(conn *projectConn, events <-chan types.TaskEvent) {
	for event := range events {
		for _, sub := range h.snapshot(conn) {
			if sub.taskID != "" && sub.taskID != strings.TrimSpace(event.TaskID) {
				continue
			}
			select {
			case sub.ch <- event:
			case <-sub.done:
			}
		}
	}

	h.mu.Lock()
	stop := h.retireLocked(conn)
	subs := make([]*subscriber, 0, len(conn.subs))
	for id, sub := range conn.subs {
		subs = append(subs, sub)
		delete(conn.subs, id)
	}
	h.mu.Unlock()

	stop()
	for _, sub := range subs {
		close(sub.ch)
	}
	h.logger.Info("task bus disconnected", logging.F("project_id", conn.projectID))
}

// retireLocked marks conn ended and unregisters it. The returned func
// releases the stream and must be called without the lock.
func (h *Hub) retireLocked(conn *projectConn) func() {
	conn.ended = true
	if h.conns[conn.projectID] == conn {
		delete(h.conns, conn.projectID)
	}
	stop := conn.stop
	return func() {
		conn.cancel()
		if stop != nil {
			stop()
		}
	}
}

// abandon drops a waiter that gave up before the dial finished. The dial
// is cancelled when nobody else wants the connection.
func (h *Hub) abandon(conn *projectConn) {
	h.mu.Lock()
	conn.waiters--
	if conn.waiters > 0 || len(conn.subs) > 0 || conn.ended {
		h.mu.Unlock()
		return
	}
	stop := h.retireLocked(conn)
	h.mu.Unlock()
	stop()
}

func (h *Hub) snapshot(conn *projectConn) []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*subscriber, 0, len(conn.subs))
	for _, sub := range conn.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (h *Hub) unsubscribe(conn *projectConn, id uint64, sub *subscriber) {
	sub.once.Do(func() { close(sub.done) })

	h.mu.Lock()
	if _, ok := conn.subs[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conn.subs, id)
	if len(conn.subs) > 0 || conn.waiters > 0 || conn.ended {
		h.mu.Unlock()
		return
	}
	stop := h.retireLocked(conn)
	h.mu.Unlock()
	stop()
}
