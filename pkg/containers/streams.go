package containers

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/havenlabs/haven/pkg/telemetry"
)

// statusInterval is the baseline period between status broadcasts.
// Watcher nudges trigger an immediate extra broadcast.
const statusInterval = 5 * time.Second

// logBufferLines bounds the per-subscription log line buffer. A slow
// consumer loses lines rather than stalling the reader goroutine.
const logBufferLines = 256

// LogStream is an active log subscription handle.
type LogStream struct {
	// ID identifies the subscription.
	ID string

	// Lines delivers log lines. Closed when the stream ends, for any
	// reason.
	Lines <-chan string

	cancel context.CancelFunc
}

// StatusStream is an active status subscription handle.
type StatusStream struct {
	// ID identifies the subscription.
	ID string

	// Updates delivers container snapshots. Closed on unsubscribe.
	Updates <-chan []Container
}

type logSub struct {
	id     string
	lines  chan string
	rc     io.ReadCloser
	cancel context.CancelFunc
}

type statusSub struct {
	id      string
	updates chan []Container
}

// StreamHub owns all live log and status subscriptions. Each session
// holds at most one log stream: subscribing while one is active tears
// the old one down first, so an abandoned follow never outlives the
// session that replaced it. All teardown is deterministic; there is no
// reaper.
type StreamHub struct {
	gateway *Gateway
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger

	// nudge triggers an out-of-band status broadcast, fed by the
	// module directory watcher.
	nudge chan struct{}

	mu     sync.Mutex
	logs   map[string]*logSub
	status map[string]*statusSub
}

// NewStreamHub creates a stream hub over the gateway.
func NewStreamHub(gateway *Gateway, tel *telemetry.Telemetry) *StreamHub {
	return &StreamHub{
		gateway: gateway,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("streams"),
		nudge:   make(chan struct{}, 1),
		logs:    make(map[string]*logSub),
		status:  make(map[string]*statusSub),
	}
}

// SubscribeLogs opens a follow-mode log stream for the session. Any
// previous log stream held by the same session is closed before the new
// one is opened, so a session never holds two daemon streams at once.
func (h *StreamHub) SubscribeLogs(ctx context.Context, sessionID, ref string, tail int) (*LogStream, error) {
	h.mu.Lock()
	if old, ok := h.logs[sessionID]; ok {
		h.closeLogLocked(sessionID, old)
	}
	h.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rc, err := h.gateway.StreamLogs(streamCtx, ref, tail)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &logSub{
		id:     uuid.NewString(),
		lines:  make(chan string, logBufferLines),
		rc:     rc,
		cancel: cancel,
	}

	h.mu.Lock()
	h.logs[sessionID] = sub
	h.mu.Unlock()
	h.tel.Metrics.LogStreamOpened()

	// Closing the reader is what actually unblocks a pending Read when
	// the subscription is cancelled.
	go func() {
		<-streamCtx.Done()
		rc.Close()
	}()

	go func() {
		defer rc.Close()
		defer func() {
			h.mu.Lock()
			if h.logs[sessionID] == sub {
				h.closeLogLocked(sessionID, sub)
			}
			h.mu.Unlock()
			// This goroutine is the only sender; closing here lets
			// consumers observe end-of-stream no matter why it ended.
			close(sub.lines)
		}()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case sub.lines <- scanner.Text():
			case <-streamCtx.Done():
				return
			default:
				// Slow consumer: drop the line.
			}
		}
	}()

	h.logger.WithSession(sessionID).WithContainer(ref).Debug("log stream opened")
	return &LogStream{ID: sub.id, Lines: sub.lines, cancel: cancel}, nil
}

// UnsubscribeLogs closes the session's active log stream, if any.
func (h *StreamHub) UnsubscribeLogs(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.logs[sessionID]; ok {
		h.closeLogLocked(sessionID, sub)
	}
}

// ReleaseLog closes the session's log stream only if it is still the
// given subscription. A handler whose stream was replaced releases a
// stale id and leaves the successor untouched.
func (h *StreamHub) ReleaseLog(sessionID, streamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.logs[sessionID]; ok && sub.id == streamID {
		h.closeLogLocked(sessionID, sub)
	}
}

// closeLogLocked cancels one log subscription and closes its daemon
// stream synchronously, so the descriptor is gone before the caller
// proceeds. Callers hold h.mu.
func (h *StreamHub) closeLogLocked(sessionID string, sub *logSub) {
	sub.cancel()
	sub.rc.Close()
	delete(h.logs, sessionID)
	h.tel.Metrics.LogStreamClosed()
}

// SubscribeStatus registers the session for container status snapshots.
func (h *StreamHub) SubscribeStatus(sessionID string) *StatusStream {
	sub := &statusSub{
		id:      uuid.NewString(),
		updates: make(chan []Container, 1),
	}

	h.mu.Lock()
	if old, ok := h.status[sessionID]; ok {
		close(old.updates)
		h.tel.Metrics.StatusStreamClosed()
	}
	h.status[sessionID] = sub
	h.mu.Unlock()
	h.tel.Metrics.StatusStreamOpened()

	return &StatusStream{ID: sub.id, Updates: sub.updates}
}

// UnsubscribeStatus removes the session's status subscription, if any.
func (h *StreamHub) UnsubscribeStatus(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.status[sessionID]; ok {
		close(sub.updates)
		delete(h.status, sessionID)
		h.tel.Metrics.StatusStreamClosed()
	}
}

// ReleaseStatus removes the session's status subscription only if it is
// still the given one, mirroring ReleaseLog.
func (h *StreamHub) ReleaseStatus(sessionID, streamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.status[sessionID]; ok && sub.id == streamID {
		close(sub.updates)
		delete(h.status, sessionID)
		h.tel.Metrics.StatusStreamClosed()
	}
}

// DropSession releases everything the session holds. Called on client
// disconnect.
func (h *StreamHub) DropSession(sessionID string) {
	h.UnsubscribeLogs(sessionID)
	h.UnsubscribeStatus(sessionID)
	h.logger.WithSession(sessionID).Debug("session dropped")
}

// Nudge requests an immediate status broadcast. Safe to call from any
// goroutine; coalesces while a broadcast is pending.
func (h *StreamHub) Nudge() {
	select {
	case h.nudge <- struct{}{}:
	default:
	}
}

// Run broadcasts container snapshots to status subscribers on a ticker
// and on nudges until the context ends.
func (h *StreamHub) Run(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.nudge:
		}
		h.broadcast(ctx)
	}
}

func (h *StreamHub) broadcast(ctx context.Context) {
	h.mu.Lock()
	n := len(h.status)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	snapshot, err := h.gateway.List(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("status snapshot failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.status {
		select {
		case sub.updates <- snapshot:
		default:
			// Subscriber still holds the previous snapshot; replace it.
			select {
			case <-sub.updates:
			default:
			}
			select {
			case sub.updates <- snapshot:
			default:
			}
		}
	}
}

// Close cancels the stream and is safe to call more than once.
func (s *LogStream) Close() {
	s.cancel()
}
