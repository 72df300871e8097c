package containers

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// blockingLogs lets the test control when a log stream ends.
type blockingLogs struct {
	closed chan struct{}
	once   sync.Once
}

func (b *blockingLogs) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *blockingLogs) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type streamingDocker struct {
	fakeDocker
	open []*blockingLogs

	// openAtCall records, per Logs call, how many earlier streams were
	// still open at that moment.
	openAtCall []int
}

func (s *streamingDocker) Logs(_ context.Context, id string, _ int) (io.ReadCloser, error) {
	stillOpen := 0
	for _, prior := range s.open {
		select {
		case <-prior.closed:
		default:
			stillOpen++
		}
	}
	s.openAtCall = append(s.openAtCall, stillOpen)

	rc := &blockingLogs{closed: make(chan struct{})}
	s.open = append(s.open, rc)
	return rc, nil
}

func newTestHub(t *testing.T) (*StreamHub, *streamingDocker) {
	t.Helper()

	docker := &streamingDocker{}
	docker.containers = append(docker.containers,
		summary("aaaa1111aaaa1111", "haven-privacy-dns", "running"),
		summary("bbbb2222bbbb2222", "haven-privacy-proxy", "running"),
	)

	gw := NewGateway(docker, "haven-", nil, testTelemetry(t))
	return NewStreamHub(gw, testTelemetry(t)), docker
}

func waitClosed(t *testing.T, rc *blockingLogs) {
	t.Helper()
	select {
	case <-rc.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}
}

func TestSubscribeLogsReplacesPriorStream(t *testing.T) {
	hub, docker := newTestHub(t)
	ctx := context.Background()

	first, err := hub.SubscribeLogs(ctx, "session-1", "haven-privacy-dns", 0)
	if err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}

	second, err := hub.SubscribeLogs(ctx, "session-1", "haven-privacy-proxy", 0)
	if err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}
	if first.ID == second.ID {
		t.Error("subscriptions must carry distinct ids")
	}

	// The first daemon stream must be torn down by the replacement,
	// and torn down before the replacement was opened: at no point may
	// one session hold two daemon streams.
	if len(docker.open) != 2 {
		t.Fatalf("expected 2 daemon streams, got %d", len(docker.open))
	}
	waitClosed(t, docker.open[0])
	if docker.openAtCall[1] != 0 {
		t.Errorf("%d prior streams still open when the replacement was opened", docker.openAtCall[1])
	}

	select {
	case <-docker.open[1].closed:
		t.Error("replacement stream must stay open")
	default:
	}

	// The replaced handle observes end-of-stream instead of hanging.
	select {
	case _, ok := <-first.Lines:
		if ok {
			t.Error("replaced stream should deliver end-of-stream, not a line")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replaced stream's Lines never closed")
	}
}

func TestLogStreamEndClosesLines(t *testing.T) {
	hub, docker := newTestHub(t)

	stream, err := hub.SubscribeLogs(context.Background(), "session-1", "haven-privacy-dns", 0)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// The daemon ends the stream: container removed, daemon restart.
	docker.open[0].Close()

	select {
	case _, ok := <-stream.Lines:
		if ok {
			t.Error("expected end-of-stream, got a line")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Lines never closed after the underlying stream ended")
	}
}

func TestStaleReleaseLeavesSuccessorAlone(t *testing.T) {
	hub, docker := newTestHub(t)
	ctx := context.Background()

	first, err := hub.SubscribeLogs(ctx, "session-1", "haven-privacy-dns", 0)
	if err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	second, err := hub.SubscribeLogs(ctx, "session-1", "haven-privacy-proxy", 0)
	if err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}

	// The replaced handler releases its stale id on the way out; the
	// successor stream must survive it.
	hub.ReleaseLog("session-1", first.ID)
	select {
	case <-docker.open[1].closed:
		t.Fatal("stale release tore down the successor stream")
	default:
	}

	hub.ReleaseLog("session-1", second.ID)
	waitClosed(t, docker.open[1])
}

func TestStaleStatusReleaseLeavesSuccessorAlone(t *testing.T) {
	hub, _ := newTestHub(t)

	first := hub.SubscribeStatus("session-1")
	second := hub.SubscribeStatus("session-1")

	hub.ReleaseStatus("session-1", first.ID)

	hub.broadcast(context.Background())
	select {
	case snapshot, ok := <-second.Updates:
		if !ok {
			t.Fatal("stale release closed the successor subscription")
		}
		if len(snapshot) != 2 {
			t.Errorf("expected 2 containers, got %d", len(snapshot))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("successor received no broadcast")
	}

	hub.ReleaseStatus("session-1", second.ID)
	if _, ok := <-second.Updates; ok {
		t.Error("matching release must close the subscription")
	}
}

func TestDropSessionReleasesEverything(t *testing.T) {
	hub, docker := newTestHub(t)
	ctx := context.Background()

	if _, err := hub.SubscribeLogs(ctx, "session-1", "haven-privacy-dns", 0); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	status := hub.SubscribeStatus("session-1")

	hub.DropSession("session-1")

	waitClosed(t, docker.open[0])
	select {
	case _, ok := <-status.Updates:
		if ok {
			t.Error("status channel should be closed, not delivering")
		}
	case <-time.After(2 * time.Second):
		t.Error("status channel not closed")
	}
}

func TestUnsubscribeLogsIsIdempotent(t *testing.T) {
	hub, _ := newTestHub(t)

	// No subscription exists; must not panic.
	hub.UnsubscribeLogs("session-1")
	hub.DropSession("session-1")
}

func TestStatusBroadcastOnNudge(t *testing.T) {
	hub, _ := newTestHub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	status := hub.SubscribeStatus("session-1")
	hub.Nudge()

	select {
	case snapshot := <-status.Updates:
		if len(snapshot) != 2 {
			t.Errorf("expected 2 containers in snapshot, got %d", len(snapshot))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status broadcast after nudge")
	}
}

func TestStatusSlowConsumerGetsLatestSnapshot(t *testing.T) {
	hub, docker := newTestHub(t)

	status := hub.SubscribeStatus("session-1")

	hub.broadcast(context.Background())
	docker.containers = docker.containers[:1]
	hub.broadcast(context.Background())

	// The stale snapshot was replaced, not queued behind.
	select {
	case snapshot := <-status.Updates:
		if len(snapshot) != 1 {
			t.Errorf("expected latest snapshot with 1 container, got %d", len(snapshot))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
}
