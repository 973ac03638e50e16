package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/kilnrun/kiln/internal/domain"
)

// fakeProcess is a no-op processHandle for instances built without a real
// child process.
type fakeProcess struct{ killed bool }

func (p *fakeProcess) Kill() error {
	p.killed = true
	return nil
}

// testHarness wires a parent Instance to a fake "child" that a test can
// drive directly, without spawning a real process.
type testHarness struct {
	inst     *Instance
	child    *conn
	exitedCh chan struct{}
}

func newTestInstance(t *testing.T, cfg domain.WorkerConfig) *testHarness {
	t.Helper()

	parentR, childW := io.Pipe() // child -> parent
	childR, parentW := io.Pipe() // parent -> child

	exitedCh := make(chan struct{})
	inst := &Instance{
		ID:        1,
		AppKey:    domain.AppKey("app@1.0.0"),
		Cfg:       cfg,
		io:        newConn(parentW, parentR),
		proc:      &fakeProcess{},
		createdAt: time.Now(),
		readyCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		pending:   make(map[string]chan *envelope),
	}
	inst.state.Store(int32(StateStarting))
	inst.lastUsedAt.Store(inst.createdAt.UnixNano())
	inst.waitFn = func() error {
		<-exitedCh
		return nil
	}

	go inst.readLoop()
	go inst.waitLoop()

	return &testHarness{inst: inst, child: newConn(childW, childR), exitedCh: exitedCh}
}

func (h *testHarness) exit() { close(h.exitedCh) }

func TestFetchHappyPath(t *testing.T) {
	cfg := domain.Defaults()
	cfg.TimeoutMs = 1000
	cfg.TTLMs = 60_000
	h := newTestInstance(t, cfg)

	go func() {
		_ = h.child.send(&envelope{Type: MsgReady})
		msg, err := h.child.receive()
		if err != nil {
			return
		}
		_ = h.child.send(&envelope{Type: MsgResponse, ReqID: msg.ReqID, Status: 200, Body: []byte("ok")})
	}()

	resp, err := h.inst.Fetch(context.Background(), &Request{Method: "GET", URL: "/"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "ok" {
		t.Fatalf("Fetch() = %+v, want status 200 body ok", resp)
	}
	if h.inst.GetStats().RequestCount != 1 {
		t.Fatalf("RequestCount = %d, want 1", h.inst.GetStats().RequestCount)
	}
}

func TestFetchTimeout(t *testing.T) {
	cfg := domain.Defaults()
	cfg.TimeoutMs = 50
	cfg.TTLMs = 60_000
	h := newTestInstance(t, cfg)

	go func() {
		_ = h.child.send(&envelope{Type: MsgReady})
		// Never respond to the REQUEST. Keep reading frames so the parent's
		// writes on the unbuffered io.Pipe complete.
		for {
			if _, err := h.child.receive(); err != nil {
				return
			}
		}
	}()

	_, err := h.inst.Fetch(context.Background(), &Request{Method: "GET", URL: "/"})
	if err != domain.ErrTimeout {
		t.Fatalf("Fetch() error = %v, want ErrTimeout", err)
	}
}

func TestFetchTimeoutRetiresEphemeral(t *testing.T) {
	cfg := domain.Defaults()
	cfg.TimeoutMs = 50
	cfg.TTLMs = 0 // ephemeral
	h := newTestInstance(t, cfg)

	go func() {
		_ = h.child.send(&envelope{Type: MsgReady})
		// Read the REQUEST and the TERMINATE without ever responding.
		for {
			if _, err := h.child.receive(); err != nil {
				return
			}
		}
	}()

	_, err := h.inst.Fetch(context.Background(), &Request{Method: "GET", URL: "/"})
	if err != domain.ErrTimeout {
		t.Fatalf("Fetch() error = %v, want ErrTimeout", err)
	}
	if h.inst.State() != StateRetiring {
		t.Fatalf("State() = %v, want RETIRING after ephemeral failure", h.inst.State())
	}
}

func TestFetchCrashWhileInFlightReturnsWorkerCrashed(t *testing.T) {
	cfg := domain.Defaults()
	cfg.TimeoutMs = 1000
	cfg.TTLMs = 60_000
	h := newTestInstance(t, cfg)

	go func() {
		_ = h.child.send(&envelope{Type: MsgReady})
		// Read the REQUEST, then "crash" instead of responding.
		if _, err := h.child.receive(); err != nil {
			return
		}
		h.exit()
	}()

	_, err := h.inst.Fetch(context.Background(), &Request{Method: "GET", URL: "/"})
	if err != domain.ErrWorkerCrashed {
		t.Fatalf("Fetch() error = %v, want ErrWorkerCrashed", err)
	}
}

func TestFetchOnTerminatedInstanceReturnsWorkerUnavailable(t *testing.T) {
	cfg := domain.Defaults()
	cfg.TimeoutMs = 1000
	cfg.TTLMs = 60_000
	h := newTestInstance(t, cfg)

	go func() { _ = h.child.send(&envelope{Type: MsgReady}) }()
	time.Sleep(10 * time.Millisecond)
	h.exit()
	time.Sleep(10 * time.Millisecond)

	_, err := h.inst.Fetch(context.Background(), &Request{Method: "GET", URL: "/"})
	if err != domain.ErrWorkerUnavailable {
		t.Fatalf("Fetch() error = %v, want ErrWorkerUnavailable", err)
	}
}

func TestIsHealthyRespectsMaxRequests(t *testing.T) {
	cfg := domain.Defaults()
	cfg.TimeoutMs = 1000
	cfg.IdleTimeoutMs = 60_000
	cfg.TTLMs = 60_000
	cfg.MaxRequests = 1
	h := newTestInstance(t, cfg)
	h.inst.state.Store(int32(StateReady))
	close(h.inst.readyCh)

	h.inst.requestCount.Store(1)
	if h.inst.IsHealthy() {
		t.Fatal("IsHealthy() = true, want false once maxRequests reached")
	}
}

func TestRetireIsIdempotent(t *testing.T) {
	cfg := domain.Defaults()
	h := newTestInstance(t, cfg)
	// Read the TERMINATE frame so Retire's write on the io.Pipe completes.
	go func() {
		for {
			if _, err := h.child.receive(); err != nil {
				return
			}
		}
	}()
	h.inst.Retire()
	h.inst.Retire() // must not panic or double-close readyCh/doneCh
	if h.inst.State() != StateRetiring {
		t.Fatalf("State() = %v, want RETIRING", h.inst.State())
	}
}
