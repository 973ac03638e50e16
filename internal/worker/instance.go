// Package worker implements WorkerInstance: one child process, its IPC
// channel, and its lifecycle timers, exposing fetch(request) -> response.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kilnrun/kiln/internal/domain"
	"github.com/kilnrun/kiln/internal/logging"
)

// State is a worker's position in its lifecycle state machine:
// STARTING -> READY <-> SERVING -> RETIRING -> TERMINATED. SERVING is
// derived (inflight > 0) rather than stored, since a worker can serve
// several requests concurrently.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateRetiring
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateReady:
		return "READY"
	case StateRetiring:
		return "RETIRING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Status is the coarse-grained status reported by getStats.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusIdle      Status = "IDLE"
	StatusEphemeral Status = "EPHEMERAL"
	StatusRetiring  Status = "RETIRING"
)

// Stats is the point-in-time snapshot returned by getStats.
type Stats struct {
	Age          time.Duration
	Idle         time.Duration
	RequestCount int64
	Status       Status
}

// Instance owns one child process, its IPC channel, and its lifecycle
// timers. The pool exclusively owns every live Instance; callers outside
// the pool hold only transient references for the duration of one fetch.
type Instance struct {
	ID     int64
	AppKey domain.AppKey
	Cfg    domain.WorkerConfig

	cmd    *exec.Cmd
	io     *conn
	proc   processHandle
	waitFn func() error // blocks until the child exits; normally cmd.Wait

	createdAt    time.Time
	lastUsedAt   atomic.Int64 // unix nanoseconds
	requestCount atomic.Int64
	inflight     atomic.Int32
	state        atomic.Int32

	readyCh  chan struct{}
	readyErr error
	doneCh   chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan *envelope

	retireOnce sync.Once
}

// processHandle abstracts the subset of *os.Process used by Instance, so
// tests can substitute a fake child without spawning a real process.
type processHandle interface {
	Kill() error
}

// New spawns a child process for appDir and returns immediately; the
// returned Instance's readiness resolves asynchronously on the first
// fetch call, so construction never blocks on the child's startup.
func New(id int64, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig, runtimeBin string, wrapperPath string) (*Instance, error) {
	env := buildChildEnv(appDir, cfg, id)

	cmd := exec.Command(runtimeBin, wrapperPath, cfg.Entrypoint)
	cmd.Dir = appDir
	cmd.Env = env
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", domain.ErrSpawnFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailure, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailure, err)
	}

	inst := &Instance{
		ID:        id,
		AppKey:    appKey,
		Cfg:       cfg,
		cmd:       cmd,
		io:        newConn(stdin, stdout),
		proc:      cmd.Process,
		createdAt: time.Now(),
		readyCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		pending:   make(map[string]chan *envelope),
	}
	inst.state.Store(int32(StateStarting))
	inst.lastUsedAt.Store(inst.createdAt.UnixNano())
	inst.waitFn = cmd.Wait

	go inst.readLoop()
	go inst.waitLoop()

	return inst, nil
}

// NewFromIO builds an Instance around an already-established IPC
// transport instead of spawning a child process. It exists so callers
// outside this package can exercise the lifecycle state machine against a
// fake child in tests, without a real subprocess.
func NewFromIO(id int64, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig, w io.Writer, r io.Reader, proc processHandle, waitFn func() error) *Instance {
	inst := &Instance{
		ID:        id,
		AppKey:    appKey,
		Cfg:       cfg,
		io:        newConn(w, r),
		proc:      proc,
		createdAt: time.Now(),
		readyCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		pending:   make(map[string]chan *envelope),
	}
	inst.state.Store(int32(StateStarting))
	inst.lastUsedAt.Store(inst.createdAt.UnixNano())
	inst.waitFn = waitFn

	go inst.readLoop()
	go inst.waitLoop()

	return inst
}

func buildChildEnv(appDir string, cfg domain.WorkerConfig, id int64) []string {
	env := os.Environ()
	env = append(env,
		"APP_DIR="+appDir,
		"KILN_ENTRYPOINT="+cfg.Entrypoint,
		fmt.Sprintf("KILN_INSTANCE_ID=%d", id),
	)
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// readLoop drains IPC frames from the child and routes them: the first
// READY closes readyCh; RESPONSE/ERROR frames are routed to the waiter
// registered under their reqId; a READY arriving again mid-life is ignored,
// and an unmatched response or unknown message type is logged and dropped.
func (inst *Instance) readLoop() {
	for {
		msg, err := inst.io.receive()
		if err != nil {
			return // child closed stdout; waitLoop handles the exit
		}

		switch msg.Type {
		case MsgReady:
			inst.markReadyOnce(nil)
		case MsgResponse, MsgError:
			inst.deliver(msg)
		default:
			logging.Op().Debug("worker: unmatched message type", "type", msg.Type, "instance", inst.ID)
		}
	}
}

func (inst *Instance) markReadyOnce(err error) {
	select {
	case <-inst.readyCh:
		return // ignore a second READY
	default:
	}
	inst.readyErr = err
	inst.state.CompareAndSwap(int32(StateStarting), int32(StateReady))
	close(inst.readyCh)
}

func (inst *Instance) deliver(msg *envelope) {
	inst.pendingMu.Lock()
	ch, ok := inst.pending[msg.ReqID]
	if ok {
		delete(inst.pending, msg.ReqID)
	}
	inst.pendingMu.Unlock()

	if !ok {
		logging.Op().Debug("worker: response for unknown reqId dropped", "reqId", msg.ReqID, "instance", inst.ID)
		return
	}
	ch <- msg
}

// waitLoop blocks until the child exits, then fails every pending waiter
// with WorkerCrashed (unless none are pending, in which case the instance
// terminates silently) and marks the instance TERMINATED.
func (inst *Instance) waitLoop() {
	_ = inst.waitFn()

	inst.markReadyOnce(domain.ErrWorkerCrashed)
	inst.state.Store(int32(StateTerminated))

	inst.pendingMu.Lock()
	pending := inst.pending
	inst.pending = nil
	inst.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- &envelope{Type: MsgError, Message: domain.ErrWorkerCrashed.Error()}
	}

	close(inst.doneCh)
}

// State returns the instance's current lifecycle state.
func (inst *Instance) State() State {
	return State(inst.state.Load())
}

// Fetch forwards req to the child and waits for its response, honoring
// cfg.TimeoutMs as the wall-clock deadline. On a cold instance, that
// deadline includes the child's startup wait, not just the request
// itself. Writing the request frame to the child is not bounded by the
// deadline: a child that stops reading its stdin blocks Fetch in that write.
func (inst *Instance) Fetch(ctx context.Context, req *Request) (*Response, error) {
	state := inst.State()
	if state == StateRetiring || state == StateTerminated {
		return nil, domain.ErrWorkerUnavailable
	}

	deadline := time.Duration(inst.Cfg.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case <-inst.readyCh:
		if inst.readyErr != nil {
			return nil, inst.readyErr
		}
	case <-inst.doneCh:
		return nil, domain.ErrWorkerCrashed
	case <-ctx.Done():
		inst.onFetchFailure()
		return nil, domain.ErrTimeout
	}

	reqID := uuid.NewString()
	waiter := make(chan *envelope, 1)
	inst.pendingMu.Lock()
	if inst.pending == nil {
		inst.pendingMu.Unlock()
		return nil, domain.ErrWorkerCrashed
	}
	inst.pending[reqID] = waiter
	inst.pendingMu.Unlock()

	inst.inflight.Add(1)
	defer inst.inflight.Add(-1)

	if err := inst.io.send(&envelope{Type: MsgRequest, ReqID: reqID, Req: req}); err != nil {
		inst.removeWaiter(reqID)
		inst.onFetchFailure()
		return nil, fmt.Errorf("%w: %v", domain.ErrWorkerCrashed, err)
	}

	select {
	case msg := <-waiter:
		if msg.Type == MsgError && msg.ReqID == "" {
			// waitLoop's crash notice; child frames always carry a reqId.
			return nil, domain.ErrWorkerCrashed
		}
		inst.requestCount.Add(1)
		inst.lastUsedAt.Store(time.Now().UnixNano())
		if msg.Type == MsgError {
			inst.onFetchFailure()
			return nil, fmt.Errorf("worker error: %s", msg.Message)
		}
		return &Response{Status: msg.Status, Headers: msg.Headers, Body: msg.Body}, nil

	case <-inst.doneCh:
		inst.removeWaiter(reqID)
		return nil, domain.ErrWorkerCrashed

	case <-ctx.Done():
		inst.removeWaiter(reqID)
		inst.onFetchFailure()
		return nil, domain.ErrTimeout
	}
}

func (inst *Instance) removeWaiter(reqID string) {
	inst.pendingMu.Lock()
	if inst.pending != nil {
		delete(inst.pending, reqID)
	}
	inst.pendingMu.Unlock()
}

// onFetchFailure retires ephemeral instances after their one request
// fails, since they are never reused regardless of outcome.
func (inst *Instance) onFetchFailure() {
	if inst.Cfg.Ephemeral() {
		inst.Retire()
	}
}

// Touch updates lastUsedAt, e.g. after an external cache-hit decision.
func (inst *Instance) Touch() {
	inst.lastUsedAt.Store(time.Now().UnixNano())
}

// IsHealthy reports whether this instance may continue serving requests.
func (inst *Instance) IsHealthy() bool {
	state := inst.State()
	if state == StateRetiring || state == StateTerminated {
		return false
	}
	now := time.Now()
	if inst.Cfg.TTLMs > 0 && now.Sub(inst.createdAt) >= time.Duration(inst.Cfg.TTLMs)*time.Millisecond {
		return false
	}
	if now.Sub(inst.lastUsed()) >= time.Duration(inst.Cfg.IdleTimeoutMs)*time.Millisecond {
		return false
	}
	if inst.Cfg.MaxRequests > 0 && inst.requestCount.Load() >= int64(inst.Cfg.MaxRequests) {
		return false
	}
	return true
}

func (inst *Instance) lastUsed() time.Time {
	return time.Unix(0, inst.lastUsedAt.Load())
}

// GetStats returns a point-in-time snapshot for observability.
func (inst *Instance) GetStats() Stats {
	now := time.Now()
	status := StatusIdle
	switch {
	case inst.Cfg.Ephemeral():
		status = StatusEphemeral
	case inst.State() == StateRetiring || inst.State() == StateTerminated:
		status = StatusRetiring
	case inst.inflight.Load() > 0:
		status = StatusActive
	}

	return Stats{
		Age:          now.Sub(inst.createdAt),
		Idle:         now.Sub(inst.lastUsed()),
		RequestCount: inst.requestCount.Load(),
		Status:       status,
	}
}

// Retire transitions the instance to RETIRING and begins graceful
// shutdown: it asks the child to exit, then forcibly kills it after a
// bounded grace delay. Idempotent.
func (inst *Instance) Retire() {
	inst.retireOnce.Do(func() {
		inst.state.Store(int32(StateRetiring))
		_ = inst.io.send(&envelope{Type: MsgTerminate})

		go func() {
			select {
			case <-inst.doneCh:
			case <-time.After(terminateGrace):
				if err := inst.proc.Kill(); err != nil {
					logging.Op().Debug("worker: kill after grace delay failed", "instance", inst.ID, "error", err)
				}
			}
		}()
	})
}

// terminateGrace is the bounded delay between a graceful TERMINATE
// message and a forced kill.
const terminateGrace = 50 * time.Millisecond

// NotifyIdle sends the advisory IDLE message to the child immediately; it
// does not track idleTimeoutMs itself.
func (inst *Instance) NotifyIdle() {
	_ = inst.io.send(&envelope{Type: MsgIdle})
}
