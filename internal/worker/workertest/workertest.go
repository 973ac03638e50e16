// Package workertest builds worker.Instance values wired to a fake child
// process, for tests in other packages (e.g. the pool) that need a
// working instance without spawning a real subprocess.
package workertest

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/kilnrun/kiln/internal/domain"
	"github.com/kilnrun/kiln/internal/worker"
)

// FakeChild drives the child side of an Instance's IPC channel.
type FakeChild struct {
	w io.Writer
	r io.Reader

	exitedCh chan struct{}
}

type fakeProc struct{ killed bool }

func (p *fakeProc) Kill() error {
	p.killed = true
	return nil
}

// New builds an Instance backed by a FakeChild instead of a spawned
// process.
func New(id int64, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig) (*worker.Instance, *FakeChild) {
	parentR, childW := io.Pipe() // child -> parent
	childR, parentW := io.Pipe() // parent -> child

	exitedCh := make(chan struct{})
	waitFn := func() error {
		<-exitedCh
		return nil
	}

	inst := worker.NewFromIO(id, appKey, appDir, cfg, parentW, parentR, &fakeProc{}, waitFn)
	return inst, &FakeChild{w: childW, r: childR, exitedCh: exitedCh}
}

// frame mirrors the length-prefixed JSON envelope worker.conn speaks,
// duplicated here because the envelope type itself is unexported.
type frame struct {
	Type    worker.MsgType `json:"type"`
	ReqID   string         `json:"reqId,omitempty"`
	Status  int            `json:"status,omitempty"`
	Body    []byte         `json:"body,omitempty"`
	Message string         `json:"message,omitempty"`
}

func (c *FakeChild) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = c.w.Write(buf)
	return err
}

func (c *FakeChild) receive() (frame, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.r, lenBuf); err != nil {
		return frame{}, err
	}
	data := make([]byte, binary.BigEndian.Uint32(lenBuf))
	if _, err := io.ReadFull(c.r, data); err != nil {
		return frame{}, err
	}
	var f frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// SendReady sends the initial READY handshake frame.
func (c *FakeChild) SendReady() error {
	return c.send(frame{Type: worker.MsgReady})
}

// Respond waits for the next REQUEST frame and answers it.
func (c *FakeChild) Respond(status int, body []byte) error {
	req, err := c.receive()
	if err != nil {
		return err
	}
	return c.send(frame{Type: worker.MsgResponse, ReqID: req.ReqID, Status: status, Body: body})
}

// ConsumeRequest waits for the next REQUEST frame without answering it,
// simulating a child that crashes mid-request.
func (c *FakeChild) ConsumeRequest() error {
	_, err := c.receive()
	return err
}

// Crash simulates the child process exiting.
func (c *FakeChild) Crash() {
	close(c.exitedCh)
}
