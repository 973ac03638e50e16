package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// conn frames JSON envelopes over a child process's stdin/stdout pipes
// with a 4-byte big-endian length prefix.
type conn struct {
	writeMu sync.Mutex
	w       io.Writer
	r       io.Reader
}

func newConn(w io.Writer, r io.Reader) *conn {
	return &conn{w: w, r: r}
}

func (c *conn) send(msg *envelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFull(c.w, buf)
}

func (c *conn) receive() (*envelope, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.r, lenBuf); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen > maxFrameBytes {
		return nil, fmt.Errorf("worker frame too large: %d bytes", msgLen)
	}

	data := make([]byte, msgLen)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, err
	}

	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// maxFrameBytes bounds a single IPC frame to guard against a misbehaving
// or compromised child inflating the length prefix.
const maxFrameBytes = 256 << 20

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
