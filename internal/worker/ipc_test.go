package worker

import (
	"io"
	"testing"
)

func TestConnSendReceiveRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	writer := newConn(pw, nil)
	reader := newConn(nil, pr)

	want := &envelope{Type: MsgRequest, ReqID: "abc", Req: &Request{Method: "GET", URL: "/"}}

	go func() {
		if err := writer.send(want); err != nil {
			t.Errorf("send() error = %v", err)
		}
	}()

	got, err := reader.receive()
	if err != nil {
		t.Fatalf("receive() error = %v", err)
	}
	if got.Type != want.Type || got.ReqID != want.ReqID || got.Req.Method != want.Req.Method {
		t.Fatalf("receive() = %+v, want %+v", got, want)
	}
}
