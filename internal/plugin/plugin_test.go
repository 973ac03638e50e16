package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type observeHook struct{ seen *int }

func (h observeHook) OnRequest(_ context.Context, req *http.Request) (Result, error) {
	*h.seen++
	return Continue(req), nil
}

func (h observeHook) OnResponse(_ context.Context, _ *http.Request, resp *Response) (Result, error) {
	*h.seen++
	return Continue(nil).withResponse(resp), nil
}

// withResponse lets the test build a non-terminal Result carrying a
// response forward, mirroring how a real observe-only hook would.
func (r Result) withResponse(resp *Response) Result {
	r.Response = resp
	return r
}

type shortCircuitHook struct{ resp *Response }

func (h shortCircuitHook) OnRequest(_ context.Context, _ *http.Request) (Result, error) {
	return Short(h.resp), nil
}

func (h shortCircuitHook) OnResponse(_ context.Context, _ *http.Request, resp *Response) (Result, error) {
	return Continue(nil).withResponse(resp), nil
}

func TestChainRunsEveryHook(t *testing.T) {
	var calls int
	chain := NewChain(observeHook{seen: &calls}, observeHook{seen: &calls})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res, err := chain.RunRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("RunRequest() error = %v", err)
	}
	if res.Terminated() {
		t.Fatal("RunRequest() terminated, want continue")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestChainStopsAtShortCircuit(t *testing.T) {
	var calls int
	shortResp := &Response{Status: 403}
	chain := NewChain(shortCircuitHook{resp: shortResp}, observeHook{seen: &calls})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res, err := chain.RunRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("RunRequest() error = %v", err)
	}
	if !res.Terminated() {
		t.Fatal("RunRequest() did not terminate, want short-circuit")
	}
	if res.Response.Status != 403 {
		t.Fatalf("Response.Status = %d, want 403", res.Response.Status)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 (second hook must not run after short-circuit)", calls)
	}
}

func TestFactoryFuncSatisfiesFactory(t *testing.T) {
	var built bool
	f := FactoryFunc(func(cfg Config) (Hook, error) {
		built = true
		return observeHook{seen: new(int)}, nil
	})
	var _ Factory = f

	if _, err := f.Build(Config{"k": "v"}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !built {
		t.Fatal("Build() did not invoke the underlying function")
	}
}
