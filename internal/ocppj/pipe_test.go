package ocppj

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"ocpp-gateway/internal/domain"
)

// --- test doubles ---

type pipeState struct {
	once   sync.Once
	closed chan struct{}
	code   int
	reason string
}

type pipeTransport struct {
	in    chan []byte
	peer  *pipeTransport
	state *pipeState
}

func newPipe() (*pipeTransport, *pipeTransport) {
	st := &pipeState{closed: make(chan struct{})}
	a := &pipeTransport{in: make(chan []byte, 16), state: st}
	b := &pipeTransport{in: make(chan []byte, 16), state: st}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.state.closed:
		return nil, &CloseError{Code: p.state.code, Reason: p.state.reason}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-p.state.closed:
		return domain.ErrTransportClosed
	default:
	}
	select {
	case p.peer.in <- data:
		return nil
	case <-p.state.closed:
		return domain.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Close(code int, reason string) error {
	p.state.once.Do(func() {
		p.state.code, p.state.reason = code, reason
		close(p.state.closed)
	})
	return nil
}

func (p *pipeTransport) Subprotocol() string { return Subprotocol16 }

// readFrame reads and decodes the next frame arriving at the peer end.
func readFrame(t *testing.T, p *pipeTransport) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := p.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

func writeRaw(t *testing.T, p *pipeTransport, raw string) {
	t.Helper()
	if err := p.WriteMessage(context.Background(), []byte(raw)); err != nil {
		t.Fatalf("write %s: %v", raw, err)
	}
}

func writeFrame(t *testing.T, p *pipeTransport, f Frame) {
	t.Helper()
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	writeRaw(t, p, string(data))
}

// startConn runs a Conn over one end of a pipe and returns the other end.
func startConn(t *testing.T, handler Handler, opts ConnOptions) (*Conn, *pipeTransport) {
	t.Helper()
	local, remote := newPipe()
	conn := NewConn(local, handler, opts)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		conn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})
	return conn, remote
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type callResult struct {
	payload json.RawMessage
	err     error
}

func callAsync(conn *Conn, action string, payload any) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		p, err := conn.Call(context.Background(), action, payload)
		ch <- callResult{p, err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
		return callResult{}
	}
}
