package ocppj

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ocpp-gateway/internal/domain"
)

func TestSessionCallWithoutConnection(t *testing.T) {
	s := NewSession("CP001", nil)
	_, err := s.Call(context.Background(), "Heartbeat", nil)
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if s.Connected() {
		t.Error("unbound session reports connected")
	}
}

func TestSessionDispatch(t *testing.T) {
	s := NewSession("CP001", nil)
	s.Handle("Heartbeat", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"currentTime":"now"}`), nil
	})

	got, err := s.Dispatch(context.Background(), "Heartbeat", json.RawMessage(`{}`))
	if err != nil || string(got) != `{"currentTime":"now"}` {
		t.Fatalf("Dispatch = %s, %v", got, err)
	}

	_, err = s.Dispatch(context.Background(), "MeterValues", json.RawMessage(`{}`))
	var ce *CallError
	if !errors.As(err, &ce) || ce.Code != NotImplemented {
		t.Fatalf("unknown action err = %v, want NotImplemented", err)
	}

	s.HandleDefault(func(_ context.Context, action string, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"fallback":"` + action + `"}`), nil
	})
	got, err = s.Dispatch(context.Background(), "MeterValues", json.RawMessage(`{}`))
	if err != nil || string(got) != `{"fallback":"MeterValues"}` {
		t.Fatalf("fallback Dispatch = %s, %v", got, err)
	}
}

func TestSessionBindAndUnbind(t *testing.T) {
	s := NewSession("CP001", nil)
	a, _ := newPipe()
	b, _ := newPipe()
	first := NewConn(a, s.Dispatch, ConnOptions{Identity: "CP001"})
	second := NewConn(b, s.Dispatch, ConnOptions{Identity: "CP001"})

	if prev := s.Bind(first); prev != nil {
		t.Fatalf("first Bind returned %v", prev)
	}
	if prev := s.Bind(second); prev != first {
		t.Fatal("second Bind should return the first connection")
	}
	if s.Unbind(first) {
		t.Fatal("Unbind of a replaced connection must be a no-op")
	}
	if s.Conn() != second {
		t.Fatal("current connection lost")
	}
	if !s.Unbind(second) {
		t.Fatal("Unbind of the current connection failed")
	}
	if s.Conn() != nil {
		t.Fatal("connection still bound")
	}
}

func TestSessionCallOverBoundConn(t *testing.T) {
	s := NewSession("CP001", nil)
	conn, peer := startConn(t, s.Dispatch, ConnOptions{Identity: "CP001"})
	s.Bind(conn)

	info := s.Info()
	if !info.Connected || info.Subprotocol != Subprotocol16 {
		t.Errorf("info = %+v", info)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "ClearCache", nil)
		errc <- err
	}()
	f := readFrame(t, peer)
	writeFrame(t, peer, CallResultFrame(f.UniqueID, json.RawMessage(`{"status":"Accepted"}`)))
	if err := <-errc; err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestSessionNotifyCloseRecoversPanics(t *testing.T) {
	s := NewSession("CP001", nil)
	var got []int
	s.OnClose(func(int, string) { panic("listener bug") })
	s.OnClose(func(code int, _ string) { got = append(got, code) })

	s.NotifyClose(StatusNormalClosure, "")
	s.NotifyClose(StatusGoingAway, "")

	if len(got) != 2 || got[0] != StatusNormalClosure || got[1] != StatusGoingAway {
		t.Errorf("listener saw %v", got)
	}
}
