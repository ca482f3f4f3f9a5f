package ipc

import (
	"testing"
	"time"
)

func TestSendRecvRoundTrip(t *testing.T) {
	tr := NewTransport(4)
	ep := tr.Bind(1)
	ok, err := tr.Send(1, "hello", false)
	if err != nil || !ok {
		t.Fatalf("send failed: ok=%v err=%v", ok, err)
	}
	f, err := ep.Recv(time.Second)
	if err != nil || f == nil {
		t.Fatalf("recv failed: f=%v err=%v", f, err)
	}
	if f.Payload != "hello" {
		t.Fatalf("unexpected payload: %v", f.Payload)
	}
}

func TestRecvTimeoutReturnsNil(t *testing.T) {
	tr := NewTransport(4)
	ep := tr.Bind(1)
	f, err := ep.Recv(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != nil {
		t.Fatalf("expected nil frame on timeout, got %v", f)
	}
}

func TestNonBlockingSendFailsWhenMailboxFull(t *testing.T) {
	tr := NewTransport(1)
	tr.Bind(1)
	ok, err := tr.Send(1, "a", false)
	if err != nil || !ok {
		t.Fatalf("first send should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = tr.Send(1, "b", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected non-blocking send to a full mailbox to fail")
	}
}

func TestSendToDeadPeerIsTransientFalse(t *testing.T) {
	tr := NewTransport(4)
	ok, err := tr.Send(999, "x", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected send to unbound endpoint to return false")
	}
}

func TestUnbindClosesMailbox(t *testing.T) {
	tr := NewTransport(4)
	ep := tr.Bind(1)
	tr.Unbind(1)
	if ok, _ := tr.Send(1, "x", false); ok {
		t.Fatalf("expected send after unbind to fail")
	}
	f, err := ep.Recv(50 * time.Millisecond)
	if f != nil || err != nil {
		t.Fatalf("expected closed endpoint to drain silently: f=%v err=%v", f, err)
	}
}
