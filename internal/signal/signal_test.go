package signal

import (
	"testing"
)

func TestEmitInConnectionOrder(t *testing.T) {
	var s Signal[int]
	var got []string
	s.Connect(func(v int) { got = append(got, "a") })
	s.Connect(func(v int) { got = append(got, "b") })
	s.Emit(1)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestDisconnect(t *testing.T) {
	var s Signal[string]
	var n int
	id := s.Connect(func(string) { n++ })

	if !s.Disconnect(id) {
		t.Fatal("expected Disconnect to report true")
	}
	if s.Disconnect(id) {
		t.Fatal("expected second Disconnect to report false")
	}
	s.Emit("x")
	if n != 0 {
		t.Fatalf("expected no calls, got %d", n)
	}
}

func TestDisconnectDuringEmit(t *testing.T) {
	var s Signal[struct{}]
	var second SlotID
	var secondCalls int
	s.Connect(func(struct{}) { s.Disconnect(second) })
	second = s.Connect(func(struct{}) { secondCalls++ })

	s.Emit(struct{}{})
	if secondCalls != 0 {
		t.Fatalf("expected disconnected slot to be skipped, got %d calls", secondCalls)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 slot, got %d", s.Len())
	}
}

func TestClear(t *testing.T) {
	var s Signal[int]
	var n int
	s.Connect(func(int) { n++ })
	s.Connect(func(int) { n++ })
	s.Clear()
	s.Emit(0)

	if n != 0 || s.Len() != 0 {
		t.Fatalf("expected cleared signal, calls=%d len=%d", n, s.Len())
	}
}

func TestPayloadDelivered(t *testing.T) {
	type change struct{ Name string }
	var s Signal[change]
	var got change
	s.Connect(func(c change) { got = c })
	s.Emit(change{Name: "dirty"})
	if got.Name != "dirty" {
		t.Fatalf("expected payload, got %+v", got)
	}
}
