package ycrdt

import (
	"testing"
)

func TestAwarenessSetAndApply(t *testing.T) {
	src := NewAwareness()
	src.SetState(1, []byte(`{"name":"alice"}`))
	src.SetState(2, []byte(`{"name":"bob"}`))

	payload, err := src.Encode([]uint64{1, 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dst := NewAwareness()
	if err := dst.ApplyUpdate(payload); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ids := dst.ClientIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("client ids = %v", ids)
	}
	if got := string(dst.State(1)); got != `{"name":"alice"}` {
		t.Fatalf("state for client 1 = %q", got)
	}
}

func TestAwarenessStaleClockIgnored(t *testing.T) {
	a := NewAwareness()
	a.SetState(1, []byte(`"v1"`))
	a.SetState(1, []byte(`"v2"`)) // clock 1

	stale := encodeAwareness([]awarenessEntry{{client: 1, clock: 0, state: []byte(`"old"`)}})
	if err := a.ApplyUpdate(stale); err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	if got := string(a.State(1)); got != `"v2"` {
		t.Fatalf("stale update overwrote state: %q", got)
	}
	// equal clock, non-null: also ignored
	equal := encodeAwareness([]awarenessEntry{{client: 1, clock: 1, state: []byte(`"other"`)}})
	_ = a.ApplyUpdate(equal)
	if got := string(a.State(1)); got != `"v2"` {
		t.Fatalf("equal-clock update overwrote state: %q", got)
	}
}

func TestAwarenessRemoval(t *testing.T) {
	a := NewAwareness()
	a.SetState(1, []byte(`"here"`))
	last := a.Clock(1)

	if err := a.ApplyUpdate(EncodeAwarenessRemoval(1, last)); err != nil {
		t.Fatalf("apply removal: %v", err)
	}
	if ids := a.ClientIDs(); len(ids) != 0 {
		t.Fatalf("client ids after removal = %v", ids)
	}
	if st := a.State(1); st != nil {
		t.Fatalf("state after removal = %q", st)
	}
	// the clock survives the removal so later stale states stay dead
	if a.Clock(1) != last+1 {
		t.Fatalf("clock after removal = %d, want %d", a.Clock(1), last+1)
	}
}

func TestAwarenessEqualClockNullRemoves(t *testing.T) {
	a := NewAwareness()
	a.SetState(1, []byte(`"here"`)) // clock 0

	null := encodeAwareness([]awarenessEntry{{client: 1, clock: 0, state: []byte("null")}})
	if err := a.ApplyUpdate(null); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ids := a.ClientIDs(); len(ids) != 0 {
		t.Fatalf("equal-clock null did not remove: %v", ids)
	}
}

func TestAwarenessOnUpdate(t *testing.T) {
	a := NewAwareness()
	var seen [][]uint64
	unregister := a.OnUpdate(func(updated []uint64) {
		seen = append(seen, updated)
	})

	payload := encodeAwareness([]awarenessEntry{{client: 5, clock: 0, state: []byte(`"x"`)}})
	if err := a.ApplyUpdate(payload); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(seen) != 1 || len(seen[0]) != 1 || seen[0][0] != 5 {
		t.Fatalf("listener saw %v", seen)
	}

	// a no-op apply fires nothing
	if err := a.ApplyUpdate(payload); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("listener fired on a stale apply: %v", seen)
	}

	unregister()
	next := encodeAwareness([]awarenessEntry{{client: 5, clock: 1, state: []byte(`"y"`)}})
	_ = a.ApplyUpdate(next)
	if len(seen) != 1 {
		t.Fatal("listener fired after unregister")
	}
}

func TestAwarenessEncodeUnknownClient(t *testing.T) {
	a := NewAwareness()
	if _, err := a.Encode([]uint64{99}); err == nil {
		t.Fatal("expected error for unknown client")
	}
}

func TestAwarenessRejectsGarbage(t *testing.T) {
	a := NewAwareness()
	if err := a.ApplyUpdate([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected decode error")
	}
}
