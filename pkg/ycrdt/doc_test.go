package ycrdt

import (
	"bytes"
	"testing"
)

func ops(payloads ...string) [][]byte {
	out := make([][]byte, len(payloads))
	for i, p := range payloads {
		out[i] = []byte(p)
	}
	return out
}

func TestApplyUpdateIntegratesInOrder(t *testing.T) {
	d := NewDoc()
	if err := d.ApplyUpdate(EncodeUpdate(1, 0, ops("a", "b")...)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.OpCount() != 2 {
		t.Fatalf("op count = %d, want 2", d.OpCount())
	}
	if d.HasPending() {
		t.Fatal("no pending expected")
	}
	sv := d.StateVectorMap()
	if sv[1] != 2 {
		t.Fatalf("state vector for client 1 = %d, want 2", sv[1])
	}
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	d := NewDoc()
	u := EncodeUpdate(7, 0, ops("x", "y")...)
	for i := 0; i < 3; i++ {
		if err := d.ApplyUpdate(u); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if d.OpCount() != 2 {
		t.Fatalf("op count = %d after repeated apply, want 2", d.OpCount())
	}
}

func TestApplyUpdateBuffersCausalGap(t *testing.T) {
	d := NewDoc()
	// clock 2 arrives before clocks 0-1
	if err := d.ApplyUpdate(EncodeUpdate(1, 2, ops("c")...)); err != nil {
		t.Fatalf("apply gap: %v", err)
	}
	if !d.HasPending() {
		t.Fatal("expected pending run for the gapped update")
	}
	if d.OpCount() != 0 {
		t.Fatalf("op count = %d, want 0 while gapped", d.OpCount())
	}
	info := d.PendingInfo()
	if info.Ops != 1 || info.Missing[1] != 0 {
		t.Fatalf("unexpected pending info: %+v", info)
	}

	// the predecessor closes the gap and the buffered run applies
	if err := d.ApplyUpdate(EncodeUpdate(1, 0, ops("a", "b")...)); err != nil {
		t.Fatalf("apply predecessor: %v", err)
	}
	if d.HasPending() {
		t.Fatal("pending run should have integrated")
	}
	if d.OpCount() != 3 {
		t.Fatalf("op count = %d, want 3", d.OpCount())
	}
}

func TestTransactReportsChange(t *testing.T) {
	d := NewDoc()
	u := EncodeUpdate(1, 0, ops("a")...)
	if changed := d.Transact(func() { _ = d.ApplyUpdate(u) }); !changed {
		t.Fatal("first apply should report a change")
	}
	// a pure replay of known content is not a change
	if changed := d.Transact(func() { _ = d.ApplyUpdate(u) }); changed {
		t.Fatal("replay should not report a change")
	}
}

func TestDiffUpdateCoversOnlyUnknownOps(t *testing.T) {
	source := NewDoc()
	_ = source.ApplyUpdate(EncodeUpdate(1, 0, ops("a", "b", "c")...))
	_ = source.ApplyUpdate(EncodeUpdate(2, 0, ops("x")...))

	replica := NewDoc()
	_ = replica.ApplyUpdate(EncodeUpdate(1, 0, ops("a", "b")...))

	diff, err := source.DiffUpdate(replica.StateVector())
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if err := replica.ApplyUpdate(diff); err != nil {
		t.Fatalf("apply diff: %v", err)
	}
	if replica.OpCount() != source.OpCount() {
		t.Fatalf("replica has %d ops, source %d", replica.OpCount(), source.OpCount())
	}
	if !bytes.Equal(replica.StateVector(), source.StateVector()) {
		t.Fatal("state vectors diverge after diff sync")
	}
}

func TestEncodeStateAsUpdateRoundTrip(t *testing.T) {
	d := NewDoc()
	_ = d.ApplyUpdate(EncodeUpdate(3, 0, ops("p", "q")...))
	_ = d.ApplyUpdate(EncodeUpdate(5, 0, ops("r")...))

	clone := NewDoc()
	if err := clone.ApplyUpdate(d.EncodeStateAsUpdate()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if clone.OpCount() != 3 {
		t.Fatalf("clone op count = %d, want 3", clone.OpCount())
	}
}

func TestDropPending(t *testing.T) {
	d := NewDoc()
	_ = d.ApplyUpdate(EncodeUpdate(1, 5, ops("gap")...))
	if !d.HasPending() {
		t.Fatal("expected pending")
	}
	changed := d.Transact(func() { d.DropPending() })
	if !changed {
		t.Fatal("dropping pending ops is a state change")
	}
	if d.HasPending() {
		t.Fatal("pending buffer should be empty")
	}
}

func TestMergeUpdatesDeduplicates(t *testing.T) {
	a := EncodeUpdate(1, 0, ops("a", "b")...)
	b := EncodeUpdate(1, 1, ops("b", "c")...) // overlaps clock 1
	c := EncodeUpdate(2, 0, ops("x")...)

	merged, err := MergeUpdates([][]byte{a, b, c})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	d := NewDoc()
	if err := d.ApplyUpdate(merged); err != nil {
		t.Fatalf("apply merged: %v", err)
	}
	if d.OpCount() != 4 {
		t.Fatalf("op count = %d, want 4", d.OpCount())
	}
	if d.HasPending() {
		t.Fatal("merged update should integrate cleanly")
	}
}

func TestMergeUpdatesPreservesGappedRuns(t *testing.T) {
	// disjoint runs for the same client survive a merge unmodified
	merged, err := MergeUpdates([][]byte{
		EncodeUpdate(1, 0, ops("a")...),
		EncodeUpdate(1, 5, ops("f")...),
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	d := NewDoc()
	if err := d.ApplyUpdate(merged); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.OpCount() != 1 || !d.HasPending() {
		t.Fatalf("want 1 integrated op and a pending run, got %d ops pending=%v", d.OpCount(), d.HasPending())
	}
}

func TestMergeUpdatesRejectsGarbage(t *testing.T) {
	if _, err := MergeUpdates([][]byte{{0xff, 0xff, 0xff}}); err == nil {
		t.Fatal("expected error for undecodable update")
	}
}

func TestUpdateIsEmpty(t *testing.T) {
	empty, err := MergeUpdates(nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !UpdateIsEmpty(empty) {
		t.Fatal("merge of nothing should be empty")
	}
	if UpdateIsEmpty(EncodeUpdate(1, 0, ops("a")...)) {
		t.Fatal("non-empty update reported empty")
	}
	if UpdateIsEmpty([]byte{0xff, 0xff}) {
		t.Fatal("garbage must not be reported empty")
	}
}

func TestStateVectorRoundTrip(t *testing.T) {
	sv := map[uint64]uint64{1: 3, 9: 1, 42: 100}
	got, err := DecodeStateVector(EncodeStateVector(sv))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(sv) {
		t.Fatalf("len = %d, want %d", len(got), len(sv))
	}
	for c, k := range sv {
		if got[c] != k {
			t.Fatalf("client %d clock = %d, want %d", c, got[c], k)
		}
	}
}
