// Package ycrdt implements the commutative update/merge primitive the
// distribution layer builds on: per-client op logs with causal clocks,
// state vectors, diff updates, and pending-run accounting for updates whose
// causal predecessor has not arrived yet. Op payloads are opaque bytes;
// nothing in this package interprets them.
package ycrdt

import (
	"fmt"
	"sort"
)

// Doc is a mergeable document. It is not safe for concurrent use; the
// distribution layer confines each Doc to one goroutine.
type Doc struct {
	ops     map[uint64][][]byte // client -> ops in clock order (clock == index)
	pending []run               // runs waiting for a causal predecessor
	changed bool                // any state advanced since the last Transact
}

// NewDoc returns an empty document.
func NewDoc() *Doc {
	return &Doc{ops: map[uint64][][]byte{}}
}

// ApplyUpdate integrates an encoded update. Ops already known are skipped,
// ops with a missing predecessor are buffered as pending and retried after
// every later integration.
func (d *Doc) ApplyUpdate(update []byte) error {
	runs, err := decodeRuns(update)
	if err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	for _, r := range runs {
		if d.integrate(r) {
			d.retryPending()
		}
	}
	return nil
}

// integrate applies one run if its start is within or adjacent to the known
// clock range for its client. Returns whether any new op was applied.
func (d *Doc) integrate(r run) bool {
	known := uint64(len(d.ops[r.client]))
	if r.start > known {
		d.pending = append(d.pending, r)
		return false
	}
	end := r.start + uint64(len(r.ops))
	if end <= known {
		return false // fully known already
	}
	for clock := known; clock < end; clock++ {
		d.ops[r.client] = append(d.ops[r.client], r.ops[clock-r.start])
	}
	d.changed = true
	return true
}

// retryPending re-attempts buffered runs until a full pass applies nothing.
func (d *Doc) retryPending() {
	for {
		var still []run
		progressed := false
		for _, r := range d.pending {
			known := uint64(len(d.ops[r.client]))
			if r.start > known {
				still = append(still, r)
				continue
			}
			if d.integrate(r) {
				progressed = true
			}
		}
		d.pending = still
		if !progressed {
			return
		}
	}
}

// Transact runs fn and reports whether it changed any document state.
// Pure replays of already-known content report false.
func (d *Doc) Transact(fn func()) bool {
	d.changed = false
	fn()
	return d.changed
}

// StateVectorMap returns the client->next-expected-clock map.
func (d *Doc) StateVectorMap() map[uint64]uint64 {
	sv := make(map[uint64]uint64, len(d.ops))
	for c, ops := range d.ops {
		sv[c] = uint64(len(ops))
	}
	return sv
}

// StateVector returns the encoded state vector.
func (d *Doc) StateVector() []byte {
	return EncodeStateVector(d.StateVectorMap())
}

// DiffUpdate encodes every op the remote state vector does not cover.
func (d *Doc) DiffUpdate(encodedSV []byte) ([]byte, error) {
	remote, err := DecodeStateVector(encodedSV)
	if err != nil {
		return nil, fmt.Errorf("diff update: %w", err)
	}
	clients := make([]uint64, 0, len(d.ops))
	for c := range d.ops {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	var runs []run
	for _, c := range clients {
		have := uint64(len(d.ops[c]))
		from := remote[c]
		if from >= have {
			continue
		}
		r := run{client: c, start: from}
		for clock := from; clock < have; clock++ {
			r.ops = append(r.ops, d.ops[c][clock])
		}
		runs = append(runs, r)
	}
	return encodeRuns(runs), nil
}

// EncodeStateAsUpdate encodes the whole integrated state as one update.
// Pending runs are not included.
func (d *Doc) EncodeStateAsUpdate() []byte {
	u, _ := d.DiffUpdate(EncodeStateVector(nil))
	return u
}

// OpCount returns the number of integrated ops.
func (d *Doc) OpCount() int {
	n := 0
	for _, ops := range d.ops {
		n += len(ops)
	}
	return n
}

// PendingInfo describes buffered runs whose causal predecessor is missing.
type PendingInfo struct {
	// Missing maps each affected client to the first clock the document is
	// waiting for.
	Missing map[uint64]uint64
	// Ops counts buffered ops.
	Ops int
}

// HasPending reports whether any run is buffered.
func (d *Doc) HasPending() bool { return len(d.pending) > 0 }

// PendingInfo summarizes the pending buffer for diagnostics.
func (d *Doc) PendingInfo() PendingInfo {
	info := PendingInfo{Missing: map[uint64]uint64{}}
	for _, r := range d.pending {
		want := uint64(len(d.ops[r.client]))
		if cur, ok := info.Missing[r.client]; !ok || want < cur {
			info.Missing[r.client] = want
		}
		info.Ops += len(r.ops)
	}
	return info
}

// DropPending discards the pending buffer. Content depending on the gap is
// lost; this is the manual repair path for documents that never self-heal.
func (d *Doc) DropPending() {
	if len(d.pending) > 0 {
		d.pending = nil
		d.changed = true
	}
}
