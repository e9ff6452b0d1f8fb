package ycrdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// nullState is the JSON literal signaling client removal to every
// awareness-aware consumer.
var nullState = []byte("null")

type clientState struct {
	clock uint64
	state []byte // JSON; nil after removal
}

// Awareness tracks ephemeral per-client presence. States are JSON blobs
// versioned by a per-client clock; a "null" state removes the client.
// Listeners registered with OnUpdate must be released via Destroy or the
// returned unregister func, otherwise they leak.
type Awareness struct {
	mu        sync.Mutex
	states    map[uint64]*clientState
	listeners map[int]func(updated []uint64)
	nextLis   int
}

// NewAwareness returns an empty awareness instance.
func NewAwareness() *Awareness {
	return &Awareness{
		states:    map[uint64]*clientState{},
		listeners: map[int]func(updated []uint64){},
	}
}

// ApplyUpdate integrates an encoded awareness payload. Entries with a clock
// not newer than the known one are ignored, except that an equal-clock null
// state still removes the client.
func (a *Awareness) ApplyUpdate(update []byte) error {
	entries, err := decodeAwareness(update)
	if err != nil {
		return fmt.Errorf("apply awareness update: %w", err)
	}
	a.mu.Lock()
	var updated []uint64
	for _, e := range entries {
		cur := a.states[e.client]
		isNull := bytes.Equal(e.state, nullState)
		if cur != nil {
			if e.clock < cur.clock {
				continue
			}
			if e.clock == cur.clock && !isNull {
				continue
			}
		}
		st := e.state
		if isNull {
			st = nil
		}
		a.states[e.client] = &clientState{clock: e.clock, state: st}
		updated = append(updated, e.client)
	}
	listeners := make([]func([]uint64), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()
	if len(updated) > 0 {
		for _, fn := range listeners {
			fn(updated)
		}
	}
	return nil
}

// SetState records a local state change for a client, bumping its clock.
func (a *Awareness) SetState(clientID uint64, stateJSON []byte) {
	a.mu.Lock()
	cur := a.states[clientID]
	clock := uint64(0)
	if cur != nil {
		clock = cur.clock + 1
	}
	st := stateJSON
	if bytes.Equal(stateJSON, nullState) {
		st = nil
	}
	a.states[clientID] = &clientState{clock: clock, state: st}
	a.mu.Unlock()
}

// ClientIDs returns the clients that currently have a live (non-null) state.
func (a *Awareness) ClientIDs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.states))
	for c, s := range a.states {
		if s.state != nil {
			ids = append(ids, c)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clock returns the known clock for a client (zero if unknown).
func (a *Awareness) Clock(clientID uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.states[clientID]; s != nil {
		return s.clock
	}
	return 0
}

// State returns the live state JSON for a client, or nil.
func (a *Awareness) State(clientID uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.states[clientID]; s != nil && s.state != nil {
		out := make([]byte, len(s.state))
		copy(out, s.state)
		return out
	}
	return nil
}

// Encode serializes the current entries for the given clients. Clients with
// a removed state encode the null literal so removals propagate.
func (a *Awareness) Encode(clients []uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := make([]awarenessEntry, 0, len(clients))
	for _, c := range clients {
		s := a.states[c]
		if s == nil {
			return nil, fmt.Errorf("encode awareness: unknown client %d", c)
		}
		st := s.state
		if st == nil {
			st = nullState
		}
		entries = append(entries, awarenessEntry{client: c, clock: s.clock, state: st})
	}
	return encodeAwareness(entries), nil
}

// OnUpdate registers a listener invoked with the ids whose state changed.
// The returned func unregisters it.
func (a *Awareness) OnUpdate(fn func(updated []uint64)) func() {
	a.mu.Lock()
	id := a.nextLis
	a.nextLis++
	a.listeners[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Destroy drops all listeners and state. Required before discarding an
// instance obtained from document assembly.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	a.listeners = map[int]func(updated []uint64){}
	a.states = map[uint64]*clientState{}
	a.mu.Unlock()
}

// EncodeAwarenessRemoval builds a single-entry payload announcing that a
// client disconnected: clock is lastClock+1 and the state is null.
func EncodeAwarenessRemoval(clientID, lastClock uint64) []byte {
	return encodeAwareness([]awarenessEntry{{client: clientID, clock: lastClock + 1, state: nullState}})
}

type awarenessEntry struct {
	client uint64
	clock  uint64
	state  []byte
}

// Wire layout (all integers uvarint): numEntries { client, clock, stateLen,
// stateJSON }.
func encodeAwareness(entries []awarenessEntry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, e.client)
		buf = binary.AppendUvarint(buf, e.clock)
		buf = binary.AppendUvarint(buf, uint64(len(e.state)))
		buf = append(buf, e.state...)
	}
	return buf
}

func decodeAwareness(b []byte) ([]awarenessEntry, error) {
	pos := 0
	readUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(b[pos:])
		if n <= 0 {
			return 0, fmt.Errorf("truncated awareness payload at offset %d", pos)
		}
		pos += n
		return v, nil
	}
	n, err := readUvarint()
	if err != nil {
		return nil, err
	}
	entries := make([]awarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e awarenessEntry
		if e.client, err = readUvarint(); err != nil {
			return nil, err
		}
		if e.clock, err = readUvarint(); err != nil {
			return nil, err
		}
		stateLen, err := readUvarint()
		if err != nil {
			return nil, err
		}
		if uint64(len(b)-pos) < stateLen {
			return nil, fmt.Errorf("truncated awareness state at offset %d", pos)
		}
		e.state = make([]byte, stateLen)
		copy(e.state, b[pos:pos+int(stateLen)])
		pos += int(stateLen)
		entries = append(entries, e)
	}
	return entries, nil
}
