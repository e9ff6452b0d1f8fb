package ycrdt

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// An update is a set of per-client op runs. Each run carries the client id,
// the clock of its first op, and the op payloads in clock order. Binary
// layout (all integers uvarint):
//
//	numRuns { client, startClock, numOps { opLen, opBytes } }
//
// Runs from the same client may appear more than once (merges of causally
// gapped updates keep disjoint runs separate).
type run struct {
	client uint64
	start  uint64
	ops    [][]byte
}

func encodeRuns(runs []run) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(runs)))
	for _, r := range runs {
		buf = binary.AppendUvarint(buf, r.client)
		buf = binary.AppendUvarint(buf, r.start)
		buf = binary.AppendUvarint(buf, uint64(len(r.ops)))
		for _, op := range r.ops {
			buf = binary.AppendUvarint(buf, uint64(len(op)))
			buf = append(buf, op...)
		}
	}
	return buf
}

func decodeRuns(update []byte) ([]run, error) {
	pos := 0
	readUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(update[pos:])
		if n <= 0 {
			return 0, fmt.Errorf("truncated update at offset %d", pos)
		}
		pos += n
		return v, nil
	}
	numRuns, err := readUvarint()
	if err != nil {
		return nil, err
	}
	runs := make([]run, 0, numRuns)
	for i := uint64(0); i < numRuns; i++ {
		var r run
		if r.client, err = readUvarint(); err != nil {
			return nil, err
		}
		if r.start, err = readUvarint(); err != nil {
			return nil, err
		}
		numOps, err := readUvarint()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < numOps; j++ {
			opLen, err := readUvarint()
			if err != nil {
				return nil, err
			}
			if uint64(len(update)-pos) < opLen {
				return nil, fmt.Errorf("truncated op at offset %d", pos)
			}
			op := make([]byte, opLen)
			copy(op, update[pos:pos+int(opLen)])
			pos += int(opLen)
			r.ops = append(r.ops, op)
		}
		runs = append(runs, r)
	}
	if pos != len(update) {
		return nil, fmt.Errorf("trailing bytes in update (%d unread)", len(update)-pos)
	}
	return runs, nil
}

// EncodeUpdate builds a single-run update: ops by one client starting at
// startClock. This is the producer-side primitive; the distribution layer
// itself only relays and merges.
func EncodeUpdate(client, startClock uint64, ops ...[]byte) []byte {
	return encodeRuns([]run{{client: client, start: startClock, ops: ops}})
}

// UpdateIsEmpty reports whether update decodes to zero op runs. Undecodable
// input is not empty (callers decide how to handle it).
func UpdateIsEmpty(update []byte) bool {
	runs, err := decodeRuns(update)
	return err == nil && len(runs) == 0
}

// MergeUpdates folds several updates into one, deduplicating ops by
// (client, clock). Causal gaps between the inputs are preserved as disjoint
// runs, so no content is dropped by a merge.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	ops := map[uint64]map[uint64][]byte{}
	for _, u := range updates {
		runs, err := decodeRuns(u)
		if err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		for _, r := range runs {
			byClock := ops[r.client]
			if byClock == nil {
				byClock = map[uint64][]byte{}
				ops[r.client] = byClock
			}
			for i, op := range r.ops {
				byClock[r.start+uint64(i)] = op
			}
		}
	}
	return encodeRuns(runsFromOpMap(ops)), nil
}

// runsFromOpMap rebuilds contiguous runs, ordered by client then clock so
// the encoding is deterministic.
func runsFromOpMap(ops map[uint64]map[uint64][]byte) []run {
	clients := make([]uint64, 0, len(ops))
	for c := range ops {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var runs []run
	for _, c := range clients {
		byClock := ops[c]
		clocks := make([]uint64, 0, len(byClock))
		for k := range byClock {
			clocks = append(clocks, k)
		}
		sort.Slice(clocks, func(i, j int) bool { return clocks[i] < clocks[j] })
		var cur *run
		for _, k := range clocks {
			if cur != nil && k == cur.start+uint64(len(cur.ops)) {
				cur.ops = append(cur.ops, byClock[k])
				continue
			}
			runs = append(runs, run{client: c, start: k})
			cur = &runs[len(runs)-1]
			cur.ops = append(cur.ops, byClock[k])
		}
	}
	return runs
}

// EncodeStateVector encodes a client->next-expected-clock map.
func EncodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	buf := binary.AppendUvarint(nil, uint64(len(clients)))
	for _, c := range clients {
		buf = binary.AppendUvarint(buf, c)
		buf = binary.AppendUvarint(buf, sv[c])
	}
	return buf
}

// DecodeStateVector decodes the output of EncodeStateVector.
func DecodeStateVector(b []byte) (map[uint64]uint64, error) {
	pos := 0
	readUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(b[pos:])
		if n <= 0 {
			return 0, fmt.Errorf("truncated state vector at offset %d", pos)
		}
		pos += n
		return v, nil
	}
	n, err := readUvarint()
	if err != nil {
		return nil, err
	}
	sv := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		client, err := readUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := readUvarint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}
