package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/ycrdt"
)

// Memory is an in-memory DocumentStorage for tests and single-process
// development.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte // docKey -> reference -> update bytes
	seq  uint64
}

// NewMemory returns an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{docs: map[string]map[string][]byte{}}
}

func memDocKey(room, docID string) string {
	return room + "\x00" + docID
}

func (m *Memory) PersistDoc(ctx context.Context, room, docID string, doc *ycrdt.Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memDocKey(room, docID)
	refs := m.docs[key]
	if refs == nil {
		refs = map[string][]byte{}
		m.docs[key] = refs
	}
	m.seq++
	refs[fmt.Sprintf("%020d", m.seq)] = doc.EncodeStateAsUpdate()
	return nil
}

func (m *Memory) RetrieveDoc(ctx context.Context, room, docID string) (*StoredDoc, error) {
	m.mu.Lock()
	refs := m.docs[memDocKey(room, docID)]
	names := make([]string, 0, len(refs))
	updates := map[string][]byte{}
	for ref, b := range refs {
		names = append(names, ref)
		cp := make([]byte, len(b))
		copy(cp, b)
		updates[ref] = cp
	}
	m.mu.Unlock()
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	return mergeReferences(names, func(ref string) []byte { return updates[ref] })
}

func (m *Memory) RetrieveStateVector(ctx context.Context, room, docID string) ([]byte, error) {
	sd, err := m.RetrieveDoc(ctx, room, docID)
	if err != nil || sd == nil {
		return nil, err
	}
	return stateVectorOf(sd)
}

func (m *Memory) DeleteReferences(ctx context.Context, room, docID string, references []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.docs[memDocKey(room, docID)]
	for _, ref := range references {
		delete(refs, ref)
	}
	return nil
}

func (m *Memory) DeleteDocument(ctx context.Context, room, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, memDocKey(room, docID))
	return nil
}

func (m *Memory) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = map[string]map[string][]byte{}
	return nil
}
