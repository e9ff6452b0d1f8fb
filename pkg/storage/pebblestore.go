package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/ycrdt"
)

// Pebble is a DocumentStorage on an embedded Pebble database. Snapshot
// objects live under "doc:{room}:{docID}:{ref}" keys; room and docID are
// percent-encoded so ':' cannot break the layout.
type Pebble struct {
	db *pebble.DB
	// seq disambiguates references created within one nanosecond.
	seq uint64
}

// OpenPebble opens (or creates) the database at path.
func OpenPebble(path string) (*Pebble, error) {
	logger.Info("opening_pebble_storage", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Pebble{db: db}, nil
}

func pebbleDocPrefix(room, docID string) []byte {
	return []byte("doc:" + url.QueryEscape(room) + ":" + url.QueryEscape(docID) + ":")
}

func (p *Pebble) PersistDoc(ctx context.Context, room, docID string, doc *ycrdt.Doc) error {
	ref := fmt.Sprintf("%020d-%06d", time.Now().UTC().UnixNano(), atomic.AddUint64(&p.seq, 1))
	key := append(pebbleDocPrefix(room, docID), ref...)
	if err := p.db.Set(key, doc.EncodeStateAsUpdate(), pebble.Sync); err != nil {
		logger.Error("persist_doc_failed", "room", room, "doc", docID, "error", err)
		return err
	}
	logger.Debug("doc_persisted", "room", room, "doc", docID, "ref", ref)
	return nil
}

func (p *Pebble) RetrieveDoc(ctx context.Context, room, docID string) (*StoredDoc, error) {
	prefix := pebbleDocPrefix(room, docID)
	refs, updates, err := p.loadReferences(prefix)
	if err != nil || len(refs) == 0 {
		return nil, err
	}
	return mergeReferences(refs, func(ref string) []byte { return updates[ref] })
}

func (p *Pebble) RetrieveStateVector(ctx context.Context, room, docID string) ([]byte, error) {
	sd, err := p.RetrieveDoc(ctx, room, docID)
	if err != nil || sd == nil {
		return nil, err
	}
	return stateVectorOf(sd)
}

func (p *Pebble) DeleteReferences(ctx context.Context, room, docID string, references []string) error {
	prefix := pebbleDocPrefix(room, docID)
	for _, ref := range references {
		key := append(append([]byte(nil), prefix...), ref...)
		if err := p.db.Delete(key, pebble.Sync); err != nil {
			return fmt.Errorf("delete reference %s: %w", ref, err)
		}
	}
	return nil
}

func (p *Pebble) DeleteDocument(ctx context.Context, room, docID string) error {
	prefix := pebbleDocPrefix(room, docID)
	refs, _, err := p.loadReferences(prefix)
	if err != nil {
		return err
	}
	if err := p.DeleteReferences(ctx, room, docID, refs); err != nil {
		return err
	}
	logger.Info("doc_deleted", "room", room, "doc", docID, "references", len(refs))
	return nil
}

func (p *Pebble) Destroy() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// loadReferences iterates the document's key range and returns reference
// names (sorted by key order, i.e. creation time) plus their payloads.
func (p *Pebble) loadReferences(prefix []byte) ([]string, map[string][]byte, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()
	var refs []string
	updates := map[string][]byte{}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		ref := strings.TrimPrefix(string(iter.Key()), string(prefix))
		v := append([]byte(nil), iter.Value()...)
		refs = append(refs, ref)
		updates[ref] = v
	}
	return refs, updates, iter.Error()
}
