// Package storage defines the narrow contract the distribution layer has on
// long-lived document snapshots, plus the in-memory and Pebble-backed
// implementations. A snapshot is a set of opaque reference objects; reading
// merges all references, writing adds a new one, and superseded references
// are garbage-collected explicitly via DeleteReferences.
package storage

import (
	"context"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/ycrdt"
)

// StoredDoc is a persisted snapshot: the merged document bytes and the
// identifiers of the physical objects composing it.
type StoredDoc struct {
	Doc        []byte
	References []string
}

// DocumentStorage is the collaborator contract for snapshot persistence.
// Implementations must be safe for concurrent use on distinct documents;
// same-document write exclusion is the worker's concern, not storage's.
type DocumentStorage interface {
	// PersistDoc writes the document's integrated state as a new snapshot
	// reference.
	PersistDoc(ctx context.Context, room, docID string, doc *ycrdt.Doc) error
	// RetrieveDoc returns the merged snapshot and its references, or nil
	// when the document has never been persisted.
	RetrieveDoc(ctx context.Context, room, docID string) (*StoredDoc, error)
	// RetrieveStateVector returns the snapshot's state vector, or nil when
	// the document has never been persisted.
	RetrieveStateVector(ctx context.Context, room, docID string) ([]byte, error)
	// DeleteReferences removes the given snapshot objects.
	DeleteReferences(ctx context.Context, room, docID string, references []string) error
	// DeleteDocument removes every object of the document.
	DeleteDocument(ctx context.Context, room, docID string) error
	// Destroy releases the backend.
	Destroy() error
}

// mergeReferences folds a set of reference objects into one StoredDoc.
func mergeReferences(refs []string, load func(ref string) []byte) (*StoredDoc, error) {
	updates := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		updates = append(updates, load(ref))
	}
	merged, err := ycrdt.MergeUpdates(updates)
	if err != nil {
		return nil, err
	}
	return &StoredDoc{Doc: merged, References: refs}, nil
}

// stateVectorOf rebuilds the state vector of a stored snapshot.
func stateVectorOf(sd *StoredDoc) ([]byte, error) {
	doc := ycrdt.NewDoc()
	if err := doc.ApplyUpdate(sd.Doc); err != nil {
		return nil, err
	}
	return doc.StateVector(), nil
}
