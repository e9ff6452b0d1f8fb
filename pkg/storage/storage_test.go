package storage

import (
	"context"
	"testing"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/ycrdt"
)

func docWith(t *testing.T, client uint64, ops ...string) *ycrdt.Doc {
	t.Helper()
	payloads := make([][]byte, len(ops))
	for i, op := range ops {
		payloads[i] = []byte(op)
	}
	d := ycrdt.NewDoc()
	if err := d.ApplyUpdate(ycrdt.EncodeUpdate(client, 0, payloads...)); err != nil {
		t.Fatalf("build doc: %v", err)
	}
	return d
}

// exerciseStorage runs the shared backend contract against any
// DocumentStorage implementation.
func exerciseStorage(t *testing.T, store DocumentStorage) {
	ctx := context.Background()

	t.Run("AbsentDocIsNil", func(t *testing.T) {
		sd, err := store.RetrieveDoc(ctx, "r", "missing")
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if sd != nil {
			t.Fatal("absent doc must be nil, not empty")
		}
		sv, err := store.RetrieveStateVector(ctx, "r", "missing")
		if err != nil || sv != nil {
			t.Fatalf("state vector of absent doc: %v %v", sv, err)
		}
	})

	t.Run("PersistAndRetrieve", func(t *testing.T) {
		if err := store.PersistDoc(ctx, "r", "d1", docWith(t, 1, "a", "b")); err != nil {
			t.Fatalf("persist: %v", err)
		}
		sd, err := store.RetrieveDoc(ctx, "r", "d1")
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if sd == nil || len(sd.References) != 1 {
			t.Fatalf("unexpected stored doc: %+v", sd)
		}
		d := ycrdt.NewDoc()
		if err := d.ApplyUpdate(sd.Doc); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if d.OpCount() != 2 {
			t.Fatalf("ops = %d, want 2", d.OpCount())
		}
	})

	t.Run("MultipleReferencesMerge", func(t *testing.T) {
		if err := store.PersistDoc(ctx, "r", "d2", docWith(t, 1, "a")); err != nil {
			t.Fatalf("persist: %v", err)
		}
		if err := store.PersistDoc(ctx, "r", "d2", docWith(t, 2, "x", "y")); err != nil {
			t.Fatalf("persist: %v", err)
		}
		sd, err := store.RetrieveDoc(ctx, "r", "d2")
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if len(sd.References) != 2 {
			t.Fatalf("references = %v", sd.References)
		}
		d := ycrdt.NewDoc()
		if err := d.ApplyUpdate(sd.Doc); err != nil {
			t.Fatalf("apply merged: %v", err)
		}
		if d.OpCount() != 3 {
			t.Fatalf("merged ops = %d, want 3", d.OpCount())
		}
	})

	t.Run("DeleteReferencesKeepsTheRest", func(t *testing.T) {
		if err := store.PersistDoc(ctx, "r", "d3", docWith(t, 1, "a")); err != nil {
			t.Fatalf("persist: %v", err)
		}
		sd, err := store.RetrieveDoc(ctx, "r", "d3")
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		old := sd.References

		if err := store.PersistDoc(ctx, "r", "d3", docWith(t, 1, "a")); err != nil {
			t.Fatalf("persist: %v", err)
		}
		if err := store.DeleteReferences(ctx, "r", "d3", old); err != nil {
			t.Fatalf("delete refs: %v", err)
		}
		sd, err = store.RetrieveDoc(ctx, "r", "d3")
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if sd == nil || len(sd.References) != 1 {
			t.Fatalf("want 1 surviving reference, got %+v", sd)
		}
	})

	t.Run("DeleteDocument", func(t *testing.T) {
		if err := store.PersistDoc(ctx, "r", "d4", docWith(t, 1, "a")); err != nil {
			t.Fatalf("persist: %v", err)
		}
		if err := store.DeleteDocument(ctx, "r", "d4"); err != nil {
			t.Fatalf("delete doc: %v", err)
		}
		sd, err := store.RetrieveDoc(ctx, "r", "d4")
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if sd != nil {
			t.Fatalf("deleted doc still present: %+v", sd)
		}
	})

	t.Run("DocsAreIsolatedByRoom", func(t *testing.T) {
		if err := store.PersistDoc(ctx, "room-a", "shared", docWith(t, 1, "a")); err != nil {
			t.Fatalf("persist: %v", err)
		}
		sd, err := store.RetrieveDoc(ctx, "room-b", "shared")
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if sd != nil {
			t.Fatal("doc leaked across rooms")
		}
	})
}

func TestMemoryStorage(t *testing.T) {
	store := NewMemory()
	defer store.Destroy()
	exerciseStorage(t, store)
}

func TestPebbleStorage(t *testing.T) {
	store, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	defer store.Destroy()
	exerciseStorage(t, store)
}

func TestPebbleStateVector(t *testing.T) {
	store, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	defer store.Destroy()
	ctx := context.Background()

	if err := store.PersistDoc(ctx, "r", "d", docWith(t, 5, "a", "b", "c")); err != nil {
		t.Fatalf("persist: %v", err)
	}
	sv, err := store.RetrieveStateVector(ctx, "r", "d")
	if err != nil {
		t.Fatalf("state vector: %v", err)
	}
	m, err := ycrdt.DecodeStateVector(sv)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m[5] != 3 {
		t.Fatalf("clock for client 5 = %d, want 3", m[5])
	}
}
