package assembler

import (
	"context"
	"testing"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/keys"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/protocol"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/storage"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/ycrdt"
)

// fakeReader serves canned stream tails keyed by stream key.
type fakeReader struct {
	msgs   map[string][][]byte
	lastID keys.RedisID
}

func (f *fakeReader) ReadMessagesFromStream(_ context.Context, streamKey string) ([][]byte, keys.RedisID, error) {
	return f.msgs[streamKey], f.lastID, nil
}

func TestGetDocFromTailOnly(t *testing.T) {
	key := keys.ComputeStreamKey("r", "d", "y")
	reader := &fakeReader{
		msgs: map[string][][]byte{
			key: {
				protocol.EncodeSyncUpdate(ycrdt.EncodeUpdate(1, 0, []byte("a"), []byte("b"))),
				protocol.EncodeSyncUpdate(ycrdt.EncodeUpdate(2, 0, []byte("x"))),
			},
		},
		lastID: keys.RedisID{Millis: 100, Seq: 2},
	}
	a := New(reader, storage.NewMemory(), "y")

	got, err := a.GetDoc(context.Background(), "r", "d")
	if err != nil {
		t.Fatalf("get doc: %v", err)
	}
	defer got.Awareness.Destroy()

	if got.Doc.OpCount() != 3 {
		t.Fatalf("ops = %d, want 3", got.Doc.OpCount())
	}
	if !got.Changed {
		t.Fatal("tail content must report Changed")
	}
	if !got.LastID.Equal(reader.lastID) {
		t.Fatalf("last id = %v", got.LastID)
	}
	if len(got.StoreReferences) != 0 {
		t.Fatalf("unexpected references: %v", got.StoreReferences)
	}
}

func TestGetDocSnapshotPlusTail(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	base := ycrdt.NewDoc()
	_ = base.ApplyUpdate(ycrdt.EncodeUpdate(1, 0, []byte("a")))
	if err := store.PersistDoc(ctx, "r", "d", base); err != nil {
		t.Fatalf("persist: %v", err)
	}

	key := keys.ComputeStreamKey("r", "d", "y")
	reader := &fakeReader{
		msgs: map[string][][]byte{
			key: {protocol.EncodeSyncUpdate(ycrdt.EncodeUpdate(1, 1, []byte("b")))},
		},
		lastID: keys.RedisID{Millis: 7},
	}

	got, err := New(reader, store, "y").GetDoc(ctx, "r", "d")
	if err != nil {
		t.Fatalf("get doc: %v", err)
	}
	defer got.Awareness.Destroy()

	if got.Doc.OpCount() != 2 {
		t.Fatalf("ops = %d, want 2", got.Doc.OpCount())
	}
	if !got.Changed {
		t.Fatal("new tail op must report Changed")
	}
	if len(got.StoreReferences) != 1 {
		t.Fatalf("references = %v", got.StoreReferences)
	}
}

func TestGetDocPureReplayIsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	base := ycrdt.NewDoc()
	_ = base.ApplyUpdate(ycrdt.EncodeUpdate(1, 0, []byte("a"), []byte("b")))
	if err := store.PersistDoc(ctx, "r", "d", base); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// the tail only repeats what the snapshot already holds
	key := keys.ComputeStreamKey("r", "d", "y")
	reader := &fakeReader{
		msgs: map[string][][]byte{
			key: {protocol.EncodeSyncUpdate(ycrdt.EncodeUpdate(1, 0, []byte("a"), []byte("b")))},
		},
		lastID: keys.RedisID{Millis: 9},
	}

	got, err := New(reader, store, "y").GetDoc(ctx, "r", "d")
	if err != nil {
		t.Fatalf("get doc: %v", err)
	}
	defer got.Awareness.Destroy()

	if got.Changed {
		t.Fatal("pure replay must not report Changed")
	}
}

func TestGetDocCollectsAwarenessSeparately(t *testing.T) {
	a := ycrdt.NewAwareness()
	a.SetState(9, []byte(`{"cursor":3}`))
	awMsg, err := protocol.EncodeAwarenessUpdate(a, []uint64{9})
	if err != nil {
		t.Fatalf("encode awareness: %v", err)
	}

	key := keys.ComputeStreamKey("r", "d", "y")
	reader := &fakeReader{
		msgs: map[string][][]byte{
			key: {
				protocol.EncodeSyncUpdate(ycrdt.EncodeUpdate(1, 0, []byte("a"))),
				awMsg,
			},
		},
	}

	got, err := New(reader, storage.NewMemory(), "y").GetDoc(context.Background(), "r", "d")
	if err != nil {
		t.Fatalf("get doc: %v", err)
	}
	defer got.Awareness.Destroy()

	if ids := got.Awareness.ClientIDs(); len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("awareness clients = %v", ids)
	}
	if got.Doc.OpCount() != 1 {
		t.Fatalf("ops = %d, want 1", got.Doc.OpCount())
	}
}

func TestGetDocSkipsBadMessages(t *testing.T) {
	key := keys.ComputeStreamKey("r", "d", "y")
	reader := &fakeReader{
		msgs: map[string][][]byte{
			key: {
				{0xff},                              // unknown class
				{protocol.MessageSync, 0x09},        // bad subtype
				protocol.EncodeSyncStep1([]byte{0}), // handshake, skipped
				protocol.EncodeSyncUpdate(ycrdt.EncodeUpdate(1, 0, []byte("a"))),
			},
		},
	}
	got, err := New(reader, storage.NewMemory(), "y").GetDoc(context.Background(), "r", "d")
	if err != nil {
		t.Fatalf("get doc: %v", err)
	}
	defer got.Awareness.Destroy()
	if got.Doc.OpCount() != 1 {
		t.Fatalf("ops = %d, want 1", got.Doc.OpCount())
	}
}

func TestGetStateVector(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	a := New(&fakeReader{}, store, "y")

	sv, err := a.GetStateVector(ctx, "r", "d")
	if err != nil {
		t.Fatalf("state vector: %v", err)
	}
	if sv != nil {
		t.Fatal("never-written doc must have a nil state vector")
	}

	doc := ycrdt.NewDoc()
	_ = doc.ApplyUpdate(ycrdt.EncodeUpdate(3, 0, []byte("a"), []byte("b")))
	if err := store.PersistDoc(ctx, "r", "d", doc); err != nil {
		t.Fatalf("persist: %v", err)
	}
	sv, err = a.GetStateVector(ctx, "r", "d")
	if err != nil {
		t.Fatalf("state vector: %v", err)
	}
	m, err := ycrdt.DecodeStateVector(sv)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m[3] != 2 {
		t.Fatalf("clock for client 3 = %d, want 2", m[3])
	}
}
