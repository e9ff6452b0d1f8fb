package keys

import (
	"errors"
	"testing"
)

func TestComputeStreamKey(t *testing.T) {
	got := ComputeStreamKey("room", "docid", "y")
	if got != "y:room:room:docid" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestStreamKeyRoundTrip(t *testing.T) {
	cases := []struct {
		room, docID string
	}{
		{"room", "docid"},
		{"a:b", "c:d"},
		{"path/to/room", "doc/1"},
		{"room with spaces", "doc id"},
		{"", "doc"},
		{"r%40", "d%2F"},
	}
	for _, c := range cases {
		key := ComputeStreamKey(c.room, c.docID, "y")
		room, docID, err := DecodeStreamKey(key, "y")
		if err != nil {
			t.Fatalf("decode %q: %v", key, err)
		}
		if room != c.room || docID != c.docID {
			t.Fatalf("round trip of (%q,%q) gave (%q,%q)", c.room, c.docID, room, docID)
		}
	}
}

func TestDecodeStreamKeyRejectsMalformed(t *testing.T) {
	cases := []string{
		"y:room:onlyroom",
		"y:room:a:b:c",
		"other:room:a:b",
		"y:notroom:a:b",
		"invalid",
		"",
	}
	for _, key := range cases {
		if _, _, err := DecodeStreamKey(key, "y"); !errors.Is(err, ErrMalformedKey) {
			t.Fatalf("expected ErrMalformedKey for %q, got %v", key, err)
		}
	}
}

func TestParseRedisID(t *testing.T) {
	id, err := ParseRedisID("1700000000000-3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Millis != 1700000000000 || id.Seq != 3 {
		t.Fatalf("unexpected id: %+v", id)
	}

	// seq is optional on read cursors
	id, err = ParseRedisID("0")
	if err != nil {
		t.Fatalf("parse bare cursor: %v", err)
	}
	if !id.IsZero() {
		t.Fatalf("expected zero id, got %+v", id)
	}

	for _, bad := range []string{"", "abc", "1-x", "-1-0"} {
		if _, err := ParseRedisID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRedisIDOrderingIsNumeric(t *testing.T) {
	cases := []struct {
		a, b string
		less bool
	}{
		{"9-5", "10-0", true},  // string compare would invert this
		{"10-0", "9-5", false},
		{"1-1", "2-1", true},
		{"2-1", "1-1", false},
		{"1-1", "1-2", true},
		{"1-2", "1-1", false},
		{"5-1", "5-2", true},
		{"5-2", "5-2", false},
		{"0-0", "0-1", true},
	}
	for _, c := range cases {
		a, err := ParseRedisID(c.a)
		if err != nil {
			t.Fatalf("parse %q: %v", c.a, err)
		}
		b, err := ParseRedisID(c.b)
		if err != nil {
			t.Fatalf("parse %q: %v", c.b, err)
		}
		if a.Less(b) != c.less {
			t.Fatalf("Less(%q, %q) = %v, want %v", c.a, c.b, a.Less(b), c.less)
		}
	}
}

func TestMaxID(t *testing.T) {
	a := RedisID{Millis: 9, Seq: 5}
	b := RedisID{Millis: 10}
	if got := MaxID(a, b); !got.Equal(b) {
		t.Fatalf("MaxID = %v, want %v", got, b)
	}
	if got := MaxID(b, a); !got.Equal(b) {
		t.Fatalf("MaxID = %v, want %v", got, b)
	}
}

func TestAsRedisID(t *testing.T) {
	if id, err := AsRedisID("3-7"); err != nil || id.Millis != 3 || id.Seq != 7 {
		t.Fatalf("string: %v %v", id, err)
	}
	if id, err := AsRedisID([]byte("3-7")); err != nil || id.Millis != 3 {
		t.Fatalf("bytes: %v %v", id, err)
	}
	if _, err := AsRedisID(42); err == nil {
		t.Fatal("expected error for non-string value")
	}
}
