package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedKey is returned when a stream key cannot be decoded against
// the expected prefix. Callers should treat this as a configuration or
// programming error, never coerce it away.
var ErrMalformedKey = errors.New("malformed stream key")

// roomMarker separates the configured prefix from the encoded room/doc pair.
const roomMarker = ":room:"

// ComputeStreamKey maps a (room, docID) pair onto its Redis stream key.
// Both components are percent-encoded so arbitrary characters (including
// ':' and '/') round-trip through DecodeStreamKey.
func ComputeStreamKey(room, docID, prefix string) string {
	return prefix + roomMarker + url.QueryEscape(room) + ":" + url.QueryEscape(docID)
}

// DecodeStreamKey reverses ComputeStreamKey. It fails with ErrMalformedKey
// if the prefix segment or the room marker does not match, or if the
// remainder does not decode to exactly one room and one doc id.
func DecodeStreamKey(key, prefix string) (room, docID string, err error) {
	rest, ok := strings.CutPrefix(key, prefix+roomMarker)
	if !ok {
		return "", "", fmt.Errorf("%w: %q does not match prefix %q", ErrMalformedKey, key, prefix)
	}
	encRoom, encDoc, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is missing the doc segment", ErrMalformedKey, key)
	}
	if strings.Contains(encDoc, ":") {
		return "", "", fmt.Errorf("%w: %q has trailing segments", ErrMalformedKey, key)
	}
	room, err = url.QueryUnescape(encRoom)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad room encoding in %q: %v", ErrMalformedKey, key, err)
	}
	docID, err = url.QueryUnescape(encDoc)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad doc encoding in %q: %v", ErrMalformedKey, key, err)
	}
	return room, docID, nil
}
