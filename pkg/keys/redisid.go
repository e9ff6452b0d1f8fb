package keys

import (
	"fmt"
	"strconv"
	"strings"
)

// RedisID is the composite "{millis}-{seq}" ordinal Redis assigns on stream
// append. Ordering is numeric on millis then seq; raw string comparison is
// wrong ("10-0" sorts before "9-0" as a string) and must never be used.
type RedisID struct {
	Millis uint64
	Seq    uint64
}

// ZeroID is the id before the first entry of any stream; reading from it
// returns the stream from the beginning.
var ZeroID = RedisID{}

// ParseRedisID parses a stream id string. The seq part may be omitted
// ("0" is a valid read cursor) and defaults to zero.
func ParseRedisID(s string) (RedisID, error) {
	if s == "" {
		return RedisID{}, fmt.Errorf("empty redis stream id")
	}
	millisPart, seqPart, hasSeq := strings.Cut(s, "-")
	millis, err := strconv.ParseUint(millisPart, 10, 64)
	if err != nil {
		return RedisID{}, fmt.Errorf("invalid redis stream id %q: %w", s, err)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return RedisID{}, fmt.Errorf("invalid redis stream id %q: %w", s, err)
		}
	}
	return RedisID{Millis: millis, Seq: seq}, nil
}

// AsRedisID validates a raw Redis reply value (string or bytes) as a stream
// id. It fails loudly on anything else instead of silently coercing.
func AsRedisID(v any) (RedisID, error) {
	switch t := v.(type) {
	case string:
		return ParseRedisID(t)
	case []byte:
		return ParseRedisID(string(t))
	default:
		return RedisID{}, fmt.Errorf("unexpected redis id type %T", v)
	}
}

func (id RedisID) String() string {
	return strconv.FormatUint(id.Millis, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id is strictly earlier than other, comparing the
// numeric components.
func (id RedisID) Less(other RedisID) bool {
	if id.Millis != other.Millis {
		return id.Millis < other.Millis
	}
	return id.Seq < other.Seq
}

func (id RedisID) Equal(other RedisID) bool {
	return id.Millis == other.Millis && id.Seq == other.Seq
}

func (id RedisID) IsZero() bool { return id.Millis == 0 && id.Seq == 0 }

// MaxID returns the later of a and b by numeric ordering.
func MaxID(a, b RedisID) RedisID {
	if a.Less(b) {
		return b
	}
	return a
}
