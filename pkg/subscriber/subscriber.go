// Package subscriber multiplexes many local stream subscribers onto one
// polling loop against the message bus, with cursor and catch-up
// bookkeeping per stream key.
package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/bus"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/keys"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/metrics"
)

// StreamReader is the bus capability the poll loop needs.
type StreamReader interface {
	ReadStreams(ctx context.Context, pos []bus.StreamPos, block time.Duration, count int64) ([]bus.StreamBatch, error)
}

// MessageHandler receives every new message batch of a subscribed stream.
type MessageHandler func(stream string, messages [][]byte)

// Subscription is the registration handle returned by Subscribe; it is the
// identity passed to Unsubscribe.
type Subscription struct {
	stream  string
	handler MessageHandler
}

type entry struct {
	handlers map[*Subscription]struct{}
	// cursor is the last id delivered to every handler of this entry. It
	// only moves forward, except for a one-time explicit rewind.
	cursor keys.RedisID
	// rewindTo forces the next poll to re-read from an earlier id because a
	// late-joining handler's baseline predates cursor.
	rewindTo *keys.RedisID
}

// Subscriber owns the in-process subscription table and the single poll
// loop. The table is never touched by any other component.
type Subscriber struct {
	bus StreamReader

	mu      sync.Mutex
	entries map[string]*entry

	cancel context.CancelFunc
	done   chan struct{}

	// poll tuning
	blockTimeout time.Duration
	readCount    int64
}

// New creates a Subscriber and starts its poll loop.
func New(reader StreamReader) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		bus:          reader,
		entries:      map[string]*entry{},
		cancel:       cancel,
		done:         make(chan struct{}),
		blockTimeout: time.Second,
		readCount:    1000,
	}
	go s.run(ctx)
	return s
}

// Subscribe registers a handler for a stream and returns the registration
// handle plus the entry's current cursor. Messages at or before that
// baseline are already known to the entry; a caller whose own state is older
// must follow up with EnsureSubID.
func (s *Subscriber) Subscribe(stream string, h MessageHandler) (*Subscription, keys.RedisID) {
	sub := &Subscription{stream: stream, handler: h}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[stream]
	if e == nil {
		e = &entry{handlers: map[*Subscription]struct{}{}}
		s.entries[stream] = e
		metrics.ActiveSubscriptions.Inc()
	}
	e.handlers[sub] = struct{}{}
	return sub, e.cursor
}

// Unsubscribe removes a registration; the stream's entry (and its polling)
// goes away once no handler remains.
func (s *Subscriber) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[sub.stream]
	if e == nil {
		return
	}
	delete(e.handlers, sub)
	if len(e.handlers) == 0 {
		delete(s.entries, sub.stream)
		metrics.ActiveSubscriptions.Dec()
	}
}

// EnsureSubID rewinds a stream's cursor when id is strictly earlier than the
// current cursor: the caller reconstructed its state from a point in time
// before the entry's cursor and would otherwise silently miss the messages
// in between. The rewind takes effect on the next poll.
func (s *Subscriber) EnsureSubID(stream string, id keys.RedisID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[stream]
	if e == nil {
		return
	}
	if id.Less(e.cursor) {
		rewind := id
		e.rewindTo = &rewind
	}
}

// Destroy stops scheduling further polls; an in-flight poll completes.
func (s *Subscriber) Destroy() {
	s.cancel()
	<-s.done
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.poll(ctx); err != nil && ctx.Err() == nil {
			// transient bus failure must not terminate fan-out
			logger.Warn("subscriber_poll_failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Subscriber) poll(ctx context.Context) error {
	s.mu.Lock()
	pos := make([]bus.StreamPos, 0, len(s.entries))
	for stream, e := range s.entries {
		pos = append(pos, bus.StreamPos{Stream: stream, Since: e.cursor})
	}
	s.mu.Unlock()

	if len(pos) == 0 {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}

	batches, err := s.bus.ReadStreams(ctx, pos, s.blockTimeout, s.readCount)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		s.mu.Lock()
		e := s.entries[batch.Stream]
		if e == nil {
			// unsubscribed mid-flight
			s.mu.Unlock()
			continue
		}
		e.cursor = batch.LastID
		if e.rewindTo != nil {
			// rewind wins for the next poll; this pass still delivers
			e.cursor = *e.rewindTo
			e.rewindTo = nil
		}
		handlers := make([]MessageHandler, 0, len(e.handlers))
		for sub := range e.handlers {
			handlers = append(handlers, sub.handler)
		}
		s.mu.Unlock()
		for _, h := range handlers {
			h(batch.Stream, batch.Messages)
		}
	}
	return nil
}
