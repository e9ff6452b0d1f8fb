// Package bus is the Redis-facing API of the distribution layer. Every
// stream command a worker or connection handler needs goes through here;
// nothing else in the repo issues raw Redis commands. Cross-process
// atomicity rests on two Lua scripts and MULTI pipelines, never on
// check-then-act round trips.
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/keys"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/metrics"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/protocol"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/ycrdt"
)

// messageField is the stream entry field holding the raw envelope bytes.
const messageField = "m"

// taskField is the worker-queue entry field holding the target stream key.
const taskField = "compact"

// docNameField is the tombstone entry field holding the stream key of a
// document marked for deletion.
const docNameField = "docName"

// addMessageScript enqueues a compaction task for streams that do not exist
// yet, then appends. The order matters: a crash between the two XADDs may
// leave a task without messages (harmless, the worker clears it) but never a
// stream without a task.
var addMessageScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("XADD", KEYS[2], "*", "compact", KEYS[1])
end
redis.call("XADD", KEYS[1], "*", "m", ARGV[1])
`)

// xDelIfEmptyScript deletes a stream only while it is still empty, so a
// write racing the length check cannot be lost.
var xDelIfEmptyScript = redis.NewScript(`
if redis.call("XLEN", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
end
`)

// Task identifies one pending compaction job in the worker consumer group.
type Task struct {
	Stream string
	ID     keys.RedisID
}

// StreamPos addresses a read position within one stream.
type StreamPos struct {
	Stream string
	Since  keys.RedisID
}

// StreamBatch is the result of reading one stream.
type StreamBatch struct {
	Stream   string
	LastID   keys.RedisID
	Messages [][]byte
}

// DeleteEntry is one tombstone recording an explicit document deletion
// request.
type DeleteEntry struct {
	ID      keys.RedisID
	DocName string
}

// RedisMessageBus implements the bus against a shared Redis deployment.
type RedisMessageBus struct {
	rdb    redis.UniversalClient
	prefix string

	// append is the script invocation behind AddMessage; a seam for tests.
	append func(ctx context.Context, streamKey string, payload []byte) error

	// createGroup issues XGROUP CREATE MKSTREAM; a seam for tests.
	createGroup func(ctx context.Context) error
}

// New creates a bus using the given client and key prefix (default "y").
func New(rdb redis.UniversalClient, prefix string) *RedisMessageBus {
	if prefix == "" {
		prefix = "y"
	}
	b := &RedisMessageBus{rdb: rdb, prefix: prefix}
	b.append = func(ctx context.Context, streamKey string, payload []byte) error {
		return addMessageScript.Run(ctx, b.rdb, []string{streamKey, b.WorkerStreamKey()}, payload).Err()
	}
	b.createGroup = func(ctx context.Context) error {
		return b.rdb.XGroupCreateMkStream(ctx, b.WorkerStreamKey(), b.WorkerStreamKey(), "0").Err()
	}
	return b
}

// Prefix returns the configured key prefix.
func (b *RedisMessageBus) Prefix() string { return b.prefix }

// WorkerStreamKey is the compaction task stream; the consumer group carries
// the same name.
func (b *RedisMessageBus) WorkerStreamKey() string { return b.prefix + ":worker" }

// DeleteStreamKey is the tombstone stream of explicit deletion requests.
func (b *RedisMessageBus) DeleteStreamKey() string { return b.prefix + ":delete" }

// DeleteActionChannel is the pub/sub channel announcing tombstones to live
// gateways.
func (b *RedisMessageBus) DeleteActionChannel() string { return b.prefix + ":delete:action" }

// NormalizeMessage applies the append-side envelope rules. An empty sync
// step-2 carries nothing worth storing and yields ok=false; a step-2 with
// content is rewritten in place to an update so every stored sync entry has
// the same subtype. Undecodable payloads are stored as-is for the replay path
// to sort out. The returned slice aliases the input.
func NormalizeMessage(payload []byte) ([]byte, bool) {
	if len(payload) >= 2 && payload[0] == protocol.MessageSync && payload[1] == protocol.MessageSyncStep2 {
		if len(payload) < 4 {
			// a step2 this short carries no update content
			return nil, false
		}
		if m, err := protocol.DecodeMessage(payload); err == nil && ycrdt.UpdateIsEmpty(m.Payload) {
			return nil, false
		}
		payload[1] = protocol.MessageSyncUpdate
	}
	return payload, true
}

// AddMessage appends an envelope to a document stream after NormalizeMessage,
// via the atomic enqueue-task-then-append script.
func (b *RedisMessageBus) AddMessage(ctx context.Context, streamKey string, payload []byte) error {
	msg, ok := NormalizeMessage(payload)
	if !ok {
		return nil
	}
	if err := b.append(ctx, streamKey, msg); err != nil {
		return fmt.Errorf("add message to %s: %w", streamKey, err)
	}
	metrics.MessagesAppended.Inc()
	return nil
}

// ReadStreams performs a blocking multi-stream read from the given cursors.
// It returns nil batches when the wait times out with no new entries.
func (b *RedisMessageBus) ReadStreams(ctx context.Context, pos []StreamPos, block time.Duration, count int64) ([]StreamBatch, error) {
	if len(pos) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, len(pos)*2)
	for _, p := range pos {
		streams = append(streams, p.Stream)
	}
	for _, p := range pos {
		streams = append(streams, p.Since.String())
	}
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{Streams: streams, Block: block, Count: count}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read streams: %w", err)
	}
	return batchesFromStreams(res)
}

// ReadMessagesFromStream returns every message of a stream from the
// beginning, plus the id of the last entry read.
func (b *RedisMessageBus) ReadMessagesFromStream(ctx context.Context, streamKey string) ([][]byte, keys.RedisID, error) {
	entries, err := b.rdb.XRange(ctx, streamKey, "-", "+").Result()
	if err != nil {
		return nil, keys.RedisID{}, fmt.Errorf("read stream %s: %w", streamKey, err)
	}
	var msgs [][]byte
	var last keys.RedisID
	for _, e := range entries {
		id, err := keys.ParseRedisID(e.ID)
		if err != nil {
			return nil, keys.RedisID{}, err
		}
		last = id
		if m, ok := messageFromValues(e.Values); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, last, nil
}

// isBusyGroup reports whether an XGROUP CREATE reply means the group already
// exists. Redis signals this with a BUSYGROUP error rather than a success.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// CreateConsumerGroup creates the worker consumer group. Creation is
// idempotent: a group that already exists is fine, any other failure
// propagates.
func (b *RedisMessageBus) CreateConsumerGroup(ctx context.Context) error {
	if err := b.createGroup(ctx); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// ReclaimTasks atomically claims up to claimCount tasks that have been
// pending for at least debounce, either never claimed or abandoned by a
// crashed worker.
func (b *RedisMessageBus) ReclaimTasks(ctx context.Context, consumerName string, debounce time.Duration, claimCount int64) ([]Task, error) {
	entries, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.WorkerStreamKey(),
		Group:    b.WorkerStreamKey(),
		Consumer: consumerName,
		MinIdle:  debounce,
		Start:    "0",
		Count:    claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reclaim tasks: %w", err)
	}
	tasks := make([]Task, 0, len(entries))
	for _, e := range entries {
		id, err := keys.ParseRedisID(e.ID)
		if err != nil {
			return nil, err
		}
		stream, ok := e.Values[taskField].(string)
		if !ok {
			logger.Warn("reclaim_task_malformed_entry", "id", e.ID)
			continue
		}
		tasks = append(tasks, Task{Stream: stream, ID: id})
	}
	return tasks, nil
}

// TryClearTask reads the target stream's length; when it is zero the
// (still-empty) stream and the task entry are deleted in one transaction.
// The observed length is returned either way so callers can short-circuit.
func (b *RedisMessageBus) TryClearTask(ctx context.Context, task Task) (int64, error) {
	length, err := b.rdb.XLen(ctx, task.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length %s: %w", task.Stream, err)
	}
	if length == 0 {
		pipe := b.rdb.TxPipeline()
		xDelIfEmptyScript.Run(ctx, pipe, []string{task.Stream})
		pipe.XDel(ctx, b.WorkerStreamKey(), task.ID.String())
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return 0, fmt.Errorf("clear task %s: %w", task.Stream, err)
		}
		metrics.StreamsCleared.Inc()
	}
	return length, nil
}

// TryDeduplicateTask finishes one compaction round for a stream: it trims
// entries older than the minimum message lifetime behind lastID, appends a
// fresh compaction marker, immediately self-claims that marker (pending
// rather than idle, picked up again after the debounce), and deletes the
// processed task entry, all in one MULTI. A small debounce can let another
// worker append a second marker in between; duplicate tasks are idempotent
// and tolerated.
func (b *RedisMessageBus) TryDeduplicateTask(ctx context.Context, task Task, lastID keys.RedisID, minMessageLifetime time.Duration, consumerName string) error {
	var minMillis uint64
	if lifetime := uint64(minMessageLifetime.Milliseconds()); lastID.Millis > lifetime {
		minMillis = lastID.Millis - lifetime
	}
	pipe := b.rdb.TxPipeline()
	pipe.XTrimMinID(ctx, task.Stream, fmt.Sprintf("%d-0", minMillis))
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.WorkerStreamKey(),
		Values: map[string]any{taskField: task.Stream},
	})
	pipe.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.WorkerStreamKey(),
		Consumer: consumerName,
		Streams:  []string{b.WorkerStreamKey(), ">"},
		Count:    1,
		Block:    -1,
	})
	pipe.XDel(ctx, b.WorkerStreamKey(), task.ID.String())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("dedup task %s: %w", task.Stream, err)
	}
	return nil
}

// MarkToDeleteByDocName records an explicit document-deletion request on the
// tombstone stream and announces it to live gateways.
func (b *RedisMessageBus) MarkToDeleteByDocName(ctx context.Context, streamKey string) error {
	pipe := b.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.DeleteStreamKey(),
		Values: map[string]any{docNameField: streamKey},
	})
	pipe.Publish(ctx, b.DeleteActionChannel(), streamKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark %s for deletion: %w", streamKey, err)
	}
	return nil
}

// GetDeletedDocEntries returns all current tombstones.
func (b *RedisMessageBus) GetDeletedDocEntries(ctx context.Context) ([]DeleteEntry, error) {
	entries, err := b.rdb.XRange(ctx, b.DeleteStreamKey(), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read tombstones: %w", err)
	}
	out := make([]DeleteEntry, 0, len(entries))
	for _, e := range entries {
		id, err := keys.ParseRedisID(e.ID)
		if err != nil {
			return nil, err
		}
		name, ok := e.Values[docNameField].(string)
		if !ok {
			logger.Warn("tombstone_malformed_entry", "id", e.ID)
			continue
		}
		out = append(out, DeleteEntry{ID: id, DocName: name})
	}
	return out, nil
}

// DeleteDeleteDocEntry removes a processed tombstone.
func (b *RedisMessageBus) DeleteDeleteDocEntry(ctx context.Context, id keys.RedisID) error {
	if err := b.rdb.XDel(ctx, b.DeleteStreamKey(), id.String()).Err(); err != nil {
		return fmt.Errorf("delete tombstone %s: %w", id, err)
	}
	return nil
}

// ScanRoomStreams lists every live document stream key under the configured
// prefix. Used by the scheduled sweep.
func (b *RedisMessageBus) ScanRoomStreams(ctx context.Context) ([]string, error) {
	var out []string
	var cursor uint64
	match := b.prefix + ":room:*"
	for {
		batch, next, err := b.rdb.Scan(ctx, cursor, match, 512).Result()
		if err != nil {
			return nil, fmt.Errorf("scan room streams: %w", err)
		}
		out = append(out, batch...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// EnqueueCompactionTask appends a compaction marker for a stream. Duplicate
// markers are tolerated by the worker.
func (b *RedisMessageBus) EnqueueCompactionTask(ctx context.Context, streamKey string) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.WorkerStreamKey(),
		Values: map[string]any{taskField: streamKey},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue compaction task for %s: %w", streamKey, err)
	}
	return nil
}

// Destroy releases the underlying Redis connection.
func (b *RedisMessageBus) Destroy() error {
	return b.rdb.Close()
}

func batchesFromStreams(res []redis.XStream) ([]StreamBatch, error) {
	batches := make([]StreamBatch, 0, len(res))
	for _, s := range res {
		batch := StreamBatch{Stream: s.Stream}
		for _, e := range s.Messages {
			id, err := keys.ParseRedisID(e.ID)
			if err != nil {
				return nil, err
			}
			batch.LastID = id
			if m, ok := messageFromValues(e.Values); ok {
				batch.Messages = append(batch.Messages, m)
			}
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// messageFromValues extracts the raw envelope from a stream entry. Redis
// replies surface the field as string or bytes depending on the client path;
// both are accepted, anything else is skipped with a log line.
func messageFromValues(values map[string]any) ([]byte, bool) {
	switch v := values[messageField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		logger.Warn("stream_entry_without_message_field")
		return nil, false
	}
}
