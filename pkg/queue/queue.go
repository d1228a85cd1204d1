// Package queue implements the broker's durable per-client delivery queue: an
// append-only, rowid-ordered record stream over a kv.Store with a persisted
// PENDING flag per record, a first-pending checkpoint so reloads skip
// delivered history, and bounded backup rotation.
//
// In memory each open queue keeps two lists of Message handles: inflight
// (payload resident, bounded by MaxInflight) and queued (metadata only,
// payload re-read from storage on demand).
//
// Queues are not safe for concurrent use; the broker serializes all access
// through its event loop.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidemq/tidemq/pkg/kv"
)

// ErrNotFound is returned by Materialize when the backing record is gone.
var ErrNotFound = errors.New("queue: record not found")

// Options configures a queue at Open time.
type Options struct {
	// MaxInflight bounds how many handles keep their payload resident.
	// Zero means DefaultMaxInflight.
	MaxInflight int

	// BackupSize is the physical record count that triggers rotation on
	// CheckBackup. Zero disables rotation.
	BackupSize uint64
}

// DefaultMaxInflight is the inflight list bound used when Options.MaxInflight
// is zero.
const DefaultMaxInflight = 32

// Message is the in-memory handle for one queue record.
type Message struct {
	// RowID is the record's position in the stream.
	RowID uint64

	// MsgID is the MQTT message id carried by the record.
	MsgID uint16

	// Timestamp is the record's append time in unix nanoseconds.
	Timestamp int64

	// Flags is the persisted flag set as of the last read.
	Flags Flags

	// Payload is the stored payload, nil for metadata-only handles.
	// Use Materialize to populate it.
	Payload []byte

	// Marks is a soft in-memory bitmask (see MarkSent). Never persisted.
	Marks uint32

	// Inflight reports which list the handle was last found in.
	Inflight bool

	q *Queue
}

// Queue is one client/direction record stream.
type Queue struct {
	id    string
	store kv.Store

	maxInflight int
	backupSize  uint64

	nextRowID    uint64
	firstPending uint64
	size         uint64

	inflight []*Message
	queued   []*Message
}

// Manager owns the open queue handles of one broker and their backing store.
type Manager struct {
	store  kv.Store
	queues map[string]*Queue
}

// NewManager creates a Manager on the given store.
func NewManager(store kv.Store) *Manager {
	return &Manager{
		store:  store,
		queues: make(map[string]*Queue),
	}
}

// Open returns the queue for id, creating its backing stream if absent.
// Opening an already-open queue is a no-op returning the same handle.
func (m *Manager) Open(ctx context.Context, id string, opts Options) (*Queue, error) {
	if q, ok := m.queues[id]; ok {
		return q, nil
	}

	q := &Queue{
		id:          id,
		store:       m.store,
		maxInflight: opts.MaxInflight,
		backupSize:  opts.BackupSize,
	}
	if q.maxInflight <= 0 {
		q.maxInflight = DefaultMaxInflight
	}

	raw, err := m.store.Get(ctx, metaKey(id))
	switch {
	case errors.Is(err, kv.ErrNotFound):
		if err := q.writeMeta(ctx); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("queue: open %q: %w", id, err)
	default:
		mt, err := decodeMeta(raw)
		if err != nil {
			return nil, err
		}
		q.nextRowID = mt.NextRowID
		q.firstPending = mt.FirstPending
		q.size = mt.Size
		if q.backupSize == 0 {
			q.backupSize = mt.BackupSize
		}
	}

	m.queues[id] = q
	return q, nil
}

// Get returns the open handle for id, or nil.
func (m *Manager) Get(id string) *Queue {
	return m.queues[id]
}

// Drop closes the queue and deletes its entire backing stream. Used when a
// clean-start session discards a client's outbound state.
func (m *Manager) Drop(ctx context.Context, id string) error {
	delete(m.queues, id)

	var keys []kv.Key
	for e, err := range m.store.List(ctx, queuePrefix(id)) {
		if err != nil {
			return fmt.Errorf("queue: drop %q: %w", id, err)
		}
		keys = append(keys, e.Key)
	}
	if len(keys) == 0 {
		return nil
	}
	return m.store.BatchDelete(ctx, keys)
}

// Each calls fn for every open queue. Used by the maintenance tick.
func (m *Manager) Each(fn func(*Queue)) {
	for _, q := range m.queues {
		fn(q)
	}
}

// ID returns the queue id.
func (q *Queue) ID() string { return q.id }

// InflightLen returns the size of the inflight list.
func (q *Queue) InflightLen() int { return len(q.inflight) }

// QueuedLen returns the size of the queued (metadata-only) list.
func (q *Queue) QueuedLen() int { return len(q.queued) }

// Size returns the physical record count of the backing stream.
func (q *Queue) Size() uint64 { return q.size }

// Checkpoint returns the persisted first-pending rowid, the point future
// loads scan from.
func (q *Queue) Checkpoint() uint64 { return q.firstPending }

// Append persists payload tagged extra|FlagPending and returns its in-memory
// handle. ts == 0 means now. The handle keeps the payload resident and joins
// the inflight list while there is room, otherwise it is metadata-only in
// the queued list.
func (q *Queue) Append(ctx context.Context, ts int64, msgID uint16, payload []byte, extra Flags) (*Message, error) {
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	rowid := q.nextRowID
	rec := &record{
		MsgID:     msgID,
		Timestamp: ts,
		Flags:     extra | FlagPending,
		Payload:   payload,
	}

	recBytes, err := rec.encode()
	if err != nil {
		return nil, err
	}
	q.nextRowID++
	q.size++
	metaBytes, err := q.metaBytes()
	if err != nil {
		q.nextRowID--
		q.size--
		return nil, err
	}
	err = q.store.BatchSet(ctx, []kv.Entry{
		{Key: recordKey(q.id, rowid), Value: recBytes},
		{Key: metaKey(q.id), Value: metaBytes},
	})
	if err != nil {
		q.nextRowID--
		q.size--
		return nil, fmt.Errorf("queue: append %q: %w", q.id, err)
	}

	msg := &Message{
		RowID:     rowid,
		MsgID:     msgID,
		Timestamp: ts,
		Flags:     rec.Flags,
		q:         q,
	}
	if len(q.inflight) < q.maxInflight {
		msg.Payload = payload
		msg.Inflight = true
		q.inflight = append(q.inflight, msg)
	} else {
		q.queued = append(q.queued, msg)
	}
	return msg, nil
}

// Load rebuilds the in-memory lists from records still marked pending,
// scanning from the first-pending checkpoint. Handles are metadata-only;
// the checkpoint is advanced to the lowest pending rowid found (or to the
// stream end when nothing is pending) and persisted.
func (q *Queue) Load(ctx context.Context) error {
	q.inflight = q.inflight[:0]
	q.queued = q.queued[:0]

	newFirst := q.nextRowID
	found := false

	from := recordKey(q.id, q.firstPending)
	for e, err := range q.store.ListFrom(ctx, recordPrefix(q.id), from) {
		if err != nil {
			return fmt.Errorf("queue: load %q: %w", q.id, err)
		}
		rowid, err := parseRowID(e.Key[len(e.Key)-1])
		if err != nil {
			slog.Warn("queue: skipping malformed record key", "queue", q.id, "key", e.Key.String())
			continue
		}
		rec, err := decodeRecord(e.Value)
		if err != nil {
			return err
		}
		if rec.Flags&FlagPending == 0 {
			continue
		}
		if !found {
			newFirst = rowid
			found = true
		}
		msg := &Message{
			RowID:     rowid,
			MsgID:     rec.MsgID,
			Timestamp: rec.Timestamp,
			Flags:     rec.Flags,
			q:         q,
		}
		if len(q.inflight) < q.maxInflight {
			msg.Inflight = true
			q.inflight = append(q.inflight, msg)
		} else {
			q.queued = append(q.queued, msg)
		}
	}

	if newFirst != q.firstPending {
		q.firstPending = newFirst
		if err := q.writeMeta(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Unload clears the record's PENDING flag on disk and drops the in-memory
// handle from whichever list holds it. The record stays in the stream until
// rotation removes it. reason is recorded in the log only.
func (q *Queue) Unload(ctx context.Context, msg *Message, reason byte) error {
	key := recordKey(q.id, msg.RowID)
	raw, err := q.store.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		slog.Warn("queue: unload of missing record", "queue", q.id, "rowid", msg.RowID)
	case err != nil:
		return fmt.Errorf("queue: unload %q: %w", q.id, err)
	default:
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		rec.Flags &^= FlagPending
		recBytes, err := rec.encode()
		if err != nil {
			return err
		}
		if err := q.store.Set(ctx, key, recBytes); err != nil {
			return fmt.Errorf("queue: unload %q: %w", q.id, err)
		}
		msg.Flags = rec.Flags
	}

	q.removeHandle(msg)

	// Unloading the head moves the scan start past it. Everything below
	// the checkpoint is already delivered, so rowid+1 stays a valid lower
	// bound for the lowest pending record.
	if msg.RowID == q.firstPending {
		q.firstPending = msg.RowID + 1
		if err := q.writeMeta(ctx); err != nil {
			return err
		}
	}

	slog.Debug("queue: unloaded", "queue", q.id, "rowid", msg.RowID, "reason", reason)
	return nil
}

// ByID returns the in-memory handle with the given message id, scanning the
// inflight list before the queued list, or nil. The handle's Inflight flag
// is set to the list it was found in.
func (q *Queue) ByID(msgID uint16) *Message {
	return q.find(func(m *Message) bool { return m.MsgID == msgID })
}

// ByRowID returns the in-memory handle at the given rowid, or nil. The
// handle's Inflight flag is set to the list it was found in.
func (q *Queue) ByRowID(rowid uint64) *Message {
	return q.find(func(m *Message) bool { return m.RowID == rowid })
}

func (q *Queue) find(match func(*Message) bool) *Message {
	for _, m := range q.inflight {
		if match(m) {
			m.Inflight = true
			return m
		}
	}
	for _, m := range q.queued {
		if match(m) {
			m.Inflight = false
			return m
		}
	}
	return nil
}

// Pending returns the in-memory handles in rowid order, inflight first.
// The broker walks this on session resume to redeliver.
func (q *Queue) Pending() []*Message {
	out := make([]*Message, 0, len(q.inflight)+len(q.queued))
	out = append(out, q.inflight...)
	return append(out, q.queued...)
}

// CheckBackup rotates the stream once its physical record count reaches the
// configured backup size: delivered (non-pending) records are deleted and
// the checkpoint resets to zero. A call under the threshold is a no-op, so
// it is safe to invoke from every maintenance tick.
func (q *Queue) CheckBackup(ctx context.Context) error {
	if q.backupSize == 0 || q.size < q.backupSize {
		return nil
	}

	checkpoint := q.firstPending
	var victims []kv.Key
	for e, err := range q.store.List(ctx, recordPrefix(q.id)) {
		if err != nil {
			return fmt.Errorf("queue: backup %q: %w", q.id, err)
		}
		rec, err := decodeRecord(e.Value)
		if err != nil {
			return err
		}
		if rec.Flags&FlagPending == 0 {
			victims = append(victims, e.Key)
		}
	}
	if len(victims) > 0 {
		if err := q.store.BatchDelete(ctx, victims); err != nil {
			return fmt.Errorf("queue: backup %q: %w", q.id, err)
		}
	}

	q.size -= uint64(len(victims))
	q.firstPending = 0
	if err := q.writeMeta(ctx); err != nil {
		return err
	}

	slog.Info("queue: rotated", "queue", q.id,
		"checkpoint", checkpoint, "removed", len(victims), "remaining", q.size)
	return nil
}

// Materialize re-reads the payload of a metadata-only handle. A missing
// backing record is logged and reported as ErrNotFound, never a panic.
func (msg *Message) Materialize(ctx context.Context) error {
	if msg.Payload != nil {
		return nil
	}
	q := msg.q
	raw, err := q.store.Get(ctx, recordKey(q.id, msg.RowID))
	if errors.Is(err, kv.ErrNotFound) {
		slog.Warn("queue: materialize of missing record", "queue", q.id, "rowid", msg.RowID)
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("queue: materialize %q: %w", q.id, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	msg.Payload = rec.Payload
	msg.Flags = rec.Flags
	return nil
}

func (q *Queue) removeHandle(msg *Message) {
	for i, m := range q.inflight {
		if m.RowID == msg.RowID {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			return
		}
	}
	for i, m := range q.queued {
		if m.RowID == msg.RowID {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			return
		}
	}
}

func (q *Queue) metaBytes() ([]byte, error) {
	mt := meta{
		NextRowID:    q.nextRowID,
		FirstPending: q.firstPending,
		Size:         q.size,
		BackupSize:   q.backupSize,
	}
	return mt.encode()
}

func (q *Queue) writeMeta(ctx context.Context) error {
	b, err := q.metaBytes()
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, metaKey(q.id), b); err != nil {
		return fmt.Errorf("queue: write meta %q: %w", q.id, err)
	}
	return nil
}
