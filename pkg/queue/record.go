package queue

import (
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemq/tidemq/pkg/kv"
)

// Flags are persisted per-record user flags.
type Flags uint32

const (
	// FlagPending marks a record as not yet delivered/acknowledged.
	// Cleared in place by Unload; the record itself is removed only by
	// backup rotation.
	FlagPending Flags = 1 << 0
)

// Soft marks carried on in-memory Message handles. Never persisted.
const (
	// MarkSent notes that the handle was handed to a live channel and is
	// awaiting acknowledgment.
	MarkSent uint32 = 1 << 0
)

// record is the on-disk shape of one queue entry.
type record struct {
	MsgID     uint16 `msgpack:"id"`
	Timestamp int64  `msgpack:"ts"`
	Flags     Flags  `msgpack:"f"`
	Payload   []byte `msgpack:"p"`
}

func (r *record) encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

func decodeRecord(b []byte) (*record, error) {
	var r record
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("queue: decode record: %w", err)
	}
	return &r, nil
}

// meta is the per-stream variable record: the append cursor, the
// first-pending checkpoint, the physical record count, and the optional
// rotation threshold.
type meta struct {
	NextRowID    uint64 `msgpack:"next"`
	FirstPending uint64 `msgpack:"fp"`
	Size         uint64 `msgpack:"size"`
	BackupSize   uint64 `msgpack:"backup,omitempty"`
}

func (m *meta) encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

func decodeMeta(b []byte) (*meta, error) {
	var m meta
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("queue: decode meta: %w", err)
	}
	return &m, nil
}

// Key layout (fixed-width hex keeps kv iteration in rowid order):
//
//	q:<id>:r:<rowid-16hex> -> record
//	q:<id>:m               -> meta

func queuePrefix(id string) kv.Key {
	return kv.Key{"q", id}
}

func recordPrefix(id string) kv.Key {
	return kv.Key{"q", id, "r"}
}

func recordKey(id string, rowid uint64) kv.Key {
	return kv.Key{"q", id, "r", formatRowID(rowid)}
}

func metaKey(id string) kv.Key {
	return kv.Key{"q", id, "m"}
}

func formatRowID(rowid uint64) string {
	return fmt.Sprintf("%016x", rowid)
}

func parseRowID(seg string) (uint64, error) {
	return strconv.ParseUint(seg, 16, 64)
}
