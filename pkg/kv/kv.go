// Package kv provides a key-value store with hierarchical path-based keys.
// Keys are represented as string slices (e.g., ["q", "dev-1", "r", "00000001"])
// and encoded internally using a configurable separator (default ':').
//
// Listing is lexicographic by encoded key, so fixed-width segments (zero-padded
// numbers) iterate in numeric order. ListFrom supports resuming a scan from a
// known key, which the durable queue uses for its checkpoint.
//
// The package includes a BadgerDB-backed implementation for production use and
// an in-memory implementation for testing.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical path represented as a slice of string segments.
// Segments may contain any bytes; separator and escape bytes are escaped in
// the encoded form so segment boundaries survive round-trips and prefix scans
// never cross into a sibling whose segment merely starts the same way.
type Key []string

// String returns the key as a human-readable string using ':' as separator.
// This is for display/debug only; use Options.encode for storage encoding.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Append returns a new Key with the given segments appended.
// The receiver is not modified.
func (k Key) Append(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	out = append(out, k...)
	return append(out, segs...)
}

// Entry is a key-value pair returned by List and used by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the interface for a key-value store with path-based keys.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair. Overwrites any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries whose key starts with the given prefix,
	// in lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// ListFrom iterates like List but starts at the first key >= from.
	// from must itself be under prefix; a nil from is equivalent to List.
	ListFrom(ctx context.Context, prefix, from Key) iter.Seq2[Entry, error]

	// BatchSet atomically stores multiple key-value pairs.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete atomically removes multiple keys.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases any resources held by the store.
	Close() error
}

// DefaultSeparator is the default separator byte used to encode key segments.
const DefaultSeparator byte = ':'

// Options configures store behavior.
type Options struct {
	// Separator is the byte used to join key segments when encoding to
	// storage. Default is ':' if zero.
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// escapeByte prefixes separator or escape bytes occurring inside a segment.
const escapeByte byte = '\\'

// encode converts a Key to its byte representation: segments joined by the
// separator, with separator and escape bytes inside a segment escaped. A
// segment containing the separator therefore never collides with a segment
// boundary (client ids are caller-supplied and may contain anything).
func (o *Options) encode(k Key) []byte {
	s := o.sep()
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, s)
		}
		for j := 0; j < len(seg); j++ {
			c := seg[j]
			if c == s || c == escapeByte {
				buf = append(buf, escapeByte)
			}
			buf = append(buf, c)
		}
	}
	return buf
}

// decode converts a byte representation back to a Key, reversing the
// escaping applied by encode.
func (o *Options) decode(b []byte) Key {
	s := o.sep()
	var k Key
	var seg []byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case c == escapeByte && i+1 < len(b):
			i++
			seg = append(seg, b[i])
		case c == s:
			k = append(k, string(seg))
			seg = seg[:0]
		default:
			seg = append(seg, c)
		}
	}
	return append(k, string(seg))
}

// prefixBytes encodes a prefix for scanning. A trailing separator is appended
// so "a:b" does not match "a:bc". An empty prefix scans everything.
func (o *Options) prefixBytes(prefix Key) []byte {
	p := o.encode(prefix)
	if len(p) == 0 {
		return nil
	}
	return append(p, o.sep())
}
