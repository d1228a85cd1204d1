package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemq/tidemq/pkg/kv"
	"github.com/tidemq/tidemq/pkg/topics"
)

// Client is the persistent identity record of a device.
type Client struct {
	ID string `msgpack:"id"`

	// Groups are administrative group memberships.
	Groups []string `msgpack:"g,omitempty"`

	// Enabled gates connects; a disabled client is rejected.
	Enabled bool `msgpack:"en"`

	// Assigned marks a client auto-created with a broker-assigned id.
	// Such clients are deleted again when their session ends with
	// clean start.
	Assigned bool `msgpack:"as,omitempty"`

	Settings map[string]string `msgpack:"set,omitempty"`
}

// SubRecord is one persisted subscription of a session, kept so the trie can
// be rebuilt after a broker restart.
type SubRecord struct {
	Filter            string `msgpack:"f"`
	QoS               byte   `msgpack:"q"`
	ID                uint32 `msgpack:"sid,omitempty"`
	NoLocal           bool   `msgpack:"nl,omitempty"`
	RetainAsPublished bool   `msgpack:"rap,omitempty"`
	RetainHandling    byte   `msgpack:"rh,omitempty"`
}

func (r *SubRecord) options() topics.Options {
	return topics.Options{
		NoLocal:           r.NoLocal,
		RetainAsPublished: r.RetainAsPublished,
		RetainHandling:    r.RetainHandling,
	}
}

// Session is the persistent session record. The live channel reference is
// in-memory state of the broker, not part of the record.
type Session struct {
	ID             string          `msgpack:"id"`
	Proto          ProtocolVersion `msgpack:"v"`
	CleanStart     bool            `msgpack:"cs"`
	KeepAlive      uint16          `msgpack:"ka"`
	ExpiryInterval uint32          `msgpack:"exp"`
	Connected      bool            `msgpack:"conn"`

	// NextMsgID is the outbound message-id counter, carried across
	// reconnects when the session is resumed.
	NextMsgID uint16 `msgpack:"mid"`

	Subs []SubRecord `msgpack:"subs,omitempty"`
	Will *Will       `msgpack:"will,omitempty"`
}

// nextMsgID returns the next outbound message id, skipping 0.
func (s *Session) nextMsgID() uint16 {
	s.NextMsgID++
	if s.NextMsgID == 0 {
		s.NextMsgID = 1
	}
	return s.NextMsgID
}

// setSub inserts or replaces the subscription record for a filter.
func (s *Session) setSub(rec SubRecord) {
	for i := range s.Subs {
		if s.Subs[i].Filter == rec.Filter {
			s.Subs[i] = rec
			return
		}
	}
	s.Subs = append(s.Subs, rec)
}

// removeSub deletes the subscription record for a filter, reporting whether
// it existed.
func (s *Session) removeSub(filter string) bool {
	for i := range s.Subs {
		if s.Subs[i].Filter == filter {
			s.Subs = append(s.Subs[:i], s.Subs[i+1:]...)
			return true
		}
	}
	return false
}

// Record key layout:
//
//	c:<id> -> Client
//	s:<id> -> Session

func clientKey(id string) kv.Key  { return kv.Key{"c", id} }
func sessionKey(id string) kv.Key { return kv.Key{"s", id} }

func (b *Broker) loadClient(ctx context.Context, id string) (*Client, error) {
	raw, err := b.store.Get(ctx, clientKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: load client %q: %w", id, err)
	}
	var c Client
	if err := msgpack.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("broker: decode client %q: %w", id, err)
	}
	return &c, nil
}

func (b *Broker) saveClient(ctx context.Context, c *Client) error {
	raw, err := msgpack.Marshal(c)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, clientKey(c.ID), raw); err != nil {
		return fmt.Errorf("broker: save client %q: %w", c.ID, err)
	}
	return nil
}

func (b *Broker) deleteClient(ctx context.Context, id string) error {
	return b.store.Delete(ctx, clientKey(id))
}

func (b *Broker) loadSession(ctx context.Context, id string) (*Session, error) {
	raw, err := b.store.Get(ctx, sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: load session %q: %w", id, err)
	}
	var s Session
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("broker: decode session %q: %w", id, err)
	}
	return &s, nil
}

func (b *Broker) saveSession(ctx context.Context, s *Session) error {
	raw, err := msgpack.Marshal(s)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, sessionKey(s.ID), raw); err != nil {
		return fmt.Errorf("broker: save session %q: %w", s.ID, err)
	}
	return nil
}

func (b *Broker) deleteSession(ctx context.Context, id string) error {
	return b.store.Delete(ctx, sessionKey(id))
}
