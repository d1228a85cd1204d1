package broker

import (
	"context"
	"sort"

	"github.com/tidemq/tidemq/pkg/topics"
)

// SubscriberInfo is one subscription entry in a flattened admin snapshot.
type SubscriberInfo struct {
	ClientID string
	Filter   string
	QoS      byte
	Group    string
}

// Devices returns the ids of all currently connected clients, sorted.
func (b *Broker) Devices(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.do(ctx, func() error {
		ids = make([]string, 0, len(b.channels))
		for id := range b.channels {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return nil
	})
	return ids, err
}

// Subscribers returns a raw snapshot of one subscription tree: filter to
// per-client subscriber entries. shared selects the shared root instead of
// the normal one. Entries are copies; mutating them does not touch the tree.
func (b *Broker) Subscribers(ctx context.Context, shared bool) (map[string]map[string]topics.Subscriber, error) {
	tree := b.normal
	if shared {
		tree = b.shared
	}
	out := make(map[string]map[string]topics.Subscriber)
	err := b.do(ctx, func() error {
		tree.Walk(func(filter, clientID string, sub topics.Subscriber) {
			m := out[filter]
			if m == nil {
				m = make(map[string]topics.Subscriber)
				out[filter] = m
			}
			m[clientID] = sub
		})
		return nil
	})
	return out, err
}

// FlatSubscribers returns a flattened snapshot of one subscription tree, one
// entry per (filter, client). Ordering follows the tree walk and is not
// stable across calls.
func (b *Broker) FlatSubscribers(ctx context.Context, shared bool) ([]SubscriberInfo, error) {
	tree := b.normal
	if shared {
		tree = b.shared
	}
	var out []SubscriberInfo
	err := b.do(ctx, func() error {
		tree.Walk(func(filter, clientID string, sub topics.Subscriber) {
			out = append(out, SubscriberInfo{
				ClientID: clientID,
				Filter:   filter,
				QoS:      sub.QoS,
				Group:    sub.Group,
			})
		})
		return nil
	})
	return out, err
}
