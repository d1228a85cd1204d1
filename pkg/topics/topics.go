// Package topics implements the broker's subscription store: a wildcard trie
// keyed by topic levels with one subscriber map per node, and the publish-time
// search that fans a topic name out to every matching subscriber.
//
// A broker owns two independent trees: one for normal subscriptions and one
// for shared subscriptions ("$share/<group>/..."). Shared filters are stored
// by their filter levels only; the group name travels on the subscriber entry
// and does not partition the tree.
package topics

import (
	"slices"

	"github.com/tidemq/tidemq/pkg/topic"
)

// Options carries the MQTT v5 subscription options of an entry.
type Options struct {
	// NoLocal suppresses delivery of messages published by the
	// subscribing client itself.
	NoLocal bool

	// RetainAsPublished preserves the publish retain flag on delivery
	// instead of clearing it.
	RetainAsPublished bool

	// RetainHandling controls retained-message delivery on subscribe
	// (0 = always, 1 = only for new subscriptions, 2 = never).
	RetainHandling byte
}

// Subscriber is one client's subscription entry at a trie node.
// There is at most one entry per (node, client); re-subscribing replaces the
// entry in place.
type Subscriber struct {
	// QoS is the granted maximum QoS of this subscription.
	QoS byte

	// IDs holds the MQTT v5 subscription identifiers. A single entry has
	// at most one; search merges entries and unions their identifiers.
	IDs []uint32

	// Options are the v5 subscription options.
	Options Options

	// Group is the shared-subscription group name, empty for normal
	// subscriptions. Informational: delivery does not partition on it.
	Group string
}

func (s *Subscriber) clone() *Subscriber {
	cp := *s
	cp.IDs = slices.Clone(s.IDs)
	return &cp
}

// AddResult reports whether Add created a new entry or replaced an
// existing one.
type AddResult int

const (
	// Added means the client had no entry at this filter before.
	Added AddResult = iota
	// Updated means an existing entry was replaced in place. Callers use
	// this to decide whether to redeliver retained messages.
	Updated
)

// Tree is one subscription trie root. It is not safe for concurrent use;
// the broker serializes access through its event loop.
type Tree struct {
	root *node
}

type node struct {
	children map[string]*node
	matchAny *node // "+" child
	matchAll *node // "#" child
	subs     map[string]*Subscriber
}

// New creates an empty Tree.
func New() *Tree {
	return &Tree{root: &node{}}
}

// Add inserts or replaces the client's entry at the given filter levels.
func (t *Tree) Add(levels topic.Levels, clientID string, sub Subscriber) AddResult {
	return t.root.add(levels, clientID, &sub)
}

// Remove deletes the client's entry at the given filter levels and prunes
// nodes left without children or subscribers. It reports whether an entry
// existed.
func (t *Tree) Remove(levels topic.Levels, clientID string) bool {
	return t.root.remove(levels, clientID)
}

// RemoveAll deletes every entry of the client anywhere in the tree, pruning
// emptied nodes bottom-up, and returns the number of entries removed.
func (t *Tree) RemoveAll(clientID string) int {
	return t.root.removeAll(clientID)
}

// Search walks the tree for a published (wildcard-free) topic and merges all
// matching entries into acc, keyed by client id. A client matched through
// several filters keeps the maximum QoS and the union of subscription ids.
func (t *Tree) Search(levels topic.Levels, acc map[string]*Subscriber) {
	t.root.search(levels, acc)
}

// Walk visits every entry in the tree. The filter string is the entry's
// re-joined topic filter. The subscriber is a snapshot copy.
func (t *Tree) Walk(fn func(filter, clientID string, sub Subscriber)) {
	t.root.walk(nil, fn)
}

// Nodes returns the number of trie nodes, excluding the root. Mainly useful
// for pruning checks in tests.
func (t *Tree) Nodes() int {
	return t.root.nodes()
}

func (n *node) add(levels []string, clientID string, sub *Subscriber) AddResult {
	if len(levels) == 0 {
		if n.subs == nil {
			n.subs = make(map[string]*Subscriber)
		}
		_, existed := n.subs[clientID]
		n.subs[clientID] = sub
		if existed {
			return Updated
		}
		return Added
	}

	switch levels[0] {
	case topic.MatchOne:
		if n.matchAny == nil {
			n.matchAny = &node{}
		}
		return n.matchAny.add(levels[1:], clientID, sub)
	case topic.MatchAll:
		if n.matchAll == nil {
			n.matchAll = &node{}
		}
		return n.matchAll.add(levels[1:], clientID, sub)
	default:
		ch, ok := n.children[levels[0]]
		if !ok {
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			ch = &node{}
			n.children[levels[0]] = ch
		}
		return ch.add(levels[1:], clientID, sub)
	}
}

func (n *node) remove(levels []string, clientID string) bool {
	if len(levels) == 0 {
		if _, ok := n.subs[clientID]; !ok {
			return false
		}
		delete(n.subs, clientID)
		if len(n.subs) == 0 {
			n.subs = nil
		}
		return true
	}

	switch levels[0] {
	case topic.MatchOne:
		if n.matchAny == nil {
			return false
		}
		ok := n.matchAny.remove(levels[1:], clientID)
		if ok && n.matchAny.empty() {
			n.matchAny = nil
		}
		return ok
	case topic.MatchAll:
		if n.matchAll == nil {
			return false
		}
		ok := n.matchAll.remove(levels[1:], clientID)
		if ok && n.matchAll.empty() {
			n.matchAll = nil
		}
		return ok
	default:
		ch, ok := n.children[levels[0]]
		if !ok {
			return false
		}
		removed := ch.remove(levels[1:], clientID)
		if removed && ch.empty() {
			delete(n.children, levels[0])
			if len(n.children) == 0 {
				n.children = nil
			}
		}
		return removed
	}
}

func (n *node) removeAll(clientID string) int {
	count := 0
	if _, ok := n.subs[clientID]; ok {
		delete(n.subs, clientID)
		if len(n.subs) == 0 {
			n.subs = nil
		}
		count++
	}
	for key, ch := range n.children {
		count += ch.removeAll(clientID)
		if ch.empty() {
			delete(n.children, key)
		}
	}
	if len(n.children) == 0 {
		n.children = nil
	}
	if n.matchAny != nil {
		count += n.matchAny.removeAll(clientID)
		if n.matchAny.empty() {
			n.matchAny = nil
		}
	}
	if n.matchAll != nil {
		count += n.matchAll.removeAll(clientID)
		if n.matchAll.empty() {
			n.matchAll = nil
		}
	}
	return count
}

func (n *node) empty() bool {
	return len(n.subs) == 0 && len(n.children) == 0 && n.matchAny == nil && n.matchAll == nil
}

// search implements the publish-time match. A "#" child is a terminal match
// for any remainder and does not consume levels; the node's own subscribers
// match only at exact depth.
func (n *node) search(levels []string, acc map[string]*Subscriber) {
	if n.matchAll != nil {
		merge(acc, n.matchAll.subs)
	}
	if len(levels) == 0 {
		merge(acc, n.subs)
		return
	}
	if n.matchAny != nil {
		n.matchAny.search(levels[1:], acc)
	}
	if ch, ok := n.children[levels[0]]; ok {
		ch.search(levels[1:], acc)
	}
}

func merge(acc map[string]*Subscriber, subs map[string]*Subscriber) {
	for id, s := range subs {
		cur, ok := acc[id]
		if !ok {
			acc[id] = s.clone()
			continue
		}
		if s.QoS > cur.QoS {
			cur.QoS = s.QoS
		}
		cur.IDs = unionIDs(cur.IDs, s.IDs)
	}
}

func unionIDs(a, b []uint32) []uint32 {
	for _, id := range b {
		if !slices.Contains(a, id) {
			a = append(a, id)
		}
	}
	slices.Sort(a)
	return a
}

func (n *node) walk(path []string, fn func(filter, clientID string, sub Subscriber)) {
	for clientID, sub := range n.subs {
		fn(topic.Levels(path).String(), clientID, *sub.clone())
	}
	for key, ch := range n.children {
		ch.walk(append(path, key), fn)
	}
	if n.matchAny != nil {
		n.matchAny.walk(append(path, topic.MatchOne), fn)
	}
	if n.matchAll != nil {
		n.matchAll.walk(append(path, topic.MatchAll), fn)
	}
}

func (n *node) nodes() int {
	count := len(n.children)
	for _, ch := range n.children {
		count += ch.nodes()
	}
	if n.matchAny != nil {
		count += 1 + n.matchAny.nodes()
	}
	if n.matchAll != nil {
		count += 1 + n.matchAll.nodes()
	}
	return count
}
