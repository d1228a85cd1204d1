// Package broker implements the MQTT broker core: client and session
// lifecycle, the subscription trees, publish fan-out, and offline delivery
// through per-client durable queues.
//
// The broker is a single-threaded actor. All state (the two subscription
// trees, open queue handles, live channel registry) is touched only by the
// event loop; public methods post a request into the mailbox and wait for
// the handler to run to completion. Wire framing, TLS, and the MQTT packet
// codec are the protocol adapter's job — the broker consumes already-decoded
// records and calls back through the Channel interface.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemq/tidemq/pkg/kv"
	"github.com/tidemq/tidemq/pkg/queue"
	"github.com/tidemq/tidemq/pkg/topic"
	"github.com/tidemq/tidemq/pkg/topics"
)

// Config configures a Broker.
type Config struct {
	// Store is the persistent store for client/session records and the
	// durable queues. Required.
	Store kv.Store

	// Authenticator provides authentication and ACL.
	// If nil, all connections are allowed (AllowAll).
	Authenticator Authenticator

	// Handler is called for each message routed by the broker.
	Handler Handler

	// AutoCreate creates a client record on first connect. When false an
	// unknown client id is rejected.
	AutoCreate bool

	// MaxInflight bounds each queue's payload-resident handle list.
	MaxInflight int

	// BackupSize is the per-queue record count that triggers rotation.
	// Zero disables rotation.
	BackupSize uint64

	// TickInterval drives queue backup checks. Zero means DefaultTick.
	TickInterval time.Duration
}

// DefaultTick is the maintenance tick interval used when
// Config.TickInterval is zero.
const DefaultTick = 30 * time.Second

type request struct {
	fn   func() error
	done chan error
}

// Broker is the broker core actor.
type Broker struct {
	cfg  Config
	auth Authenticator

	store  kv.Store
	queues *queue.Manager

	normal *topics.Tree
	shared *topics.Tree

	channels map[string]Channel

	reqCh   chan request
	doneCh  chan struct{}
	stopped chan struct{}
	running atomic.Bool
}

// New creates a Broker on the given configuration. Call Start before use.
func New(cfg Config) *Broker {
	auth := cfg.Authenticator
	if auth == nil {
		auth = AllowAll{}
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTick
	}
	return &Broker{
		cfg:      cfg,
		auth:     auth,
		store:    cfg.Store,
		queues:   queue.NewManager(cfg.Store),
		normal:   topics.New(),
		shared:   topics.New(),
		channels: make(map[string]Channel),
		reqCh:    make(chan request),
		doneCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start restores persisted session subscriptions into the trees and begins
// processing events.
func (b *Broker) Start(ctx context.Context) error {
	if b.running.Swap(true) {
		return fmt.Errorf("broker: already running")
	}
	if err := b.restore(ctx); err != nil {
		return err
	}
	go b.run()
	return nil
}

// Close stops the event loop. Pending requests fail with ErrClosed.
func (b *Broker) Close() error {
	if !b.running.Swap(false) {
		return nil
	}
	close(b.doneCh)
	<-b.stopped
	return nil
}

func (b *Broker) run() {
	defer close(b.stopped)

	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-b.reqCh:
			r.done <- r.fn()
		case <-ticker.C:
			b.tick()
		case <-b.doneCh:
			return
		}
	}
}

// do runs fn inside the event loop and waits for it to complete.
func (b *Broker) do(ctx context.Context, fn func() error) error {
	r := request{fn: fn, done: make(chan error, 1)}
	select {
	case b.reqCh <- r:
	case <-b.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-b.doneCh:
		return ErrClosed
	}
}

// restore rebuilds both subscription trees from persisted session records
// and clears stale connected flags left behind by an unclean shutdown.
func (b *Broker) restore(ctx context.Context) error {
	count := 0
	for e, err := range b.store.List(ctx, kv.Key{"s"}) {
		if err != nil {
			return fmt.Errorf("broker: restore: %w", err)
		}
		var sess Session
		if err := msgpack.Unmarshal(e.Value, &sess); err != nil {
			slog.Warn("broker: skipping undecodable session", "key", e.Key.String(), "error", err)
			continue
		}
		for _, rec := range sess.Subs {
			levels, group, err := topic.SplitFilter(rec.Filter)
			if err != nil {
				slog.Warn("broker: skipping bad stored filter",
					"clientID", sess.ID, "filter", rec.Filter, "error", err)
				continue
			}
			sub := topics.Subscriber{QoS: rec.QoS, Options: rec.options(), Group: group}
			if rec.ID > 0 {
				sub.IDs = []uint32{rec.ID}
			}
			b.tree(group).Add(levels, sess.ID, sub)
			count++
		}
		if sess.Connected {
			sess.Connected = false
			if err := b.saveSession(ctx, &sess); err != nil {
				return err
			}
		}
	}
	if count > 0 {
		slog.Info("broker: restored subscriptions", "count", count)
	}
	return nil
}

// tree selects the shared or normal root from the presence of a group name.
func (b *Broker) tree(group string) *topics.Tree {
	if group != "" {
		return b.shared
	}
	return b.normal
}

// tick runs periodic maintenance: queue backup rotation.
// TODO: session-expiry and will-delay sweeps belong on this tick as well.
func (b *Broker) tick() {
	ctx := context.Background()
	b.queues.Each(func(q *queue.Queue) {
		if err := q.CheckBackup(ctx); err != nil {
			slog.Error("broker: queue backup failed", "queue", q.ID(), "error", err)
		}
	})
}
