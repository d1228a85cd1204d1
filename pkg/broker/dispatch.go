package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemq/tidemq/pkg/queue"
	"github.com/tidemq/tidemq/pkg/topic"
	"github.com/tidemq/tidemq/pkg/topics"
)

// ConnectAck is the outcome of OnOpen handed back to the protocol adapter.
type ConnectAck struct {
	// ClientID is the effective client id, broker-assigned when the
	// request carried none.
	ClientID string

	// SessionPresent drives the CONNACK session-present bit: true when a
	// stored session was resumed.
	SessionPresent bool
}

// OnOpen processes a decoded CONNECT.
func (b *Broker) OnOpen(ctx context.Context, req *ConnectRequest) (*ConnectAck, error) {
	var ack *ConnectAck
	err := b.do(ctx, func() error {
		var err error
		ack, err = b.onOpen(ctx, req)
		return err
	})
	return ack, err
}

// OnClose processes a decoded DISCONNECT or a connection loss.
func (b *Broker) OnClose(ctx context.Context, req *CloseRequest) error {
	return b.do(ctx, func() error { return b.onClose(ctx, req) })
}

// Subscribe processes a SUBSCRIBE batch and returns one reason byte per
// filter. A failing filter never aborts the rest of the batch.
func (b *Broker) Subscribe(ctx context.Context, clientID string, filters []SubscribeFilter) ([]byte, error) {
	var codes []byte
	err := b.do(ctx, func() error {
		var err error
		codes, err = b.subscribe(ctx, clientID, filters)
		return err
	})
	return codes, err
}

// Unsubscribe processes an UNSUBSCRIBE batch and returns one reason byte per
// filter (ReasonNoSubscription for filters that were not subscribed).
func (b *Broker) Unsubscribe(ctx context.Context, clientID string, filters []string) ([]byte, error) {
	var codes []byte
	err := b.do(ctx, func() error {
		var err error
		codes, err = b.unsubscribe(ctx, clientID, filters)
		return err
	})
	return codes, err
}

// Publish fans a decoded PUBLISH out to all matching subscribers and returns
// how many received or were queued for the message. Zero matches is not an
// error.
func (b *Broker) Publish(ctx context.Context, msg *PublishMessage) (int, error) {
	var count int
	err := b.do(ctx, func() error {
		var err error
		count, err = b.publish(ctx, msg)
		return err
	})
	return count, err
}

// Ack acknowledges a queued outbound message, clearing its pending flag.
func (b *Broker) Ack(ctx context.Context, clientID string, msgID uint16) error {
	return b.do(ctx, func() error { return b.ack(ctx, clientID, msgID) })
}

func (b *Broker) onOpen(ctx context.Context, req *ConnectRequest) (*ConnectAck, error) {
	if !b.auth.Authenticate(req.ClientID, req.Username, req.Password) {
		return nil, ErrNotAuthorized
	}

	id := req.ClientID
	assigned := false
	if id == "" {
		id = uuid.NewString()
		assigned = true
	}

	client, err := b.loadClient(ctx, id)
	if err != nil {
		return nil, err
	}
	if client == nil {
		if !b.cfg.AutoCreate {
			return nil, ErrClientNotAllowed
		}
		client = &Client{ID: id, Enabled: true, Assigned: assigned}
		if err := b.saveClient(ctx, client); err != nil {
			return nil, err
		}
		slog.Info("broker: client created", "clientID", id, "assigned", assigned)
	} else if !client.Enabled {
		return nil, ErrClientNotAllowed
	}

	sess, err := b.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	resumed := false
	if sess != nil {
		if old := b.channels[id]; old != nil && old != req.Channel {
			old.Disconnect("session taken over")
			delete(b.channels, id)
			slog.Info("broker: session taken over", "clientID", id)
		}
		if !req.CleanStart && resumable(sess) {
			resumed = true
		} else {
			if err := b.wipeSession(ctx, id); err != nil {
				return nil, err
			}
			sess = nil
		}
	}

	next := &Session{
		ID:             id,
		Proto:          req.Proto,
		CleanStart:     req.CleanStart,
		KeepAlive:      req.KeepAlive,
		ExpiryInterval: req.ExpiryInterval,
		Connected:      true,
		Will:           req.Will,
	}
	if resumed {
		next.NextMsgID = sess.NextMsgID
		next.Subs = sess.Subs
	}
	if err := b.saveSession(ctx, next); err != nil {
		return nil, err
	}
	b.channels[id] = req.Channel

	q, err := b.queues.Open(ctx, id, b.queueOpts())
	if err != nil {
		return nil, err
	}
	if resumed {
		if err := q.Load(ctx); err != nil {
			return nil, err
		}
		b.redeliver(ctx, q, req.Channel)
	}

	slog.Info("broker: client connected", "clientID", id,
		"version", req.Proto.String(), "resumed", resumed)
	return &ConnectAck{ClientID: id, SessionPresent: resumed}, nil
}

// resumable reports whether a stored session survives a clean-start=false
// reconnect. MQTT 5 sessions need a positive expiry interval; 3.1.1 sessions
// persist on the clean-session flag alone.
func resumable(s *Session) bool {
	if s.Proto >= ProtocolV5 {
		return s.ExpiryInterval > 0
	}
	return true
}

// wipeSession discards a stored session: its record, its subscriptions in
// both trees, and its durable queue.
func (b *Broker) wipeSession(ctx context.Context, id string) error {
	b.normal.RemoveAll(id)
	b.shared.RemoveAll(id)
	if err := b.deleteSession(ctx, id); err != nil {
		return err
	}
	return b.queues.Drop(ctx, id)
}

// redeliver pushes every still-pending queued message to a freshly resumed
// channel, flagged as duplicates. Acks will unload them.
func (b *Broker) redeliver(ctx context.Context, q *queue.Queue, ch Channel) {
	for _, m := range q.Pending() {
		if err := m.Materialize(ctx); err != nil {
			continue
		}
		var env Envelope
		if err := msgpack.Unmarshal(m.Payload, &env); err != nil {
			slog.Warn("broker: undecodable queued message",
				"queue", q.ID(), "rowid", m.RowID, "error", err)
			continue
		}
		env.Dup = true
		if err := ch.Send(&env); err != nil {
			slog.Warn("broker: redelivery failed", "queue", q.ID(), "error", err)
			return
		}
		m.Marks |= queue.MarkSent
	}
}

func (b *Broker) onClose(ctx context.Context, req *CloseRequest) error {
	id := req.ClientID

	// A close from a channel that has already been replaced by a
	// takeover must not touch the successor's session.
	if cur, ok := b.channels[id]; ok && req.Channel != nil && cur != req.Channel {
		slog.Debug("broker: stale close ignored", "clientID", id)
		return nil
	}

	sess, err := b.loadSession(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		delete(b.channels, id)
		return nil
	}

	if sess.CleanStart {
		if err := b.wipeSession(ctx, id); err != nil {
			return err
		}
		client, err := b.loadClient(ctx, id)
		if err != nil {
			return err
		}
		if client != nil && client.Assigned {
			if err := b.deleteClient(ctx, id); err != nil {
				return err
			}
			slog.Info("broker: assigned client removed", "clientID", id)
		}
		delete(b.channels, id)
	} else {
		delete(b.channels, id)
		sess.Connected = false
		if err := b.saveSession(ctx, sess); err != nil {
			return err
		}
	}

	slog.Info("broker: client disconnected", "clientID", id, "clean", sess.CleanStart)
	return nil
}

func (b *Broker) subscribe(ctx context.Context, clientID string, filters []SubscribeFilter) ([]byte, error) {
	codes := make([]byte, len(filters))

	sess, err := b.loadSession(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		slog.Warn("broker: subscribe without session", "clientID", clientID)
		for i := range codes {
			codes[i] = ReasonUnspecifiedError
		}
		return codes, nil
	}

	changed := false
	for i, f := range filters {
		if !b.auth.ACL(clientID, f.Filter, false) {
			slog.Debug("broker: acl denied subscribe", "clientID", clientID, "filter", f.Filter)
			codes[i] = ReasonNotAuthorized
			continue
		}
		levels, group, err := topic.SplitFilter(f.Filter)
		if err != nil {
			codes[i] = ReasonTopicFilterInvalid
			continue
		}

		sub := topics.Subscriber{QoS: f.QoS, Options: f.Options, Group: group}
		if f.ID > 0 {
			sub.IDs = []uint32{f.ID}
		}
		res := b.tree(group).Add(levels, clientID, sub)

		sess.setSub(SubRecord{
			Filter:            f.Filter,
			QoS:               f.QoS,
			ID:                f.ID,
			NoLocal:           f.Options.NoLocal,
			RetainAsPublished: f.Options.RetainAsPublished,
			RetainHandling:    f.Options.RetainHandling,
		})
		changed = true
		codes[i] = f.QoS
		slog.Debug("broker: subscribed", "clientID", clientID,
			"filter", f.Filter, "updated", res == topics.Updated)
	}

	if changed {
		if err := b.saveSession(ctx, sess); err != nil {
			return nil, err
		}
	}
	return codes, nil
}

func (b *Broker) unsubscribe(ctx context.Context, clientID string, filters []string) ([]byte, error) {
	codes := make([]byte, len(filters))

	sess, err := b.loadSession(ctx, clientID)
	if err != nil {
		return nil, err
	}

	changed := false
	for i, f := range filters {
		levels, group, err := topic.SplitFilter(f)
		if err != nil {
			codes[i] = ReasonTopicFilterInvalid
			continue
		}
		if !b.tree(group).Remove(levels, clientID) {
			codes[i] = ReasonNoSubscription
			continue
		}
		if sess != nil && sess.removeSub(f) {
			changed = true
		}
		codes[i] = 0x00
		slog.Debug("broker: unsubscribed", "clientID", clientID, "filter", f)
	}

	if changed {
		if err := b.saveSession(ctx, sess); err != nil {
			return nil, err
		}
	}
	return codes, nil
}

func (b *Broker) publish(ctx context.Context, msg *PublishMessage) (int, error) {
	levels, err := topic.SplitName(msg.Topic)
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixNano()
	count := 0

	matches := make(map[string]*topics.Subscriber)
	b.normal.Search(levels, matches)
	for clientID, sub := range matches {
		if sub.Options.NoLocal && clientID == msg.ClientID {
			continue
		}
		n, err := b.send(ctx, clientID, sub, msg, now)
		if err != nil {
			return count, err
		}
		count += n
	}

	// Shared subscriptions: exactly one recipient per publish, first
	// entry encountered. No fairness guarantee.
	sharedMatches := make(map[string]*topics.Subscriber)
	b.shared.Search(levels, sharedMatches)
	for clientID, sub := range sharedMatches {
		if sub.Options.NoLocal && clientID == msg.ClientID {
			continue
		}
		n, err := b.send(ctx, clientID, sub, msg, now)
		if err != nil {
			return count, err
		}
		count += n
		break
	}

	if b.cfg.Handler != nil {
		b.cfg.Handler.HandleMessage(msg.ClientID, msg)
	}
	return count, nil
}

// send delivers one match: live channel when connected, durable queue for
// QoS >= 1 otherwise. Returns 1 when the message was sent or queued.
func (b *Broker) send(ctx context.Context, clientID string, sub *topics.Subscriber, msg *PublishMessage, now int64) (int, error) {
	sess, err := b.loadSession(ctx, clientID)
	if err != nil {
		return 0, err
	}
	if sess == nil {
		slog.Warn("broker: match without session", "clientID", clientID)
		return 0, nil
	}

	qos := msg.QoS
	if sub.QoS < qos {
		qos = sub.QoS
	}
	retain := false
	if sub.Options.RetainAsPublished {
		retain = msg.Retain
	}

	env := &Envelope{
		Topic:           msg.Topic,
		Payload:         msg.Payload,
		QoS:             qos,
		Retain:          retain,
		Expiry:          msg.Expiry,
		Timestamp:       now,
		SubscriptionIDs: sub.IDs,
	}
	if qos > 0 {
		env.MsgID = sess.nextMsgID()
		if err := b.saveSession(ctx, sess); err != nil {
			return 0, err
		}
	}

	if ch := b.channels[clientID]; ch != nil {
		if err := ch.Send(env); err == nil {
			return 1, nil
		}
		slog.Warn("broker: live send failed", "clientID", clientID)
		// Fall through: a QoS >= 1 message survives in the queue.
	}
	if qos == 0 {
		// Best effort only; never queued.
		return 0, nil
	}

	q, err := b.queues.Open(ctx, clientID, b.queueOpts())
	if err != nil {
		return 0, err
	}
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return 0, err
	}
	if _, err := q.Append(ctx, now, env.MsgID, payload, 0); err != nil {
		return 0, err
	}
	slog.Debug("broker: queued", "clientID", clientID, "topic", msg.Topic, "msgID", env.MsgID)
	return 1, nil
}

func (b *Broker) ack(ctx context.Context, clientID string, msgID uint16) error {
	q := b.queues.Get(clientID)
	if q == nil {
		return nil
	}
	m := q.ByID(msgID)
	if m == nil {
		slog.Debug("broker: ack without pending message", "clientID", clientID, "msgID", msgID)
		return nil
	}
	return q.Unload(ctx, m, 0)
}

func (b *Broker) queueOpts() queue.Options {
	return queue.Options{
		MaxInflight: b.cfg.MaxInflight,
		BackupSize:  b.cfg.BackupSize,
	}
}
