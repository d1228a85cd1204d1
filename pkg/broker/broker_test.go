package broker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tidemq/tidemq/pkg/broker"
	"github.com/tidemq/tidemq/pkg/kv"
	"github.com/tidemq/tidemq/pkg/topics"
)

type testChannel struct {
	sent         []*broker.Envelope
	disconnected string
	fail         bool
}

func (c *testChannel) Send(env *broker.Envelope) error {
	if c.fail {
		return errors.New("channel down")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *testChannel) Disconnect(reason string) { c.disconnected = reason }

func newBroker(t *testing.T, store kv.Store, auth broker.Authenticator) *broker.Broker {
	t.Helper()
	b := broker.New(broker.Config{
		Store:         store,
		Authenticator: auth,
		AutoCreate:    true,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func connect(t *testing.T, b *broker.Broker, id string, cleanStart bool) (*testChannel, *broker.ConnectAck) {
	t.Helper()
	ch := &testChannel{}
	ack, err := b.OnOpen(context.Background(), &broker.ConnectRequest{
		ClientID:   id,
		Proto:      broker.ProtocolV4,
		CleanStart: cleanStart,
		Channel:    ch,
	})
	if err != nil {
		t.Fatalf("OnOpen(%q): %v", id, err)
	}
	return ch, ack
}

func subscribe(t *testing.T, b *broker.Broker, id, filter string, qos byte) {
	t.Helper()
	codes, err := b.Subscribe(context.Background(), id, []broker.SubscribeFilter{
		{Filter: filter, QoS: qos},
	})
	if err != nil {
		t.Fatalf("Subscribe(%q, %q): %v", id, filter, err)
	}
	if codes[0] != qos {
		t.Fatalf("Subscribe(%q, %q) code = %#x, want %#x", id, filter, codes[0], qos)
	}
}

func TestPublishLiveAndQueued(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), nil)

	chA, _ := connect(t, b, "A", true)
	subscribe(t, b, "A", "sensor/+", 1)

	chB, _ := connect(t, b, "B", false)
	subscribe(t, b, "B", "sensor/#", 1)
	if err := b.OnClose(ctx, &broker.CloseRequest{ClientID: "B", Channel: chB}); err != nil {
		t.Fatalf("OnClose(B): %v", err)
	}

	count, err := b.Publish(ctx, &broker.PublishMessage{
		ClientID: "pub", Topic: "sensor/temp", Payload: []byte("21"), QoS: 1,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count != 2 {
		t.Fatalf("Publish count = %d, want 2 (one live, one queued)", count)
	}

	if len(chA.sent) != 1 {
		t.Fatalf("A received %d messages, want 1", len(chA.sent))
	}
	env := chA.sent[0]
	if env.Topic != "sensor/temp" || env.QoS != 1 || env.MsgID == 0 {
		t.Fatalf("A envelope = %+v", env)
	}
	if len(chB.sent) != 0 {
		t.Fatal("offline client must not receive a live send")
	}
}

func TestSessionResumeRedelivers(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), nil)

	chB, ack := connect(t, b, "B", false)
	if ack.SessionPresent {
		t.Fatal("first connect must not report session present")
	}
	subscribe(t, b, "B", "jobs/#", 1)
	if err := b.OnClose(ctx, &broker.CloseRequest{ClientID: "B", Channel: chB}); err != nil {
		t.Fatalf("OnClose: %v", err)
	}

	if _, err := b.Publish(ctx, &broker.PublishMessage{Topic: "jobs/1", Payload: []byte("x"), QoS: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	chB2, ack := connect(t, b, "B", false)
	if !ack.SessionPresent {
		t.Fatal("resumed connect must report session present")
	}
	if len(chB2.sent) != 1 {
		t.Fatalf("redelivered %d messages, want 1", len(chB2.sent))
	}
	env := chB2.sent[0]
	if !env.Dup {
		t.Error("redelivery must set the dup flag")
	}
	if env.MsgID == 0 {
		t.Error("queued QoS 1 message lost its id")
	}

	// Acked messages are not redelivered on the next resume.
	if err := b.Ack(ctx, "B", env.MsgID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := b.OnClose(ctx, &broker.CloseRequest{ClientID: "B", Channel: chB2}); err != nil {
		t.Fatalf("OnClose: %v", err)
	}
	chB3, ack := connect(t, b, "B", false)
	if !ack.SessionPresent {
		t.Fatal("second resume must report session present")
	}
	if len(chB3.sent) != 0 {
		t.Fatalf("redelivered %d messages after ack, want 0", len(chB3.sent))
	}
}

func TestSessionTakeover(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), nil)

	ch1, _ := connect(t, b, "dev", false)
	subscribe(t, b, "dev", "a/b", 0)
	ch2, ack := connect(t, b, "dev", false)
	if !ack.SessionPresent {
		t.Fatal("takeover with clean start false must resume")
	}
	if ch1.disconnected == "" {
		t.Fatal("previous channel was not disconnected")
	}

	// The stale close from the replaced channel must not clobber the
	// successor's session.
	if err := b.OnClose(ctx, &broker.CloseRequest{ClientID: "dev", Channel: ch1}); err != nil {
		t.Fatalf("stale OnClose: %v", err)
	}
	count, err := b.Publish(ctx, &broker.PublishMessage{Topic: "a/b", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count != 1 || len(ch2.sent) != 1 {
		t.Fatalf("successor delivery count = %d, sent = %d", count, len(ch2.sent))
	}
}

func TestCleanStartDiscardsState(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), nil)

	ch, _ := connect(t, b, "dev", false)
	subscribe(t, b, "dev", "a/#", 1)
	if err := b.OnClose(ctx, &broker.CloseRequest{ClientID: "dev", Channel: ch}); err != nil {
		t.Fatalf("OnClose: %v", err)
	}
	if _, err := b.Publish(ctx, &broker.PublishMessage{Topic: "a/b", Payload: []byte("x"), QoS: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ch2, ack := connect(t, b, "dev", true)
	if ack.SessionPresent {
		t.Fatal("clean start must not resume")
	}
	if len(ch2.sent) != 0 {
		t.Fatal("clean start must not redeliver queued messages")
	}
	// The old subscription is gone.
	count, err := b.Publish(ctx, &broker.PublishMessage{Topic: "a/b", Payload: []byte("y"), QoS: 1})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count != 0 {
		t.Fatalf("Publish count after clean start = %d, want 0", count)
	}
}

type denyFilter struct{ filter string }

func (d denyFilter) Authenticate(clientID, username string, password []byte) bool { return true }
func (d denyFilter) ACL(clientID, topic string, write bool) bool                  { return topic != d.filter }

func TestSubscribeBatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), denyFilter{filter: "secret/#"})

	ch, _ := connect(t, b, "dev", true)
	codes, err := b.Subscribe(ctx, "dev", []broker.SubscribeFilter{
		{Filter: "a/b", QoS: 1},
		{Filter: "a/#/b", QoS: 0},
		{Filter: "secret/#", QoS: 0},
		{Filter: "c", QoS: 2},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	want := []byte{
		broker.ReasonGrantedQoS1,
		broker.ReasonTopicFilterInvalid,
		broker.ReasonNotAuthorized,
		broker.ReasonGrantedQoS2,
	}
	for i, code := range codes {
		if code != want[i] {
			t.Errorf("codes[%d] = %#x, want %#x", i, code, want[i])
		}
	}

	// The filters that succeeded are live despite the failures.
	count, err := b.Publish(ctx, &broker.PublishMessage{Topic: "c", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count != 1 || len(ch.sent) != 1 {
		t.Fatalf("delivery after partial batch: count = %d, sent = %d", count, len(ch.sent))
	}
}

func TestUnsubscribeCodes(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), nil)

	connect(t, b, "dev", true)
	subscribe(t, b, "dev", "a/b", 0)

	codes, err := b.Unsubscribe(ctx, "dev", []string{"a/b", "never/was"})
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if codes[0] != 0x00 {
		t.Errorf("codes[0] = %#x, want success", codes[0])
	}
	if codes[1] != broker.ReasonNoSubscription {
		t.Errorf("codes[1] = %#x, want no-subscription", codes[1])
	}
}

func TestNoLocalSkipsPublisher(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), nil)

	ch, _ := connect(t, b, "dev", true)
	codes, err := b.Subscribe(ctx, "dev", []broker.SubscribeFilter{
		{Filter: "loop", QoS: 0, Options: topics.Options{NoLocal: true}},
	})
	if err != nil || codes[0] != 0 {
		t.Fatalf("Subscribe: codes=%v err=%v", codes, err)
	}

	count, err := b.Publish(ctx, &broker.PublishMessage{ClientID: "dev", Topic: "loop", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count != 0 || len(ch.sent) != 0 {
		t.Fatal("no-local subscription received its own publish")
	}
}

func TestSharedSubscriptionSingleRecipient(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), nil)

	chA, _ := connect(t, b, "A", true)
	chB, _ := connect(t, b, "B", true)
	subscribe(t, b, "A", "$share/workers/jobs", 0)
	subscribe(t, b, "B", "$share/workers/jobs", 0)

	count, err := b.Publish(ctx, &broker.PublishMessage{Topic: "jobs", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count != 1 {
		t.Fatalf("Publish count = %d, want 1", count)
	}
	if got := len(chA.sent) + len(chB.sent); got != 1 {
		t.Fatalf("shared group delivered %d copies, want 1", got)
	}
}

func TestRestoreRebuildsSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)

	b1 := newBroker(t, store, nil)
	ch, _ := connect(t, b1, "dev", false)
	subscribe(t, b1, "dev", "tele/+/state", 1)
	if err := b1.OnClose(ctx, &broker.CloseRequest{ClientID: "dev", Channel: ch}); err != nil {
		t.Fatalf("OnClose: %v", err)
	}
	if err := b1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh broker over the same store matches the persisted filter.
	b2 := newBroker(t, store, nil)
	count, err := b2.Publish(ctx, &broker.PublishMessage{Topic: "tele/42/state", Payload: []byte("on"), QoS: 1})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count != 1 {
		t.Fatalf("Publish count after restart = %d, want 1", count)
	}

	// And the queued message reaches the client on resume.
	ch2, ack := connect(t, b2, "dev", false)
	if !ack.SessionPresent {
		t.Fatal("restart must not lose the stored session")
	}
	if len(ch2.sent) != 1 || string(ch2.sent[0].Payload) != "on" {
		t.Fatalf("redelivery after restart = %+v", ch2.sent)
	}
}

func TestAssignedClientID(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), nil)

	ch, ack := connect(t, b, "", true)
	if ack.ClientID == "" {
		t.Fatal("empty client id must be assigned")
	}
	devices, err := b.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 1 || devices[0] != ack.ClientID {
		t.Fatalf("Devices = %v", devices)
	}
	if err := b.OnClose(ctx, &broker.CloseRequest{ClientID: ack.ClientID, Channel: ch}); err != nil {
		t.Fatalf("OnClose: %v", err)
	}
	devices, err = b.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("Devices after close = %v", devices)
	}
}

func TestUnknownClientRejected(t *testing.T) {
	store := kv.NewMemory(nil)
	b := broker.New(broker.Config{Store: store})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	_, err := b.OnOpen(context.Background(), &broker.ConnectRequest{
		ClientID: "stranger", Proto: broker.ProtocolV4, CleanStart: true, Channel: &testChannel{},
	})
	if !errors.Is(err, broker.ErrClientNotAllowed) {
		t.Fatalf("OnOpen = %v, want ErrClientNotAllowed", err)
	}
}

func TestSubscribersSnapshot(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, kv.NewMemory(nil), nil)

	connect(t, b, "A", true)
	connect(t, b, "B", true)
	subscribe(t, b, "A", "a/+", 1)
	subscribe(t, b, "B", "a/+", 2)
	subscribe(t, b, "A", "$share/g/work", 0)

	// Raw form: filter -> per-client entries.
	raw, err := b.Subscribers(ctx, false)
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("raw snapshot = %+v, want one filter", raw)
	}
	byClient := raw["a/+"]
	if len(byClient) != 2 || byClient["A"].QoS != 1 || byClient["B"].QoS != 2 {
		t.Fatalf("raw entries for a/+ = %+v", byClient)
	}

	// Flattened form: one row per (filter, client).
	flat, err := b.FlatSubscribers(ctx, false)
	if err != nil {
		t.Fatalf("FlatSubscribers: %v", err)
	}
	if len(flat) != 2 {
		t.Fatalf("flat snapshot = %+v, want 2 rows", flat)
	}
	for _, info := range flat {
		if info.Filter != "a/+" {
			t.Fatalf("flat row filter = %q", info.Filter)
		}
	}

	shared, err := b.FlatSubscribers(ctx, true)
	if err != nil {
		t.Fatalf("FlatSubscribers(shared): %v", err)
	}
	if len(shared) != 1 || shared[0].Filter != "work" || shared[0].Group != "g" {
		t.Fatalf("shared snapshot = %+v", shared)
	}
}
