package broker

import (
	"errors"

	"github.com/tidemq/tidemq/pkg/topics"
)

// ProtocolVersion is the MQTT protocol version a session was opened with.
type ProtocolVersion byte

const (
	// ProtocolV4 is MQTT 3.1.1.
	ProtocolV4 ProtocolVersion = 4
	// ProtocolV5 is MQTT 5.0.
	ProtocolV5 ProtocolVersion = 5
)

func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolV4:
		return "MQTT 3.1.1"
	case ProtocolV5:
		return "MQTT 5.0"
	default:
		return "Unknown"
	}
}

// Common errors.
var (
	// ErrClosed is returned when operating on a closed broker.
	ErrClosed = errors.New("broker: closed")

	// ErrClientNotAllowed is returned when the client id is unknown and
	// auto-create is disabled, or the client record is disabled.
	ErrClientNotAllowed = errors.New("broker: client not allowed")

	// ErrNotAuthorized is returned when authentication fails on connect.
	ErrNotAuthorized = errors.New("broker: not authorized")
)

// Per-filter reason codes returned by Subscribe and Unsubscribe. The values
// follow the MQTT 5.0 reason-code space so the protocol adapter can put them
// on the wire as-is.
const (
	ReasonGrantedQoS0        byte = 0x00
	ReasonGrantedQoS1        byte = 0x01
	ReasonGrantedQoS2        byte = 0x02
	ReasonNoSubscription     byte = 0x11
	ReasonUnspecifiedError   byte = 0x80
	ReasonNotAuthorized      byte = 0x87
	ReasonTopicFilterInvalid byte = 0x8F
)

// Channel is the live connection of a client, implemented by the protocol
// adapter. The broker never blocks on it; a slow or broken channel surfaces
// as a Send error.
type Channel interface {
	// Send transmits an outbound envelope to the client.
	Send(env *Envelope) error

	// Disconnect asks the adapter to drop the connection, e.g. on
	// session takeover.
	Disconnect(reason string)
}

// Envelope is the outbound message handed to a live channel or persisted in
// the durable queue while the client is offline.
type Envelope struct {
	// MsgID is the broker-assigned message id, 0 for QoS 0.
	MsgID uint16 `msgpack:"id"`

	Topic   string `msgpack:"t"`
	Payload []byte `msgpack:"p"`
	QoS     byte   `msgpack:"q"`
	Retain  bool   `msgpack:"r"`
	Dup     bool   `msgpack:"d"`

	// Expiry is the MQTT v5 message expiry interval in seconds, 0 for
	// none.
	Expiry uint32 `msgpack:"e,omitempty"`

	// Timestamp is the publish arrival time in unix nanoseconds.
	Timestamp int64 `msgpack:"ts"`

	// SubscriptionIDs carries the v5 subscription-identifier property
	// when any matched subscription had one.
	SubscriptionIDs []uint32 `msgpack:"sid,omitempty"`
}

// Will is the will message captured at connect. Dispatch is an
// extension point for the protocol adapter; the broker only stores it with
// the session.
type Will struct {
	Topic   string `msgpack:"t"`
	Payload []byte `msgpack:"p"`
	QoS     byte   `msgpack:"q"`
	Retain  bool   `msgpack:"r"`
	Delay   uint32 `msgpack:"delay,omitempty"`
}

// ConnectRequest is a decoded CONNECT handed to OnOpen.
type ConnectRequest struct {
	// ClientID is the requested client id; empty means the broker
	// assigns one.
	ClientID string

	Proto          ProtocolVersion
	CleanStart     bool
	KeepAlive      uint16
	ExpiryInterval uint32

	Username string
	Password []byte

	Will *Will

	// Channel is the live connection for this session.
	Channel Channel
}

// CloseRequest is a decoded DISCONNECT (or connection loss) handed to
// OnClose.
type CloseRequest struct {
	ClientID string

	// Channel identifies which connection is closing. A session that
	// reconnected through a different channel in the meantime is left
	// alone.
	Channel Channel
}

// SubscribeFilter is one entry of a SUBSCRIBE request.
type SubscribeFilter struct {
	Filter  string
	QoS     byte
	ID      uint32 // v5 subscription identifier, 0 for none
	Options topics.Options
}

// PublishMessage is a decoded PUBLISH.
type PublishMessage struct {
	// ClientID is the publishing client, empty for broker-internal
	// publishes.
	ClientID string

	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Expiry  uint32
}

// Authenticator provides authentication and ACL for clients.
type Authenticator interface {
	// Authenticate validates client credentials at connect.
	Authenticate(clientID, username string, password []byte) bool

	// ACL checks publish (write=true) or subscribe (write=false)
	// permission for a topic.
	ACL(clientID, topic string, write bool) bool
}

// AllowAll is an authenticator that allows all connections and operations.
type AllowAll struct{}

// Authenticate always returns true.
func (AllowAll) Authenticate(clientID, username string, password []byte) bool { return true }

// ACL always returns true.
func (AllowAll) ACL(clientID, topic string, write bool) bool { return true }

// Handler observes every message routed by the broker, after fan-out.
type Handler interface {
	HandleMessage(clientID string, msg *PublishMessage)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(clientID string, msg *PublishMessage)

// HandleMessage calls f(clientID, msg).
func (f HandlerFunc) HandleMessage(clientID string, msg *PublishMessage) { f(clientID, msg) }
