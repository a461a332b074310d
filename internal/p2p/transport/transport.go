package transport

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_transport.go -package=mocks . Connection,Dialer

import (
	"context"
	"errors"
)

var (
	// ErrClosed reports an operation on a closed connection or fabric.
	ErrClosed = errors.New("transport closed")
	// ErrPeerNotFound reports a directed send to a peer that is not connected.
	ErrPeerNotFound = errors.New("peer not connected")
	// ErrUnknownSession reports a dial to a session address the fabric does
	// not serve.
	ErrUnknownSession = errors.New("unknown session")
)

// PeerID identifies one transport-level link. The transport assigns it when
// the link comes up; it says nothing about participant identity, which the
// session layer binds only after the peer introduces itself.
type PeerID string

// EventKind tags a connection event.
type EventKind string

const (
	PeerConnected    EventKind = "PEER_CONNECTED"
	PeerDisconnected EventKind = "PEER_DISCONNECTED"
	MessageReceived  EventKind = "MESSAGE_RECEIVED"
)

// ConnectionEvent is one observation from the transport: a peer coming up,
// going away, or a message arriving. Data is set only for MessageReceived.
type ConnectionEvent struct {
	Kind EventKind
	Peer PeerID
	Data []byte
}

// ICEConfig carries the negotiation settings handed to the dialer. Connection
// establishment itself happens inside the transport implementation.
type ICEConfig struct {
	STUNServers []string `json:"stun_servers,omitempty"`
	TURNServers []string `json:"turn_servers,omitempty"`
}

// Connection is one peer's attachment to a session mesh. Implementations
// deliver events in arrival order per peer and never block PollEvents.
type Connection interface {
	// LocalPeerID returns this side's peer id, or the zero value while the
	// link is still coming up.
	LocalPeerID() PeerID
	// ConnectedPeers lists the peers currently reachable from this side.
	ConnectedPeers() []PeerID
	// SendTo delivers data to one peer.
	SendTo(peer PeerID, data []byte) error
	// Broadcast delivers data to every connected peer except the sender.
	Broadcast(data []byte) error
	// PollEvents returns whatever events arrived since the last poll,
	// immediately and without blocking.
	PollEvents() []ConnectionEvent
	// Close detaches from the mesh. Other peers observe PeerDisconnected.
	Close() error
}

// Dialer establishes a connection to a session address.
type Dialer interface {
	Connect(ctx context.Context, address string, cfg ICEConfig) (Connection, error)
}
