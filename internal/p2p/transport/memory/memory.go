package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-p2p/parley/internal/p2p/transport"
)

// ErrPeerAttached reports an attach with a peer id that is already live.
var ErrPeerAttached = errors.New("peer id already attached")

const inboxDepth = 256

// Hub is an in-process transport fabric serving one session address. A
// single registry goroutine owns the peer table; attaches, detaches, and
// every delivery pass through its mailbox, so connections never share a
// lock. Delivery is lossy under backpressure, which is exactly the
// environment the sequenced event stream is built to survive.
type Hub struct {
	session string
	log     zerolog.Logger

	ops  chan func(peers map[transport.PeerID]*Conn)
	done chan struct{}
	stop sync.Once
}

// NewHub starts the registry goroutine for one session address.
func NewHub(session string, logger zerolog.Logger) *Hub {
	h := &Hub{
		session: session,
		log:     logger.With().Str("component", "memory-transport").Logger(),
		ops:     make(chan func(map[transport.PeerID]*Conn)),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	peers := make(map[transport.PeerID]*Conn)
	for {
		select {
		case op := <-h.ops:
			op(peers)
		case <-h.done:
			for id, c := range peers {
				c.shutdown()
				delete(peers, id)
			}
			return
		}
	}
}

// do runs op inside the registry goroutine and waits for it to finish.
func (h *Hub) do(op func(peers map[transport.PeerID]*Conn)) error {
	ran := make(chan struct{})
	select {
	case h.ops <- func(peers map[transport.PeerID]*Conn) {
		op(peers)
		close(ran)
	}:
		<-ran
		return nil
	case <-h.done:
		return transport.ErrClosed
	}
}

// Connect implements transport.Dialer with a generated peer identity.
func (h *Hub) Connect(ctx context.Context, address string, _ transport.ICEConfig) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if address != h.session {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownSession, address)
	}
	return h.Attach(transport.PeerID(uuid.NewString()))
}

// Attach joins the mesh under an explicit peer identity. Everyone already
// attached observes PeerConnected for the newcomer and vice versa.
func (h *Hub) Attach(peer transport.PeerID) (*Conn, error) {
	c := &Conn{
		hub:    h,
		id:     peer,
		inbox:  make(chan transport.ConnectionEvent, inboxDepth),
		closed: make(chan struct{}),
	}
	var attachErr error
	err := h.do(func(peers map[transport.PeerID]*Conn) {
		if _, taken := peers[peer]; taken {
			attachErr = fmt.Errorf("%w: %s", ErrPeerAttached, peer)
			return
		}
		for id, other := range peers {
			other.deliver(transport.ConnectionEvent{Kind: transport.PeerConnected, Peer: peer})
			c.deliver(transport.ConnectionEvent{Kind: transport.PeerConnected, Peer: id})
		}
		peers[peer] = c
	})
	if err != nil {
		return nil, err
	}
	if attachErr != nil {
		return nil, attachErr
	}
	h.log.Debug().Str("peer", string(peer)).Msg("peer attached")
	return c, nil
}

// Drop detaches a peer without its cooperation, the way a vanished network
// link would. The dropped connection can still drain its inbox, but every
// send from it fails from now on.
func (h *Hub) Drop(peer transport.PeerID) {
	_ = h.do(func(peers map[transport.PeerID]*Conn) {
		c, ok := peers[peer]
		if !ok {
			return
		}
		delete(peers, peer)
		c.shutdown()
		for _, other := range peers {
			other.deliver(transport.ConnectionEvent{Kind: transport.PeerDisconnected, Peer: peer})
		}
	})
	h.log.Debug().Str("peer", string(peer)).Msg("peer dropped")
}

// Close tears down the fabric and every attached connection.
func (h *Hub) Close() {
	h.stop.Do(func() { close(h.done) })
}

// Conn is one peer's attachment to the hub.
type Conn struct {
	hub   *Hub
	id    transport.PeerID
	inbox chan transport.ConnectionEvent

	closed chan struct{}
	once   sync.Once
}

func (c *Conn) LocalPeerID() transport.PeerID {
	return c.id
}

func (c *Conn) ConnectedPeers() []transport.PeerID {
	var out []transport.PeerID
	_ = c.hub.do(func(peers map[transport.PeerID]*Conn) {
		for id := range peers {
			if id != c.id {
				out = append(out, id)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Conn) SendTo(peer transport.PeerID, data []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	payload := append([]byte(nil), data...)
	var sendErr error
	err := c.hub.do(func(peers map[transport.PeerID]*Conn) {
		if _, live := peers[c.id]; !live {
			sendErr = transport.ErrClosed
			return
		}
		target, ok := peers[peer]
		if !ok {
			sendErr = fmt.Errorf("%w: %s", transport.ErrPeerNotFound, peer)
			return
		}
		target.deliver(transport.ConnectionEvent{Kind: transport.MessageReceived, Peer: c.id, Data: payload})
	})
	if err != nil {
		return err
	}
	return sendErr
}

func (c *Conn) Broadcast(data []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	payload := append([]byte(nil), data...)
	var sendErr error
	err := c.hub.do(func(peers map[transport.PeerID]*Conn) {
		if _, live := peers[c.id]; !live {
			sendErr = transport.ErrClosed
			return
		}
		for id, other := range peers {
			if id == c.id {
				continue
			}
			other.deliver(transport.ConnectionEvent{Kind: transport.MessageReceived, Peer: c.id, Data: payload})
		}
	})
	if err != nil {
		return err
	}
	return sendErr
}

func (c *Conn) PollEvents() []transport.ConnectionEvent {
	var out []transport.ConnectionEvent
	for {
		select {
		case ev := <-c.inbox:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (c *Conn) Close() error {
	c.hub.Drop(c.id)
	return nil
}

// deliver runs inside the registry goroutine. A full inbox drops the event;
// sequence recovery handles the loss.
func (c *Conn) deliver(ev transport.ConnectionEvent) {
	select {
	case c.inbox <- ev:
	default:
		c.hub.log.Debug().Str("peer", string(c.id)).Str("kind", string(ev.Kind)).Msg("inbox full, event dropped")
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
