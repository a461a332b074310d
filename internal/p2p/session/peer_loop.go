package session

import (
	"github.com/rs/zerolog"

	"github.com/parley-p2p/parley/internal/p2p/protocol"
	"github.com/parley-p2p/parley/internal/p2p/queue"
	"github.com/parley-p2p/parley/internal/p2p/transport"
)

// outboundFrame is one encoded message awaiting flush. A zero peer id means
// broadcast.
type outboundFrame struct {
	to   transport.PeerID
	data []byte
}

// PeerLoop batches network traffic through the transport capability with the
// same discipline as the command loop: a bounded inbound queue, an outbound
// accumulator, at most one batch handled per poll.
type PeerLoop struct {
	conn      transport.Connection
	inbound   *queue.Queue[transport.ConnectionEvent]
	outbound  []outboundFrame
	batchSize int
	dropped   uint64
	log       zerolog.Logger
}

// NewPeerLoop wraps an established connection.
func NewPeerLoop(conn transport.Connection, queueCapacity, batchSize int, logger zerolog.Logger) *PeerLoop {
	if batchSize < 1 {
		batchSize = 1
	}
	return &PeerLoop{
		conn:      conn,
		inbound:   queue.New[transport.ConnectionEvent](queueCapacity),
		batchSize: batchSize,
		log:       logger.With().Str("component", "peer-loop").Logger(),
	}
}

// Pump moves whatever the transport has ready into the bounded inbound
// queue and returns the number moved. Events beyond capacity are shed;
// sequence recovery covers lost messages.
func (pl *PeerLoop) Pump() int {
	moved := 0
	for _, ev := range pl.conn.PollEvents() {
		if err := pl.inbound.Push(ev); err != nil {
			pl.dropped++
			pl.log.Warn().Str("kind", string(ev.Kind)).Msg("inbound queue full, event shed")
			continue
		}
		moved++
	}
	return moved
}

// Poll hands up to one batch of inbound events to handle and returns the
// number processed.
func (pl *PeerLoop) Poll(handle func(transport.ConnectionEvent)) int {
	processed := 0
	for processed < pl.batchSize {
		ev, ok := pl.inbound.Pop()
		if !ok {
			break
		}
		handle(ev)
		processed++
	}
	return processed
}

// QueueBroadcast accumulates a message for every connected peer.
func (pl *PeerLoop) QueueBroadcast(m protocol.P2PMessage) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	pl.outbound = append(pl.outbound, outboundFrame{data: data})
	return nil
}

// QueueTo accumulates a directed message.
func (pl *PeerLoop) QueueTo(peer transport.PeerID, m protocol.P2PMessage) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	pl.outbound = append(pl.outbound, outboundFrame{to: peer, data: data})
	return nil
}

// Flush pushes every accumulated frame through the transport in queue order.
// A failed frame is logged and skipped; the first error comes back after the
// rest have been attempted, since one unreachable peer must not block the
// others.
func (pl *PeerLoop) Flush() error {
	frames := pl.outbound
	pl.outbound = nil
	var first error
	for _, f := range frames {
		var err error
		if f.to == "" {
			err = pl.conn.Broadcast(f.data)
		} else {
			err = pl.conn.SendTo(f.to, f.data)
		}
		if err != nil {
			pl.log.Warn().Err(err).Str("peer", string(f.to)).Msg("send failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// PendingOutbound reports frames accumulated and not yet flushed.
func (pl *PeerLoop) PendingOutbound() int {
	return len(pl.outbound)
}

// Dropped reports inbound events shed under backpressure since start.
func (pl *PeerLoop) Dropped() uint64 {
	return pl.dropped
}

// Conn exposes the wrapped connection.
func (pl *PeerLoop) Conn() transport.Connection {
	return pl.conn
}
