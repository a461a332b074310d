package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-p2p/parley/internal/domain/lobby"
	"github.com/parley-p2p/parley/internal/p2p/protocol"
	"github.com/parley-p2p/parley/internal/p2p/stream"
	"github.com/parley-p2p/parley/internal/p2p/transport"
)

// NodeRole is this node's position in the session.
type NodeRole string

const (
	RoleNone  NodeRole = "NONE"
	RoleHost  NodeRole = "HOST"
	RoleGuest NodeRole = "GUEST"
)

const recentEventsCap = 128

// Stats counts session work. Only the polling goroutine mutates it;
// observers read copies from published views.
type Stats struct {
	Ticks             uint64 `json:"ticks"`
	CommandsProcessed uint64 `json:"commands_processed"`
	CommandsForwarded uint64 `json:"commands_forwarded"`
	EventsSealed      uint64 `json:"events_sealed"`
	EventsApplied     uint64 `json:"events_applied"`
	ResendsRequested  uint64 `json:"resends_requested"`
	ResendsServed     uint64 `json:"resends_served"`
	SnapshotsServed   uint64 `json:"snapshots_served"`
	SnapshotsAdopted  uint64 `json:"snapshots_adopted"`
	MessagesDropped   uint64 `json:"messages_dropped"`
}

// View is the read-only snapshot published to observers once per tick. The
// lobby is a deep clone; recent events are append-only and safe to share.
type View struct {
	Role          NodeRole              `json:"role"`
	SelfID        uuid.UUID             `json:"self_id"`
	Lobby         *lobby.Lobby          `json:"lobby,omitempty"`
	LastSequence  uint64                `json:"last_sequence"`
	PendingEvents int                   `json:"pending_events"`
	HostLost      bool                  `json:"host_lost"`
	RecentEvents  []protocol.LobbyEvent `json:"recent_events,omitempty"`
	Stats         Stats                 `json:"stats"`
	PublishedAt   time.Time             `json:"published_at"`
}

type joinIntent struct {
	lobbyID uuid.UUID
	name    string
	helloed map[transport.PeerID]bool
}

// Session composes the command loop and the peer loop into one cooperative
// poll cycle. It owns the node's role, the peer-to-participant bindings, the
// sequencing state, and the delegation machine. Exactly one goroutine calls
// Route and Tick; there is no cross-peer locking anywhere, consistency comes
// from the host-sequenced event log alone.
type Session struct {
	log     zerolog.Logger
	loop    *CommandLoop
	peers   *PeerLoop
	monitor *Monitor

	role     NodeRole
	self     uuid.UUID
	hostPeer transport.PeerID
	bindings map[transport.PeerID]uuid.UUID

	seq *stream.Sequencer // non-nil only while holding host authority
	rep *stream.Replica

	pendingJoin     *joinIntent
	pendingJoins    map[uuid.UUID]transport.PeerID
	pendingRemovals []queuedCommand
	snapshotWait    bool
	completing      uuid.UUID
	hostLost        bool

	recent []protocol.LobbyEvent
	stats  Stats
}

// New builds an idle session on an established connection. It becomes a host
// through CreateLobby or a guest through JoinLobby.
func New(conn transport.Connection, opts Options, logger zerolog.Logger) *Session {
	opts = opts.normalized()
	return &Session{
		log:          logger.With().Str("component", "session").Logger(),
		loop:         NewCommandLoop(opts.QueueCapacity, opts.BatchSize, opts.Scorers, logger),
		peers:        NewPeerLoop(conn, opts.PeerQueueCapacity, opts.BatchSize, logger),
		monitor:      NewMonitor(opts.GracePeriod),
		role:         RoleNone,
		bindings:     make(map[transport.PeerID]uuid.UUID),
		rep:          stream.NewReplica(),
		pendingJoins: make(map[uuid.UUID]transport.PeerID),
	}
}

// Route decides where a locally submitted command runs. A lobby-less node
// runs CreateLobby itself and turns JoinLobby into the introduction
// exchange; a host applies commands directly; a guest forwards them to the
// host for sequencing.
func (s *Session) Route(cmd lobby.Command) error {
	if err := cmd.ValidateBasic(); err != nil {
		return err
	}
	switch s.role {
	case RoleNone:
		switch cmd.Kind {
		case lobby.CommandCreateLobby:
			return s.loop.Submit(cmd, uuid.Nil)
		case lobby.CommandJoinLobby:
			return s.stageJoin(cmd)
		default:
			return ErrNoLobby
		}
	case RoleHost:
		if cmd.Kind == lobby.CommandCreateLobby {
			return ErrLobbyExists
		}
		return s.loop.Submit(cmd, s.self)
	default:
		switch cmd.Kind {
		case lobby.CommandCreateLobby, lobby.CommandJoinLobby:
			return ErrLobbyExists
		}
		return s.forward(cmd)
	}
}

// Tick runs one poll cycle against a single clock reading: domain batch
// first, then network batch, grace timers, and the view for observers.
func (s *Session) Tick(now time.Time) View {
	s.stats.Ticks++
	s.retryRemovals()

	processed := s.loop.Poll(now)
	s.stats.CommandsProcessed += uint64(processed)
	s.dispatchOutcomes(now)

	s.peers.Pump()
	s.peers.Poll(func(ev transport.ConnectionEvent) { s.handleConnectionEvent(ev, now) })
	s.checkTimeouts(now)
	s.maybeCompleteActivity()

	if err := s.peers.Flush(); err != nil {
		s.log.Debug().Err(err).Msg("flush incomplete")
	}
	s.stats.MessagesDropped = s.peers.Dropped()
	return s.view(now)
}

func (s *Session) stageJoin(cmd lobby.Command) error {
	p, err := decodeCommand[lobby.JoinLobbyPayload](cmd)
	if err != nil {
		return err
	}
	if p.GuestName == "" {
		return errors.New("guest_name is required")
	}
	s.pendingJoin = &joinIntent{
		lobbyID: p.LobbyID,
		name:    p.GuestName,
		helloed: make(map[transport.PeerID]bool),
	}
	for _, peer := range s.peers.Conn().ConnectedPeers() {
		s.sendJoinHello(peer)
	}
	return nil
}

func (s *Session) sendJoinHello(peer transport.PeerID) {
	if s.pendingJoin == nil || s.pendingJoin.helloed[peer] {
		return
	}
	msg, err := protocol.HelloMessage(protocol.HelloPayload{
		LobbyID:  s.pendingJoin.lobbyID,
		JoinName: s.pendingJoin.name,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("encode join hello")
		return
	}
	if err := s.peers.QueueTo(peer, msg); err != nil {
		s.log.Error().Err(err).Msg("queue join hello")
		return
	}
	s.pendingJoin.helloed[peer] = true
}

func (s *Session) forward(cmd lobby.Command) error {
	if s.hostPeer == "" {
		return ErrHostUnavailable
	}
	msg, err := protocol.CommandMessage(cmd)
	if err != nil {
		return err
	}
	if err := s.peers.QueueTo(s.hostPeer, msg); err != nil {
		return err
	}
	s.stats.CommandsForwarded++
	return nil
}

func (s *Session) retryRemovals() {
	if len(s.pendingRemovals) == 0 {
		return
	}
	pending := s.pendingRemovals
	s.pendingRemovals = nil
	for _, qc := range pending {
		if err := s.loop.Submit(qc.cmd, qc.origin); err != nil {
			s.pendingRemovals = append(s.pendingRemovals, qc)
		}
	}
}

func (s *Session) dispatchOutcomes(now time.Time) {
	// A sealed manual delegation hands authority away only after the whole
	// batch is sealed: commands the loop already applied still belong to
	// this host's tenure.
	var handover *protocol.LobbyEvent
	for _, oc := range s.loop.DrainOutcomes() {
		if s.role == RoleNone && oc.Event.Kind == lobby.EventLobbyCreated {
			s.becomeFoundingHost(oc.Event)
		}
		if s.role != RoleHost || s.seq == nil {
			s.log.Warn().Str("event", string(oc.Event.Kind)).Msg("outcome without authority discarded")
			continue
		}
		sealed := s.seq.Seal(oc.Event, now)
		s.stats.EventsSealed++
		s.recordEvent(sealed)
		s.afterSeal(oc, sealed)
		if sealed.Event.Kind == lobby.EventHostDelegated {
			ev := sealed
			handover = &ev
		}
	}
	if handover != nil {
		s.relinquishAuthority(*handover)
	}
}

func (s *Session) becomeFoundingHost(ev lobby.Event) {
	p, err := protocol.DecodePayload[lobby.LobbyCreatedPayload](ev.Payload)
	if err != nil {
		s.log.Error().Err(err).Msg("decode creation event")
		return
	}
	s.role = RoleHost
	s.self = p.HostID
	s.seq = stream.NewSequencer(p.LobbyID)
	s.hostLost = false
	s.log.Info().Str("lobby_id", p.LobbyID.String()).Str("name", p.Name).Msg("lobby created, hosting")
}

func (s *Session) afterSeal(oc Outcome, sealed protocol.LobbyEvent) {
	msg, err := protocol.EventMessage(sealed)
	if err != nil {
		s.log.Error().Err(err).Msg("encode sealed event")
		return
	}
	if err := s.peers.QueueBroadcast(msg); err != nil {
		s.log.Error().Err(err).Msg("queue broadcast")
	}

	peer, pending := s.pendingJoins[oc.CommandID]
	if !pending {
		return
	}
	delete(s.pendingJoins, oc.CommandID)
	if sealed.Event.Kind != lobby.EventGuestJoined {
		s.log.Debug().Str("peer", string(peer)).Msg("join rejected")
		return
	}
	p, err := protocol.DecodePayload[lobby.GuestJoinedPayload](sealed.Event.Payload)
	if err != nil {
		s.log.Error().Err(err).Msg("decode join event")
		return
	}
	s.bindings[peer] = p.Participant.ParticipantID
	welcome, err := protocol.WelcomeMessage(protocol.WelcomePayload{
		LobbyID:     sealed.LobbyID,
		Participant: p.Participant,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("encode welcome")
		return
	}
	if err := s.peers.QueueTo(peer, welcome); err != nil {
		s.log.Error().Err(err).Msg("queue welcome")
	}
}

func (s *Session) handleConnectionEvent(ev transport.ConnectionEvent, now time.Time) {
	switch ev.Kind {
	case transport.PeerConnected:
		s.onPeerConnected(ev.Peer)
	case transport.PeerDisconnected:
		s.onPeerDisconnected(ev.Peer, now)
	case transport.MessageReceived:
		s.onMessage(ev.Peer, ev.Data)
	}
}

func (s *Session) onPeerConnected(peer transport.PeerID) {
	// Reconnection inside the grace window clears the timer; no mutation.
	s.monitor.PeerUp(peer)

	if msg, ok := s.memberHello(); ok {
		if err := s.peers.QueueTo(peer, msg); err != nil {
			s.log.Error().Err(err).Msg("queue hello")
		}
	}
	if s.pendingJoin != nil {
		s.sendJoinHello(peer)
	}
}

func (s *Session) memberHello() (protocol.P2PMessage, bool) {
	self, ok := s.selfParticipant()
	if !ok {
		return protocol.P2PMessage{}, false
	}
	msg, err := protocol.HelloMessage(protocol.HelloPayload{
		LobbyID:     s.loop.Lobby().LobbyID,
		Participant: &self,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("encode hello")
		return protocol.P2PMessage{}, false
	}
	return msg, true
}

func (s *Session) onPeerDisconnected(peer transport.PeerID, now time.Time) {
	if _, bound := s.bindings[peer]; bound {
		s.monitor.PeerDown(peer, now)
	}
	if peer == s.hostPeer {
		s.log.Warn().Str("peer", string(peer)).Msg("host link down")
	}
}

func (s *Session) onMessage(peer transport.PeerID, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Malformed input costs one message, never the session.
		s.log.Warn().Err(err).Str("peer", string(peer)).Msg("malformed message dropped")
		return
	}
	switch msg.Kind {
	case protocol.KindApplication:
		s.onApplication(peer, msg)
	case protocol.KindSnapshotRequest:
		s.serveSnapshot(peer)
	case protocol.KindSnapshotResponse:
		s.adoptSnapshot(peer, msg)
	case protocol.KindResendRequest:
		s.serveResend(peer, msg)
	case protocol.KindResendResponse:
		s.onResendResponse(peer, msg)
	}
}

func (s *Session) onApplication(peer transport.PeerID, msg protocol.P2PMessage) {
	app, err := protocol.DecodeApp(msg)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed application payload dropped")
		return
	}
	switch app.Kind {
	case protocol.AppHello:
		s.onHello(peer, app)
	case protocol.AppWelcome:
		s.onWelcome(peer, app)
	case protocol.AppEvent:
		s.onEventMessage(peer, app)
	case protocol.AppCommand:
		s.onForwardedCommand(peer, app)
	default:
		s.log.Warn().Str("kind", string(app.Kind)).Msg("unknown application kind dropped")
	}
}

func (s *Session) onHello(peer transport.PeerID, app protocol.AppPayload) {
	h, err := protocol.DecodePayload[protocol.HelloPayload](app.Body)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed hello dropped")
		return
	}
	switch {
	case h.Participant != nil:
		// A node mid-join has no lobby yet and must still bind the members
		// greeting it; once a lobby exists, hellos for any other lobby on
		// the same hub are ignored.
		if lob := s.loop.Lobby(); lob != nil && h.LobbyID != lob.LobbyID {
			s.log.Warn().Str("lobby_id", h.LobbyID.String()).Msg("hello for unknown lobby dropped")
			return
		}
		s.bindings[peer] = h.Participant.ParticipantID
		s.monitor.PeerUp(peer)
		if h.Participant.Role == lobby.RoleHost && s.role != RoleHost {
			s.hostPeer = peer
		}
	case h.JoinName != "":
		s.onJoinRequest(peer, h)
	}
}

// onJoinRequest runs on the host only: it turns an introduction from a
// lobby-less peer into a JoinLobby command and remembers which peer to
// welcome once the command produces its event.
func (s *Session) onJoinRequest(peer transport.PeerID, h protocol.HelloPayload) {
	if s.role != RoleHost {
		return
	}
	if _, bound := s.bindings[peer]; bound {
		return
	}
	for _, waiting := range s.pendingJoins {
		if waiting == peer {
			return
		}
	}
	lob := s.loop.Lobby()
	if h.LobbyID != uuid.Nil && h.LobbyID != lob.LobbyID {
		s.log.Warn().Str("lobby_id", h.LobbyID.String()).Msg("join for unknown lobby dropped")
		return
	}
	cmd, err := lobby.NewCommand(lobby.CommandJoinLobby, lobby.JoinLobbyPayload{
		LobbyID:   lob.LobbyID,
		GuestName: h.JoinName,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("build join command")
		return
	}
	if err := s.loop.Submit(cmd, uuid.Nil); err != nil {
		s.log.Warn().Err(err).Msg("join dropped under backpressure")
		return
	}
	s.pendingJoins[cmd.CommandID] = peer
}

func (s *Session) onWelcome(peer transport.PeerID, app protocol.AppPayload) {
	if s.pendingJoin == nil || s.role != RoleNone {
		return
	}
	w, err := protocol.DecodePayload[protocol.WelcomePayload](app.Body)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed welcome dropped")
		return
	}
	s.self = w.Participant.ParticipantID
	s.role = RoleGuest
	s.hostPeer = peer
	s.pendingJoin = nil
	s.snapshotWait = true
	if err := s.peers.QueueTo(peer, protocol.SnapshotRequestMessage()); err != nil {
		s.log.Error().Err(err).Msg("queue snapshot request")
	}
	s.log.Info().Str("participant_id", w.Participant.ParticipantID.String()).Msg("joined, awaiting snapshot")
}

func (s *Session) onEventMessage(peer transport.PeerID, app protocol.AppPayload) {
	e, err := protocol.DecodePayload[protocol.LobbyEvent](app.Body)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed event dropped")
		return
	}
	if err := e.ValidateBasic(); err != nil {
		s.log.Warn().Err(err).Msg("invalid event dropped")
		return
	}
	if s.role == RoleHost {
		s.extendAdoptedStream(peer, e)
		return
	}
	s.ingestEvent(peer, e)
}

// extendAdoptedStream accepts the tail of the previous host's tenure. The
// delegate adopts authority the instant the delegation event applies, but the
// outgoing host may have sealed and broadcast further events in the same
// batch; those sequences are canonical and must land here before this host
// seals anything of its own.
func (s *Session) extendAdoptedStream(peer transport.PeerID, e protocol.LobbyEvent) {
	lob := s.loop.Lobby()
	if s.seq == nil || lob == nil || e.LobbyID != lob.LobbyID {
		return
	}
	if _, bound := s.bindings[peer]; !bound {
		return
	}
	if !s.seq.Extend(e) {
		return
	}
	if _, err := stream.Apply(lob, e.Event); err != nil {
		s.log.Error().Err(err).Uint64("sequence", e.Sequence).Msg("event apply failed")
		return
	}
	s.stats.EventsApplied++
	s.recordEvent(e)
	s.afterApply(e)
}

func (s *Session) ingestEvent(peer transport.PeerID, e protocol.LobbyEvent) {
	lob := s.loop.Lobby()
	if lob == nil {
		// Mid-join: the snapshot in flight covers everything sealed so far.
		return
	}
	if e.LobbyID != lob.LobbyID {
		return
	}
	applied, req := s.rep.Ingest(e)
	if req != nil {
		s.requestResend(peer, *req)
	}
	s.applyRemote(applied)
}

func (s *Session) requestResend(peer transport.PeerID, p protocol.ResendRequestPayload) {
	msg, err := protocol.ResendRequestMessage(p.From, p.To)
	if err != nil {
		s.log.Error().Err(err).Msg("encode resend request")
		return
	}
	if err := s.peers.QueueTo(peer, msg); err != nil {
		s.log.Error().Err(err).Msg("queue resend request")
		return
	}
	s.stats.ResendsRequested++
	s.log.Debug().Uint64("from", p.From).Uint64("to", p.To).Msg("resend requested")
}

func (s *Session) applyRemote(events []protocol.LobbyEvent) {
	for _, e := range events {
		_, err := stream.Apply(s.loop.Lobby(), e.Event)
		if err != nil {
			s.log.Error().Err(err).Uint64("sequence", e.Sequence).Msg("event apply failed")
			continue
		}
		s.stats.EventsApplied++
		s.recordEvent(e)
		s.afterApply(e)
	}
}

// afterApply reacts to replicated facts that move session-level state: host
// authority moving, or this node leaving the participant set.
func (s *Session) afterApply(e protocol.LobbyEvent) {
	switch e.Event.Kind {
	case lobby.EventHostDelegated:
		p, err := protocol.DecodePayload[lobby.HostDelegatedPayload](e.Event.Payload)
		if err != nil {
			return
		}
		if p.Reason == lobby.ReasonTimeout {
			s.unbindParticipant(p.From)
		}
		if p.To == s.self {
			if s.role != RoleHost {
				s.adoptAuthority()
			}
		} else {
			s.hostPeer = s.peerFor(p.To)
		}
		s.hostLost = false
	case lobby.EventGuestLeft:
		p, err := protocol.DecodePayload[lobby.GuestLeftPayload](e.Event.Payload)
		if err != nil {
			return
		}
		s.onParticipantRemoved(p.ParticipantID)
	case lobby.EventGuestKicked:
		p, err := protocol.DecodePayload[lobby.GuestKickedPayload](e.Event.Payload)
		if err != nil {
			return
		}
		s.onParticipantRemoved(p.ParticipantID)
	}
}

// relinquishAuthority demotes this node to guest after it seals a manual
// delegation to someone else. The sealed stream position carries over so
// the replica resumes exactly where the sequencer stopped.
func (s *Session) relinquishAuthority(sealed protocol.LobbyEvent) {
	p, err := protocol.DecodePayload[lobby.HostDelegatedPayload](sealed.Event.Payload)
	if err != nil {
		s.log.Error().Err(err).Msg("decode delegation event")
		return
	}
	if p.To == s.self || s.seq == nil {
		return
	}
	s.rep = stream.AdoptReplica(s.seq.Last(), s.seq.Log())
	s.seq = nil
	s.role = RoleGuest
	s.hostPeer = s.peerFor(p.To)
	s.log.Info().Str("new_host", p.To.String()).Uint64("last_sequence", s.rep.LastApplied()).Msg("host authority handed over")
}

// adoptAuthority continues the event stream from the replica's position;
// the retained log keeps answering resends across the handover.
func (s *Session) adoptAuthority() {
	lob := s.loop.Lobby()
	if lob == nil {
		return
	}
	s.role = RoleHost
	s.hostPeer = ""
	s.seq = stream.AdoptSequencer(lob.LobbyID, s.rep.LastApplied(), s.rep.Log())
	s.hostLost = false
	s.log.Info().Uint64("last_sequence", s.seq.Last()).Msg("host authority adopted")
}

func (s *Session) serveSnapshot(peer transport.PeerID) {
	if s.role != RoleHost || s.seq == nil {
		return
	}
	snap, err := s.loop.Lobby().Marshal()
	if err != nil {
		s.log.Error().Err(err).Msg("encode snapshot")
		return
	}
	msg, err := protocol.SnapshotResponseMessage(snap, s.seq.Last())
	if err != nil {
		s.log.Error().Err(err).Msg("encode snapshot response")
		return
	}
	if err := s.peers.QueueTo(peer, msg); err != nil {
		s.log.Error().Err(err).Msg("queue snapshot response")
		return
	}
	s.stats.SnapshotsServed++
}

func (s *Session) adoptSnapshot(peer transport.PeerID, msg protocol.P2PMessage) {
	if s.role == RoleHost {
		return
	}
	p, err := protocol.DecodePayload[protocol.SnapshotResponsePayload](msg.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed snapshot dropped")
		return
	}
	l, err := lobby.Unmarshal(p.Snapshot)
	if err != nil {
		s.log.Warn().Err(err).Msg("unreadable snapshot dropped")
		return
	}
	s.loop.SetLobby(l)
	released := s.rep.AdoptSnapshot(p.AsOfSequence)
	s.stats.SnapshotsAdopted++
	s.snapshotWait = false
	s.hostPeer = peer
	s.bindings[peer] = l.HostID
	if s.role == RoleNone {
		s.role = RoleGuest
	}
	s.applyRemote(released)

	// Introduce the new identity to every peer so they can bind it; without
	// this, guests that joined earlier would never learn who this peer is.
	if msg, ok := s.memberHello(); ok {
		if err := s.peers.QueueBroadcast(msg); err != nil {
			s.log.Error().Err(err).Msg("queue introduction")
		}
	}
	s.log.Info().Uint64("as_of_sequence", p.AsOfSequence).Msg("snapshot adopted")
}

func (s *Session) serveResend(peer transport.PeerID, msg protocol.P2PMessage) {
	if s.role != RoleHost || s.seq == nil {
		return
	}
	p, err := protocol.DecodePayload[protocol.ResendRequestPayload](msg.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed resend request dropped")
		return
	}
	events, ok := s.seq.Resend(p.From, p.To)
	if !ok {
		// The range predates this host's tenure; a fresh snapshot covers it.
		s.serveSnapshot(peer)
		return
	}
	msgs := make([]protocol.P2PMessage, 0, len(events))
	for _, e := range events {
		m, err := protocol.EventMessage(e)
		if err != nil {
			s.log.Error().Err(err).Msg("encode resent event")
			continue
		}
		msgs = append(msgs, m)
	}
	resp, err := protocol.ResendResponseMessage(msgs)
	if err != nil {
		s.log.Error().Err(err).Msg("encode resend response")
		return
	}
	if err := s.peers.QueueTo(peer, resp); err != nil {
		s.log.Error().Err(err).Msg("queue resend response")
		return
	}
	s.stats.ResendsServed++
}

func (s *Session) onResendResponse(peer transport.PeerID, msg protocol.P2PMessage) {
	if s.role == RoleHost {
		return
	}
	p, err := protocol.DecodePayload[protocol.ResendResponsePayload](msg.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed resend response dropped")
		return
	}
	for _, inner := range p.Messages {
		app, err := protocol.DecodeApp(inner)
		if err != nil || app.Kind != protocol.AppEvent {
			continue
		}
		e, err := protocol.DecodePayload[protocol.LobbyEvent](app.Body)
		if err != nil {
			continue
		}
		s.ingestEvent(peer, e)
	}
}

func (s *Session) onForwardedCommand(peer transport.PeerID, app protocol.AppPayload) {
	if s.role != RoleHost {
		return
	}
	origin, bound := s.bindings[peer]
	if !bound {
		s.log.Warn().Str("peer", string(peer)).Msg("command from unbound peer dropped")
		return
	}
	cmd, err := protocol.DecodePayload[lobby.Command](app.Body)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed command dropped")
		return
	}
	if cmd.Kind == lobby.CommandCompleteActivity {
		// Host-internal command; never accepted from the network.
		s.log.Warn().Str("peer", string(peer)).Msg("remote completion dropped")
		return
	}
	if err := s.loop.Submit(cmd, origin); err != nil {
		s.log.Warn().Err(err).Str("command", string(cmd.Kind)).Msg("forwarded command dropped")
	}
}

func (s *Session) checkTimeouts(now time.Time) {
	for _, peer := range s.monitor.Expired(now) {
		participantID, bound := s.bindings[peer]
		if !bound {
			continue
		}
		delete(s.bindings, peer)
		s.handleParticipantTimeout(participantID, now)
	}
}

func (s *Session) handleParticipantTimeout(participantID uuid.UUID, now time.Time) {
	lob := s.loop.Lobby()
	if lob == nil {
		return
	}
	if _, present := lob.Participant(participantID); !present {
		return
	}
	if participantID == lob.HostID {
		s.handleHostTimeout(participantID, now)
		return
	}
	if s.role == RoleHost {
		cmd, err := lobby.NewCommand(lobby.CommandLeaveLobby, lobby.LeaveLobbyPayload{
			LobbyID:       lob.LobbyID,
			ParticipantID: participantID,
		})
		if err != nil {
			s.log.Error().Err(err).Msg("build removal command")
			return
		}
		if err := s.loop.Submit(cmd, participantID); err != nil {
			s.pendingRemovals = append(s.pendingRemovals, queuedCommand{cmd: cmd, origin: participantID})
		}
		return
	}
	// Local copy only; the canonical GuestLeft arrives from the host.
	lob.RemoveParticipant(participantID)
	s.log.Info().Str("participant_id", participantID.String()).Msg("guest timed out locally")
}

// handleHostTimeout runs on guests: a host never observes itself time out.
// The local mutation is provisional until the sequenced HostDelegated
// settles it.
func (s *Session) handleHostTimeout(hostID uuid.UUID, now time.Time) {
	lob := s.loop.Lobby()
	lob.RemoveParticipant(hostID)
	successor, err := lob.AutoDelegateHost()
	if err != nil {
		s.hostLost = true
		s.hostPeer = ""
		s.log.Warn().Msg("host lost with no successor, lobby dormant")
		return
	}
	if successor.ParticipantID == s.self {
		s.promote(hostID, now)
		return
	}
	s.hostPeer = s.peerFor(successor.ParticipantID)
	s.log.Info().
		Str("successor", successor.ParticipantID.String()).
		Msg("host timed out, awaiting canonical delegation")
}

func (s *Session) promote(formerHost uuid.UUID, now time.Time) {
	lob := s.loop.Lobby()
	s.role = RoleHost
	s.hostPeer = ""
	s.hostLost = false
	s.seq = stream.AdoptSequencer(lob.LobbyID, s.rep.LastApplied(), s.rep.Log())

	ev, err := lobby.NewEvent(lobby.EventHostDelegated, lobby.HostDelegatedPayload{
		From:   formerHost,
		To:     s.self,
		Reason: lobby.ReasonTimeout,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("build delegation event")
		return
	}
	sealed := s.seq.Seal(ev, now)
	s.stats.EventsSealed++
	s.recordEvent(sealed)
	msg, err := protocol.EventMessage(sealed)
	if err != nil {
		s.log.Error().Err(err).Msg("encode delegation event")
		return
	}
	if err := s.peers.QueueBroadcast(msg); err != nil {
		s.log.Error().Err(err).Msg("queue delegation broadcast")
	}
	s.log.Info().Uint64("sequence", sealed.Sequence).Msg("promoted to host after timeout")
}

// maybeCompleteActivity enqueues the internal completion command once every
// active participant has a result for the running activity.
func (s *Session) maybeCompleteActivity() {
	if s.role != RoleHost {
		return
	}
	lob := s.loop.Lobby()
	if lob == nil {
		return
	}
	running := lob.RunningActivity()
	if running == nil {
		s.completing = uuid.Nil
		return
	}
	if s.completing == running.ActivityID || !allActiveSubmitted(lob, running.ActivityID) {
		return
	}
	cmd, err := lobby.NewCommand(lobby.CommandCompleteActivity, lobby.CompleteActivityPayload{
		LobbyID:    lob.LobbyID,
		ActivityID: running.ActivityID,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("build completion command")
		return
	}
	if err := s.loop.Submit(cmd, s.self); err != nil {
		return // queue full; retried next tick
	}
	s.completing = running.ActivityID
}

func allActiveSubmitted(lob *lobby.Lobby, activityID uuid.UUID) bool {
	results := lob.ResultsFor(activityID)
	if len(results) == 0 {
		return false
	}
	submitted := make(map[uuid.UUID]bool, len(results))
	for _, r := range results {
		submitted[r.ParticipantID] = true
	}
	for _, p := range lob.ListParticipants() {
		if p.Mode != lobby.ModeActive {
			continue
		}
		if !submitted[p.ParticipantID] {
			return false
		}
	}
	return true
}

func (s *Session) onParticipantRemoved(id uuid.UUID) {
	if id == s.self {
		s.log.Info().Msg("removed from lobby")
		s.resetMembership()
		return
	}
	s.unbindParticipant(id)
}

func (s *Session) unbindParticipant(id uuid.UUID) {
	for peer, bound := range s.bindings {
		if bound == id {
			delete(s.bindings, peer)
			s.monitor.PeerUp(peer)
		}
	}
}

// resetMembership returns the node to the idle state after it was removed
// from the lobby. Transport links stay up; the node may join again.
func (s *Session) resetMembership() {
	s.role = RoleNone
	s.self = uuid.Nil
	s.hostPeer = ""
	s.seq = nil
	s.rep = stream.NewReplica()
	s.loop.SetLobby(nil)
	s.hostLost = false
	s.completing = uuid.Nil
	s.snapshotWait = false
}

func (s *Session) recordEvent(e protocol.LobbyEvent) {
	if len(s.recent) >= recentEventsCap {
		trimmed := make([]protocol.LobbyEvent, 0, recentEventsCap)
		trimmed = append(trimmed, s.recent[len(s.recent)-recentEventsCap/2:]...)
		s.recent = trimmed
	}
	s.recent = append(s.recent, e)
}

func (s *Session) peerFor(id uuid.UUID) transport.PeerID {
	for peer, bound := range s.bindings {
		if bound == id {
			return peer
		}
	}
	return ""
}

func (s *Session) selfParticipant() (lobby.Participant, bool) {
	lob := s.loop.Lobby()
	if lob == nil || s.self == uuid.Nil {
		return lobby.Participant{}, false
	}
	return lob.Participant(s.self)
}

func (s *Session) view(now time.Time) View {
	v := View{
		Role:         s.role,
		SelfID:       s.self,
		HostLost:     s.hostLost,
		RecentEvents: s.recent,
		Stats:        s.stats,
		PublishedAt:  now,
	}
	if lob := s.loop.Lobby(); lob != nil {
		v.Lobby = lob.Clone()
	}
	if s.role == RoleHost && s.seq != nil {
		v.LastSequence = s.seq.Last()
	} else {
		v.LastSequence = s.rep.LastApplied()
		v.PendingEvents = s.rep.PendingCount()
	}
	return v
}
