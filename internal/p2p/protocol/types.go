package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parley-p2p/parley/internal/domain/lobby"
)

// MessageKind defines the wire message kinds. One kind per network send.
type MessageKind string

const (
	KindApplication      MessageKind = "APPLICATION"
	KindSnapshotRequest  MessageKind = "SNAPSHOT_REQUEST"
	KindSnapshotResponse MessageKind = "SNAPSHOT_RESPONSE"
	KindResendRequest    MessageKind = "RESEND_REQUEST"
	KindResendResponse   MessageKind = "RESEND_RESPONSE"
)

var validKinds = map[MessageKind]struct{}{
	KindApplication:      {},
	KindSnapshotRequest:  {},
	KindSnapshotResponse: {},
	KindResendRequest:    {},
	KindResendResponse:   {},
}

// P2PMessage is the wire envelope. Sequence carries the host-assigned event
// sequence on sequenced application messages and is zero otherwise.
type P2PMessage struct {
	Sequence uint64          `json:"sequence"`
	Kind     MessageKind     `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ValidateBasic checks envelope fields that need no session state.
func (m P2PMessage) ValidateBasic() error {
	if _, ok := validKinds[m.Kind]; !ok {
		return fmt.Errorf("unsupported message kind: %s", m.Kind)
	}
	if m.Kind != KindSnapshotRequest && len(m.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// Encode marshals the envelope for the transport.
func (m P2PMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and checks one wire message.
func Decode(data []byte) (P2PMessage, error) {
	var m P2PMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return P2PMessage{}, fmt.Errorf("decode p2p message: %w", err)
	}
	if err := m.ValidateBasic(); err != nil {
		return P2PMessage{}, err
	}
	return m, nil
}

// NewMessage wraps a typed payload into an envelope.
func NewMessage(kind MessageKind, sequence uint64, payload any) (P2PMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return P2PMessage{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return P2PMessage{Sequence: sequence, Kind: kind, Payload: raw}, nil
}

// DecodePayload decodes message payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// LobbyEvent is the replicated event envelope: a domain event wrapped with
// the host-assigned sequence (starts at 1, no gaps in the host's emission
// order). Sequence zero marks an event not yet sequenced (guest-originated).
// Signature is reserved and unimplemented.
type LobbyEvent struct {
	Sequence  uint64      `json:"sequence"`
	LobbyID   uuid.UUID   `json:"lobby_id"`
	Timestamp time.Time   `json:"timestamp"`
	Event     lobby.Event `json:"event"`
	Signature []byte      `json:"signature,omitempty"`
}

// ValidateBasic checks required envelope fields.
func (e LobbyEvent) ValidateBasic() error {
	if e.LobbyID == uuid.Nil {
		return errors.New("lobby_id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Event.Kind == "" {
		return errors.New("event kind is required")
	}
	return nil
}

// SnapshotResponsePayload carries a full lobby serialization and the last
// sequence it reflects.
type SnapshotResponsePayload struct {
	Snapshot     json.RawMessage `json:"snapshot"`
	AsOfSequence uint64          `json:"as_of_sequence"`
}

// ResendRequestPayload asks the host for the missing closed range [From, To].
type ResendRequestPayload struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// ResendResponsePayload carries the re-sent application messages in sequence
// order.
type ResendResponsePayload struct {
	Messages []P2PMessage `json:"messages"`
}

// AppKind tags application payloads riding inside APPLICATION messages.
type AppKind string

const (
	AppHello   AppKind = "HELLO"
	AppWelcome AppKind = "WELCOME"
	AppEvent   AppKind = "LOBBY_EVENT"
	AppCommand AppKind = "COMMAND"
)

// AppPayload is the application-level envelope inside APPLICATION messages.
type AppPayload struct {
	Kind AppKind         `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// HelloPayload introduces a peer after PeerConnected. An existing member
// sends its participant (name, role, mode, participant id); a first-time
// joiner has no participant yet and sends the name it wants to join under.
type HelloPayload struct {
	LobbyID     uuid.UUID          `json:"lobby_id"`
	Participant *lobby.Participant `json:"participant,omitempty"`
	JoinName    string             `json:"join_name,omitempty"`
}

// WelcomePayload is the host's directed answer to a join introduction,
// handing the new guest its participant identity.
type WelcomePayload struct {
	LobbyID     uuid.UUID         `json:"lobby_id"`
	Participant lobby.Participant `json:"participant"`
}

// NewApplicationMessage wraps body into an AppPayload envelope.
func NewApplicationMessage(sequence uint64, kind AppKind, body any) (P2PMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return P2PMessage{}, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return NewMessage(KindApplication, sequence, AppPayload{Kind: kind, Body: raw})
}

// EventMessage wraps a LobbyEvent, mirroring its sequence on the envelope.
func EventMessage(ev LobbyEvent) (P2PMessage, error) {
	return NewApplicationMessage(ev.Sequence, AppEvent, ev)
}

// CommandMessage wraps a guest-originated command request for the host.
func CommandMessage(cmd lobby.Command) (P2PMessage, error) {
	return NewApplicationMessage(0, AppCommand, cmd)
}

// HelloMessage wraps an introduction.
func HelloMessage(h HelloPayload) (P2PMessage, error) {
	return NewApplicationMessage(0, AppHello, h)
}

// WelcomeMessage wraps a join acknowledgment.
func WelcomeMessage(w WelcomePayload) (P2PMessage, error) {
	return NewApplicationMessage(0, AppWelcome, w)
}

// SnapshotRequestMessage asks the host for a full snapshot.
func SnapshotRequestMessage() P2PMessage {
	return P2PMessage{Kind: KindSnapshotRequest}
}

// SnapshotResponseMessage wraps a full lobby serialization.
func SnapshotResponseMessage(snapshot []byte, asOfSequence uint64) (P2PMessage, error) {
	return NewMessage(KindSnapshotResponse, 0, SnapshotResponsePayload{
		Snapshot:     snapshot,
		AsOfSequence: asOfSequence,
	})
}

// ResendRequestMessage asks for the missing closed sequence range.
func ResendRequestMessage(from, to uint64) (P2PMessage, error) {
	return NewMessage(KindResendRequest, 0, ResendRequestPayload{From: from, To: to})
}

// ResendResponseMessage carries re-sent messages in sequence order.
func ResendResponseMessage(messages []P2PMessage) (P2PMessage, error) {
	return NewMessage(KindResendResponse, 0, ResendResponsePayload{Messages: messages})
}

// DecodeApp parses the application payload envelope.
func DecodeApp(m P2PMessage) (AppPayload, error) {
	if m.Kind != KindApplication {
		return AppPayload{}, fmt.Errorf("not an application message: %s", m.Kind)
	}
	var app AppPayload
	if err := json.Unmarshal(m.Payload, &app); err != nil {
		return AppPayload{}, fmt.Errorf("decode application payload: %w", err)
	}
	if len(app.Body) == 0 {
		return AppPayload{}, errors.New("application body is required")
	}
	return app, nil
}
