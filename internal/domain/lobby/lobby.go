package lobby

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role describes a participant's authority inside the lobby.
type Role string

const (
	RoleHost  Role = "HOST"
	RoleGuest Role = "GUEST"
)

// Mode describes whether a participant takes part in activities.
type Mode string

const (
	ModeActive     Mode = "ACTIVE"
	ModeSpectating Mode = "SPECTATING"
)

// Complement returns the opposite participation mode.
func (m Mode) Complement() Mode {
	if m == ModeActive {
		return ModeSpectating
	}
	return ModeActive
}

// ActivityStatus describes an activity's lifecycle state.
type ActivityStatus string

const (
	ActivityStatusPlanned   ActivityStatus = "PLANNED"
	ActivityStatusRunning   ActivityStatus = "RUNNING"
	ActivityStatusCompleted ActivityStatus = "COMPLETED"
)

// DelegationReason records why the host role moved.
type DelegationReason string

const (
	ReasonManual  DelegationReason = "manual"
	ReasonTimeout DelegationReason = "timeout"
)

// Participant is a member of the lobby. The id is stable and never changes
// after creation; the role changes at most once per delegation event.
type Participant struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	Mode          Mode      `json:"mode"`
	JoinedAt      time.Time `json:"joined_at"`
}

// Activity is one planned or executed lobby activity. Config is opaque to the
// aggregate; the scoring capability interprets it per Kind.
type Activity struct {
	ActivityID  uuid.UUID       `json:"activity_id"`
	Kind        string          `json:"kind"`
	Config      json.RawMessage `json:"config,omitempty"`
	Status      ActivityStatus  `json:"status"`
	PlannedAt   time.Time       `json:"planned_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Result is one participant's scored submission for an activity.
type Result struct {
	ActivityID    uuid.UUID       `json:"activity_id"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	Data          json.RawMessage `json:"data,omitempty"`
	Score         float64         `json:"score"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// Lobby is the replicated aggregate for one collaborative session. HostID
// always resolves to the participant holding RoleHost, except transiently
// inside a failover tick between host removal and delegation. Mutation goes
// through aggregate methods only.
type Lobby struct {
	LobbyID      uuid.UUID                  `json:"lobby_id"`
	Name         string                     `json:"name"`
	HostID       uuid.UUID                  `json:"host_id"`
	Participants map[uuid.UUID]*Participant `json:"participants"`
	Activities   []*Activity                `json:"activities,omitempty"`
	Results      map[uuid.UUID][]Result     `json:"results,omitempty"`
}

// New creates a lobby with its host as the only participant.
func New(lobbyName, hostName string, now time.Time) (*Lobby, Participant) {
	host := &Participant{
		ParticipantID: uuid.New(),
		Name:          hostName,
		Role:          RoleHost,
		Mode:          ModeActive,
		JoinedAt:      now,
	}
	l := &Lobby{
		LobbyID:      uuid.New(),
		Name:         lobbyName,
		HostID:       host.ParticipantID,
		Participants: map[uuid.UUID]*Participant{host.ParticipantID: host},
		Results:      map[uuid.UUID][]Result{},
	}
	return l, *host
}

// AddGuest creates a guest participant. The aggregate rejects only a
// participant-id collision; capacity limits are caller policy, never an
// aggregate invariant.
func (l *Lobby) AddGuest(name string, now time.Time) (Participant, error) {
	p := &Participant{
		ParticipantID: uuid.New(),
		Name:          name,
		Role:          RoleGuest,
		Mode:          ModeActive,
		JoinedAt:      now,
	}
	if _, exists := l.Participants[p.ParticipantID]; exists {
		return Participant{}, fmt.Errorf("%w: %s", ErrDuplicateParticipant, p.ParticipantID)
	}
	l.Participants[p.ParticipantID] = p
	return *p, nil
}

// RemoveGuest removes a participant on its own initiative. The current host
// must delegate first while guests remain; a host alone may leave, emptying
// the lobby.
func (l *Lobby) RemoveGuest(participantID uuid.UUID) (Participant, error) {
	p, ok := l.Participants[participantID]
	if !ok {
		return Participant{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}
	if participantID == l.HostID && l.GuestCount() > 0 {
		return Participant{}, ErrHostCannotLeave
	}
	removed := *p
	delete(l.Participants, participantID)
	return removed, nil
}

// KickGuest removes a guest at the host's request.
func (l *Lobby) KickGuest(guestID, requesterID uuid.UUID) (Participant, error) {
	if requesterID != l.HostID {
		return Participant{}, ErrNotHost
	}
	if guestID == l.HostID {
		return Participant{}, ErrHostNotKickable
	}
	p, ok := l.Participants[guestID]
	if !ok {
		return Participant{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, guestID)
	}
	removed := *p
	delete(l.Participants, guestID)
	return removed, nil
}

// ToggleParticipationMode flips a participant between Active and Spectating.
// Self-toggle is always permitted; the host may force another participant's
// mode unless an activity is in progress.
func (l *Lobby) ToggleParticipationMode(participantID, requesterID uuid.UUID, activityInProgress bool) (Mode, error) {
	p, ok := l.Participants[participantID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}
	if participantID != requesterID {
		if requesterID != l.HostID {
			return "", ErrNotHost
		}
		if activityInProgress {
			return "", ErrActivityInProgress
		}
	}
	p.Mode = p.Mode.Complement()
	return p.Mode, nil
}

// DelegateHost reassigns the host role at the current host's request.
func (l *Lobby) DelegateHost(currentHostID, newHostID uuid.UUID) error {
	if currentHostID != l.HostID {
		return ErrNotHost
	}
	_, err := l.SetHost(newHostID)
	return err
}

// AutoDelegateHost promotes the remaining guest with the lowest participant
// id (bytewise), so every replica independently picks the same successor.
func (l *Lobby) AutoDelegateHost() (Participant, error) {
	var successor *Participant
	for _, p := range l.Participants {
		if p.Role != RoleGuest {
			continue
		}
		if successor == nil || bytes.Compare(p.ParticipantID[:], successor.ParticipantID[:]) < 0 {
			successor = p
		}
	}
	if successor == nil {
		return Participant{}, ErrNoGuests
	}
	if _, err := l.SetHost(successor.ParticipantID); err != nil {
		return Participant{}, err
	}
	return *successor, nil
}

// PlanActivity appends a new activity in PLANNED state. Host only; the
// scoring capability validates Config before the command reaches here.
func (l *Lobby) PlanActivity(kind string, config json.RawMessage, requesterID uuid.UUID, now time.Time) (Activity, error) {
	if requesterID != l.HostID {
		return Activity{}, ErrNotHost
	}
	a := &Activity{
		ActivityID: uuid.New(),
		Kind:       kind,
		Config:     config,
		Status:     ActivityStatusPlanned,
		PlannedAt:  now,
	}
	l.Activities = append(l.Activities, a)
	return *a, nil
}

// StartActivity moves a planned activity to RUNNING. At most one activity
// runs at a time.
func (l *Lobby) StartActivity(activityID, requesterID uuid.UUID, now time.Time) (Activity, error) {
	if requesterID != l.HostID {
		return Activity{}, ErrNotHost
	}
	if running := l.RunningActivity(); running != nil {
		return Activity{}, fmt.Errorf("%w: %s", ErrActivityInProgress, running.ActivityID)
	}
	a := l.activity(activityID)
	if a == nil {
		return Activity{}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if a.Status != ActivityStatusPlanned {
		return Activity{}, fmt.Errorf("%w: %s is %s", ErrActivityNotPlanned, activityID, a.Status)
	}
	a.Status = ActivityStatusRunning
	at := now
	a.StartedAt = &at
	return *a, nil
}

// SubmitResult records one scored result per active participant for a
// running activity.
func (l *Lobby) SubmitResult(activityID, participantID uuid.UUID, data json.RawMessage, score float64, now time.Time) (Result, error) {
	a := l.activity(activityID)
	if a == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if a.Status != ActivityStatusRunning {
		return Result{}, fmt.Errorf("%w: %s", ErrActivityNotRunning, activityID)
	}
	p, ok := l.Participants[participantID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}
	if p.Mode != ModeActive {
		return Result{}, ErrSpectatorResult
	}
	for _, r := range l.Results[activityID] {
		if r.ParticipantID == participantID {
			return Result{}, fmt.Errorf("%w: %s", ErrDuplicateResult, participantID)
		}
	}
	r := Result{
		ActivityID:    activityID,
		ParticipantID: participantID,
		Data:          data,
		Score:         score,
		SubmittedAt:   now,
	}
	if l.Results == nil {
		l.Results = map[uuid.UUID][]Result{}
	}
	l.Results[activityID] = append(l.Results[activityID], r)
	return r, nil
}

// CompleteActivity moves a running activity to COMPLETED.
func (l *Lobby) CompleteActivity(activityID uuid.UUID, now time.Time) (Activity, error) {
	a := l.activity(activityID)
	if a == nil {
		return Activity{}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if a.Status != ActivityStatusRunning {
		return Activity{}, fmt.Errorf("%w: %s", ErrActivityNotRunning, activityID)
	}
	a.Status = ActivityStatusCompleted
	at := now
	a.CompletedAt = &at
	return *a, nil
}

// AddParticipant inserts a replicated participant, reporting false when the
// id is already present.
func (l *Lobby) AddParticipant(p Participant) bool {
	if _, exists := l.Participants[p.ParticipantID]; exists {
		return false
	}
	cp := p
	l.Participants[p.ParticipantID] = &cp
	return true
}

// RemoveParticipant deletes by id, reporting whether anything was removed.
// Removing an absent participant is a no-op, never an error.
func (l *Lobby) RemoveParticipant(id uuid.UUID) bool {
	if _, ok := l.Participants[id]; !ok {
		return false
	}
	delete(l.Participants, id)
	return true
}

// SetParticipationMode assigns a mode directly. An unknown participant id is
// an error, not a no-op.
func (l *Lobby) SetParticipationMode(id uuid.UUID, mode Mode) (bool, error) {
	p, ok := l.Participants[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	if p.Mode == mode {
		return false, nil
	}
	p.Mode = mode
	return true, nil
}

// SetHost points the lobby at a new host, demoting the previous holder when
// still present. Re-applying the same delegation is a no-op.
func (l *Lobby) SetHost(newHostID uuid.UUID) (bool, error) {
	next, ok := l.Participants[newHostID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrParticipantNotFound, newHostID)
	}
	if l.HostID == newHostID && next.Role == RoleHost {
		return false, nil
	}
	if prev, ok := l.Participants[l.HostID]; ok && prev.ParticipantID != newHostID {
		prev.Role = RoleGuest
	}
	next.Role = RoleHost
	l.HostID = newHostID
	return true, nil
}

// AddActivity inserts a replicated activity, reporting false when the id is
// already present.
func (l *Lobby) AddActivity(a Activity) bool {
	if l.activity(a.ActivityID) != nil {
		return false
	}
	cp := a
	l.Activities = append(l.Activities, &cp)
	return true
}

// SetActivityStatus assigns a status directly, stamping the matching
// transition time. Re-applying the current status is a no-op.
func (l *Lobby) SetActivityStatus(activityID uuid.UUID, status ActivityStatus, at time.Time) (bool, error) {
	a := l.activity(activityID)
	if a == nil {
		return false, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if a.Status == status {
		return false, nil
	}
	a.Status = status
	t := at
	switch status {
	case ActivityStatusRunning:
		a.StartedAt = &t
	case ActivityStatusCompleted:
		a.CompletedAt = &t
	}
	return true, nil
}

// AddResult inserts a replicated result, reporting false when the
// participant already has one for the activity.
func (l *Lobby) AddResult(r Result) (bool, error) {
	if l.activity(r.ActivityID) == nil {
		return false, fmt.Errorf("%w: %s", ErrActivityNotFound, r.ActivityID)
	}
	for _, existing := range l.Results[r.ActivityID] {
		if existing.ParticipantID == r.ParticipantID {
			return false, nil
		}
	}
	if l.Results == nil {
		l.Results = map[uuid.UUID][]Result{}
	}
	l.Results[r.ActivityID] = append(l.Results[r.ActivityID], r)
	return true, nil
}

// Participant returns a copy of the participant with the given id.
func (l *Lobby) Participant(id uuid.UUID) (Participant, bool) {
	p, ok := l.Participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Host returns a copy of the current host participant, when present.
func (l *Lobby) Host() (Participant, bool) {
	return l.Participant(l.HostID)
}

// GuestCount reports the number of participants holding RoleGuest.
func (l *Lobby) GuestCount() int {
	n := 0
	for _, p := range l.Participants {
		if p.Role == RoleGuest {
			n++
		}
	}
	return n
}

// RunningActivity returns the activity currently RUNNING, or nil.
func (l *Lobby) RunningActivity() *Activity {
	for _, a := range l.Activities {
		if a.Status == ActivityStatusRunning {
			return a
		}
	}
	return nil
}

// ListParticipants returns copies sorted by join time then id, so every
// replica renders the same order.
func (l *Lobby) ListParticipants() []Participant {
	out := make([]Participant, 0, len(l.Participants))
	for _, p := range l.Participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return bytes.Compare(out[i].ParticipantID[:], out[j].ParticipantID[:]) < 0
	})
	return out
}

// ListActivities returns copies in plan order.
func (l *Lobby) ListActivities() []Activity {
	out := make([]Activity, 0, len(l.Activities))
	for _, a := range l.Activities {
		out = append(out, *a)
	}
	return out
}

// ResultsFor returns copies of the results submitted for an activity.
func (l *Lobby) ResultsFor(activityID uuid.UUID) []Result {
	rs := l.Results[activityID]
	if len(rs) == 0 {
		return nil
	}
	out := make([]Result, len(rs))
	copy(out, rs)
	return out
}

func (l *Lobby) activity(id uuid.UUID) *Activity {
	for _, a := range l.Activities {
		if a.ActivityID == id {
			return a
		}
	}
	return nil
}

// Clone deep-copies the aggregate so observers never see torn state.
func (l *Lobby) Clone() *Lobby {
	if l == nil {
		return nil
	}
	cp := &Lobby{
		LobbyID:      l.LobbyID,
		Name:         l.Name,
		HostID:       l.HostID,
		Participants: make(map[uuid.UUID]*Participant, len(l.Participants)),
		Results:      make(map[uuid.UUID][]Result, len(l.Results)),
	}
	for id, p := range l.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	if len(l.Activities) > 0 {
		cp.Activities = make([]*Activity, 0, len(l.Activities))
		for _, a := range l.Activities {
			ac := *a
			ac.Config = cloneRaw(a.Config)
			ac.StartedAt = cloneTime(a.StartedAt)
			ac.CompletedAt = cloneTime(a.CompletedAt)
			cp.Activities = append(cp.Activities, &ac)
		}
	}
	for id, rs := range l.Results {
		rsc := make([]Result, len(rs))
		copy(rsc, rs)
		for i := range rsc {
			rsc[i].Data = cloneRaw(rs[i].Data)
		}
		cp.Results[id] = rsc
	}
	return cp
}

// Normalize ensures maps decoded from a snapshot are non-nil.
func (l *Lobby) Normalize() {
	if l.Participants == nil {
		l.Participants = map[uuid.UUID]*Participant{}
	}
	if l.Results == nil {
		l.Results = map[uuid.UUID][]Result{}
	}
}

// Marshal serializes the aggregate for snapshot transfer.
func (l *Lobby) Marshal() ([]byte, error) {
	return json.Marshal(l)
}

// Unmarshal restores an aggregate from snapshot bytes.
func Unmarshal(data []byte) (*Lobby, error) {
	var l Lobby
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode lobby snapshot: %w", err)
	}
	l.Normalize()
	return &l, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	tc := *t
	return &tc
}
