// Package session is the Session Manager (C6): the session table,
// line/agent rosters, and the sole mutator of live call state.
package session

import (
	"sync"
	"time"
)

// Direction of a session.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// LegState mirrors the telephony server's channel state machine.
type LegState string

const (
	LegCreated  LegState = "created"
	LegRinging  LegState = "ringing"
	LegAnswered LegState = "answered"
	LegHungup   LegState = "hungup"
	LegFailed   LegState = "failed"
)

// Leg is one telephony channel participating in a session.
type Leg struct {
	ChannelID string
	State     LegState
	Number    string
	CallerID  string
	StartTS   time.Time
}

// IsLive reports whether the leg has not yet reached a terminal
// state.
func (l *Leg) IsLive() bool {
	return l != nil && l.State != LegHungup && l.State != LegFailed
}

// Session is the central live entity: one prospect interaction, one
// bridge, one or two legs.
type Session struct {
	mu sync.Mutex

	ID            string
	Direction     Direction
	CustomerLeg   *Leg
	OperatorLeg   *Leg
	BridgeID      string
	ScenarioName  string
	Inbound       bool
	MatchedLineID string // "" means unmapped

	// Flow cursor.
	CurrentStep    string
	RetryCounters  map[string]int

	// Metadata.
	LastTranscript     string
	LastIntent         string
	Result             string
	DialCause          int
	AnsweredAt         time.Time
	YesAt              time.Time
	OperatorConnectAt  time.Time
	ReportedStatuses   map[string]bool // dedup: panel status -> reported
	CleanupDone        bool

	ContactID      *int
	PhoneNumber    string
	ScenarioID     *int
	OutboundLineID *int
	AgentID        *int
	AgentPhone     string

	// Diversion/PAssertedIdentity carry a forwarded-from number
	// recovered from SIP headers on inbound legs (§4.6 supplement);
	// both are best-effort and may be empty.
	Diversion         string
	PAssertedIdentity string

	CreatedAt time.Time
}

// newSession constructs an empty session shell; callers fill in legs
// and bridge separately under the table lock discipline described in
// §5.
func newSession(id string, dir Direction) *Session {
	return &Session{
		ID:               id,
		Direction:        dir,
		RetryCounters:    make(map[string]int),
		ReportedStatuses: make(map[string]bool),
		CreatedAt:        time.Now(),
	}
}

// Lock acquires the session's own mutex. All mutation must happen
// while held (spec.md §3's "Synchronization" invariant).
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// SetResult records a terminal result code. A session may pass
// through set_result multiple times; de-duplication of panel reports
// is done by MarkReported, not by this method.
func (s *Session) SetResult(code string) {
	s.Result = code
}

// MarkReported records that a given mapped panel status has been
// sent, and reports whether it was already marked (i.e. this call is
// a duplicate that must be suppressed).
func (s *Session) MarkReported(status string) (alreadyReported bool) {
	if s.ReportedStatuses[status] {
		return true
	}
	s.ReportedStatuses[status] = true
	return false
}

// AllLegsTerminal reports whether every leg that exists has reached a
// terminal state.
func (s *Session) AllLegsTerminal() bool {
	if s.CustomerLeg != nil && s.CustomerLeg.IsLive() {
		return false
	}
	if s.OperatorLeg != nil && s.OperatorLeg.IsLive() {
		return false
	}
	return true
}
