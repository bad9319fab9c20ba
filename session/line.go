package session

import (
	"sync"
	"time"
)

// Line is a configured outbound-trunk identity.
type Line struct {
	ID          int
	PhoneNumber string
	DisplayName string

	mu sync.Mutex

	outboundInFlight int
	inboundInFlight  int

	minuteWindow []time.Time // timestamps of originations in the last minute
	secondWindow []time.Time // timestamps of originations in the last second

	callsToday   int
	dayAnchor    time.Time // local midnight this counter was last reset against

	inboundWaiting []string // session ids queued for this line, FIFO
}

// NewLine constructs a Line with its counters zeroed.
func NewLine(id int, phoneNumber, displayName string) *Line {
	return &Line{ID: id, PhoneNumber: phoneNumber, DisplayName: displayName, dayAnchor: localMidnight(time.Now())}
}

func localMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// resetIfNewDay rolls callsToday to 0 when local midnight has passed
// since the last reset (spec.md §9: "midnight as reported by the
// system clock", no special DST handling).
func (l *Line) resetIfNewDay(now time.Time) {
	anchor := localMidnight(now)
	if anchor.After(l.dayAnchor) {
		l.callsToday = 0
		l.dayAnchor = anchor
	}
}

func pruneWindow(ts []time.Time, now time.Time, within time.Duration) []time.Time {
	cutoff := now.Add(-within)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// Snapshot is a read-only view of a line's current counters, used by
// the Dialer's line-selection pass.
type Snapshot struct {
	ID                  int
	OutboundInFlight    int
	InboundInFlight     int
	OriginationsThisSec int
	CallsLastMinute     int
	CallsToday          int
	InboundWaitingLen   int
}

// Snapshot reads the line's current counters under its mutex.
func (l *Line) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay(now)
	l.secondWindow = pruneWindow(l.secondWindow, now, time.Second)
	l.minuteWindow = pruneWindow(l.minuteWindow, now, time.Minute)
	return Snapshot{
		ID:                  l.ID,
		OutboundInFlight:    l.outboundInFlight,
		InboundInFlight:     l.inboundInFlight,
		OriginationsThisSec: len(l.secondWindow),
		CallsLastMinute:     len(l.minuteWindow),
		CallsToday:          l.callsToday,
		InboundWaitingLen:   len(l.inboundWaiting),
	}
}

// RecordOrigination increments the in-flight/window/daily counters
// for a newly placed outbound call. Must be called exactly once per
// successful origination.
func (l *Line) RecordOrigination(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay(now)
	l.outboundInFlight++
	l.secondWindow = append(pruneWindow(l.secondWindow, now, time.Second), now)
	l.minuteWindow = append(pruneWindow(l.minuteWindow, now, time.Minute), now)
	l.callsToday++
}

// ReleaseOutbound decrements the outbound in-flight counter when a
// session on this line reaches cleanup. Counters never go negative.
func (l *Line) ReleaseOutbound() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outboundInFlight > 0 {
		l.outboundInFlight--
	}
}

// AcquireInbound increments the inbound in-flight counter for a
// newly accepted inbound call.
func (l *Line) AcquireInbound() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inboundInFlight++
}

// ReleaseInbound decrements the inbound in-flight counter.
func (l *Line) ReleaseInbound() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inboundInFlight > 0 {
		l.inboundInFlight--
	}
}

// EnqueueInboundWaiter appends sessionID to this line's FIFO inbound
// wait queue. Outbound origination on this line is blocked while the
// queue is non-empty (spec.md §5).
func (l *Line) EnqueueInboundWaiter(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inboundWaiting = append(l.inboundWaiting, sessionID)
}

// DequeueInboundWaiter pops the oldest queued waiter, if any.
func (l *Line) DequeueInboundWaiter() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inboundWaiting) == 0 {
		return "", false
	}
	id := l.inboundWaiting[0]
	l.inboundWaiting = l.inboundWaiting[1:]
	return id, true
}
