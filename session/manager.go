package session

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vira-voice/dialer/events"
	"github.com/vira-voice/dialer/telephony"
)

// Hooks lets the Flow Engine react to session lifecycle events
// without the session package depending on flow (which depends on
// session). The Session Manager calls these without holding the
// session's own mutex — hook implementations must acquire it
// themselves if they need to mutate session fields.
type Hooks interface {
	// OnSessionStart is called once a session's customer leg and
	// bridge exist, inbound or outbound, to begin interpreting the
	// scenario's entry step.
	OnSessionStart(ctx context.Context, sess *Session)
	// OnAnswered is called when the customer leg transitions to
	// answered.
	OnAnswered(ctx context.Context, sess *Session)
	// OnHangup is called when the customer leg transitions to hungup
	// or failed; implementations must cancel any suspended step and
	// release telephony resources before returning.
	OnHangup(ctx context.Context, sess *Session)
	// OnEarlyTerminal is called when a Dial/Hangup event carries a SIP
	// cause that yields an early terminal result per §4.6, before any
	// scenario step has run.
	OnEarlyTerminal(ctx context.Context, sess *Session, resultCode string)
}

// Manager owns the session table and is the sole mutator of session
// state. Correlates channel/playback/recording ids to sessions and
// manages line occupancy. Each line's inbound wait queue is checked by
// the Dialer before originating, but no Manager code path adds an
// inbound call to it.
type Manager struct {
	tableMu sync.Mutex // coarse lock: inserts/removes only

	sessions            map[string]*Session
	channelToSession    map[string]string
	playbackToSession   map[string]string
	recordingToSession  map[string]string

	waiterMu         sync.Mutex
	playbackWaiters  map[string]*Waiter
	recordingWaiters map[string]*Waiter
	operatorWaiters  map[string]*Waiter // channel id -> waiter, fired on operator-leg answered

	lines      map[int]*Line
	linesByDID map[string]int // last-4-digits -> line id

	hooks Hooks
	tel   *telephony.Client
	log   *logrus.Entry
}

// New constructs a Manager.
func New(tel *telephony.Client, hooks Hooks, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		sessions:            make(map[string]*Session),
		channelToSession:    make(map[string]string),
		playbackToSession:   make(map[string]string),
		recordingToSession:  make(map[string]string),
		playbackWaiters:     make(map[string]*Waiter),
		recordingWaiters:    make(map[string]*Waiter),
		operatorWaiters:     make(map[string]*Waiter),
		lines:               make(map[int]*Line),
		linesByDID:          make(map[string]int),
		hooks:               hooks,
		tel:                 tel,
		log:                 log,
	}
}

// SetHooks wires the Flow Engine in after construction, breaking the
// Manager/Engine initialization cycle (the Engine's constructor takes
// a *Manager).
func (m *Manager) SetHooks(hooks Hooks) {
	m.hooks = hooks
}

// SetLines replaces the line table wholesale (called after each panel
// batch / at startup from static config).
func (m *Manager) SetLines(lines []*Line) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	m.lines = make(map[int]*Line, len(lines))
	m.linesByDID = make(map[string]int, len(lines))
	for _, l := range lines {
		m.lines[l.ID] = l
		if len(l.PhoneNumber) >= 4 {
			m.linesByDID[last4(l.PhoneNumber)] = l.ID
		}
	}
}

// Line returns the line by id, if configured.
func (m *Manager) Line(id int) (*Line, bool) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	l, ok := m.lines[id]
	return l, ok
}

// Lines returns every configured line (used by the Dialer's
// least-loaded selection pass).
func (m *Manager) Lines() []*Line {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	out := make([]*Line, 0, len(m.lines))
	for _, l := range m.lines {
		out = append(out, l)
	}
	return out
}

// Session looks up a session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// sessionByChannel resolves the owning session for a channel id.
func (m *Manager) sessionByChannel(channelID string) (*Session, bool) {
	m.tableMu.Lock()
	sessID, ok := m.channelToSession[channelID]
	m.tableMu.Unlock()
	if !ok {
		return nil, false
	}
	return m.Session(sessID)
}

// -- number normalisation & line matching (§4.6) --

var digitsOnly = regexp.MustCompile(`\D`)

// NormalizeNumber strips non-digit characters and, for a purely
// numeric 10-digit number, prefixes a leading 0. Idempotent.
func NormalizeNumber(raw string) string {
	stripped := digitsOnly.ReplaceAllString(raw, "")
	if len(stripped) == 10 {
		return "0" + stripped
	}
	return stripped
}

func last4(phoneNumber string) string {
	digits := digitsOnly.ReplaceAllString(phoneNumber, "")
	if len(digits) < 4 {
		return digits
	}
	return digits[len(digits)-4:]
}

// Last4 exposes last4 for the Dialer's dial-string construction
// (spec.md §4.8: "last 4 digits of the line's number" + customer
// number).
func Last4(phoneNumber string) string { return last4(phoneNumber) }

// matchLine finds the configured line whose last-4-digits match the
// inbound DID; unmatched calls get "" (unmapped), still accepted but
// with only global limits applied.
func (m *Manager) matchLine(did string) (int, bool) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	id, ok := m.linesByDID[last4(did)]
	return id, ok
}

// -- SIP cause mapping (§4.6, extended per SPEC_FULL §4.6 supplement) --

// ResultForCause maps a SIP cause code observed on a Dial/Hangup
// event to an early terminal result code. Cause 0 maps to power_off
// per §4.6 rather than being treated as "no cause": the telephony
// server only ever sends a Dial event with a genuine cause value.
func ResultForCause(cause int) string {
	switch cause {
	case 17:
		return "busy"
	case 0, 1, 3, 18, 19, 20, 22, 27, 38:
		return "power_off"
	case 21, 34, 41, 42:
		return "banned"
	case 16, 31, 32:
		return "missed"
	default:
		return "missed"
	}
}

// -- event dispatch --

// HandleEvent implements events.Handler. It hands the event to a
// short-lived goroutine, which resolves the owning session, so a slow
// session never stalls the event stream consumer (spec.md §4.2, §5).
func (m *Manager) HandleEvent(evt events.Event) {
	go m.dispatch(context.Background(), evt)
}

func (m *Manager) dispatch(ctx context.Context, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("recovered panic in event hook; event consumer unaffected")
		}
	}()

	switch evt.Kind {
	case events.KindNewChannel:
		m.onNewChannel(ctx, evt)
	case events.KindChannelStateChange:
		m.onStateChange(ctx, evt)
	case events.KindChannelHangupRequest, events.KindChannelDestroyed:
		m.onHangupEvent(ctx, evt)
	case events.KindPlaybackFinished:
		m.onPlaybackFinished(evt)
	case events.KindRecordingFinished:
		m.onRecordingFinished(evt)
	case events.KindRecordingFailed:
		m.onRecordingFailed(evt)
	case events.KindDial:
		m.onDial(ctx, evt)
	default:
		m.log.WithField("kind", evt.Kind).Debug("no handler for event kind")
	}
}

func (m *Manager) onNewChannel(ctx context.Context, evt events.Event) {
	if _, ok := m.sessionByChannel(evt.ChannelID); ok {
		// Pre-created by the Dialer for an outbound origination: attach.
		m.attachOutboundChannel(ctx, evt)
		return
	}
	m.startInbound(ctx, evt.ChannelID, evt.CallerNum, evt.ChannelName)
}

func (m *Manager) attachOutboundChannel(ctx context.Context, evt events.Event) {
	sess, ok := m.sessionByChannel(evt.ChannelID)
	if !ok {
		return
	}
	sess.Lock()
	if sess.CustomerLeg == nil {
		sess.CustomerLeg = &Leg{ChannelID: evt.ChannelID, State: LegCreated, StartTS: time.Now()}
	}
	sess.Unlock()
	m.hooks.OnSessionStart(ctx, sess)
}

// StartInbound handles a NewChannel event with no pre-existing
// session: auto-answer, allocate a session, create bridge, pick
// scenario.
func (m *Manager) startInbound(ctx context.Context, channelID, callerNumber, trunkDID string) *Session {
	lineID, matched := m.matchLine(trunkDID)

	sess := newSession(uuid.NewString(), Inbound)
	sess.Inbound = true
	sess.CustomerLeg = &Leg{
		ChannelID: channelID,
		State:     LegCreated,
		CallerID:  NormalizeNumber(callerNumber),
		StartTS:   time.Now(),
	}
	if matched {
		sess.MatchedLineID = itoa(lineID)
	}

	m.tableMu.Lock()
	m.sessions[sess.ID] = sess
	m.channelToSession[channelID] = sess.ID
	m.tableMu.Unlock()

	if matched {
		if l, ok := m.Line(lineID); ok {
			l.AcquireInbound()
		}
	}

	if err := m.tel.Answer(ctx, channelID); err != nil {
		m.log.WithError(err).Warn("auto-answer failed on inbound channel")
	}

	m.enrichFromSIPHeaders(ctx, sess, channelID)

	bridgeID, err := m.tel.CreateBridge(ctx, sess.ID)
	if err != nil {
		m.log.WithError(err).Error("create_bridge failed for inbound session")
	} else {
		sess.BridgeID = bridgeID
		_ = m.tel.AddChannelToBridge(ctx, bridgeID, channelID, "")
	}

	m.hooks.OnSessionStart(ctx, sess)
	return sess
}

// enrichFromSIPHeaders recovers a forwarded-from number via the
// Diversion and P-Asserted-Identity SIP headers. Best-effort: a read
// failure just leaves the field empty (SPEC_FULL.md §4.6 supplement).
func (m *Manager) enrichFromSIPHeaders(ctx context.Context, sess *Session, channelID string) {
	divert, err := m.tel.GetChannelVar(ctx, channelID, "PJSIP_HEADER(read,Diversion)")
	if err != nil {
		m.log.WithError(err).Debug("read Diversion header failed")
	}
	pai, err := m.tel.GetChannelVar(ctx, channelID, "PJSIP_HEADER(read,P-Asserted-Identity)")
	if err != nil {
		m.log.WithError(err).Debug("read P-Asserted-Identity header failed")
	}
	if divert == "" && pai == "" {
		return
	}
	sess.Lock()
	sess.Diversion = divert
	sess.PAssertedIdentity = pai
	sess.Unlock()
}

// StartOutbound is called by the Dialer after an origination request
// succeeds, before the matching NewChannel event arrives.
func (m *Manager) StartOutbound(contactPhone, scenarioName string, lineID int) *Session {
	sess := newSession(uuid.NewString(), Outbound)
	sess.ScenarioName = scenarioName
	sess.PhoneNumber = NormalizeNumber(contactPhone)
	sess.MatchedLineID = itoa(lineID)

	m.tableMu.Lock()
	m.sessions[sess.ID] = sess
	m.tableMu.Unlock()

	return sess
}

// BindOutboundChannel correlates a freshly originated channel id to
// the session the Dialer pre-created, to be called once Originate
// returns.
func (m *Manager) BindOutboundChannel(sess *Session, channelID string) {
	m.tableMu.Lock()
	m.channelToSession[channelID] = sess.ID
	m.tableMu.Unlock()

	sess.Lock()
	sess.CustomerLeg = &Leg{ChannelID: channelID, State: LegCreated, StartTS: time.Now()}
	sess.Unlock()
}

// BindOperatorChannel correlates a freshly originated operator-leg
// channel id to sess, to be called once a transfer_to_operator step's
// Originate call returns.
func (m *Manager) BindOperatorChannel(sess *Session, channelID string) {
	m.tableMu.Lock()
	m.channelToSession[channelID] = sess.ID
	m.tableMu.Unlock()

	sess.Lock()
	sess.OperatorLeg = &Leg{ChannelID: channelID, State: LegCreated, StartTS: time.Now()}
	sess.Unlock()
}

// RegisterOperatorWaiter registers a one-shot waiter fired when the
// operator leg identified by channelID transitions to answered.
func (m *Manager) RegisterOperatorWaiter(channelID string) *Waiter {
	w := NewWaiter()
	m.waiterMu.Lock()
	m.operatorWaiters[channelID] = w
	m.waiterMu.Unlock()
	return w
}

func (m *Manager) onStateChange(ctx context.Context, evt events.Event) {
	sess, ok := m.sessionByChannel(evt.ChannelID)
	if !ok {
		return
	}
	sess.Lock()
	isCustomer := sess.CustomerLeg != nil && sess.CustomerLeg.ChannelID == evt.ChannelID
	if isCustomer {
		sess.CustomerLeg.State = leg(evt.State)
		if sess.CustomerLeg.State == LegAnswered && sess.AnsweredAt.IsZero() {
			sess.AnsweredAt = time.Now()
		}
	} else if sess.OperatorLeg != nil && sess.OperatorLeg.ChannelID == evt.ChannelID {
		sess.OperatorLeg.State = leg(evt.State)
		if sess.OperatorLeg.State == LegAnswered && sess.OperatorConnectAt.IsZero() {
			sess.OperatorConnectAt = time.Now()
		}
	}
	answered := isCustomer && sess.CustomerLeg.State == LegAnswered
	operatorAnswered := !isCustomer && sess.OperatorLeg != nil && sess.OperatorLeg.State == LegAnswered
	sess.Unlock()

	if answered {
		m.hooks.OnAnswered(ctx, sess)
	}
	if operatorAnswered {
		if sess.BridgeID != "" {
			_ = m.tel.AddChannelToBridge(ctx, sess.BridgeID, evt.ChannelID, "")
		}
		m.waiterMu.Lock()
		w, ok := m.operatorWaiters[evt.ChannelID]
		if ok {
			delete(m.operatorWaiters, evt.ChannelID)
		}
		m.waiterMu.Unlock()
		if ok {
			w.Fire(nil)
		}
	}
}

func (m *Manager) onHangupEvent(ctx context.Context, evt events.Event) {
	sess, ok := m.sessionByChannel(evt.ChannelID)
	if !ok {
		return
	}
	sess.Lock()
	isCustomer := sess.CustomerLeg != nil && sess.CustomerLeg.ChannelID == evt.ChannelID
	if isCustomer {
		sess.CustomerLeg.State = LegHungup
	} else if sess.OperatorLeg != nil && sess.OperatorLeg.ChannelID == evt.ChannelID {
		sess.OperatorLeg.State = LegHungup
	}
	sess.Unlock()

	if isCustomer {
		m.hooks.OnHangup(ctx, sess)
	}
}

func (m *Manager) onDial(ctx context.Context, evt events.Event) {
	sess, ok := m.sessionByChannel(evt.ChannelID)
	if !ok {
		return
	}
	sess.Lock()
	sess.DialCause = evt.Cause
	sess.Unlock()

	m.hooks.OnEarlyTerminal(ctx, sess, ResultForCause(evt.Cause))
}

func (m *Manager) onPlaybackFinished(evt events.Event) {
	m.waiterMu.Lock()
	w, ok := m.playbackWaiters[evt.PlaybackID]
	if ok {
		delete(m.playbackWaiters, evt.PlaybackID)
	}
	m.waiterMu.Unlock()
	m.tableMu.Lock()
	delete(m.playbackToSession, evt.PlaybackID)
	m.tableMu.Unlock()
	if ok {
		w.Fire(nil)
	}
}

func (m *Manager) onRecordingFinished(evt events.Event) {
	m.waiterMu.Lock()
	w, ok := m.recordingWaiters[evt.RecordingName]
	if ok {
		delete(m.recordingWaiters, evt.RecordingName)
	}
	m.waiterMu.Unlock()
	m.tableMu.Lock()
	delete(m.recordingToSession, evt.RecordingName)
	m.tableMu.Unlock()
	if ok {
		w.Fire(evt.RecordingName)
	}
}

func (m *Manager) onRecordingFailed(evt events.Event) {
	m.waiterMu.Lock()
	w, ok := m.recordingWaiters[evt.RecordingName]
	if ok {
		delete(m.recordingWaiters, evt.RecordingName)
	}
	m.waiterMu.Unlock()
	m.tableMu.Lock()
	delete(m.recordingToSession, evt.RecordingName)
	m.tableMu.Unlock()
	if ok {
		w.Fire(nil) // nil payload signals failure to the waiting step
	}
}

// RegisterPlaybackWaiter registers a one-shot waiter for a playback
// id before the Play telephony call is issued, and records the
// playback->session correlation.
func (m *Manager) RegisterPlaybackWaiter(sessionID, playbackID string) *Waiter {
	w := NewWaiter()
	m.tableMu.Lock()
	m.playbackToSession[playbackID] = sessionID
	m.tableMu.Unlock()
	m.waiterMu.Lock()
	m.playbackWaiters[playbackID] = w
	m.waiterMu.Unlock()
	return w
}

// RegisterRecordingWaiter registers a one-shot waiter for a recording
// name before the Record telephony call is issued, and records the
// recording->session correlation.
func (m *Manager) RegisterRecordingWaiter(sessionID, name string) *Waiter {
	w := NewWaiter()
	m.tableMu.Lock()
	m.recordingToSession[name] = sessionID
	m.tableMu.Unlock()
	m.waiterMu.Lock()
	m.recordingWaiters[name] = w
	m.waiterMu.Unlock()
	return w
}

// sessionByPlayback resolves the owning session for a playback id via
// the playback correlation map. No code in this package calls it.
func (m *Manager) sessionByPlayback(playbackID string) (*Session, bool) {
	m.tableMu.Lock()
	sessID, ok := m.playbackToSession[playbackID]
	m.tableMu.Unlock()
	if !ok {
		return nil, false
	}
	return m.Session(sessID)
}

// OnLineFree wakes any queued inbound waiter with FIFO ordering.
// Outbound resumption on this line stays blocked while any inbound
// waiter remains queued (spec.md §5).
func (m *Manager) OnLineFree(lineID int) {
	l, ok := m.Line(lineID)
	if !ok {
		return
	}
	if _, ok := l.DequeueInboundWaiter(); ok {
		// The actual resumption (re-answering / re-bridging) happens in
		// the caller that owns the waiting goroutine; this just unblocks
		// the queue so the Dialer's line-selection pass sees it drained.
		m.log.WithField("line_id", lineID).Debug("inbound waiter dequeued")
	}
}

// Cleanup is idempotent via Session.CleanupDone. Deletes the bridge,
// hangs up any still-live legs (best-effort), releases line counters,
// and removes channel->session mappings.
func (m *Manager) Cleanup(ctx context.Context, sess *Session) {
	sess.Lock()
	if sess.CleanupDone {
		sess.Unlock()
		return
	}
	sess.CleanupDone = true
	customer := sess.CustomerLeg
	operator := sess.OperatorLeg
	bridgeID := sess.BridgeID
	lineIDStr := sess.MatchedLineID
	direction := sess.Direction
	sess.Unlock()

	if customer != nil && customer.IsLive() {
		if err := m.tel.Hangup(ctx, customer.ChannelID, "normal"); err != nil {
			m.log.WithError(err).Debug("best-effort hangup of customer leg failed")
		}
	}
	if operator != nil && operator.IsLive() {
		if err := m.tel.Hangup(ctx, operator.ChannelID, "normal"); err != nil {
			m.log.WithError(err).Debug("best-effort hangup of operator leg failed")
		}
	}
	if bridgeID != "" {
		if err := m.tel.DestroyBridge(ctx, bridgeID); err != nil {
			m.log.WithError(err).Debug("best-effort destroy_bridge failed")
		}
	}

	m.tableMu.Lock()
	if customer != nil {
		delete(m.channelToSession, customer.ChannelID)
	}
	if operator != nil {
		delete(m.channelToSession, operator.ChannelID)
	}
	m.tableMu.Unlock()

	if operator != nil {
		m.waiterMu.Lock()
		delete(m.operatorWaiters, operator.ChannelID)
		m.waiterMu.Unlock()
	}

	if lineIDStr != "" {
		if id, ok := atoi(lineIDStr); ok {
			if l, ok := m.Line(id); ok {
				if direction == Outbound {
					l.ReleaseOutbound()
				} else {
					l.ReleaseInbound()
				}
			}
		}
	}
}

// RemoveSession drops a session from the table entirely. Called after
// the terminal panel report has been emitted.
func (m *Manager) RemoveSession(sessionID string) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	delete(m.sessions, sessionID)
}

// LiveSessions returns every session still in the table (used by the
// shutdown sweep).
func (m *Manager) LiveSessions() []*Session {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func leg(state string) LegState {
	switch strings.ToLower(state) {
	case "ring", "ringing":
		return LegRinging
	case "up", "answered":
		return LegAnswered
	case "down", "hungup":
		return LegHungup
	case "failed":
		return LegFailed
	default:
		return LegCreated
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
