// Package dialer is the Dialer (C8): the outbound pacing engine that
// pulls contacts from the campaign panel, picks the least-loaded
// permissible line, and originates calls within every configured rate
// limit (spec.md §4.8).
package dialer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vira-voice/dialer/alert"
	"github.com/vira-voice/dialer/internal/config"
	"github.com/vira-voice/dialer/panel"
	"github.com/vira-voice/dialer/result"
	"github.com/vira-voice/dialer/scenario"
	"github.com/vira-voice/dialer/session"
	"github.com/vira-voice/dialer/telephony"
)

// failureResults is the set of early-terminal codes that count toward
// the consecutive-failure cascade (spec.md §4.8).
var failureResults = map[string]bool{
	string(result.Missed):   true,
	string(result.Busy):     true,
	string(result.Banned):   true,
	string(result.PowerOff): true,
	"quota_exhausted":       true,
	"transient_network":     true,
	"failed:vira_quota":     true,
	"failed:llm_quota":      true,
}

// Dialer runs the outbound pacing loop. It does not itself start the
// scenario flow for a newly originated call: that happens through the
// ordinary session.Hooks.OnSessionStart path once the matching
// NewChannel event arrives, the same as any other channel.
type Dialer struct {
	mgr      *session.Manager
	tel      *telephony.Client
	panelc   *panel.Client
	registry *scenario.Registry

	inboundRoster  *session.Roster
	outboundRoster *session.Roster

	alerter        alert.Alerter
	cfg            config.Dialer
	threshold      int
	usePanelAgents bool
	log            *logrus.Entry

	contactsMu sync.Mutex
	contacts   []panel.Contact

	throttleMu    sync.Mutex
	windowStart   time.Time
	countInWindow int

	stateMu          sync.Mutex
	pausedUntil      time.Time
	pausedByFailures bool
	consecutiveFails int
}

// New constructs a Dialer. alerter may be nil, in which case failure
// alerts are logged only. failThreshold is the consecutive-failure
// count (SMS.FailAlertThreshold) that trips the cascade pause.
// usePanelAgents controls whether operator rosters are replaced on
// every panel batch; when false the caller has seeded the rosters
// statically and panel batches must not override them.
func New(mgr *session.Manager, tel *telephony.Client, panelc *panel.Client, registry *scenario.Registry, inboundRoster, outboundRoster *session.Roster, alerter alert.Alerter, cfg config.Dialer, failThreshold int, usePanelAgents bool, log *logrus.Entry) *Dialer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	contacts := make([]panel.Contact, 0, len(cfg.StaticContacts))
	for _, n := range cfg.StaticContacts {
		contacts = append(contacts, panel.Contact{PhoneNumber: n})
	}
	return &Dialer{
		mgr:            mgr,
		tel:            tel,
		panelc:         panelc,
		registry:       registry,
		inboundRoster:  inboundRoster,
		outboundRoster: outboundRoster,
		alerter:        alerter,
		cfg:            cfg,
		threshold:      failThreshold,
		usePanelAgents: usePanelAgents,
		log:            log,
		contacts:       contacts,
	}
}

// Run executes the dialer's pacing loop until ctx is cancelled.
func (d *Dialer) Run(ctx context.Context) {
	d.log.WithField("queued_contacts", len(d.contacts)).Info("dialer started")
	for {
		if ctx.Err() != nil {
			d.log.Info("dialer stopped")
			return
		}

		if wait := d.pauseRemaining(); wait > 0 {
			sleep(ctx, wait)
			continue
		}

		if d.contactCount() == 0 {
			if d.refillFromPanel(ctx) {
				continue
			}
			sleep(ctx, time.Duration(d.cfg.DefaultRetrySecs)*time.Second)
			continue
		}

		contact, ok := d.popContact()
		if !ok {
			continue
		}

		line := d.selectLine()
		if line == nil {
			d.pushContactFront(contact)
			sleep(ctx, jitter(50, 200))
			continue
		}

		d.throttle(ctx)
		d.originate(ctx, contact, line)
		sleep(ctx, 50*time.Millisecond)
	}
}

func (d *Dialer) contactCount() int {
	d.contactsMu.Lock()
	defer d.contactsMu.Unlock()
	return len(d.contacts)
}

func (d *Dialer) popContact() (panel.Contact, bool) {
	d.contactsMu.Lock()
	defer d.contactsMu.Unlock()
	if len(d.contacts) == 0 {
		return panel.Contact{}, false
	}
	c := d.contacts[0]
	d.contacts = d.contacts[1:]
	return c, true
}

func (d *Dialer) pushContactFront(c panel.Contact) {
	d.contactsMu.Lock()
	defer d.contactsMu.Unlock()
	d.contacts = append([]panel.Contact{c}, d.contacts...)
}

// refillFromPanel fetches a fresh batch when the panel is configured.
// It returns true if the caller should immediately loop again (a
// batch of contacts arrived, or the panel disallowed calls and the
// dialer is now paused); it returns false when the panel is not
// configured or the batch carried no contacts.
func (d *Dialer) refillFromPanel(ctx context.Context) bool {
	if d.panelc == nil {
		return false
	}

	batch := d.panelc.GetNextBatch(ctx, d.cfg.BatchSize)
	if !batch.CallAllowed {
		d.log.WithField("retry_after", batch.RetryAfter).Info("panel disallowed calls; pausing")
		d.pauseFor(batch.RetryAfter)
		return true
	}

	d.registry.SetEnabled(scenarioNames(batch.ActiveScenarios))
	d.mgr.SetLines(toLines(batch.OutboundLines))
	if d.usePanelAgents {
		d.outboundRoster.Replace(toAgents(batch.OutboundAgents))
		d.inboundRoster.Replace(toAgents(batch.InboundAgents))
	}

	if len(batch.Contacts) == 0 {
		return false
	}

	d.contactsMu.Lock()
	d.contacts = append(d.contacts, batch.Contacts...)
	d.contactsMu.Unlock()
	d.log.WithField("count", len(batch.Contacts)).Info("queued contacts from panel batch")
	return true
}

func scenarioNames(refs []panel.ScenarioRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Name)
	}
	return out
}

func toLines(refs []panel.LineRef) []*session.Line {
	out := make([]*session.Line, 0, len(refs))
	for _, r := range refs {
		out = append(out, session.NewLine(r.ID, r.PhoneNumber, r.DisplayName))
	}
	return out
}

func toAgents(refs []panel.AgentRef) []*session.Agent {
	out := make([]*session.Agent, 0, len(refs))
	for _, r := range refs {
		out = append(out, &session.Agent{ID: r.ID, PhoneNumber: r.PhoneNumber})
	}
	return out
}

// -- line selection (spec.md §4.8, "least-loaded among permissible") --

// selectLine filters the configured lines by every hard limit, then
// picks the remaining line with the fewest calls in flight, breaking
// ties by fewest originations in the current second.
func (d *Dialer) selectLine() *session.Line {
	now := time.Now()
	var best *session.Line
	var bestSnap session.Snapshot

	for _, l := range d.mgr.Lines() {
		snap := l.Snapshot(now)
		if !d.permissible(snap) {
			continue
		}
		if best == nil ||
			(snap.OutboundInFlight+snap.InboundInFlight) < (bestSnap.OutboundInFlight+bestSnap.InboundInFlight) ||
			((snap.OutboundInFlight+snap.InboundInFlight) == (bestSnap.OutboundInFlight+bestSnap.InboundInFlight) &&
				snap.OriginationsThisSec < bestSnap.OriginationsThisSec) {
			best = l
			bestSnap = snap
		}
	}
	return best
}

func (d *Dialer) permissible(snap session.Snapshot) bool {
	if snap.OutboundInFlight+snap.InboundInFlight >= d.cfg.MaxConcurrentCalls {
		return false
	}
	if snap.InboundWaitingLen > 0 {
		return false // inbound-priority yield
	}
	if snap.CallsLastMinute >= d.cfg.MaxCallsPerMinute {
		return false
	}
	if snap.CallsToday >= d.cfg.MaxCallsPerDay {
		return false
	}
	return true
}

// -- global per-second origination throttle --

// throttle blocks until the global MAX_ORIGINATIONS_PER_SECOND budget
// has room, matching the original's fixed-window counter.
func (d *Dialer) throttle(ctx context.Context) {
	if d.cfg.MaxOriginationsPerSecond <= 0 {
		return
	}
	for {
		now := time.Now()
		d.throttleMu.Lock()
		if now.Sub(d.windowStart) >= time.Second {
			d.windowStart = now
			d.countInWindow = 0
		}
		if d.countInWindow < int(d.cfg.MaxOriginationsPerSecond) {
			d.countInWindow++
			d.throttleMu.Unlock()
			return
		}
		wait := time.Second - now.Sub(d.windowStart)
		d.throttleMu.Unlock()
		if wait <= 0 {
			continue
		}
		sleep(ctx, wait)
		if ctx.Err() != nil {
			return
		}
	}
}

// -- origination --

func (d *Dialer) originate(ctx context.Context, contact panel.Contact, line *session.Line) {
	scenarioName, _ := d.registry.NextScenario()

	sess := d.mgr.StartOutbound(contact.PhoneNumber, scenarioName, line.ID)
	if contact.ID != 0 {
		id := contact.ID
		sess.ContactID = &id
	}
	lineID := line.ID
	sess.OutboundLineID = &lineID

	endpoint := fmt.Sprintf("PJSIP/%s%s@%s", session.Last4(line.PhoneNumber), session.NormalizeNumber(contact.PhoneNumber), d.cfg.OutboundTrunk)
	channelID, err := d.tel.Originate(ctx, telephony.OriginateParams{
		Endpoint:    endpoint,
		CallerID:    d.cfg.DefaultCallerID,
		TimeoutSecs: d.cfg.OriginationTimeoutSecs,
	})
	if err != nil {
		d.log.WithError(err).WithField("phone_number", contact.PhoneNumber).Warn("origination failed")
		d.mgr.RemoveSession(sess.ID)
		d.recordFailure(ctx, contact, "transient_network")
		return
	}

	line.RecordOrigination(time.Now())
	d.mgr.BindOutboundChannel(sess, channelID)
	d.recordSuccess()

	go d.watchOrigination(ctx, sess, line.ID)
}

// watchOrigination declares a session missed if no NewChannel/Dial
// progress arrives within ORIGINATION_TIMEOUT (spec.md §4.8).
func (d *Dialer) watchOrigination(ctx context.Context, sess *session.Session, lineID int) {
	timeout := time.Duration(d.cfg.OriginationTimeoutSecs) * time.Second
	select {
	case <-time.After(timeout):
	case <-ctx.Done():
		return
	}

	sess.Lock()
	alreadyTerminal := sess.Result != "" || (sess.CustomerLeg != nil && sess.CustomerLeg.State == session.LegAnswered)
	sess.Unlock()
	if alreadyTerminal {
		return
	}

	d.log.WithField("session_id", sess.ID).Warn("origination timed out with no channel progress; marking missed")
	sess.Lock()
	sess.SetResult(string(result.Missed))
	sess.Unlock()
	d.mgr.Cleanup(ctx, sess)
	d.mgr.RemoveSession(sess.ID)
	d.mgr.OnLineFree(lineID)
	d.recordFailure(ctx, panel.Contact{PhoneNumber: sess.PhoneNumber, ID: derefOrZero(sess.ContactID)}, string(result.Missed))
}

func derefOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// -- consecutive-failure cascade (spec.md §4.8) --

func (d *Dialer) recordSuccess() {
	d.stateMu.Lock()
	d.consecutiveFails = 0
	d.stateMu.Unlock()
}

func (d *Dialer) recordFailure(ctx context.Context, contact panel.Contact, code string) {
	if !failureResults[code] {
		return
	}
	d.stateMu.Lock()
	d.consecutiveFails++
	n := d.consecutiveFails
	alreadyPaused := d.pausedByFailures
	d.stateMu.Unlock()

	if n < d.failThreshold() || alreadyPaused {
		return
	}

	d.stateMu.Lock()
	d.pausedByFailures = true
	d.pausedUntil = time.Now().Add(365 * 24 * time.Hour) // cleared only by explicit Resume
	d.stateMu.Unlock()

	msg := fmt.Sprintf("dialer paused after %d consecutive failed originations (last=%s)", n, code)
	d.log.Error(msg)
	if d.alerter != nil {
		_ = d.alerter.Notify(ctx, msg)
	}

	if d.panelc == nil {
		return
	}
	var numberID *int
	if contact.ID != 0 {
		id := contact.ID
		numberID = &id
	}
	d.panelc.ReportResult(ctx, panel.ReportInput{
		PhoneNumber: contact.PhoneNumber,
		Status:      "FAILED",
		Reason:      "consecutive_failures",
		AttemptedAt: time.Now(),
		NumberID:    numberID,
	})
}

// RecordQuotaFailure implements flow.QuotaFailer: an STT/LLM quota
// exhaustion mid-scenario forces the failure streak straight to the
// cascade threshold rather than incrementing it by one, mirroring
// original_source/logic/flow_engine.py's _handle_quota_error — a
// quota error means the upstream service itself is down, so there is
// no reason to wait for several more originations to confirm it.
func (d *Dialer) RecordQuotaFailure(ctx context.Context, code string) {
	d.stateMu.Lock()
	d.consecutiveFails = d.failThreshold()
	d.stateMu.Unlock()
	d.recordFailure(ctx, panel.Contact{}, code)
}

func (d *Dialer) failThreshold() int {
	if d.threshold > 0 {
		return d.threshold
	}
	return 3
}

// -- manual pause control --

func (d *Dialer) pauseRemaining() time.Duration {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.pausedUntil.IsZero() {
		return 0
	}
	remaining := time.Until(d.pausedUntil)
	if remaining <= 0 {
		d.pausedUntil = time.Time{}
		d.pausedByFailures = false
		return 0
	}
	return remaining
}

func (d *Dialer) pauseFor(dur time.Duration) {
	if dur <= 0 {
		dur = time.Duration(d.cfg.DefaultRetrySecs) * time.Second
	}
	d.stateMu.Lock()
	d.pausedUntil = time.Now().Add(dur)
	d.stateMu.Unlock()
}

// Resume clears a failure-triggered pause, matching spec.md §9's
// decision that resumption requires an explicit operator action
// rather than an automatic timeout.
func (d *Dialer) Resume() {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.pausedUntil = time.Time{}
	d.pausedByFailures = false
	d.consecutiveFails = 0
}

// Paused reports whether the dialer is currently self-paused, and why.
func (d *Dialer) Paused() (paused bool, byFailures bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return !d.pausedUntil.IsZero(), d.pausedByFailures
}

func jitter(minMs, maxMs int) time.Duration {
	span := maxMs - minMs
	// no math/rand seeding concerns here: a coarse, non-cryptographic
	// spread is all the inbound-priority yield point needs.
	n := int(time.Now().UnixNano()) % span
	if n < 0 {
		n += span
	}
	return time.Duration(minMs+n) * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
