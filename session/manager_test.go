package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vira-voice/dialer/events"
	"github.com/vira-voice/dialer/telephony"
)

// testHooks is a channel-based session.Hooks double: since HandleEvent
// dispatches asynchronously (go m.dispatch(...)), tests exercising it
// end-to-end must synchronize on these channels rather than asserting
// immediately after HandleEvent returns.
type testHooks struct {
	start chan *Session
	early chan earlyCall
	hung  chan *Session
}

type earlyCall struct {
	sess *Session
	code string
}

func newTestHooks() *testHooks {
	return &testHooks{
		start: make(chan *Session, 8),
		early: make(chan earlyCall, 8),
		hung:  make(chan *Session, 8),
	}
}

func (h *testHooks) OnSessionStart(ctx context.Context, sess *Session) { h.start <- sess }
func (h *testHooks) OnAnswered(ctx context.Context, sess *Session)     {}
func (h *testHooks) OnHangup(ctx context.Context, sess *Session)       { h.hung <- sess }
func (h *testHooks) OnEarlyTerminal(ctx context.Context, sess *Session, code string) {
	h.early <- earlyCall{sess: sess, code: code}
}

func okTelephonyHandler(hangups, bridgeDestroys *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			switch {
			case strings.HasPrefix(r.URL.Path, "/channels/") && hangups != nil:
				atomic.AddInt32(hangups, 1)
			case strings.HasPrefix(r.URL.Path, "/bridges/") && bridgeDestroys != nil:
				atomic.AddInt32(bridgeDestroys, 1)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ok", "value": ""})
	}
}

func newTestManager(t *testing.T, handler http.HandlerFunc) (*Manager, *testHooks, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	tel := telephony.New(srv.URL, "dialer", "u", "p")
	hooks := newTestHooks()
	mgr := New(tel, hooks, nil)
	return mgr, hooks, srv.Close
}

// -- ResultForCause / onDial (regression for the cause=0 bug) --

func TestResultForCauseTable(t *testing.T) {
	cases := []struct {
		cause int
		want  string
	}{
		{0, "power_off"}, // regression: cause 0 must not be dropped
		{1, "power_off"},
		{3, "power_off"},
		{17, "busy"},
		{18, "power_off"},
		{21, "banned"},
		{34, "banned"},
		{16, "missed"},
		{31, "missed"},
		{9999, "missed"}, // unknown cause defaults to missed
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResultForCause(tc.cause), "cause=%d", tc.cause)
	}
}

func TestOnDialCauseZeroProducesPowerOffEarlyTerminal(t *testing.T) {
	mgr, hooks, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	sess := mgr.StartOutbound("09120000000", "sales", 1)
	mgr.BindOutboundChannel(sess, "chan-1")

	mgr.HandleEvent(events.Event{Kind: events.KindDial, ChannelID: "chan-1", Cause: 0})

	select {
	case got := <-hooks.early:
		assert.Equal(t, "power_off", got.code)
		assert.Same(t, sess, got.sess)
	case <-time.After(2 * time.Second):
		t.Fatal("OnEarlyTerminal was never called for cause=0")
	}

	sess.Lock()
	cause := sess.DialCause
	sess.Unlock()
	assert.Equal(t, 0, cause)
}

func TestOnDialUnknownChannelIsIgnored(t *testing.T) {
	mgr, hooks, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	mgr.HandleEvent(events.Event{Kind: events.KindDial, ChannelID: "no-such-channel", Cause: 0})

	select {
	case got := <-hooks.early:
		t.Fatalf("unexpected early-terminal call for unmapped channel: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOnDialBusyCause(t *testing.T) {
	mgr, hooks, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	sess := mgr.StartOutbound("09120000000", "sales", 1)
	mgr.BindOutboundChannel(sess, "chan-2")

	mgr.HandleEvent(events.Event{Kind: events.KindDial, ChannelID: "chan-2", Cause: 17})

	select {
	case got := <-hooks.early:
		assert.Equal(t, "busy", got.code)
	case <-time.After(2 * time.Second):
		t.Fatal("OnEarlyTerminal was never called")
	}
}

// -- onHangupEvent: only the customer leg triggers OnHangup --

func TestOnHangupEventFiresOnlyForCustomerLeg(t *testing.T) {
	mgr, hooks, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	sess := mgr.StartOutbound("09120000000", "sales", 1)
	mgr.BindOutboundChannel(sess, "cust-1")
	mgr.BindOperatorChannel(sess, "op-1")

	mgr.HandleEvent(events.Event{Kind: events.KindChannelDestroyed, ChannelID: "op-1"})
	select {
	case got := <-hooks.hung:
		t.Fatalf("operator-leg hangup must not fire OnHangup: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	mgr.HandleEvent(events.Event{Kind: events.KindChannelDestroyed, ChannelID: "cust-1"})
	select {
	case got := <-hooks.hung:
		assert.Same(t, sess, got)
	case <-time.After(2 * time.Second):
		t.Fatal("customer-leg hangup should fire OnHangup")
	}
}

// -- Cleanup: bridge-per-session, idempotency, line counters --

func TestCleanupIsIdempotentNetworkCallsFireOnce(t *testing.T) {
	var hangups, destroys int32
	mgr, _, closeSrv := newTestManager(t, okTelephonyHandler(&hangups, &destroys))
	defer closeSrv()

	line := NewLine(1, "1001", "line1")
	line.RecordOrigination(time.Now())
	mgr.SetLines([]*Line{line})

	sess := newSession("s1", Outbound)
	sess.CustomerLeg = &Leg{ChannelID: "c1", State: LegAnswered}
	sess.BridgeID = "b1"
	sess.MatchedLineID = "1"

	mgr.Cleanup(context.Background(), sess)
	mgr.Cleanup(context.Background(), sess)

	assert.Equal(t, int32(1), atomic.LoadInt32(&hangups), "hangup must fire exactly once despite double cleanup")
	assert.EqualValues(t, 1, destroys, "destroy_bridge must fire exactly once despite double cleanup")

	snap := line.Snapshot(time.Now())
	assert.Equal(t, 0, snap.OutboundInFlight, "outbound counter must be released on cleanup")
}

func TestCleanupSkipsHangupForAlreadyTerminalLeg(t *testing.T) {
	var hangups int32
	mgr, _, closeSrv := newTestManager(t, okTelephonyHandler(&hangups, nil))
	defer closeSrv()

	sess := newSession("s2", Outbound)
	sess.CustomerLeg = &Leg{ChannelID: "c2", State: LegHungup}

	mgr.Cleanup(context.Background(), sess)
	assert.Zero(t, atomic.LoadInt32(&hangups), "already-hungup leg must not trigger a hangup call")
}

func TestCleanupReleasesInboundCounterForInboundDirection(t *testing.T) {
	mgr, _, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	line := NewLine(3, "1003", "line3")
	line.AcquireInbound()
	mgr.SetLines([]*Line{line})

	sess := newSession("s3", Inbound)
	sess.MatchedLineID = "3"

	mgr.Cleanup(context.Background(), sess)

	snap := line.Snapshot(time.Now())
	assert.Equal(t, 0, snap.InboundInFlight)
}

func TestCleanupRemovesChannelToSessionMappings(t *testing.T) {
	mgr, _, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	sess := mgr.StartOutbound("09120000000", "sales", 1)
	mgr.BindOutboundChannel(sess, "chan-x")
	mgr.BindOperatorChannel(sess, "chan-op")

	mgr.Cleanup(context.Background(), sess)

	_, ok := mgr.sessionByChannel("chan-x")
	assert.False(t, ok)
	_, ok = mgr.sessionByChannel("chan-op")
	assert.False(t, ok)
}

// -- waiter correlation via the real async dispatch path --

func TestPlaybackWaiterFiresViaHandleEvent(t *testing.T) {
	mgr, _, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	w := mgr.RegisterPlaybackWaiter("sess-1", "pb-1")

	mgr.HandleEvent(events.Event{Kind: events.KindPlaybackFinished, PlaybackID: "pb-1"})

	select {
	case <-w.C():
	case <-time.After(2 * time.Second):
		t.Fatal("playback waiter was never fired")
	}
}

func TestRecordingWaiterCarriesNameOnFinish(t *testing.T) {
	mgr, _, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	w := mgr.RegisterRecordingWaiter("sess-1", "rec-1")

	mgr.HandleEvent(events.Event{Kind: events.KindRecordingFinished, RecordingName: "rec-1"})

	select {
	case payload := <-w.C():
		assert.Equal(t, "rec-1", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("recording waiter was never fired")
	}
}

func TestRecordingWaiterNilPayloadOnFailure(t *testing.T) {
	mgr, _, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	w := mgr.RegisterRecordingWaiter("sess-1", "rec-2")

	mgr.HandleEvent(events.Event{Kind: events.KindRecordingFailed, RecordingName: "rec-2"})

	select {
	case payload := <-w.C():
		assert.Nil(t, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("recording waiter was never fired on failure")
	}
}

func TestOperatorWaiterFiresAndBridgesOnAnswer(t *testing.T) {
	var addChannelHits int32
	mgr, _, closeSrv := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&addChannelHits, 1)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ok"})
	})
	defer closeSrv()

	sess := mgr.StartOutbound("09120000000", "sales", 1)
	sess.BridgeID = "bridge-1"
	mgr.BindOperatorChannel(sess, "op-chan")

	waiter := mgr.RegisterOperatorWaiter("op-chan")

	mgr.HandleEvent(events.Event{Kind: events.KindChannelStateChange, ChannelID: "op-chan", State: "answered"})

	select {
	case <-waiter.C():
	case <-time.After(2 * time.Second):
		t.Fatal("operator waiter was never fired")
	}
	assert.Greater(t, atomic.LoadInt32(&addChannelHits), int32(0), "operator leg should be added to the bridge on answer")
}

// -- OnSessionStart dispatch for inbound/outbound channel attach --

func TestStartInboundMatchesLineAndStartsSession(t *testing.T) {
	mgr, hooks, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	line := NewLine(7, "02112344567", "support")
	mgr.SetLines([]*Line{line})

	sess := mgr.startInbound(context.Background(), "in-chan", "09351112222", "02112344567")

	select {
	case started := <-hooks.start:
		assert.Same(t, sess, started)
	case <-time.After(2 * time.Second):
		t.Fatal("OnSessionStart was never called for inbound session")
	}

	assert.Equal(t, "7", sess.MatchedLineID)
	snap := line.Snapshot(time.Now())
	assert.Equal(t, 1, snap.InboundInFlight)
	assert.NotEmpty(t, sess.BridgeID)
}

func TestAttachOutboundChannelCallsOnSessionStart(t *testing.T) {
	mgr, hooks, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	sess := mgr.StartOutbound("09120000000", "sales", 1)
	mgr.BindOutboundChannel(sess, "out-chan-2")
	mgr.HandleEvent(events.Event{Kind: events.KindNewChannel, ChannelID: "out-chan-2"})

	select {
	case started := <-hooks.start:
		assert.Same(t, sess, started)
		assert.NotNil(t, sess.CustomerLeg)
	case <-time.After(2 * time.Second):
		t.Fatal("OnSessionStart was never called for the bound outbound channel")
	}
}

// A NewChannel event for a channel id the Manager has no session
// record for at all (the Dialer never pre-created one) is routed to
// the inbound path instead of being silently dropped.
func TestNewChannelWithNoPriorSessionFallsBackToInbound(t *testing.T) {
	mgr, hooks, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	mgr.HandleEvent(events.Event{Kind: events.KindNewChannel, ChannelID: "walk-in-chan", CallerNum: "09121112222"})

	select {
	case started := <-hooks.start:
		assert.True(t, started.Inbound)
	case <-time.After(2 * time.Second):
		t.Fatal("unrecognised channel should have started an inbound session")
	}
}

// -- number normalisation --

func TestNormalizeNumberPadsTenDigitNumbers(t *testing.T) {
	assert.Equal(t, "09123334444", NormalizeNumber("9123334444"))
	assert.Equal(t, "09123334444", NormalizeNumber("0912-333-4444"))
	assert.Equal(t, "", NormalizeNumber(""))
}

func TestLast4(t *testing.T) {
	assert.Equal(t, "4444", Last4("09123334444"))
	assert.Equal(t, "12", Last4("12"))
}

func TestSetLinesIndexesByLast4Digits(t *testing.T) {
	mgr, _, closeSrv := newTestManager(t, okTelephonyHandler(nil, nil))
	defer closeSrv()

	mgr.SetLines([]*Line{NewLine(1, "02112341234", "main")})

	id, ok := mgr.matchLine("1234")
	require.True(t, ok)
	assert.Equal(t, 1, id)

	_, ok = mgr.matchLine("9999")
	assert.False(t, ok)
}
