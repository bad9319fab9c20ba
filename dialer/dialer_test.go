package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vira-voice/dialer/internal/config"
	"github.com/vira-voice/dialer/panel"
	"github.com/vira-voice/dialer/scenario"
	"github.com/vira-voice/dialer/session"
	"github.com/vira-voice/dialer/telephony"
)

func newTestDialer(t *testing.T, cfg config.Dialer) (*Dialer, *session.Manager) {
	t.Helper()
	tel := telephony.New("http://127.0.0.1:0", "dialer", "u", "p")
	mgr := session.New(tel, noopHooks{}, nil)
	registry, err := scenario.NewRegistry("/nonexistent-scenarios-dir-for-tests", "")
	require.NoError(t, err)
	d := New(mgr, tel, nil, registry, session.NewRoster(nil), session.NewRoster(nil), nil, cfg, 3, true, nil)
	return d, mgr
}

type noopHooks struct{}

func (noopHooks) OnSessionStart(context.Context, *session.Session)          {}
func (noopHooks) OnAnswered(context.Context, *session.Session)              {}
func (noopHooks) OnHangup(context.Context, *session.Session)                {}
func (noopHooks) OnEarlyTerminal(context.Context, *session.Session, string) {}

func TestSelectLineSkipsLinesAtConcurrencyCap(t *testing.T) {
	cfg := config.Dialer{MaxConcurrentCalls: 1, MaxCallsPerMinute: 100, MaxCallsPerDay: 100}
	d, mgr := newTestDialer(t, cfg)

	busy := session.NewLine(1, "1001", "busy")
	busy.RecordOrigination(time.Now())
	free := session.NewLine(2, "1002", "free")
	mgr.SetLines([]*session.Line{busy, free})

	picked := d.selectLine()
	require.NotNil(t, picked)
	assert.Equal(t, 2, picked.ID)
}

func TestSelectLinePicksLeastLoaded(t *testing.T) {
	cfg := config.Dialer{MaxConcurrentCalls: 10, MaxCallsPerMinute: 100, MaxCallsPerDay: 100}
	d, mgr := newTestDialer(t, cfg)

	loaded := session.NewLine(1, "1001", "loaded")
	loaded.RecordOrigination(time.Now())
	loaded.RecordOrigination(time.Now())
	quiet := session.NewLine(2, "1002", "quiet")
	quiet.RecordOrigination(time.Now())
	mgr.SetLines([]*session.Line{loaded, quiet})

	picked := d.selectLine()
	require.NotNil(t, picked)
	assert.Equal(t, 2, picked.ID)
}

func TestSelectLineReturnsNilWhenNoneConfigured(t *testing.T) {
	cfg := config.Dialer{MaxConcurrentCalls: 1, MaxCallsPerMinute: 100, MaxCallsPerDay: 100}
	d, _ := newTestDialer(t, cfg)
	assert.Nil(t, d.selectLine())
}

func TestSelectLineYieldsToInboundWaiters(t *testing.T) {
	cfg := config.Dialer{MaxConcurrentCalls: 10, MaxCallsPerMinute: 100, MaxCallsPerDay: 100}
	d, mgr := newTestDialer(t, cfg)

	waiting := session.NewLine(1, "1001", "waiting")
	waiting.EnqueueInboundWaiter("sess-1")
	mgr.SetLines([]*session.Line{waiting})

	assert.Nil(t, d.selectLine())
}

func TestThrottleBlocksBeyondPerSecondBudget(t *testing.T) {
	cfg := config.Dialer{MaxOriginationsPerSecond: 2}
	d, _ := newTestDialer(t, cfg)

	d.throttle(context.Background())
	d.throttle(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	d.throttle(ctx) // budget exhausted; blocks until ctx deadline
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestThrottleAllowsWithinBudgetImmediately(t *testing.T) {
	cfg := config.Dialer{MaxOriginationsPerSecond: 5}
	d, _ := newTestDialer(t, cfg)

	start := time.Now()
	d.throttle(context.Background())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRecordFailureTripsPauseAtThreshold(t *testing.T) {
	cfg := config.Dialer{}
	d, _ := newTestDialer(t, cfg)

	for i := 0; i < 2; i++ {
		d.recordFailure(context.Background(), panel.Contact{PhoneNumber: "09120000000"}, "missed")
		paused, _ := d.Paused()
		assert.False(t, paused)
	}
	d.recordFailure(context.Background(), panel.Contact{PhoneNumber: "09120000000"}, "missed")

	paused, byFailures := d.Paused()
	assert.True(t, paused)
	assert.True(t, byFailures)
}

func TestRecordSuccessResetsFailureStreak(t *testing.T) {
	cfg := config.Dialer{}
	d, _ := newTestDialer(t, cfg)

	d.recordFailure(context.Background(), panel.Contact{PhoneNumber: "1"}, "missed")
	d.recordFailure(context.Background(), panel.Contact{PhoneNumber: "1"}, "missed")
	d.recordSuccess()
	d.recordFailure(context.Background(), panel.Contact{PhoneNumber: "1"}, "missed")

	paused, _ := d.Paused()
	assert.False(t, paused)
}

func TestResumeClearsFailurePause(t *testing.T) {
	cfg := config.Dialer{}
	d, _ := newTestDialer(t, cfg)

	for i := 0; i < 3; i++ {
		d.recordFailure(context.Background(), panel.Contact{PhoneNumber: "1"}, "missed")
	}
	paused, _ := d.Paused()
	require.True(t, paused)

	d.Resume()
	paused, _ = d.Paused()
	assert.False(t, paused)
}
