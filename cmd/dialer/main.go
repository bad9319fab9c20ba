// Command dialer is the outbound/inbound call-control process: it
// wires together the telephony event stream, the session manager, the
// scenario flow engine, and the dialer's pacing loop, and runs them
// until terminated.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vira-voice/dialer/alert"
	"github.com/vira-voice/dialer/dialer"
	"github.com/vira-voice/dialer/events"
	"github.com/vira-voice/dialer/flow"
	"github.com/vira-voice/dialer/internal/config"
	"github.com/vira-voice/dialer/internal/logging"
	"github.com/vira-voice/dialer/llm"
	"github.com/vira-voice/dialer/panel"
	"github.com/vira-voice/dialer/result"
	"github.com/vira-voice/dialer/scenario"
	"github.com/vira-voice/dialer/session"
	"github.com/vira-voice/dialer/stt"
	"github.com/vira-voice/dialer/telephony"
)

func main() {
	cfg := config.Load()
	log := logrus.NewEntry(logging.New(cfg.LogLevel))

	tel := telephony.New(cfg.ARI.BaseURL, cfg.ARI.AppName, cfg.ARI.Username, cfg.ARI.Password,
		telephony.WithTimeout(secs(cfg.Timeouts.ARITimeoutSecs)),
		telephony.WithMaxConnections(cfg.Concurrency.HTTPMaxConnections),
	)
	sttc := stt.New(cfg.STT.URL, cfg.STT.Token, cfg.Concurrency.MaxParallelSTT,
		stt.WithTimeout(secs(cfg.Timeouts.STTTimeoutSecs)),
	)
	llmc := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.Concurrency.MaxParallelLLM,
		llm.WithTimeout(secs(cfg.Timeouts.LLMTimeoutSecs)),
	)
	panelc := newPanelClient(cfg)

	registry, err := scenario.NewRegistry(cfg.ScenariosDir, cfg.Panel.Company)
	if err != nil {
		log.WithError(err).Fatal("load scenarios")
	}

	inboundRoster := session.NewRoster(nil)
	outboundRoster := session.NewRoster(staticOperatorAgents(cfg))

	mgr := session.New(tel, nil, log.WithField("component", "session"))

	engine := flow.New(mgr, tel, sttc, llmc, panelc, registry, inboundRoster, outboundRoster, flow.Config{
		OperatorTimeout:  secs(float64(cfg.Operator.TimeoutSecs)),
		OperatorCallerID: cfg.Operator.CallerID,
		OperatorTrunk:    cfg.Operator.Trunk,
		LLMModel:         "gpt-4o-mini",
		LLMTemperature:   0.0,
	}, log.WithField("component", "flow"))
	mgr.SetHooks(engine)

	seedStaticLines(mgr, cfg)
	registerWithPanel(context.Background(), panelc, registry, cfg, log)

	alerter := &alert.LoggingAlerter{Admins: cfg.SMS.Admins, Log: log.WithField("component", "alert")}
	d := dialer.New(mgr, tel, panelc, registry, inboundRoster, outboundRoster, alerter, cfg.Dialer, cfg.SMS.FailAlertThreshold, cfg.Operator.UsePanelAgents, log.WithField("component", "dialer"))
	engine.SetQuotaFailer(d)

	consumer := events.New(cfg.ARI.WSURL, mgr, events.WithLogger(log.WithField("component", "events")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()
	go d.Run(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received; draining")

	shutdownSweep(context.Background(), mgr, panelc, log)
	panelc.FlushShutdown(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	log.Info("shutdown complete")
}

func newPanelClient(cfg config.Settings) *panel.Client {
	retry := time.Duration(cfg.Dialer.DefaultRetrySecs) * time.Second
	return panel.New(cfg.Panel.BaseURL, cfg.Panel.APIToken, cfg.Panel.Company, retry)
}

func secs(n float64) time.Duration { return time.Duration(n * float64(time.Second)) }

func staticOperatorAgents(cfg config.Settings) []*session.Agent {
	if cfg.Operator.UsePanelAgents {
		return nil
	}
	agents := make([]*session.Agent, 0, len(cfg.Operator.MobileNumbers))
	for i, n := range cfg.Operator.MobileNumbers {
		agents = append(agents, &session.Agent{ID: i + 1, PhoneNumber: n})
	}
	return agents
}

func seedStaticLines(mgr *session.Manager, cfg config.Settings) {
	lines := make([]*session.Line, 0, len(cfg.Dialer.OutboundNumbers))
	for i, n := range cfg.Dialer.OutboundNumbers {
		lines = append(lines, session.NewLine(i+1, n, n))
	}
	if len(lines) > 0 {
		mgr.SetLines(lines)
	}
}

func registerWithPanel(ctx context.Context, panelc *panel.Client, registry *scenario.Registry, cfg config.Settings, log *logrus.Entry) {
	if cfg.Panel.BaseURL == "" {
		return
	}
	var scenarios []panel.ScenarioRegistration
	for _, name := range registry.Names() {
		scenarios = append(scenarios, panel.ScenarioRegistration{Name: name})
	}
	if err := panelc.RegisterScenarios(ctx, scenarios); err != nil {
		log.WithError(err).Warn("register_scenarios failed")
	}

	var lines []panel.LineRegistration
	for _, n := range cfg.Dialer.OutboundNumbers {
		lines = append(lines, panel.LineRegistration{PhoneNumber: n})
	}
	if err := panelc.RegisterOutboundLines(ctx, lines); err != nil {
		log.WithError(err).Warn("register_outbound_lines failed")
	}
}

// shutdownSweep reports every still-live inbound session as an
// operational INBOUND_CALL status so the panel doesn't mistake a
// process restart for a dropped customer interaction (SPEC_FULL.md
// §4.9 supplement). Outbound sessions are skipped; their flow
// goroutines run on background contexts that shutdown does not cancel,
// so they are neither hung up nor reported here.
func shutdownSweep(ctx context.Context, mgr *session.Manager, panelc *panel.Client, log *logrus.Entry) {
	for _, sess := range mgr.LiveSessions() {
		if sess.Direction != session.Inbound {
			continue
		}
		sess.Lock()
		phone := sess.PhoneNumber
		if phone == "" && sess.CustomerLeg != nil {
			phone = sess.CustomerLeg.CallerID
		}
		contactID := sess.ContactID
		sess.Unlock()

		log.WithField("session_id", sess.ID).Info("shutdown sweep: reporting live inbound session")
		panelc.ReportResult(ctx, panel.ReportInput{
			PhoneNumber: phone,
			Status:      "INBOUND_CALL",
			Reason:      string(result.Unknown),
			AttemptedAt: time.Now(),
			NumberID:    contactID,
		})
		mgr.Cleanup(ctx, sess)
	}
}
