// Package flow is the Scenario Flow Engine (C7): a per-session step
// interpreter that dispatches on scenario.StepKind, suspending at
// telephony/STT/LLM calls and resuming when the Session Manager wakes
// the step's registered waiter.
package flow

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vira-voice/dialer/llm"
	"github.com/vira-voice/dialer/panel"
	"github.com/vira-voice/dialer/result"
	"github.com/vira-voice/dialer/scenario"
	"github.com/vira-voice/dialer/session"
	"github.com/vira-voice/dialer/stt"
	"github.com/vira-voice/dialer/telephony"
)

// recordingWatchdogSlack is added to the scenario's max_duration when
// computing a record step's deadline (§4.7).
const recordingWatchdogSlack = 5 * time.Second

// playbackWatchdog bounds a play_prompt step when the true media
// duration isn't available to this adapter (the step graph carries a
// prompt key, not a duration). PlaybackFinished
// remains the primary, near-always-earlier signal; this is a ceiling.
const playbackWatchdog = 2 * time.Minute

// Engine interprets scenario step graphs on behalf of live sessions.
// It implements session.Hooks.
type Engine struct {
	mgr      *session.Manager
	tel      *telephony.Client
	sttc     *stt.Client
	llmc     *llm.Client
	panelc   *panel.Client
	registry *scenario.Registry

	inboundRoster  *session.Roster
	outboundRoster *session.Roster

	operatorTimeout  time.Duration
	operatorCallerID string
	operatorTrunk    string
	llmModel         string
	llmTemperature   float64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	quotaFailer QuotaFailer

	log *logrus.Entry
}

// QuotaFailer receives notice of an upstream STT/LLM quota exhaustion
// mid-scenario, so the dialer's consecutive-failure cascade (pause +
// alert + a FAILED panel report with reason consecutive_failures; no
// call-allowed flag is sent to the panel) fires the same way a string of
// failed originations would (spec.md §7, original_source/logic/
// flow_engine.py's _handle_quota_error). May be left unset.
type QuotaFailer interface {
	RecordQuotaFailure(ctx context.Context, code string)
}

// Config bundles the Engine's non-collaborator settings.
type Config struct {
	OperatorTimeout  time.Duration
	OperatorCallerID string
	OperatorTrunk    string
	LLMModel         string
	LLMTemperature   float64
}

// New constructs an Engine. inboundRoster/outboundRoster are owned by
// the caller (typically replaced wholesale after each panel batch);
// the Engine only reads from them.
func New(mgr *session.Manager, tel *telephony.Client, sttc *stt.Client, llmc *llm.Client, panelc *panel.Client, registry *scenario.Registry, inboundRoster, outboundRoster *session.Roster, cfg Config, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		mgr:              mgr,
		tel:              tel,
		sttc:             sttc,
		llmc:             llmc,
		panelc:           panelc,
		registry:         registry,
		inboundRoster:    inboundRoster,
		outboundRoster:   outboundRoster,
		operatorTimeout:  cfg.OperatorTimeout,
		operatorCallerID: cfg.OperatorCallerID,
		operatorTrunk:    cfg.OperatorTrunk,
		llmModel:         cfg.LLMModel,
		llmTemperature:   cfg.LLMTemperature,
		cancels:          make(map[string]context.CancelFunc),
		log:              log,
	}
}

// SetQuotaFailer wires the dialer in after construction, mirroring
// session.Manager.SetHooks: the Dialer is constructed after the
// Engine because the Engine is part of the Dialer's own session/flow
// wiring.
func (e *Engine) SetQuotaFailer(f QuotaFailer) {
	e.quotaFailer = f
}

// -- session.Hooks --

// OnSessionStart picks a scenario (inbound sessions round-robin over
// scenarios declaring an inbound_flow; outbound sessions already
// carry their pre-selected scenario name) and starts the step
// interpreter at its entry node.
func (e *Engine) OnSessionStart(ctx context.Context, sess *session.Session) {
	sess.Lock()
	inbound := sess.Inbound
	name := sess.ScenarioName
	sess.Unlock()

	if inbound && name == "" {
		picked, ok := e.registry.NextInboundScenario()
		if !ok {
			go e.directToOperator(context.Background(), sess)
			return
		}
		name = picked
		sess.Lock()
		sess.ScenarioName = name
		sess.Unlock()
	}

	sc, ok := e.registry.Get(name)
	if !ok {
		e.log.WithField("scenario", name).Error("session started with unknown scenario; hanging up")
		e.terminal(ctx, sess, string(result.Hangup))
		return
	}

	entry, ok := sc.EntryStep(inbound)
	if !ok {
		e.log.WithField("scenario", name).Error("scenario has no steps; hanging up")
		e.terminal(ctx, sess, string(result.Hangup))
		return
	}

	e.start(sess, sc, entry.ID)
}

// OnAnswered is a no-op at the engine level: AnsweredAt bookkeeping is
// the Session Manager's responsibility, and steps that care about
// answer state observe it through the session directly.
func (e *Engine) OnAnswered(ctx context.Context, sess *session.Session) {}

// OnHangup cancels any step suspended on a wait, then reports and
// cleans up.
func (e *Engine) OnHangup(ctx context.Context, sess *session.Session) {
	e.cancel(sess.ID)

	sess.Lock()
	res := sess.Result
	answered := !sess.AnsweredAt.IsZero()
	sess.Unlock()

	if res == "" {
		if answered {
			res = string(result.Disconnected)
		} else {
			res = string(result.Hangup)
		}
	}
	e.finish(ctx, sess, res)
}

// OnEarlyTerminal handles a Dial-event SIP cause that resolves to a
// terminal result before any scenario step ran.
func (e *Engine) OnEarlyTerminal(ctx context.Context, sess *session.Session, resultCode string) {
	e.cancel(sess.ID)
	e.finish(ctx, sess, resultCode)
}

// -- interpreter --

func (e *Engine) start(sess *session.Session, sc *scenario.Scenario, stepID string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[sess.ID] = cancel
	e.mu.Unlock()

	go e.run(ctx, sess, sc, stepID)
}

func (e *Engine) cancel(sessionID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[sessionID]
	if ok {
		delete(e.cancels, sessionID)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) run(ctx context.Context, sess *session.Session, sc *scenario.Scenario, startID string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).WithField("session_id", sess.ID).Error("recovered panic in scenario step interpreter")
			e.finish(ctx, sess, result.FailedSTT)
		}
	}()

	var recordingBytes []byte
	currentID := startID
	inbound := sess.Inbound

	for {
		if ctx.Err() != nil {
			return // cancelled by OnHangup/OnEarlyTerminal; they own finish()
		}

		step, ok := sc.Step(currentID, inbound)
		if !ok {
			e.log.WithField("step", currentID).WithField("session_id", sess.ID).Error("unknown step id; hanging up")
			e.terminalFromLoop(ctx, sess)
			return
		}

		switch step.Kind {
		case scenario.StepEntry:
			currentID = step.Next

		case scenario.StepPlayPrompt:
			currentID = e.runPlayPrompt(ctx, sess, sc, step)

		case scenario.StepRecord:
			var next string
			next, recordingBytes = e.runRecord(ctx, sess, sc, step)
			currentID = next

		case scenario.StepClassifyIntent:
			currentID = e.runClassifyIntent(ctx, sess, sc, step, recordingBytes)
			if currentID == "" {
				return // empty_audio -> terminal hangup handled inside
			}

		case scenario.StepRouteByIntent:
			currentID = e.runRouteByIntent(sess, step)
			if currentID == "" {
				e.terminalFromLoop(ctx, sess)
				return
			}

		case scenario.StepSetResult:
			sess.Lock()
			sess.SetResult(step.Result)
			sess.Unlock()
			currentID = step.Next

		case scenario.StepTransferToOperator:
			currentID = e.runTransferToOperator(ctx, sess, sc, step)

		case scenario.StepDisconnect, scenario.StepHangup:
			if sess.CustomerLeg != nil {
				_ = e.tel.Hangup(ctx, sess.CustomerLeg.ChannelID, "normal")
			}
			e.terminalFromLoop(ctx, sess)
			return

		case scenario.StepWait:
			return // parked; OnHangup will finish the session

		case scenario.StepCheckRetryLimit:
			currentID = e.runCheckRetryLimit(sess, step)

		default:
			e.log.WithField("kind", step.Kind).Error("unrecognised step kind; hanging up")
			e.terminalFromLoop(ctx, sess)
			return
		}

		if ctx.Err() != nil {
			return // cancelled mid-step; OnHangup/OnEarlyTerminal own finish()
		}
		if currentID == "" {
			e.terminalFromLoop(ctx, sess)
			return
		}

		sess.Lock()
		sess.CurrentStep = currentID
		sess.Unlock()
	}
}

// terminalFromLoop finishes a session whose result may or may not
// already be set by a prior set_result step.
func (e *Engine) terminalFromLoop(ctx context.Context, sess *session.Session) {
	sess.Lock()
	res := sess.Result
	sess.Unlock()
	if res == "" {
		res = string(result.Hangup)
	}
	e.finish(ctx, sess, res)
}

func (e *Engine) terminal(ctx context.Context, sess *session.Session, code string) {
	e.finish(ctx, sess, code)
}

// finish cancels the step goroutine's tracking entry, runs cleanup,
// translates and reports the result, and drops the session from the
// table.
func (e *Engine) finish(ctx context.Context, sess *session.Session, code string) {
	e.mu.Lock()
	delete(e.cancels, sess.ID)
	e.mu.Unlock()

	sess.Lock()
	sess.SetResult(code)
	status := result.Translate(result.Code(sess.Result))
	alreadyReported := sess.MarkReported(string(status))
	phoneNumber := sess.PhoneNumber
	if phoneNumber == "" && sess.CustomerLeg != nil {
		phoneNumber = sess.CustomerLeg.CallerID
	}
	transcript := sess.LastTranscript
	contactID := sess.ContactID
	scenarioID := sess.ScenarioID
	lineID := sess.OutboundLineID
	agentID := sess.AgentID
	agentPhone := sess.AgentPhone
	attemptedAt := sess.CreatedAt
	matchedLine := sess.MatchedLineID
	direction := sess.Direction
	sess.Unlock()

	e.mgr.Cleanup(ctx, sess)

	if !alreadyReported {
		in := panel.ReportInput{
			PhoneNumber:    phoneNumber,
			Status:         string(status),
			Reason:         sess.Result,
			AttemptedAt:    attemptedAt,
			NumberID:       contactID,
			ScenarioID:     scenarioID,
			OutboundLineID: lineID,
			AgentID:        agentID,
			AgentPhone:     agentPhone,
		}
		if result.AttachesTranscript(result.Code(code)) {
			in.UserMessage = transcript
		}
		e.panelc.ReportResult(ctx, in)
	}

	e.mgr.RemoveSession(sess.ID)

	if direction == session.Outbound && matchedLine != "" {
		if id, err := parseLineID(matchedLine); err == nil {
			e.mgr.OnLineFree(id)
		}
	}
}

func parseLineID(s string) (int, error) { return strconv.Atoi(s) }

// directToOperator is the fallback for an inbound call when no enabled
// scenario declares an inbound_flow: answer straight into the inbound
// agent roster rather than dropping the call.
func (e *Engine) directToOperator(ctx context.Context, sess *session.Session) {
	agent := e.inboundRoster.NextAvailable()
	if agent == nil {
		e.log.WithField("session_id", sess.ID).Warn("no inbound agent available for unscenario'd inbound call")
		e.finish(ctx, sess, string(result.Missed))
		return
	}
	defer e.inboundRoster.Release(agent.ID)

	channelID, err := e.originateOperator(ctx, sess, agent)
	if err != nil {
		e.log.WithError(err).Warn("direct-to-operator origination failed")
		e.finish(ctx, sess, string(result.Missed))
		return
	}

	w := e.mgr.RegisterOperatorWaiter(channelID)
	select {
	case <-w.C():
		// Bridged; park until the customer or operator hangs up.
		ctx2, cancel := context.WithCancel(context.Background())
		e.mu.Lock()
		e.cancels[sess.ID] = cancel
		e.mu.Unlock()
		<-ctx2.Done()
	case <-time.After(e.operatorTimeout):
		_ = e.tel.Hangup(ctx, channelID, "normal")
		e.finish(ctx, sess, string(result.Missed))
	}
}

func (e *Engine) originateOperator(ctx context.Context, sess *session.Session, agent *session.Agent) (string, error) {
	callerID := e.operatorCallerID
	if sess.CustomerLeg != nil && sess.CustomerLeg.CallerID != "" {
		callerID = sess.CustomerLeg.CallerID
	}
	channelID, err := e.tel.Originate(ctx, telephony.OriginateParams{
		Endpoint:    fmt.Sprintf("PJSIP/%s@%s", agent.PhoneNumber, e.operatorTrunk),
		CallerID:    callerID,
		TimeoutSecs: int(e.operatorTimeout.Seconds()),
	})
	if err != nil {
		return "", err
	}
	e.mgr.BindOperatorChannel(sess, channelID)
	return channelID, nil
}
