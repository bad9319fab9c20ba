package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vira-voice/dialer/audio"
	"github.com/vira-voice/dialer/llm"
	"github.com/vira-voice/dialer/result"
	"github.com/vira-voice/dialer/scenario"
	"github.com/vira-voice/dialer/session"
	"github.com/vira-voice/dialer/stt"
	"github.com/vira-voice/dialer/telephony"
)

// runPlayPrompt resolves step.Prompt against the scenario's prompt
// map, plays it on the session's bridge (or, absent a bridge, the
// customer channel directly), and waits for PlaybackFinished.
func (e *Engine) runPlayPrompt(ctx context.Context, sess *session.Session, sc *scenario.Scenario, step scenario.Step) string {
	fallback := func() string {
		if step.OnFailure != "" {
			return step.OnFailure
		}
		return step.Next
	}

	mediaRef, ok := sc.Prompts[step.Prompt]
	if !ok {
		e.log.WithField("prompt", step.Prompt).Warn("play_prompt: no such prompt key")
		return fallback()
	}

	target, targetID := "bridge", sess.BridgeID
	if targetID == "" && sess.CustomerLeg != nil {
		target, targetID = "channel", sess.CustomerLeg.ChannelID
	}
	if targetID == "" {
		return fallback()
	}

	playbackID, err := e.tel.Play(ctx, target, targetID, mediaRef)
	if err != nil {
		e.log.WithError(err).Warn("play_prompt: play failed")
		return fallback()
	}

	w := e.mgr.RegisterPlaybackWaiter(sess.ID, playbackID)
	select {
	case <-w.C():
		return step.Next
	case <-time.After(playbackWatchdog):
		_ = e.tel.StopPlayback(ctx, playbackID)
		return fallback()
	case <-ctx.Done():
		_ = e.tel.StopPlayback(ctx, playbackID)
		return ""
	}
}

// runRecord starts a recording on the customer channel bounded by the
// scenario's STT config, waits for it to finish, fetches the audio,
// and applies the §4.3 empty/short pre-filter to route to on_empty.
func (e *Engine) runRecord(ctx context.Context, sess *session.Session, sc *scenario.Scenario, step scenario.Step) (string, []byte) {
	onFailure := func() string {
		if step.OnFailure != "" {
			return step.OnFailure
		}
		return step.Next
	}

	if sess.CustomerLeg == nil {
		return onFailure(), nil
	}

	name := fmt.Sprintf("%s-%s", sess.ID, step.ID)
	maxDuration := sc.STT.MaxDuration
	if maxDuration <= 0 {
		maxDuration = 30
	}
	maxSilence := sc.STT.MaxSilence
	if maxSilence <= 0 {
		maxSilence = 5
	}

	w := e.mgr.RegisterRecordingWaiter(sess.ID, name)
	recordedName, err := e.tel.Record(ctx, sess.CustomerLeg.ChannelID, telephony.RecordParams{
		Name:            name,
		MaxDurationSecs: maxDuration,
		MaxSilenceSecs:  maxSilence,
	})
	if err != nil {
		e.log.WithError(err).Warn("record: record request failed")
		return onFailure(), nil
	}

	deadline := time.Duration(maxDuration)*time.Second + recordingWatchdogSlack
	select {
	case payload := <-w.C():
		if payload == nil {
			return onFailure(), nil // RecordingFailed
		}
	case <-time.After(deadline):
		return onFailure(), nil
	case <-ctx.Done():
		return "", nil
	}

	raw, err := e.tel.FetchRecording(ctx, recordedName)
	if err != nil {
		e.log.WithError(err).Warn("record: fetch failed")
		return onFailure(), nil
	}

	stats, err := audio.Analyze(raw)
	if err != nil {
		return onFailure(), nil
	}
	if audio.IsEmpty(stats) {
		if step.OnEmpty != "" {
			return step.OnEmpty, nil
		}
		return step.Next, nil
	}

	return step.Next, raw
}

// runClassifyIntent runs STT then LLM classification over the
// recording captured by the preceding record step. empty_audio from
// STT is treated as a caller hangup per §4.7's table, finishing the
// session directly (the empty return tells the interpreter loop to
// stop without a second finish() call). A quota_exhausted from either
// service is a distinct terminal path (§7): it is never papered over
// by the token-classification fallback, because a quota error means
// the *service* is down, not that this one call was ambiguous.
func (e *Engine) runClassifyIntent(ctx context.Context, sess *session.Session, sc *scenario.Scenario, step scenario.Step, recordingBytes []byte) string {
	res, err := e.sttc.Transcribe(ctx, recordingBytes, sc.STT.Hotwords)
	if err != nil {
		if stt.IsKind(err, stt.KindEmptyAudio) {
			e.finish(ctx, sess, string(result.Hangup))
			return ""
		}
		if stt.IsKind(err, stt.KindQuotaExhausted) {
			e.quotaTerminal(ctx, sess, "failed:vira_quota")
			return ""
		}
		e.log.WithError(err).Warn("classify_intent: stt failed; falling back to token classification")
		e.recordTranscriptAndIntent(sess, "", sc.ClassifyFallback(""))
		return step.Next
	}

	transcript := res.Text
	prompt := strings.ReplaceAll(sc.LLM.PromptTemplate, "{transcript}", transcript)

	intent, err := e.llmc.Classify(ctx, e.llmModel, prompt, e.llmTemperature)
	if err != nil {
		if llm.IsKind(err, llm.KindQuotaExhausted) {
			e.quotaTerminal(ctx, sess, "failed:llm_quota")
			return ""
		}
		e.log.WithError(err).Warn("classify_intent: llm failed; falling back to token classification")
		intent = sc.ClassifyFallback(transcript)
	}

	e.recordTranscriptAndIntent(sess, transcript, intent)
	return step.Next
}

// quotaTerminal hangs up the customer leg, finishes the session with
// a dedicated quota result code, and — if a dialer is wired in —
// trips its consecutive-failure cascade immediately rather than
// waiting for it to accumulate across several origination attempts.
func (e *Engine) quotaTerminal(ctx context.Context, sess *session.Session, code string) {
	if sess.CustomerLeg != nil {
		_ = e.tel.Hangup(ctx, sess.CustomerLeg.ChannelID, "normal")
	}
	e.finish(ctx, sess, code)
	if e.quotaFailer != nil {
		e.quotaFailer.RecordQuotaFailure(ctx, code)
	}
}

func (e *Engine) recordTranscriptAndIntent(sess *session.Session, transcript, intent string) {
	sess.Lock()
	sess.LastTranscript = transcript
	sess.LastIntent = intent
	sess.Unlock()
}

// runRouteByIntent picks routes[intent], falling back to
// routes["unknown"]; an empty return means "no route available",
// which the interpreter treats as an implicit hangup.
func (e *Engine) runRouteByIntent(sess *session.Session, step scenario.Step) string {
	sess.Lock()
	intent := sess.LastIntent
	sess.Unlock()

	if next, ok := step.Routes[intent]; ok {
		return next
	}
	if next, ok := step.Routes["unknown"]; ok {
		return next
	}
	return ""
}

// runCheckRetryLimit increments the session's named counter and
// branches on whether it still sits within step.MaxCount.
func (e *Engine) runCheckRetryLimit(sess *session.Session, step scenario.Step) string {
	sess.Lock()
	sess.RetryCounters[step.Counter]++
	n := sess.RetryCounters[step.Counter]
	sess.Unlock()

	if n <= step.MaxCount {
		return step.WithinLimit
	}
	return step.Exceeded
}

// runTransferToOperator picks the next available agent from the
// roster matching step.AgentType, originates the operator leg, and
// waits for it to answer or time out. The agent's busy flag is
// released on every path.
func (e *Engine) runTransferToOperator(ctx context.Context, sess *session.Session, sc *scenario.Scenario, step scenario.Step) string {
	roster := e.outboundRoster
	if step.AgentType == "inbound" {
		roster = e.inboundRoster
	}

	agent := roster.NextAvailable()
	if agent == nil {
		e.log.Warn("transfer_to_operator: no agent available")
		return step.OnFailure
	}
	defer roster.Release(agent.ID)

	if sess.BridgeID != "" {
		if onhold, ok := sc.Prompts["onhold"]; ok {
			_, _ = e.tel.Play(ctx, "bridge", sess.BridgeID, onhold) // fire-and-forget
		}
	}

	sess.Lock()
	sess.AgentID = &agent.ID
	sess.AgentPhone = agent.PhoneNumber
	sess.Unlock()

	channelID, err := e.originateOperator(ctx, sess, agent)
	if err != nil {
		e.log.WithError(err).Warn("transfer_to_operator: originate failed")
		return step.OnFailure
	}

	w := e.mgr.RegisterOperatorWaiter(channelID)
	select {
	case <-w.C():
		return step.OnSuccess
	case <-time.After(e.operatorTimeout):
		_ = e.tel.Hangup(ctx, channelID, "normal")
		return step.OnFailure
	case <-ctx.Done():
		_ = e.tel.Hangup(ctx, channelID, "normal")
		return ""
	}
}
