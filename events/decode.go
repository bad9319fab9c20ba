package events

import (
	"encoding/json"
	"fmt"
)

// decode turns a single raw stream message into an Event. The wire
// shape mirrors the ARI-style event payloads referenced throughout
// the session manager's hook dispatch: a "type" discriminator plus
// nested "channel"/"playback"/"recording" objects.
func decode(raw []byte) (Event, error) {
	var msg struct {
		Type      string `json:"type"`
		Channel   *struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			State string `json:"state"`
			Caller struct {
				Number string `json:"number"`
			} `json:"caller"`
		} `json:"channel"`
		Playback *struct {
			ID string `json:"id"`
		} `json:"playback"`
		Recording *struct {
			Name string `json:"name"`
		} `json:"recording"`
		Cause int `json:"cause"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	kind := Kind(msg.Type)
	evt := Event{Kind: kind, Cause: msg.Cause}
	if msg.Channel != nil {
		evt.ChannelID = msg.Channel.ID
		evt.ChannelName = msg.Channel.Name
		evt.State = msg.Channel.State
		evt.CallerNum = msg.Channel.Caller.Number
	}
	if msg.Playback != nil {
		evt.PlaybackID = msg.Playback.ID
	}
	if msg.Recording != nil {
		evt.RecordingName = msg.Recording.Name
	}

	var rawMap map[string]any
	if err := json.Unmarshal(raw, &rawMap); err == nil {
		evt.Raw = rawMap
	}
	return evt, nil
}

func isRecognisedKind(k Kind) bool {
	switch k {
	case KindNewChannel, KindChannelStateChange, KindChannelHangupRequest,
		KindChannelDestroyed, KindPlaybackStarted, KindPlaybackFinished,
		KindRecordingFinished, KindRecordingFailed, KindDial:
		return true
	default:
		return false
	}
}
