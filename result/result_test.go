package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateTableExact(t *testing.T) {
	cases := map[Code]Status{
		ConnectedToOperator: StatusConnected,
		NotInterested:       StatusNotInterested,
		Disconnected:        StatusDisconnected,
		Unknown:             StatusUnknown,
		Hangup:              StatusHangup,
		Missed:              StatusMissed,
		UserDidntAnswer:     StatusMissed,
		Busy:                StatusBusy,
		PowerOff:            StatusPowerOff,
		Banned:              StatusBanned,
		FailedSTT:           StatusNotInterested,
		Code("failed:vira_quota"): StatusFailed,
	}
	for code, want := range cases {
		assert.Equal(t, want, Translate(code), "code=%s", code)
	}
}

func TestTranslateIsIdempotent(t *testing.T) {
	for _, code := range []Code{ConnectedToOperator, Busy, Code("failed:other"), Unknown} {
		assert.Equal(t, Translate(code), Translate(code))
	}
}

func TestAttachesTranscriptOnlyIntentBearing(t *testing.T) {
	assert.True(t, AttachesTranscript(ConnectedToOperator))
	assert.True(t, AttachesTranscript(NotInterested))
	assert.True(t, AttachesTranscript(Disconnected))
	assert.True(t, AttachesTranscript(Unknown))
	assert.False(t, AttachesTranscript(Hangup))
	assert.False(t, AttachesTranscript(Missed))
	assert.False(t, AttachesTranscript(Busy))
	assert.False(t, AttachesTranscript(PowerOff))
	assert.False(t, AttachesTranscript(Banned))
	assert.False(t, AttachesTranscript(Code("failed:other")))
}

// TestAttachesTranscriptSTTFailureExcludedDespiteSharedStatus covers
// spec.md §4.9's table: failed:stt_failure translates to the same
// NOT_INTERESTED status as not_interested, but unlike it must not
// carry a transcript.
func TestAttachesTranscriptSTTFailureExcludedDespiteSharedStatus(t *testing.T) {
	assert.Equal(t, StatusNotInterested, Translate(Code(FailedSTT)))
	assert.False(t, AttachesTranscript(Code(FailedSTT)))
	assert.True(t, AttachesTranscript(NotInterested))
}
