package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNewChannel(t *testing.T) {
	raw := []byte(`{"type":"NewChannel","channel":{"id":"c1","name":"PJSIP/0912-000001","state":"Ring","caller":{"number":"09123456789"}}}`)
	evt, err := decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindNewChannel, evt.Kind)
	assert.Equal(t, "c1", evt.ChannelID)
	assert.Equal(t, "09123456789", evt.CallerNum)
}

func TestDecodeDialCarriesCause(t *testing.T) {
	raw := []byte(`{"type":"Dial","cause":17}`)
	evt, err := decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 17, evt.Cause)
}

func TestUnrecognisedKindDropped(t *testing.T) {
	assert.False(t, isRecognisedKind(Kind("SomeFutureEvent")))
	assert.True(t, isRecognisedKind(KindPlaybackFinished))
}
