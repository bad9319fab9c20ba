package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscribeExtractsTopLevelText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"text":"بله حتما","status":"done"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5)
	res, err := c.Transcribe(context.Background(), makeLoudWav(), nil)
	require.NoError(t, err)
	assert.Equal(t, "بله حتما", res.Text)
}

func TestTranscribeFallsThroughToNestedAIResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"data":{"aiResponse":{"result":{"text":"نه ممنون"}}}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5)
	res, err := c.Transcribe(context.Background(), makeLoudWav(), nil)
	require.NoError(t, err)
	assert.Equal(t, "نه ممنون", res.Text)
}

func TestTranscribeDetectsQuotaOn403(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5)
	_, err := c.Transcribe(context.Background(), makeLoudWav(), nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindQuotaExhausted))
}

func TestTranscribeDetectsBalancePhrase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"balanceError":true,"message":"credit is below the set threshold"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5)
	_, err := c.Transcribe(context.Background(), makeLoudWav(), nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindQuotaExhausted))
}

func TestTranscribeRejectsEmptyAudioBeforeCallingService(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5)
	_, err := c.Transcribe(context.Background(), []byte{0x00, 0x01}, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindEmptyAudio))
	assert.False(t, called, "transcription service must not be called for pre-filtered audio")
}

// makeLoudWav builds a one-second, 16kHz mono 16-bit PCM WAV tone
// loud enough to clear the duration/RMS/size pre-filter.
func makeLoudWav() []byte {
	const sampleRate = 16000
	const numSamples = sampleRate
	samples := make([]int16, numSamples)
	for i := range samples {
		samples[i] = int16(0.5 * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
	}

	dataSize := len(samples) * 2
	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	writeU32(buf, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeU32(buf, 16)
	writeU16(buf, 1)  // PCM
	writeU16(buf, 1)  // mono
	writeU32(buf, sampleRate)
	writeU32(buf, sampleRate*2) // byte rate
	writeU16(buf, 2)            // block align
	writeU16(buf, 16)           // bits per sample
	buf.WriteString("data")
	writeU32(buf, uint32(dataSize))
	for _, s := range samples {
		writeU16(buf, uint16(s))
	}
	return buf.Bytes()
}

func writeU32(buf *bytes.Buffer, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	buf.Write(b)
}

func writeU16(buf *bytes.Buffer, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	buf.Write(b)
}
