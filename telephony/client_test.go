package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	srv := httptest.NewServer(handler)
	c := New(srv.URL, "dialer", "user", "pass")
	return c, srv.Close
}

func TestOriginateReturnsChannelID(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/channels", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "c1"})
	})
	defer closeSrv()

	id, err := c.Originate(context.Background(), OriginateParams{Endpoint: "PJSIP/0912/trunk"})
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
}

func TestHangupNotFoundClassified(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no such channel"}`))
	})
	defer closeSrv()

	err := c.Hangup(context.Background(), "missing", "")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestGetChannelVarMissingReturnsEmpty(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer closeSrv()

	v, err := c.GetChannelVar(context.Background(), "c1", "PJSIP_HEADER(read,Diversion)")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestServerErrorClassified(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeSrv()

	_, err := c.CreateBridge(context.Background(), "session-1")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindServer))
}
