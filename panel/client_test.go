package panel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetNextBatchCallNotAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"call_allowed":false,"retry_after_seconds":45}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "acme", 60*time.Second)
	batch := c.GetNextBatch(context.Background(), 10)
	assert.False(t, batch.CallAllowed)
	assert.Equal(t, 45*time.Second, batch.RetryAfter)
}

func TestGetNextBatchTransportFailureIsFailSafe(t *testing.T) {
	c := New("http://127.0.0.1:0", "tok", "acme", 60*time.Second)
	batch := c.GetNextBatch(context.Background(), 10)
	assert.False(t, batch.CallAllowed)
	assert.Equal(t, 60*time.Second, batch.RetryAfter)
}

func TestReportResultQueuesOnFailure(t *testing.T) {
	c := New("http://127.0.0.1:0", "tok", "acme", 60*time.Second)
	c.ReportResult(context.Background(), ReportInput{PhoneNumber: "09123456789", Status: "CONNECTED"})
	assert.Equal(t, 1, c.PendingReports())
}

func TestRetryQueueDropsOldestOnOverflow(t *testing.T) {
	q := newRetryQueue(2)
	q.push(ReportInput{PhoneNumber: "1"})
	q.push(ReportInput{PhoneNumber: "2"})
	q.push(ReportInput{PhoneNumber: "3"})

	items := q.drain()
	assert.Len(t, items, 2)
	assert.Equal(t, "2", items[0].PhoneNumber)
	assert.Equal(t, "3", items[1].PhoneNumber)
	assert.Equal(t, 1, q.droppedCount())
}
