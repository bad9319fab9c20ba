package events

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Consumer holds the outbound subscription to the event stream and
// dispatches decoded events to a Handler.
type Consumer struct {
	url     string
	handler Handler
	log     *logrus.Entry

	dialer *websocket.Dialer
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger overrides the consumer's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Consumer) { c.log = log }
}

// New constructs a Consumer for the given websocket URL.
func New(url string, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		url:     url,
		handler: handler,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run subscribes and dispatches events until ctx is cancelled,
// reconnecting with exponential backoff (1s, capped 30s) on any
// disconnect.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // never give up; the caller owns the context lifetime

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			c.log.WithError(err).WithField("retry_in", wait).Warn("event stream dial failed")
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		bo.Reset()
		c.log.Info("event stream connected")
		if err := c.readUntilClosed(ctx, conn); err != nil {
			c.log.WithError(err).Warn("event stream disconnected")
		}
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) readUntilClosed(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		evt, err := decode(raw)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed event")
			continue
		}
		if !isRecognisedKind(evt.Kind) {
			c.log.WithField("kind", evt.Kind).Debug("dropping unrecognised event kind")
			continue
		}

		// Dispatch is a non-blocking hand-off: HandleEvent must return
		// quickly (the session manager hands each event to its own
		// goroutine).
		c.handler.HandleEvent(evt)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
