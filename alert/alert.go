// Package alert defines the minimal-contract boundary to the SMS
// alerting adapter. Building the real adapter is out of scope
// (spec.md §1 lists it among the external collaborators); the Dialer
// only depends on this interface.
package alert

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// Alerter notifies configured admins of an operational event (e.g. a
// cascade-failure pause or a quota-exhaustion trip).
type Alerter interface {
	Notify(ctx context.Context, message string) error
}

// LoggingAlerter is the default Alerter: it writes the alert to the
// structured logger instead of sending a real SMS. Admins is retained
// only for the log line, mirroring what a real adapter would address.
type LoggingAlerter struct {
	Admins []string
	Log    *logrus.Entry
}

// Notify implements Alerter.
func (a *LoggingAlerter) Notify(_ context.Context, message string) error {
	log := a.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithField("admins", strings.Join(a.Admins, ",")).Warn("alert: " + message)
	return nil
}
