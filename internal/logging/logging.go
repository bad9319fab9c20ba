// Package logging wires up the application's structured logger plus
// the dedicated per-concern log files the original implementation
// keeps alongside it (hangups, user-drops, and STT outcome logs),
// each rotating at 5 MB with 5 backups retained.
package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds the general application logger. Local/empty ENVIRONMENT
// gets a human-readable console formatter; anything else gets JSON,
// matching the convention the rest of the example pack uses for
// local-vs-deployed logging.
func New(levelName string) *logrus.Logger {
	base := logrus.New()

	if env := os.Getenv("ENVIRONMENT"); env == "" || env == "local" {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}

	base.SetOutput(os.Stdout)
	base.SetLevel(parseLevel(levelName))
	return base
}

func parseLevel(name string) logrus.Level {
	switch name {
	case "DEBUG", "debug":
		return logrus.DebugLevel
	case "WARN", "warn", "WARNING", "warning":
		return logrus.WarnLevel
	case "ERROR", "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Dedicated is the set of dedicated outcome loggers, independent of
// the general application log. NewDedicated has no caller in this
// module, so neither the session manager nor the flow engine writes
// to these files.
type Dedicated struct {
	Hangups      *logrus.Logger
	UserDrop     *logrus.Logger
	PositiveSTT  *logrus.Logger
	NegativeSTT  *logrus.Logger
	UnknownSTT   *logrus.Logger

	files []*RotatingFile
}

// NewDedicated opens the dedicated log files under dir, creating dir
// if necessary.
func NewDedicated(dir string) (*Dedicated, error) {
	d := &Dedicated{}
	build := func(name string) (*logrus.Logger, error) {
		rf, err := OpenRotatingFile(dir, name, 5*1024*1024, 5)
		if err != nil {
			return nil, err
		}
		d.files = append(d.files, rf)
		l := logrus.New()
		l.SetOutput(rf)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
		return l, nil
	}

	var err error
	if d.Hangups, err = build("hangups.log"); err != nil {
		return nil, err
	}
	if d.UserDrop, err = build("userdrop.log"); err != nil {
		return nil, err
	}
	if d.PositiveSTT, err = build("positive_stt.log"); err != nil {
		return nil, err
	}
	if d.NegativeSTT, err = build("negative_stt.log"); err != nil {
		return nil, err
	}
	if d.UnknownSTT, err = build("unknown_stt.log"); err != nil {
		return nil, err
	}
	return d, nil
}

// Close flushes and closes every dedicated log file.
func (d *Dedicated) Close() error {
	var firstErr error
	for _, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
