// Package result implements the Result Translator (C9): a static,
// total, idempotent mapping from internal result codes to the
// campaign panel's status codes, plus the rule for which statuses
// carry a transcript.
package result

import "strings"

// Code is an internal terminal result code, e.g. "connected_to_operator"
// or "failed:stt_failure".
type Code string

const (
	ConnectedToOperator Code = "connected_to_operator"
	NotInterested       Code = "not_interested"
	Disconnected        Code = "disconnected"
	Unknown             Code = "unknown"
	Hangup              Code = "hangup"
	Missed              Code = "missed"
	UserDidntAnswer     Code = "user_didnt_answer"
	Busy                Code = "busy"
	PowerOff            Code = "power_off"
	Banned              Code = "banned"
)

// FailedPrefix marks failure codes of the shape "failed:<reason>".
const FailedPrefix = "failed:"

// FailedSTT is the one failed:* reason with a dedicated mapping
// (spec.md §9's flagged ambiguity: this implementation maps it to
// NOT_INTERESTED, matching the behaviour the original code actually
// runs, not the behaviour documented elsewhere in the original).
const FailedSTT = "failed:stt_failure"

// Status is an external panel status code.
type Status string

const (
	StatusConnected     Status = "CONNECTED"
	StatusNotInterested Status = "NOT_INTERESTED"
	StatusDisconnected  Status = "DISCONNECTED"
	StatusUnknown       Status = "UNKNOWN"
	StatusHangup        Status = "HANGUP"
	StatusMissed        Status = "MISSED"
	StatusBusy          Status = "BUSY"
	StatusPowerOff      Status = "POWER_OFF"
	StatusBanned        Status = "BANNED"
	StatusFailed        Status = "FAILED"
)

// intentBearing is the set of statuses a transcript is attached to.
var intentBearing = map[Status]bool{
	StatusConnected:     true,
	StatusNotInterested: true,
	StatusDisconnected:  true,
	StatusUnknown:       true,
}

// Translate maps an internal result code to a panel status. The
// mapping is total: any code outside the known table becomes
// StatusFailed, matching "failed:* (other) -> FAILED".
func Translate(code Code) Status {
	switch code {
	case ConnectedToOperator:
		return StatusConnected
	case NotInterested:
		return StatusNotInterested
	case Disconnected:
		return StatusDisconnected
	case Unknown:
		return StatusUnknown
	case Hangup:
		return StatusHangup
	case Missed, UserDidntAnswer:
		return StatusMissed
	case Busy:
		return StatusBusy
	case PowerOff:
		return StatusPowerOff
	case Banned:
		return StatusBanned
	}
	if string(code) == FailedSTT {
		return StatusNotInterested
	}
	if strings.HasPrefix(string(code), FailedPrefix) {
		return StatusFailed
	}
	return StatusFailed
}

// AttachesTranscript reports whether code warrants sending the
// session's last transcript along with the report. It is keyed by
// Code rather than the Status it translates to because two codes can
// share a status while disagreeing on transcript attachment:
// not_interested carries its transcript, but failed:stt_failure maps
// to the same NOT_INTERESTED status without one (spec.md §4.9's
// table).
func AttachesTranscript(code Code) bool {
	if string(code) == FailedSTT {
		return false
	}
	return intentBearing[Translate(code)]
}
