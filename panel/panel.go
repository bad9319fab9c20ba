// Package panel is the campaign-panel RPC adapter (C5): batch
// acquisition, per-call result reporting, and scenario/line
// registration, with offline queueing of reports that fail to
// transmit.
package panel

import (
	"time"
)

// Contact is one prospect to dial, drawn from a batch.
type Contact struct {
	ID          int            `json:"id"`
	PhoneNumber string         `json:"phone_number"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ScenarioRef is a scenario as advertised by the panel.
type ScenarioRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// LineRef is an outbound line as advertised by the panel.
type LineRef struct {
	ID          int    `json:"id"`
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name"`
}

// AgentRef is an operator agent as advertised by the panel.
type AgentRef struct {
	ID          int    `json:"id"`
	PhoneNumber string `json:"phone_number"`
}

// Batch is the response shape of get_next_batch (§4.5).
type Batch struct {
	CallAllowed     bool
	Contacts        []Contact
	ActiveScenarios []ScenarioRef
	OutboundLines   []LineRef
	InboundAgents   []AgentRef
	OutboundAgents  []AgentRef
	RetryAfter      time.Duration
}

// ReportInput is the payload of report_result (§4.5); field names
// must match the panel's contract exactly.
type ReportInput struct {
	Company        string
	NumberID       *int
	PhoneNumber    string
	Status         string
	Reason         string
	AttemptedAt    time.Time
	ScenarioID     *int
	OutboundLineID *int
	AgentID        *int
	AgentPhone     string
	UserMessage    string
}

// ScenarioRegistration is one entry of register_scenarios.
type ScenarioRegistration struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// LineRegistration is one entry of register_outbound_lines.
type LineRegistration struct {
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name"`
}
