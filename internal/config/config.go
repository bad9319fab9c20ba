// Package config reads the process environment into typed settings
// groups. There is no dotenv loader here: reading ".env" files is an
// explicit non-goal, and configuration is expected to already be in
// the process environment by the time this runs.
package config

import (
	"os"
	"strconv"
	"strings"
)

// ARI holds the telephony control server's connection settings.
type ARI struct {
	BaseURL  string
	WSURL    string
	AppName  string
	Username string
	Password string
}

// LLM holds the chat-completion endpoint's settings.
type LLM struct {
	BaseURL string
	APIKey  string
}

// STT holds the transcription service's settings.
type STT struct {
	Token     string
	URL       string
	VerifySSL bool
}

// Dialer holds the dialer's rate limits and batching settings.
type Dialer struct {
	OutboundTrunk              string
	OutboundNumbers            []string
	DefaultCallerID            string
	OriginationTimeoutSecs     int
	MaxConcurrentCalls         int
	MaxConcurrentOutboundCalls int
	MaxConcurrentInboundCalls  int
	MaxCallsPerMinute          int
	MaxCallsPerDay             int
	MaxOriginationsPerSecond   float64
	StaticContacts             []string
	BatchSize                  int
	DefaultRetrySecs           int
}

// Operator holds operator-transfer settings.
type Operator struct {
	Extension     string
	Trunk         string
	CallerID      string
	TimeoutSecs   int
	MobileNumbers []string
	UsePanelAgents bool
}

// Panel holds the campaign panel's connection settings.
type Panel struct {
	BaseURL string
	APIToken string
	Company string
}

// Concurrency holds the bounded-semaphore sizes for each external
// service, plus the shared HTTP connection pool cap.
type Concurrency struct {
	MaxParallelSTT      int
	MaxParallelLLM       int
	HTTPMaxConnections  int
}

// Timeouts holds per-service call deadlines, in seconds.
type Timeouts struct {
	HTTPTimeoutSecs float64
	STTTimeoutSecs  float64
	LLMTimeoutSecs  float64
	ARITimeoutSecs  float64
}

// SMS holds the alerting adapter's addressing settings. The SMS
// adapter itself is out of scope (spec.md §1); only the settings that
// would be handed to it are read here.
type SMS struct {
	APIKey              string
	Sender              string
	Admins              []string
	FailAlertThreshold int
}

// Settings is the complete process configuration.
type Settings struct {
	ARI         ARI
	LLM         LLM
	STT         STT
	Dialer      Dialer
	Operator    Operator
	Panel       Panel
	Concurrency Concurrency
	Timeouts    Timeouts
	SMS         SMS
	ScenariosDir string
	LogLevel    string
}

// Load reads Settings from the process environment, applying the
// same defaults as the original implementation.
func Load() Settings {
	maxConcurrent := envInt("MAX_CONCURRENT_CALLS", 2)

	return Settings{
		ARI: ARI{
			BaseURL:  envStr("ARI_BASE_URL", "http://127.0.0.1:8088/ari"),
			WSURL:    envStr("ARI_WS_URL", "ws://127.0.0.1:8088/ari/events"),
			AppName:  envStr("ARI_APP_NAME", "dialer"),
			Username: envStr("ARI_USERNAME", "dialer"),
			Password: envStr("ARI_PASSWORD", "changeme"),
		},
		LLM: LLM{
			BaseURL: envStr("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  envStr("LLM_API_KEY", ""),
		},
		STT: STT{
			Token:     envStr("STT_TOKEN", ""),
			URL:       envStr("STT_URL", ""),
			VerifySSL: envBoolTrueByDefault("STT_VERIFY_SSL"),
		},
		Dialer: Dialer{
			OutboundTrunk:              envStr("OUTBOUND_TRUNK", ""),
			OutboundNumbers:            envList("OUTBOUND_NUMBERS"),
			DefaultCallerID:            envStr("DEFAULT_CALLER_ID", "1000"),
			OriginationTimeoutSecs:     envInt("ORIGINATION_TIMEOUT", 30),
			MaxConcurrentCalls:         maxConcurrent,
			MaxConcurrentOutboundCalls: envInt("MAX_CONCURRENT_OUTBOUND_CALLS", maxConcurrent),
			MaxConcurrentInboundCalls:  envInt("MAX_CONCURRENT_INBOUND_CALLS", maxConcurrent),
			MaxCallsPerMinute:          envInt("MAX_CALLS_PER_MINUTE", 10),
			MaxCallsPerDay:             envInt("MAX_CALLS_PER_DAY", 200),
			MaxOriginationsPerSecond:   envFloat("MAX_ORIGINATIONS_PER_SECOND", 3),
			StaticContacts:             envList("STATIC_CONTACTS"),
			BatchSize:                  envInt("DIALER_BATCH_SIZE", envInt("MAX_CALLS_PER_MINUTE", 10)),
			DefaultRetrySecs:           envInt("DIALER_DEFAULT_RETRY", 60),
		},
		Operator: Operator{
			Extension:      envStr("OPERATOR_EXTENSION", "200"),
			Trunk:          envStr("OPERATOR_TRUNK", envStr("OUTBOUND_TRUNK", "")),
			CallerID:       envStr("OPERATOR_CALLER_ID", envStr("DEFAULT_CALLER_ID", "1000")),
			TimeoutSecs:    envInt("OPERATOR_TIMEOUT", 30),
			MobileNumbers:  envList("OPERATOR_MOBILE_NUMBERS"),
			UsePanelAgents: envStr("USE_PANEL_AGENTS", "false") == "true",
		},
		Panel: Panel{
			BaseURL:  envStr("PANEL_BASE_URL", ""),
			APIToken: envStr("PANEL_API_TOKEN", ""),
			Company:  envStr("COMPANY", ""),
		},
		Concurrency: Concurrency{
			MaxParallelSTT:     envInt("MAX_PARALLEL_STT", 50),
			MaxParallelLLM:     envInt("MAX_PARALLEL_LLM", 10),
			HTTPMaxConnections: envInt("HTTP_MAX_CONNECTIONS", 100),
		},
		Timeouts: Timeouts{
			HTTPTimeoutSecs: envFloat("HTTP_TIMEOUT", 10),
			STTTimeoutSecs:  envFloat("STT_TIMEOUT", 30),
			LLMTimeoutSecs:  envFloat("LLM_TIMEOUT", 20),
			ARITimeoutSecs:  envFloat("ARI_TIMEOUT", 10),
		},
		SMS: SMS{
			APIKey:             envStr("SMS_API_KEY", ""),
			Sender:             envStr("SMS_FROM", ""),
			Admins:             envList("SMS_ADMINS"),
			FailAlertThreshold: envInt("FAIL_ALERT_THRESHOLD", 3),
		},
		ScenariosDir: envStr("SCENARIOS_DIR", "scenarios"),
		LogLevel:     envStr("LOG_LEVEL", "INFO"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBoolTrueByDefault(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "0", "false", "no":
		return false
	default:
		return true
	}
}
