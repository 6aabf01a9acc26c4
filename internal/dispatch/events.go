package dispatch

import "log/slog"

// EventType names one observable step of a dispatch.
type EventType string

const (
	EventCredentialSelected    EventType = "credential_selected"
	EventCredentialRateLimited EventType = "credential_rate_limited"
	EventTierSwitched          EventType = "tier_switched"
	EventFallbackEngaged       EventType = "fallback_engaged"
	EventAttemptFailed         EventType = "attempt_failed"
	EventRequestSucceeded      EventType = "request_succeeded"
	EventRequestFailed         EventType = "request_failed"
)

// Event is published for every notable step while a request is dispatched.
// Events are informational; the success and failure contract is carried by
// the Generate return values alone. Credential holds the masked display
// name, never the secret.
type Event struct {
	Type       EventType
	RequestID  string
	Provider   string
	Tier       string
	Credential string
	Class      string
	Message    string
}

// EventSink receives dispatch events. Emit is called synchronously from
// the dispatch path and must not block.
type EventSink interface {
	Emit(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// SlogSink forwards every event to a structured logger at info level.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Emit(ev Event) {
	attrs := make([]any, 0, 12)
	attrs = append(attrs, "request_id", ev.RequestID)
	if ev.Provider != "" {
		attrs = append(attrs, "provider", ev.Provider)
	}
	if ev.Tier != "" {
		attrs = append(attrs, "tier", ev.Tier)
	}
	if ev.Credential != "" {
		attrs = append(attrs, "credential", ev.Credential)
	}
	if ev.Class != "" {
		attrs = append(attrs, "class", ev.Class)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}
	s.log.Info(string(ev.Type), attrs...)
}
