package session

import (
	"time"

	"github.com/kpalumbo/helpline/internal/fault"
)

// State is the dialogue position of a call. The policy owns the transition
// rules; the session record just carries the current value.
type State string

const (
	StateGreeting             State = "greeting"
	StateCollectingIssue      State = "collecting_issue"
	StateResolving            State = "resolving"
	StateConfirmingResolution State = "confirming_resolution"
	StateCapturingContact     State = "capturing_contact"
	StateEscalating           State = "escalating"
	StateClosing              State = "closing"
	StateAbandoned            State = "abandoned"
)

// Terminal reports whether no further turns are processed in this state.
func (s State) Terminal() bool {
	return s == StateClosing || s == StateAbandoned
}

// Resolution is the final outcome of a call.
type Resolution string

const (
	ResolutionUnset      Resolution = ""
	ResolutionResolvedKB Resolution = "resolved_by_kb"
	ResolutionEscalated  Resolution = "escalated"
	ResolutionAbandoned  Resolution = "abandoned"
)

// Turn is one caller utterance paired with the system response. Immutable
// once appended to the turn log.
type Turn struct {
	UtteranceText       string
	UtteranceConfidence float64
	DetectedIntent      string
	IntentConfidence    float64
	SystemResponseText  string
	Timestamp           time.Time
}

// CapturedField is a caller-provided value plus its confirmation status.
type CapturedField struct {
	Value     string
	Confirmed bool
}

// Field names used in CapturedFields.
const (
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldIssueSummary = "issueSummary"
)

// PendingRequest describes the at-most-one in-flight external call for a
// session.
type PendingRequest struct {
	Provider string
	Attempt  int
	Deadline time.Time
}

// CallSession is the per-call record. It is created by the Manager and from
// then on mutated only by the goroutine driving that call; the Manager map
// holds it for lookup and lifecycle accounting.
type CallSession struct {
	ID             string
	CallerNumber   string
	State          State
	TurnLog        []Turn
	CapturedFields map[string]CapturedField
	PendingRequest *PendingRequest
	Resolution     Resolution
	// EndReason is set when the call ends without the caller's goodbye:
	// caller_hangup or session_timeout.
	EndReason      fault.Kind
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// AppendTurn adds one turn to the log. The log is append-only; earlier
// entries are never rewritten.
func (s *CallSession) AppendTurn(t Turn) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	s.TurnLog = append(s.TurnLog, t)
}

// SetField records a captured value. A confirmed field is never silently
// overwritten by an unconfirmed one; reconfirmation is required to change it.
func (s *CallSession) SetField(name, value string, confirmed bool) {
	if value == "" {
		return
	}
	existing, ok := s.CapturedFields[name]
	if ok && existing.Confirmed && !confirmed {
		return
	}
	s.CapturedFields[name] = CapturedField{Value: value, Confirmed: confirmed}
}

// Field returns the captured value for name, or the empty string.
func (s *CallSession) Field(name string) string {
	return s.CapturedFields[name].Value
}

// FieldConfirmed reports whether name is present and confirmed.
func (s *CallSession) FieldConfirmed(name string) bool {
	return s.CapturedFields[name].Confirmed
}

// LastIntent returns the most recent non-empty detected intent.
func (s *CallSession) LastIntent() string {
	for i := len(s.TurnLog) - 1; i >= 0; i-- {
		if s.TurnLog[i].DetectedIntent != "" {
			return s.TurnLog[i].DetectedIntent
		}
	}
	return ""
}
