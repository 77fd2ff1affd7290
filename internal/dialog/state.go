package dialog

import "github.com/kpalumbo/helpline/internal/session"

// Trigger is the classified outcome of one turn, used to index the
// transition table.
type Trigger string

const (
	TriggerTurnReceived     Trigger = "turn_received"
	TriggerIntentKnown      Trigger = "intent_known"
	TriggerNeedClarify      Trigger = "need_clarify"
	TriggerClarifyExhausted Trigger = "clarify_exhausted"
	TriggerKBMatch          Trigger = "kb_match"
	TriggerKBNoMatch        Trigger = "kb_no_match"
	TriggerKBFailed         Trigger = "kb_failed"
	TriggerCallerConfirms   Trigger = "caller_confirms"
	TriggerCallerDenies     Trigger = "caller_denies"
	TriggerDenyExhausted    Trigger = "deny_exhausted"
	TriggerContactCaptured  Trigger = "contact_captured"
	TriggerContactPending   Trigger = "contact_pending"
	TriggerContactExhausted Trigger = "contact_exhausted"
	TriggerTicketFiled      Trigger = "ticket_filed"
	TriggerHangup           Trigger = "hangup"
	TriggerIdleTimeout      Trigger = "idle_timeout"
)

// Cause records why a call left the automated resolution path. "AI didn't
// know" and "backend was down" reach the same escalation state but stay
// distinguishable for analytics.
type Cause string

const (
	CauseNone          Cause = ""
	CauseNoMatch       Cause = "no_match"
	CauseLowConfidence Cause = "low_confidence"
	CauseProviderDown  Cause = "provider_down"
	CauseAbandoned     Cause = "abandoned"
)

type transitionKey struct {
	state   session.State
	trigger Trigger
}

// transitions is the full (state, trigger) -> next state table. Hangup and
// idle timeout are handled as wildcards in Next rather than listed per state.
var transitions = map[transitionKey]session.State{
	{session.StateGreeting, TriggerTurnReceived}: session.StateCollectingIssue,

	{session.StateCollectingIssue, TriggerIntentKnown}:      session.StateResolving,
	{session.StateCollectingIssue, TriggerNeedClarify}:      session.StateCollectingIssue,
	{session.StateCollectingIssue, TriggerClarifyExhausted}: session.StateCapturingContact,

	{session.StateResolving, TriggerKBMatch}:   session.StateConfirmingResolution,
	{session.StateResolving, TriggerKBNoMatch}: session.StateCapturingContact,
	{session.StateResolving, TriggerKBFailed}:  session.StateCapturingContact,

	{session.StateConfirmingResolution, TriggerCallerConfirms}: session.StateClosing,
	{session.StateConfirmingResolution, TriggerCallerDenies}:   session.StateCollectingIssue,
	{session.StateConfirmingResolution, TriggerDenyExhausted}:  session.StateCapturingContact,

	{session.StateCapturingContact, TriggerContactCaptured}:  session.StateEscalating,
	{session.StateCapturingContact, TriggerContactPending}:   session.StateCapturingContact,
	{session.StateCapturingContact, TriggerContactExhausted}: session.StateEscalating,

	{session.StateEscalating, TriggerTicketFiled}: session.StateClosing,
}

// Next returns the successor state for (state, trigger). Hangup and idle
// timeout move any non-terminal state to abandoned. The second return is
// false for an undefined pair.
func Next(state session.State, trigger Trigger) (session.State, bool) {
	if trigger == TriggerHangup || trigger == TriggerIdleTimeout {
		if state.Terminal() {
			return state, false
		}
		return session.StateAbandoned, true
	}
	next, ok := transitions[transitionKey{state, trigger}]
	return next, ok
}
