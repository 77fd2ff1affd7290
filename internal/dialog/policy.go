package dialog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kpalumbo/helpline/internal/fault"
	"github.com/kpalumbo/helpline/internal/intent"
	"github.com/kpalumbo/helpline/internal/kb"
	"github.com/kpalumbo/helpline/internal/observability"
	"github.com/kpalumbo/helpline/internal/session"
	"github.com/kpalumbo/helpline/internal/transcript"
)

// Resolver is the knowledge base lookup the policy depends on.
type Resolver interface {
	Resolve(ctx context.Context, queryText string) (kb.Result, error)
}

// Reply is what the policy wants spoken next.
type Reply struct {
	Text string
	// Hangup asks the transport to end the call after the reply is played.
	Hangup bool
}

// Budgets bound the loops in the dialogue so every call reaches a terminal
// state within a fixed number of turns.
type Budgets struct {
	Turn          time.Duration
	Clarify       int
	ConfirmRetry  int
	ContactPrompt int
}

// Response phrasing. Kept short so synthesis stays within the round trip
// target.
const (
	phraseGreeting     = "Thanks for calling support. How can I help you today?"
	phraseCapabilities = "I can help with password resets, billing questions, account access and technical problems. What do you need help with?"
	phraseClarify      = "Sorry, I didn't quite get that. Could you describe the problem in a few words?"
	phraseConfirmAsk   = " Did that resolve your issue?"
	phraseConfirmAgain = "Sorry, was that a yes or a no? Did that resolve your issue?"
	phraseRetryIssue   = "No problem. What else can I help you with?"
	phraseAskContact   = "I'll pass this to one of our support agents. What's the best email address to reach you at?"
	phraseAskContact2  = "Sorry, I didn't catch a valid email or phone number. Could you say it again?"
	phraseDegraded     = "Let me get back to you on that."
	phraseResolved     = "Great, glad that helped. Thanks for calling, goodbye."
	phraseTicketFiled  = "Thanks, a support agent will follow up with you shortly. Goodbye."
)

// CannedPhrases lists the fixed lines worth rendering ahead of time so the
// call still has audio to play when synthesis is down.
func CannedPhrases() []string {
	return []string{
		phraseGreeting,
		phraseClarify,
		phraseDegraded,
		phraseResolved,
		phraseTicketFiled,
	}
}

// Policy drives the dialogue for one call. It is bound to a single session
// and never runs two turns at once; the orchestrator serializes calls.
type Policy struct {
	extractor intent.Extractor
	resolver  Resolver
	metrics   *observability.Metrics
	budgets   Budgets

	clarifyCount   int
	denyCount      int
	contactPrompts int

	cause Cause
}

func NewPolicy(extractor intent.Extractor, resolver Resolver, metrics *observability.Metrics, budgets Budgets) *Policy {
	if budgets.Turn <= 0 {
		budgets.Turn = 2 * time.Second
	}
	return &Policy{
		extractor: extractor,
		resolver:  resolver,
		metrics:   metrics,
		budgets:   budgets,
	}
}

// Greeting is spoken as soon as the call connects, before any caller turn.
func (p *Policy) Greeting() string { return phraseGreeting }

// Cause reports why the call left the automated path, if it did.
func (p *Policy) Cause() Cause { return p.cause }

// HandleUtterance processes one completed caller turn and returns the reply
// to speak. External lookups run under the per-turn budget; past it the
// caller hears a holding phrase and the turn is handled as a provider
// failure.
func (p *Policy) HandleUtterance(ctx context.Context, s *session.CallSession, utt transcript.Utterance) Reply {
	if s.State.Terminal() {
		return Reply{}
	}

	if utt.Err != nil && p.metrics != nil {
		p.metrics.ProviderErrors.WithLabelValues("stt", string(fault.KindOf(utt.Err))).Inc()
	}

	tctx, cancel := context.WithTimeout(ctx, p.budgets.Turn)
	defer cancel()

	if s.State == session.StateGreeting {
		p.transition(s, TriggerTurnReceived)
	}

	var reply Reply
	switch s.State {
	case session.StateCollectingIssue:
		reply = p.collectIssue(tctx, s, utt)
	case session.StateConfirmingResolution:
		reply = p.confirmResolution(tctx, s, utt)
	case session.StateCapturingContact:
		reply = p.captureContact(tctx, s, utt)
	default:
		reply = Reply{Text: phraseClarify}
	}

	if ctx.Err() != nil {
		// Caller is gone; nothing to speak.
		return Reply{}
	}
	return reply
}

func (p *Policy) collectIssue(ctx context.Context, s *session.CallSession, utt transcript.Utterance) Reply {
	text := strings.TrimSpace(utt.Text)

	if text != "" && isCapabilityQuery(text) {
		p.recordTurn(s, utt, intent.Result{Label: intent.LabelGeneralQuery, Confidence: 1}, phraseCapabilities)
		return Reply{Text: phraseCapabilities}
	}

	res := p.extract(ctx, s, utt)
	p.captureFields(s, res.Fields, false)

	switch res.Label {
	case intent.LabelUnknown, intent.LabelConfirm, intent.LabelDeny:
		p.clarifyCount++
		if p.clarifyCount > p.budgets.Clarify {
			p.escalateFrom(s, TriggerClarifyExhausted, CauseLowConfidence)
			p.recordTurn(s, utt, res, phraseAskContact)
			return Reply{Text: phraseAskContact}
		}
		p.recordTurn(s, utt, res, phraseClarify)
		return Reply{Text: phraseClarify}
	}

	p.transition(s, TriggerIntentKnown)
	return p.resolve(ctx, s, utt, res)
}

func (p *Policy) resolve(ctx context.Context, s *session.CallSession, utt transcript.Utterance, res intent.Result) Reply {
	query := res.Fields.IssueSummary
	if query == "" {
		query = utt.Text
	}

	p.setPending(s, "kb")
	result, err := p.resolver.Resolve(ctx, query)
	p.clearPending(s)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return p.degraded(s, utt, res)
		}
		// KBUnavailable after exhausted retries; the policy never retries
		// the search itself.
		p.escalateFrom(s, TriggerKBFailed, CauseProviderDown)
		p.recordTurn(s, utt, res, phraseAskContact)
		return Reply{Text: phraseAskContact}
	}

	if !result.Match {
		p.escalateFrom(s, TriggerKBNoMatch, CauseNoMatch)
		p.recordTurn(s, utt, res, phraseAskContact)
		return Reply{Text: phraseAskContact}
	}

	p.transition(s, TriggerKBMatch)
	answer := spokenAnswer(result.Articles[0]) + phraseConfirmAsk
	p.recordTurn(s, utt, res, answer)
	return Reply{Text: answer}
}

func (p *Policy) confirmResolution(ctx context.Context, s *session.CallSession, utt transcript.Utterance) Reply {
	res := p.extract(ctx, s, utt)

	switch res.Label {
	case intent.LabelConfirm:
		p.transition(s, TriggerCallerConfirms)
		s.Resolution = session.ResolutionResolvedKB
		p.countOutcome(session.ResolutionResolvedKB)
		p.recordTurn(s, utt, res, phraseResolved)
		return Reply{Text: phraseResolved, Hangup: true}

	case intent.LabelDeny:
		p.denyCount++
		if p.denyCount > p.budgets.ConfirmRetry {
			p.escalateFrom(s, TriggerDenyExhausted, CauseNoMatch)
			p.recordTurn(s, utt, res, phraseAskContact)
			return Reply{Text: phraseAskContact}
		}
		p.transition(s, TriggerCallerDenies)
		p.recordTurn(s, utt, res, phraseRetryIssue)
		return Reply{Text: phraseRetryIssue}

	default:
		// Unclear answer. Re-ask, but count it against the confirm budget
		// so this cannot loop.
		p.denyCount++
		if p.denyCount > p.budgets.ConfirmRetry {
			p.escalateFrom(s, TriggerDenyExhausted, CauseNoMatch)
			p.recordTurn(s, utt, res, phraseAskContact)
			return Reply{Text: phraseAskContact}
		}
		p.recordTurn(s, utt, res, phraseConfirmAgain)
		return Reply{Text: phraseConfirmAgain}
	}
}

func (p *Policy) captureContact(ctx context.Context, s *session.CallSession, utt transcript.Utterance) Reply {
	fields := intent.ExtractFields(utt.Text)

	// A contact stated in direct answer to the contact prompt counts as
	// confirmed.
	if fields.Email != "" && intent.ValidEmail(fields.Email) {
		s.SetField(session.FieldEmail, fields.Email, true)
	}
	if fields.Phone != "" && intent.ValidPhone(fields.Phone) {
		s.SetField(session.FieldPhone, fields.Phone, true)
	}

	if s.FieldConfirmed(session.FieldEmail) || s.FieldConfirmed(session.FieldPhone) {
		p.transition(s, TriggerContactCaptured)
		return p.escalate(s, utt)
	}

	p.contactPrompts++
	if p.contactPrompts >= p.budgets.ContactPrompt {
		// Proceed with whatever contact data exists rather than blocking.
		p.transition(s, TriggerContactExhausted)
		return p.escalate(s, utt)
	}
	p.recordTurn(s, utt, intent.Result{Label: intent.LabelUnknown}, phraseAskContact2)
	return Reply{Text: phraseAskContact2}
}

// escalate commits the call to a human follow-up and closes it. The ticket
// itself is filed during teardown, after the goodbye has played, so a slow
// ticket backend can never eat the caller's turn budget.
func (p *Policy) escalate(s *session.CallSession, utt transcript.Utterance) Reply {
	if p.cause == CauseNone {
		p.cause = CauseNoMatch
	}
	s.Resolution = session.ResolutionEscalated

	p.transition(s, TriggerTicketFiled)
	p.countOutcome(session.ResolutionEscalated)

	p.recordTurn(s, utt, intent.Result{Label: intent.LabelUnknown}, phraseTicketFiled)
	return Reply{Text: phraseTicketFiled, Hangup: true}
}

// Abandon moves the session to the abandoned state on hangup or idle
// timeout. Ticket submission for abandoned calls is the orchestrator's job
// since the caller's context is already cancelled.
func (p *Policy) Abandon(s *session.CallSession, trigger Trigger) {
	if s.State.Terminal() {
		return
	}
	p.transition(s, trigger)
	p.cause = CauseAbandoned
	s.Resolution = session.ResolutionAbandoned
	if trigger == TriggerIdleTimeout {
		s.EndReason = fault.KindSessionTimeout
	} else {
		s.EndReason = fault.KindCallerHangup
	}
	p.countOutcome(session.ResolutionAbandoned)
	if p.metrics != nil {
		p.metrics.EscalationCauses.WithLabelValues(string(CauseAbandoned)).Inc()
	}
}

func (p *Policy) extract(ctx context.Context, s *session.CallSession, utt transcript.Utterance) intent.Result {
	text := strings.TrimSpace(utt.Text)
	if text == "" {
		// Silence or a dead input stream; treat as needing clarification.
		return intent.Result{Label: intent.LabelUnknown}
	}
	p.setPending(s, "nlu")
	res, err := p.extractor.Extract(ctx, text)
	p.clearPending(s)
	if err != nil {
		return intent.Result{Label: intent.LabelUnknown, Fields: intent.ExtractFields(text)}
	}
	return res
}

func (p *Policy) degraded(s *session.CallSession, utt transcript.Utterance, res intent.Result) Reply {
	if p.metrics != nil {
		p.metrics.DegradedTurns.Inc()
	}
	p.escalateFrom(s, TriggerKBFailed, CauseProviderDown)
	text := phraseDegraded + " " + phraseAskContact
	p.recordTurn(s, utt, res, text)
	return Reply{Text: text}
}

func (p *Policy) escalateFrom(s *session.CallSession, trigger Trigger, cause Cause) {
	p.transition(s, trigger)
	if p.cause == CauseNone {
		p.cause = cause
	}
	if p.metrics != nil {
		p.metrics.EscalationCauses.WithLabelValues(string(cause)).Inc()
	}
}

func (p *Policy) transition(s *session.CallSession, trigger Trigger) {
	if next, ok := Next(s.State, trigger); ok {
		s.State = next
	}
}

func (p *Policy) captureFields(s *session.CallSession, fields intent.Fields, confirmed bool) {
	if fields.Email != "" && intent.ValidEmail(fields.Email) {
		s.SetField(session.FieldEmail, fields.Email, confirmed)
	}
	if fields.Phone != "" && intent.ValidPhone(fields.Phone) {
		s.SetField(session.FieldPhone, fields.Phone, confirmed)
	}
	if fields.IssueSummary != "" && s.Field(session.FieldIssueSummary) == "" {
		s.SetField(session.FieldIssueSummary, fields.IssueSummary, false)
	}
}

func (p *Policy) recordTurn(s *session.CallSession, utt transcript.Utterance, res intent.Result, response string) {
	s.AppendTurn(session.Turn{
		UtteranceText:       utt.Text,
		UtteranceConfidence: utt.Confidence,
		DetectedIntent:      string(res.Label),
		IntentConfidence:    res.Confidence,
		SystemResponseText:  response,
	})
}

func (p *Policy) countOutcome(r session.Resolution) {
	if p.metrics != nil {
		p.metrics.CallOutcomes.WithLabelValues(string(r)).Inc()
	}
}

func (p *Policy) setPending(s *session.CallSession, provider string) {
	s.PendingRequest = &session.PendingRequest{
		Provider: provider,
		Attempt:  1,
		Deadline: time.Now().UTC().Add(p.budgets.Turn),
	}
}

func (p *Policy) clearPending(s *session.CallSession) {
	s.PendingRequest = nil
}

// spokenAnswer renders a knowledge base article for speech.
func spokenAnswer(a kb.Article) string {
	snippet := strings.TrimSpace(a.ContentSnippet)
	if snippet == "" {
		snippet = a.Title
	}
	return snippet
}

var capabilityPhrases = []string{
	"what can you do",
	"what can you help",
	"what do you do",
	"how can you help",
	"what are you able to",
}

func isCapabilityQuery(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range capabilityPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
