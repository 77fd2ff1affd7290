package dialog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kpalumbo/helpline/internal/fault"
	"github.com/kpalumbo/helpline/internal/intent"
	"github.com/kpalumbo/helpline/internal/kb"
	"github.com/kpalumbo/helpline/internal/session"
	"github.com/kpalumbo/helpline/internal/transcript"
)

type fakeResolver struct {
	result kb.Result
	err    error
	calls  int
}

func (f *fakeResolver) Resolve(ctx context.Context, queryText string) (kb.Result, error) {
	f.calls++
	return f.result, f.err
}

func testBudgets() Budgets {
	return Budgets{Turn: time.Second, Clarify: 2, ConfirmRetry: 2, ContactPrompt: 3}
}

func newTestSession() *session.CallSession {
	return &session.CallSession{
		ID:             "call-1",
		State:          session.StateGreeting,
		CapturedFields: make(map[string]session.CapturedField),
	}
}

func say(text string) transcript.Utterance {
	return transcript.Utterance{Text: text, Confidence: 0.9, EndedBy: transcript.BoundaryFinal}
}

func TestScenarioKBMatchResolved(t *testing.T) {
	resolver := &fakeResolver{result: kb.Result{
		Articles: []kb.Article{{ID: "a1", Title: "Password reset", ContentSnippet: "Use the forgot password link on the sign in page.", RelevanceScore: 0.92}},
		Match:    true,
	}}
	p := NewPolicy(intent.NewRuleExtractor(0.5), resolver, nil, testBudgets())
	s := newTestSession()
	ctx := context.Background()

	reply := p.HandleUtterance(ctx, s, say("I forgot my password"))
	if s.State != session.StateConfirmingResolution {
		t.Fatalf("state = %s, want %s", s.State, session.StateConfirmingResolution)
	}
	if !strings.Contains(reply.Text, "forgot password link") {
		t.Fatalf("reply should carry the article snippet: %q", reply.Text)
	}

	reply = p.HandleUtterance(ctx, s, say("yes"))
	if s.State != session.StateClosing {
		t.Fatalf("state = %s, want %s", s.State, session.StateClosing)
	}
	if !reply.Hangup {
		t.Fatalf("closing reply should hang up")
	}
	if s.Resolution != session.ResolutionResolvedKB {
		t.Fatalf("resolution = %s, want %s", s.Resolution, session.ResolutionResolvedKB)
	}
	if len(s.TurnLog) != 2 {
		t.Fatalf("turn log length = %d, want 2", len(s.TurnLog))
	}
}

func TestScenarioNoMatchEscalates(t *testing.T) {
	resolver := &fakeResolver{result: kb.Result{
		Articles: []kb.Article{{ID: "a1", RelevanceScore: 0.2}},
		Match:    false,
	}}
	p := NewPolicy(intent.NewRuleExtractor(0.5), resolver, nil, testBudgets())
	s := newTestSession()
	ctx := context.Background()

	original := "my custom integration is broken in a way nobody has seen"
	p.HandleUtterance(ctx, s, say(original))
	if s.State != session.StateCapturingContact {
		t.Fatalf("state = %s, want %s", s.State, session.StateCapturingContact)
	}
	if p.Cause() != CauseNoMatch {
		t.Fatalf("cause = %s, want %s", p.Cause(), CauseNoMatch)
	}

	reply := p.HandleUtterance(ctx, s, say("you can reach me at jane@example.com"))
	if s.State != session.StateClosing {
		t.Fatalf("state = %s, want %s", s.State, session.StateClosing)
	}
	if !reply.Hangup {
		t.Fatalf("escalation closing reply should hang up")
	}
	if s.Resolution != session.ResolutionEscalated {
		t.Fatalf("resolution = %s, want %s", s.Resolution, session.ResolutionEscalated)
	}
	if s.Field(session.FieldEmail) != "jane@example.com" || !s.FieldConfirmed(session.FieldEmail) {
		t.Fatalf("email not captured: %+v", s.CapturedFields)
	}
	if s.TurnLog[0].UtteranceText != original {
		t.Fatalf("transcript lost the original utterance: %q", s.TurnLog[0].UtteranceText)
	}
}

func TestScenarioKBOutageRoutesToEscalation(t *testing.T) {
	resolver := &fakeResolver{err: fault.Newf(fault.KindKBUnavailable, "search failed")}
	p := NewPolicy(intent.NewRuleExtractor(0.5), resolver, nil, testBudgets())
	s := newTestSession()

	p.HandleUtterance(context.Background(), s, say("my invoice is wrong"))
	if s.State != session.StateCapturingContact {
		t.Fatalf("state = %s, want %s", s.State, session.StateCapturingContact)
	}
	if p.Cause() != CauseProviderDown {
		t.Fatalf("cause = %s, want %s", p.Cause(), CauseProviderDown)
	}
	if resolver.calls != 1 {
		t.Fatalf("policy must not retry the search itself, calls = %d", resolver.calls)
	}
}

func TestScenarioHangupAbandons(t *testing.T) {
	p := NewPolicy(intent.NewRuleExtractor(0.5), &fakeResolver{}, nil, testBudgets())
	s := newTestSession()
	s.State = session.StateCollectingIssue
	s.AppendTurn(session.Turn{UtteranceText: "hello", SystemResponseText: "hi"})

	p.Abandon(s, TriggerHangup)
	if s.State != session.StateAbandoned {
		t.Fatalf("state = %s, want %s", s.State, session.StateAbandoned)
	}
	if s.Resolution != session.ResolutionAbandoned {
		t.Fatalf("resolution = %s, want %s", s.Resolution, session.ResolutionAbandoned)
	}
	if s.EndReason != fault.KindCallerHangup {
		t.Fatalf("end reason = %s, want %s", s.EndReason, fault.KindCallerHangup)
	}
	if len(s.TurnLog) != 1 {
		t.Fatalf("turn log should keep captured turns, length = %d", len(s.TurnLog))
	}
}

func TestIdleTimeoutAbandonRecordsReason(t *testing.T) {
	p := NewPolicy(intent.NewRuleExtractor(0.5), &fakeResolver{}, nil, testBudgets())
	s := newTestSession()
	s.State = session.StateCollectingIssue

	p.Abandon(s, TriggerIdleTimeout)
	if s.State != session.StateAbandoned {
		t.Fatalf("state = %s, want %s", s.State, session.StateAbandoned)
	}
	if s.EndReason != fault.KindSessionTimeout {
		t.Fatalf("end reason = %s, want %s", s.EndReason, fault.KindSessionTimeout)
	}
}

func TestFailedUtteranceTakesClarifyPath(t *testing.T) {
	resolver := &fakeResolver{}
	p := NewPolicy(intent.NewRuleExtractor(0.5), resolver, nil, testBudgets())
	s := newTestSession()
	s.State = session.StateCollectingIssue

	broken := transcript.Utterance{
		Err:     fault.Newf(fault.KindSpeechInputFailed, "stream dropped"),
		EndedBy: transcript.BoundaryFinal,
	}
	reply := p.HandleUtterance(context.Background(), s, broken)
	if s.State != session.StateCollectingIssue {
		t.Fatalf("state = %s, want %s", s.State, session.StateCollectingIssue)
	}
	if reply.Hangup {
		t.Fatalf("a single failed utterance must not end the call")
	}
	if resolver.calls != 0 {
		t.Fatalf("failed utterance should not reach the knowledge base, calls = %d", resolver.calls)
	}
}

func TestClarificationBudgetForcesEscalation(t *testing.T) {
	p := NewPolicy(intent.NewRuleExtractor(0.5), &fakeResolver{}, nil, testBudgets())
	s := newTestSession()
	ctx := context.Background()

	// Three unintelligible turns against a clarify budget of two.
	p.HandleUtterance(ctx, s, say("mmm"))
	if s.State != session.StateCollectingIssue {
		t.Fatalf("state = %s, want %s", s.State, session.StateCollectingIssue)
	}
	p.HandleUtterance(ctx, s, say("uh"))
	p.HandleUtterance(ctx, s, say("hmm"))
	if s.State != session.StateCapturingContact {
		t.Fatalf("state = %s, want %s", s.State, session.StateCapturingContact)
	}
	if p.Cause() != CauseLowConfidence {
		t.Fatalf("cause = %s, want %s", p.Cause(), CauseLowConfidence)
	}
}

func TestContactPromptBudgetProceedsAnyway(t *testing.T) {
	p := NewPolicy(intent.NewRuleExtractor(0.5), &fakeResolver{}, nil, testBudgets())
	s := newTestSession()
	s.State = session.StateCapturingContact
	p.cause = CauseNoMatch
	ctx := context.Background()

	p.HandleUtterance(ctx, s, say("no thanks"))
	p.HandleUtterance(ctx, s, say("I'd rather not"))
	reply := p.HandleUtterance(ctx, s, say("just fix it"))
	if s.State != session.StateClosing {
		t.Fatalf("state = %s, want %s", s.State, session.StateClosing)
	}
	if !reply.Hangup {
		t.Fatalf("closing reply should hang up")
	}
	if s.Resolution != session.ResolutionEscalated {
		t.Fatalf("resolution = %s, want %s", s.Resolution, session.ResolutionEscalated)
	}
}

func TestDenyRetryBudget(t *testing.T) {
	resolver := &fakeResolver{result: kb.Result{
		Articles: []kb.Article{{ID: "a1", ContentSnippet: "Restart the app.", RelevanceScore: 0.9}},
		Match:    true,
	}}
	p := NewPolicy(intent.NewRuleExtractor(0.5), resolver, nil, testBudgets())
	s := newTestSession()
	ctx := context.Background()

	p.HandleUtterance(ctx, s, say("the app keeps crashing with an error"))
	if s.State != session.StateConfirmingResolution {
		t.Fatalf("state = %s, want %s", s.State, session.StateConfirmingResolution)
	}

	// First denial loops back to collecting, second attempt matches again,
	// and the denial after that exhausts the confirm budget.
	p.HandleUtterance(ctx, s, say("no"))
	if s.State != session.StateCollectingIssue {
		t.Fatalf("state after first deny = %s, want %s", s.State, session.StateCollectingIssue)
	}
	p.HandleUtterance(ctx, s, say("it still shows an error"))
	p.HandleUtterance(ctx, s, say("no it did not"))
	p.HandleUtterance(ctx, s, say("it is still broken with an error"))
	p.HandleUtterance(ctx, s, say("no"))
	if s.State != session.StateCapturingContact {
		t.Fatalf("state after exhausted denials = %s, want %s", s.State, session.StateCapturingContact)
	}
}

func TestCapabilityQueryAnsweredWithoutSearch(t *testing.T) {
	resolver := &fakeResolver{}
	p := NewPolicy(intent.NewRuleExtractor(0.5), resolver, nil, testBudgets())
	s := newTestSession()

	reply := p.HandleUtterance(context.Background(), s, say("what can you do"))
	if resolver.calls != 0 {
		t.Fatalf("capability query should not hit the knowledge base, calls = %d", resolver.calls)
	}
	if s.State != session.StateCollectingIssue {
		t.Fatalf("state = %s, want %s", s.State, session.StateCollectingIssue)
	}
	if !strings.Contains(reply.Text, "password resets") {
		t.Fatalf("reply should list capabilities: %q", reply.Text)
	}
}
