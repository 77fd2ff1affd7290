package ticket

import (
	"fmt"
	"strings"

	"github.com/kpalumbo/helpline/internal/session"
)

// Draft is the payload submitted to the ticketing provider. Built once per
// call; the idempotency key is the session id so a retried submission can
// never create a duplicate.
type Draft struct {
	Subject           string   `json:"subject"`
	Description       string   `json:"description"`
	RequesterEmail    string   `json:"requester_email,omitempty"`
	RequesterPhone    string   `json:"requester_phone,omitempty"`
	Transcript        string   `json:"transcript"`
	Tags              []string `json:"tags"`
	Priority          string   `json:"priority"`
	ResolutionOutcome string   `json:"resolution_outcome"`
	IdempotencyKey    string   `json:"-"`
}

const maxSubjectLen = 80

var urgencyKeywords = []string{"urgent", "emergency", "critical", "broken", "error"}

// BuildDraft renders a session into a ticket draft. cause is the escalation
// cause label, empty for resolved calls.
func BuildDraft(s *session.CallSession, cause string) Draft {
	d := Draft{
		Subject:           subjectFor(s),
		Description:       descriptionFor(s),
		RequesterEmail:    s.Field(session.FieldEmail),
		RequesterPhone:    requesterPhone(s),
		Transcript:        RenderTranscript(s.TurnLog),
		Tags:              tagsFor(s, cause),
		Priority:          priorityFor(s),
		ResolutionOutcome: string(s.Resolution),
		IdempotencyKey:    s.ID,
	}
	return d
}

func subjectFor(s *session.CallSession) string {
	subject := s.Field(session.FieldIssueSummary)
	if subject == "" {
		for _, t := range s.TurnLog {
			if strings.TrimSpace(t.UtteranceText) != "" {
				subject = t.UtteranceText
				break
			}
		}
	}
	if subject == "" {
		subject = "Phone support call"
	}
	if len(subject) > maxSubjectLen {
		subject = subject[:maxSubjectLen-3] + "..."
	}
	return subject
}

func descriptionFor(s *session.CallSession) string {
	var issue []string
	for _, t := range s.TurnLog {
		if strings.TrimSpace(t.UtteranceText) != "" {
			issue = append(issue, t.UtteranceText)
		}
		if len(issue) == 3 {
			break
		}
	}

	lastResponse := "No response given"
	for i := len(s.TurnLog) - 1; i >= 0; i-- {
		if strings.TrimSpace(s.TurnLog[i].SystemResponseText) != "" {
			lastResponse = s.TurnLog[i].SystemResponseText
			break
		}
	}

	return fmt.Sprintf("Issue description:\n%s\n\nLast automated response:\n%s",
		strings.Join(issue, " "), lastResponse)
}

// RenderTranscript formats the turn log for human agents, one caller and
// one agent line per turn in chronological order.
func RenderTranscript(turns []session.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		ts := t.Timestamp.Format("15:04:05")
		fmt.Fprintf(&b, "[%s] caller: %s\n", ts, t.UtteranceText)
		fmt.Fprintf(&b, "[%s] agent: %s\n", ts, t.SystemResponseText)
	}
	return b.String()
}

func tagsFor(s *session.CallSession, cause string) []string {
	tags := []string{outcomeTag(s.Resolution)}
	if intent := s.LastIntent(); intent != "" {
		tags = append(tags, intent)
	}
	if cause != "" {
		tags = append(tags, cause)
	}
	return tags
}

func outcomeTag(r session.Resolution) string {
	switch r {
	case session.ResolutionResolvedKB:
		return "resolved"
	case session.ResolutionEscalated:
		return "escalated"
	default:
		return "abandoned"
	}
}

// priorityFor raises the priority when the caller's recent turns carry
// urgency wording.
func priorityFor(s *session.CallSession) string {
	start := len(s.TurnLog) - 3
	if start < 0 {
		start = 0
	}
	var recent strings.Builder
	for _, t := range s.TurnLog[start:] {
		recent.WriteString(strings.ToLower(t.UtteranceText))
		recent.WriteString(" ")
	}
	for _, kw := range urgencyKeywords {
		if strings.Contains(recent.String(), kw) {
			return "high"
		}
	}
	return "medium"
}

func requesterPhone(s *session.CallSession) string {
	if phone := s.Field(session.FieldPhone); phone != "" {
		return phone
	}
	return s.CallerNumber
}
