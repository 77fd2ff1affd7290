package intent

import (
	"context"
	"regexp"
	"strings"
)

// Label is the categorical goal detected in a caller utterance.
type Label string

const (
	LabelGeneralQuery     Label = "general_query"
	LabelPasswordReset    Label = "password_reset"
	LabelBillingIssue     Label = "billing_issue"
	LabelTechnicalProblem Label = "technical_problem"
	LabelAccountAccess    Label = "account_access"
	LabelConfirm          Label = "confirm"
	LabelDeny             Label = "deny"
	LabelUnknown          Label = "unknown"
)

// Fields are the slots extracted alongside the label.
type Fields struct {
	Email        string
	Phone        string
	IssueSummary string
}

type Result struct {
	Label      Label
	Confidence float64
	Fields     Fields
}

// Extractor classifies one utterance. Implementations must label sub-floor
// results as unknown rather than forcing a category.
type Extractor interface {
	Extract(ctx context.Context, utterance string) (Result, error)
}

var (
	emailRe      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneStripRe = regexp.MustCompile(`[\s\-().]`)
	phoneRe      = regexp.MustCompile(`^\+?1?\d{10,14}$`)
)

var keywordIntents = []struct {
	label    Label
	keywords []string
}{
	{LabelPasswordReset, []string{"password", "reset my password", "forgot my password", "log in password"}},
	{LabelBillingIssue, []string{"bill", "billing", "invoice", "charge", "refund", "subscription", "payment"}},
	{LabelAccountAccess, []string{"locked out", "can't log in", "cannot log in", "can't sign in", "account locked", "access my account", "two factor"}},
	{LabelTechnicalProblem, []string{"error", "broken", "crash", "not working", "doesn't work", "bug", "integration", "api"}},
}

var (
	confirmLeads   = []string{"yes", "yeah", "yep", "sure", "correct", "exactly"}
	confirmPhrases = []string{"that's right", "that is right", "that helped", "that worked", "that solved it", "problem solved"}
	denyLeads      = []string{"no", "nope", "nah"}
	denyPhrases    = []string{"didn't help", "did not help", "not really", "that's wrong", "still broken", "still not working", "not helpful", "didn't work", "did not work"}
)

// RuleExtractor is the dependency-free classifier used as the baseline and
// as the fallback when the remote NLU provider is unavailable.
type RuleExtractor struct {
	unknownFloor float64
}

func NewRuleExtractor(unknownFloor float64) *RuleExtractor {
	return &RuleExtractor{unknownFloor: unknownFloor}
}

func (e *RuleExtractor) Extract(_ context.Context, utterance string) (Result, error) {
	text := strings.TrimSpace(utterance)
	normalized := strings.ToLower(text)
	res := Result{Label: LabelUnknown, Fields: ExtractFields(text)}
	if normalized == "" {
		return res, nil
	}

	if label, conf, ok := matchConfirmDeny(normalized); ok {
		res.Label = label
		res.Confidence = conf
		return res, nil
	}

	for _, ki := range keywordIntents {
		for _, kw := range ki.keywords {
			if strings.Contains(normalized, kw) {
				res.Label = ki.label
				res.Confidence = 0.9
				return applyFloor(res, e.unknownFloor), nil
			}
		}
	}

	// Enough free text to work with counts as a general query; single words
	// stay unknown so the policy asks for clarification.
	if len(strings.Fields(normalized)) >= 3 {
		res.Label = LabelGeneralQuery
		res.Confidence = 0.6
	} else {
		res.Confidence = 0.3
	}
	return applyFloor(res, e.unknownFloor), nil
}

// ExtractFields pulls email- and phone-shaped tokens plus a summary out of
// free text. Validation mirrors the ticketing requirements.
func ExtractFields(text string) Fields {
	f := Fields{IssueSummary: strings.TrimSpace(text)}
	if m := emailRe.FindString(text); m != "" {
		f.Email = m
	}
	for _, token := range strings.Fields(text) {
		cleaned := phoneStripRe.ReplaceAllString(strings.Trim(token, ",."), "")
		if phoneRe.MatchString(cleaned) && len(cleaned) >= 10 {
			f.Phone = cleaned
			break
		}
	}
	return f
}

// ValidEmail reports whether s is a complete, plausible email address.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && emailRe.FindString(s) == s
}

// ValidPhone reports whether s is a plausible phone number after stripping
// separators.
func ValidPhone(s string) bool {
	cleaned := phoneStripRe.ReplaceAllString(strings.TrimSpace(s), "")
	return phoneRe.MatchString(cleaned) && len(cleaned) >= 10
}

func matchConfirmDeny(normalized string) (Label, float64, bool) {
	// Deny cues win over confirm cues: "no, that didn't help" should never
	// read as a confirmation.
	if leadsWith(normalized, denyLeads) || containsAny(normalized, denyPhrases) {
		return LabelDeny, 0.95, true
	}
	if leadsWith(normalized, confirmLeads) || containsAny(normalized, confirmPhrases) {
		return LabelConfirm, 0.95, true
	}
	return LabelUnknown, 0, false
}

func leadsWith(normalized string, words []string) bool {
	for _, w := range words {
		if normalized == w || strings.HasPrefix(normalized, w+" ") || strings.HasPrefix(normalized, w+",") {
			return true
		}
	}
	return false
}

func containsAny(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

func applyFloor(res Result, floor float64) Result {
	if res.Confidence < floor {
		res.Label = LabelUnknown
	}
	return res
}

// ParseLabel maps a provider string to a known label, defaulting to unknown.
func ParseLabel(s string) Label {
	switch Label(strings.ToLower(strings.TrimSpace(s))) {
	case LabelGeneralQuery, LabelPasswordReset, LabelBillingIssue,
		LabelTechnicalProblem, LabelAccountAccess, LabelConfirm, LabelDeny:
		return Label(strings.ToLower(strings.TrimSpace(s)))
	default:
		return LabelUnknown
	}
}
