package fault

import (
	"errors"
	"fmt"
)

// Kind classifies call-affecting failures so the dialogue policy and metrics
// can branch on the cause without string matching.
type Kind string

const (
	KindNone                Kind = ""
	KindSpeechInputFailed   Kind = "speech_input_failed"
	KindSpeechOutputFailed  Kind = "speech_output_failed"
	KindKBUnavailable       Kind = "kb_unavailable"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindOverloaded          Kind = "overloaded"
	KindTicketSubmission    Kind = "ticket_submission_failed"
	KindSessionTimeout      Kind = "session_timeout"
	KindCallerHangup        Kind = "caller_hangup"
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. A nil err yields an error whose message
// is the kind itself.
func New(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the outermost Kind in err's chain, or KindNone.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNone
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}
