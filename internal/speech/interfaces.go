package speech

import "context"

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

// STTEvent is one recognition result from the streaming provider.
type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Timestamp  int64
}

// STTSession is one live recognition stream. SendAudio takes raw audio
// frames from the telephony transport; Commit forces an utterance boundary.
type STTSession interface {
	SendAudio(ctx context.Context, audio []byte, sampleRate int, commit bool) error
	Close() error
}

// STTProvider opens recognition streams, one per call.
type STTProvider interface {
	StartSession(ctx context.Context, callID string) (STTSession, <-chan STTEvent, error)
}

// Synthesizer renders one response string to audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
