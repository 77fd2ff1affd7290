package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/kpalumbo/helpline/internal/fault"
)

// Boundary records what closed an utterance.
type Boundary string

const (
	BoundaryFinal   Boundary = "final"
	BoundarySilence Boundary = "silence"
	BoundaryError   Boundary = "stream_error"
)

// Fragment is one speech-recognition event. Partial fragments carry the
// provisional text so far; a final fragment closes the utterance.
type Fragment struct {
	Text       string
	Confidence float64
	Final      bool
	Err        error
}

// Utterance is one finished caller turn as emitted to the dialogue policy.
type Utterance struct {
	Text       string
	Confidence float64
	EndedBy    Boundary
	Err        error
}

// Aggregator assembles partial recognition fragments into turn-level
// utterances. Partials only update the provisional buffer; a boundary fires
// on a final fragment, on silence after the last partial, or on a fatal
// stream error (which flushes whatever text was buffered).
type Aggregator struct {
	silence time.Duration
	out     chan Utterance

	mu        sync.Mutex
	buffer    string
	confSum   float64
	confCount int
	timer     *time.Timer
	closed    bool
}

func NewAggregator(silence time.Duration) *Aggregator {
	if silence <= 0 {
		silence = 1200 * time.Millisecond
	}
	return &Aggregator{
		silence: silence,
		out:     make(chan Utterance, 16),
	}
}

// Utterances delivers finished turns in boundary order.
func (a *Aggregator) Utterances() <-chan Utterance { return a.out }

// Push feeds one recognition fragment. Safe for a single producer goroutine.
func (a *Aggregator) Push(f Fragment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	if f.Err != nil {
		utt := a.flushLocked(BoundaryError)
		utt.Err = fault.New(fault.KindSpeechInputFailed, f.Err)
		a.emitLocked(utt)
		return
	}

	if text := strings.TrimSpace(f.Text); text != "" {
		a.buffer = text
	}
	if f.Confidence > 0 {
		a.confSum += f.Confidence
		a.confCount++
	}

	if f.Final {
		utt := a.flushLocked(BoundaryFinal)
		if utt.Text != "" {
			a.emitLocked(utt)
		}
		return
	}

	// Partials never trigger downstream processing; they just re-arm the
	// silence timer.
	if a.buffer != "" {
		a.armTimerLocked()
	}
}

// Close stops the silence timer and closes the utterance channel. Any
// buffered provisional text is discarded; hangups are handled upstream.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	close(a.out)
}

func (a *Aggregator) armTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.silence, a.silenceElapsed)
}

func (a *Aggregator) silenceElapsed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.buffer == "" {
		return
	}
	a.emitLocked(a.flushLocked(BoundarySilence))
}

// emitLocked sends without blocking so a stalled consumer cannot wedge the
// recognition feed; the channel buffer covers normal turn pacing.
func (a *Aggregator) emitLocked(utt Utterance) {
	select {
	case a.out <- utt:
	default:
	}
}

func (a *Aggregator) flushLocked(by Boundary) Utterance {
	utt := Utterance{
		Text:    a.buffer,
		EndedBy: by,
	}
	if a.confCount > 0 {
		utt.Confidence = a.confSum / float64(a.confCount)
	}
	a.buffer = ""
	a.confSum = 0
	a.confCount = 0
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return utt
}
