package speech

import (
	"context"
	"strings"
	"sync"

	"github.com/kpalumbo/helpline/internal/fault"
	"github.com/kpalumbo/helpline/internal/observability"
	"github.com/kpalumbo/helpline/internal/reliability"
)

const ttsProviderName = "tts"

// Dispatcher turns response strings into audio. Provider calls go through
// the invoker; on failure the caller still gets audio, from a pre-rendered
// canned asset, so the line never goes silent.
type Dispatcher struct {
	tts     Synthesizer
	invoker *reliability.Invoker
	metrics *observability.Metrics

	mu       sync.RWMutex
	canned   map[string][]byte
	fallback []byte
}

// NewDispatcher builds a Dispatcher. fallback is the audio played when
// synthesis fails and no canned asset exists for the text; it must not
// depend on the synthesis provider.
func NewDispatcher(tts Synthesizer, invoker *reliability.Invoker, metrics *observability.Metrics, fallback []byte) *Dispatcher {
	return &Dispatcher{
		tts:      tts,
		invoker:  invoker,
		metrics:  metrics,
		canned:   make(map[string][]byte),
		fallback: fallback,
	}
}

// Prewarm renders the given phrases up front so they can serve as canned
// fallbacks later. Best effort; a phrase that fails to render is skipped.
func (d *Dispatcher) Prewarm(ctx context.Context, phrases []string) {
	for _, phrase := range phrases {
		audio, err := d.synthesize(ctx, phrase)
		if err != nil {
			continue
		}
		d.mu.Lock()
		d.canned[cannedKey(phrase)] = audio
		d.mu.Unlock()
	}
}

// Synthesize returns audio for text. On provider failure it returns canned
// audio together with a SpeechOutputFailed error; the audio is always
// playable and the error lets the caller account for the degradation.
func (d *Dispatcher) Synthesize(ctx context.Context, text string) ([]byte, error) {
	audio, err := d.synthesize(ctx, text)
	if err == nil {
		return audio, nil
	}

	if d.metrics != nil {
		d.metrics.ProviderErrors.WithLabelValues(ttsProviderName, string(fault.KindSpeechOutputFailed)).Inc()
	}
	return d.cannedFor(text), fault.New(fault.KindSpeechOutputFailed, err)
}

func (d *Dispatcher) synthesize(ctx context.Context, text string) ([]byte, error) {
	var audio []byte
	err := d.invoker.Do(ctx, ttsProviderName, true, func(ctx context.Context) error {
		rendered, err := d.tts.Synthesize(ctx, text)
		if err != nil {
			return err
		}
		audio = rendered
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audio, nil
}

func (d *Dispatcher) cannedFor(text string) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if audio, ok := d.canned[cannedKey(text)]; ok {
		return audio
	}
	return d.fallback
}

func cannedKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
