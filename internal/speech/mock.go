package speech

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockProvider is a local stand-in used when no speech credentials are
// configured. Recognition emits a committed transcript on every commit and
// synthesis returns the text bytes themselves.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	return &mockSTTSession{events: events}, events, nil
}

func (p *MockProvider) Synthesize(_ context.Context, text string) ([]byte, error) {
	return []byte(text), nil
}

type mockSTTSession struct {
	mu     sync.Mutex
	events chan STTEvent
	chunks int
	closed bool
}

func (s *mockSTTSession) SendAudio(_ context.Context, audio []byte, _ int, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.chunks++
	if len(audio) > 0 {
		s.events <- STTEvent{Type: STTEventPartial, Text: "...", Confidence: 0.5, Timestamp: time.Now().UnixMilli()}
	}
	if commit || s.chunks%8 == 0 {
		text := "simulated caller speech"
		if strings.TrimSpace(string(audio)) != "" {
			text = string(audio)
		}
		s.events <- STTEvent{Type: STTEventFinal, Text: text, Confidence: 0.7, Timestamp: time.Now().UnixMilli()}
	}
	return nil
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
