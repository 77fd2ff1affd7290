package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig holds the realtime speech-to-text endpoint settings.
type StreamConfig struct {
	APIKey    string
	WSBaseURL string
	ModelID   string
}

// StreamProvider speaks the realtime transcription websocket protocol used
// by ElevenLabs-style providers.
type StreamProvider struct {
	cfg StreamConfig
}

func NewStreamProvider(cfg StreamConfig) *StreamProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "scribe_v2_realtime"
	}
	return &StreamProvider{cfg: cfg}
}

func (p *StreamProvider) StartSession(ctx context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("commit_strategy", "vad")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	events := make(chan STTEvent, 256)
	s := &streamSession{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

type streamSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan STTEvent
}

func (s *streamSession) SendAudio(_ context.Context, audio []byte, sampleRate int, commit bool) error {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(audio),
		"commit":        commit,
		"sample_rate":   sampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

// readLoop owns the events channel: it is the only sender and closes the
// channel when the connection is gone, so Close can never race a send.
func (s *streamSession) readLoop() {
	defer close(s.events)
	defer s.closeConn()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			s.events <- STTEvent{Type: STTEventPartial, Text: asString(raw["text"]), Confidence: asFloat(raw["confidence"]), Timestamp: time.Now().UnixMilli()}
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.events <- STTEvent{Type: STTEventFinal, Text: asString(raw["text"]), Confidence: asFloat(raw["confidence"]), Timestamp: time.Now().UnixMilli()}
		case "session_started", "", "input_audio_chunk":
			// control events
		default:
			s.events <- STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Timestamp: time.Now().UnixMilli(),
			}
		}
	}
}

// Close shuts the connection down; the read loop notices and closes the
// event channel from its own side.
func (s *streamSession) Close() error {
	return s.closeConn()
}

func (s *streamSession) closeConn() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

func asString(v any) string {
	if t, ok := v.(string); ok {
		return t
	}
	return ""
}

func asFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
