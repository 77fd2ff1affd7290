package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kpalumbo/helpline/internal/call"
	"github.com/kpalumbo/helpline/internal/config"
	"github.com/kpalumbo/helpline/internal/observability"
	"github.com/kpalumbo/helpline/internal/protocol"
	"github.com/kpalumbo/helpline/internal/session"
)

// CallService is the orchestration surface the gateway depends on.
type CallService interface {
	StartCall(ctx context.Context, callerNumber string) (*call.Call, error)
	Get(callID string) *call.Call
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	calls    CallService
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, calls CallService, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		calls:    calls,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony gateways connect without a browser Origin; allow
				// those, and same-host browser connections for diagnostics.
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/calls", s.handleStartCall)
	r.Post("/v1/calls/{id}/end", s.handleEndCall)
	r.Get("/v1/calls/media", s.handleMediaWS)

	r.Post("/twilio/voice", s.handleTwilioVoice)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.sessions.ActiveCount(),
	})
}

type startCallRequest struct {
	CallerNumber string `json:"caller_number"`
}

type startCallResponse struct {
	CallID        string `json:"call_id"`
	State         string `json:"state"`
	MediaEndpoint string `json:"media_endpoint"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	c, err := s.calls.StartCall(r.Context(), strings.TrimSpace(req.CallerNumber))
	if err != nil {
		if errors.Is(err, session.ErrCapacity) {
			respondError(w, http.StatusServiceUnavailable, "at_capacity", "maximum concurrent calls reached")
			return
		}
		respondError(w, http.StatusBadGateway, "call_setup_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, startCallResponse{
		CallID:        c.Session().ID,
		State:         string(c.Session().State),
		MediaEndpoint: "/v1/calls/media?call_id=" + c.Session().ID,
	})
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c := s.calls.Get(id)
	if c == nil {
		respondError(w, http.StatusNotFound, "call_not_found", "no live call with that id")
		return
	}
	c.Hangup()
	respondJSON(w, http.StatusOK, map[string]any{"call_id": id, "state": string(session.StateAbandoned)})
}

func (s *Server) handleMediaWS(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("call_id"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "missing_call_id", "query parameter call_id is required")
		return
	}
	c := s.calls.Get(callID)
	if c == nil {
		respondError(w, http.StatusNotFound, "call_not_found", "no live call with that id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Single writer goroutine; all outbound frames flow through it.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		seq := 0
		for {
			select {
			case <-ctx.Done():
				return
			case out, ok := <-c.Output():
				if !ok {
					final := protocol.CallState{
						Type:       protocol.TypeCallState,
						CallID:     callID,
						State:      string(c.Session().State),
						Resolution: string(c.Session().Resolution),
						Reason:     string(c.Session().EndReason),
					}
					_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
					_ = conn.WriteJSON(final)
					cancel()
					return
				}
				seq++
				frame := protocol.AgentAudioChunk{
					Type:        protocol.TypeAgentAudioChunk,
					CallID:      callID,
					Seq:         seq,
					AudioBase64: base64.StdEncoding.EncodeToString(out.Audio),
					Hangup:      out.Hangup,
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			continue
		}

		switch msg := parsed.(type) {
		case protocol.CallerAudioChunk:
			audio, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
			if err != nil {
				continue
			}
			_ = c.PushAudio(ctx, audio, msg.SampleRate, false)
		case protocol.CallerHangup:
			c.Hangup()
		}
	}

	// Transport dropped without an explicit hangup frame; the caller is
	// gone either way.
	if !c.Session().State.Terminal() {
		c.Hangup()
	}
	cancel()
	<-writerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
