package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kpalumbo/helpline/internal/call"
	"github.com/kpalumbo/helpline/internal/config"
	"github.com/kpalumbo/helpline/internal/dialog"
	"github.com/kpalumbo/helpline/internal/fault"
	"github.com/kpalumbo/helpline/internal/intent"
	"github.com/kpalumbo/helpline/internal/kb"
	"github.com/kpalumbo/helpline/internal/protocol"
	"github.com/kpalumbo/helpline/internal/reliability"
	"github.com/kpalumbo/helpline/internal/session"
	"github.com/kpalumbo/helpline/internal/speech"
)

type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, _ string) (kb.Result, error) {
	return kb.Result{}, nil
}

type noopTicketer struct{}

func (noopTicketer) Submit(_ context.Context, _ *session.CallSession, _ dialog.Cause) (string, error) {
	return "TICKET-1", nil
}

func (noopTicketer) Forget(string) {}

func newTestServer(t *testing.T, maxCalls int) (*Server, *session.Manager) {
	t.Helper()
	inv := reliability.NewInvoker(nil)
	inv.Register("tts", config.RetryPolicy{
		MaxAttempts: 2, BaseBackoff: time.Millisecond, BackoffMultiplier: 2,
		MaxConcurrent: 8, CircuitOpenThreshold: 10, CircuitCooldown: time.Second,
		QueueWait: 50 * time.Millisecond,
	})

	mock := speech.NewMockProvider()
	sessions := session.NewManager(maxCalls, time.Minute)
	dispatcher := speech.NewDispatcher(mock, inv, nil, []byte("beep"))
	factory := func() *dialog.Policy {
		return dialog.NewPolicy(intent.NewRuleExtractor(0.5), staticResolver{}, nil, dialog.Budgets{
			Turn: time.Second, Clarify: 2, ConfirmRetry: 2, ContactPrompt: 3,
		})
	}
	orch := call.NewOrchestrator(sessions, mock, dispatcher, factory, noopTicketer{}, nil, nil, 100*time.Millisecond)

	return New(config.Config{}, sessions, orch, nil), sessions
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, 5)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestStartAndEndCall(t *testing.T) {
	srv, _ := newTestServer(t, 5)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"caller_number": "+14155550100"})
	res, err := http.Post(ts.URL+"/v1/calls", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("start call request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created startCallResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if created.CallID == "" || created.State != string(session.StateGreeting) {
		t.Fatalf("unexpected start response: %+v", created)
	}

	endRes, err := http.Post(ts.URL+"/v1/calls/"+created.CallID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end call request error = %v", err)
	}
	endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestStartCallAtCapacity(t *testing.T) {
	srv, _ := newTestServer(t, 1)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"caller_number": "+14155550100"})
	first, err := http.Post(ts.URL+"/v1/calls", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	first.Body.Close()

	second, err := http.Post(ts.URL+"/v1/calls", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second call status = %d, want %d", second.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestMediaWebSocketDeliversGreeting(t *testing.T) {
	srv, _ := newTestServer(t, 5)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"caller_number": "+14155550100"})
	res, err := http.Post(ts.URL+"/v1/calls", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("start call error = %v", err)
	}
	var created startCallResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	res.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/calls/media?call_id=" + created.CallID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting frame error = %v", err)
	}

	var frame protocol.AgentAudioChunk
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != protocol.TypeAgentAudioChunk || frame.AudioBase64 == "" {
		t.Fatalf("unexpected first frame: %+v", frame)
	}
}

func TestMediaWebSocketReportsHangupReason(t *testing.T) {
	srv, _ := newTestServer(t, 5)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"caller_number": "+14155550100"})
	res, err := http.Post(ts.URL+"/v1/calls", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("start call error = %v", err)
	}
	var created startCallResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	res.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/calls/media?call_id=" + created.CallID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	hangup, _ := json.Marshal(map[string]string{"type": "caller_hangup", "call_id": created.CallID})
	if err := conn.WriteMessage(websocket.TextMessage, hangup); err != nil {
		t.Fatalf("send hangup error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error before final state frame: %v", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if env.Type != protocol.TypeCallState {
			continue
		}
		var final protocol.CallState
		if err := json.Unmarshal(data, &final); err != nil {
			t.Fatalf("decode call state frame: %v", err)
		}
		if final.State != string(session.StateAbandoned) {
			t.Fatalf("final state = %q, want %q", final.State, session.StateAbandoned)
		}
		if final.Reason != string(fault.KindCallerHangup) {
			t.Fatalf("final reason = %q, want %q", final.Reason, fault.KindCallerHangup)
		}
		return
	}
}

func TestTwilioVoiceWebhook(t *testing.T) {
	srv, _ := newTestServer(t, 5)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	form := "From=%2B14155550100&CallSid=CA123"
	res, err := http.Post(ts.URL+"/twilio/voice", "application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		t.Fatalf("webhook request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content type = %q, want text/xml", ct)
	}

	payload, _ := io.ReadAll(res.Body)
	doc := string(payload)
	if !strings.Contains(doc, "<Connect>") || !strings.Contains(doc, "<Stream") {
		t.Fatalf("twiml missing connect stream:\n%s", doc)
	}
	if !strings.Contains(doc, "/v1/calls/media?call_id=") {
		t.Fatalf("twiml missing media endpoint:\n%s", doc)
	}
}

func TestTwilioVoiceBusyAtCapacity(t *testing.T) {
	srv, _ := newTestServer(t, 1)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	form := "From=%2B14155550100"
	first, err := http.Post(ts.URL+"/twilio/voice", "application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		t.Fatalf("first webhook error = %v", err)
	}
	first.Body.Close()

	second, err := http.Post(ts.URL+"/twilio/voice", "application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		t.Fatalf("second webhook error = %v", err)
	}
	defer second.Body.Close()
	payload, _ := io.ReadAll(second.Body)
	if !strings.Contains(string(payload), "<Say>") || !strings.Contains(string(payload), "<Hangup") {
		t.Fatalf("busy twiml should say goodbye and hang up:\n%s", payload)
	}
}
