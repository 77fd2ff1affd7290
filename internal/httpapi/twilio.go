package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/twiml"

	"github.com/kpalumbo/helpline/internal/session"
)

// handleTwilioVoice answers a Twilio inbound-call webhook with TwiML that
// connects the call's media stream to our websocket endpoint. At capacity
// the caller hears a busy message instead of being silently dropped.
func (s *Server) handleTwilioVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	callerNumber := strings.TrimSpace(r.PostFormValue("From"))

	c, err := s.calls.StartCall(r.Context(), callerNumber)
	if err != nil {
		if errors.Is(err, session.ErrCapacity) {
			s.respondTwiML(w, busyTwiML())
			return
		}
		respondError(w, http.StatusBadGateway, "call_setup_failed", err.Error())
		return
	}

	stream := &twiml.VoiceStream{
		Url: "wss://" + s.publicHost(r) + "/v1/calls/media?call_id=" + c.Session().ID,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		c.Hangup()
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}
	s.respondTwiML(w, doc)
}

func busyTwiML() string {
	say := &twiml.VoiceSay{
		Message: "All of our agents are busy right now. Please call back in a few minutes.",
	}
	doc, err := twiml.Voice([]twiml.Element{say, &twiml.VoiceHangup{}})
	if err != nil {
		return "<Response/>"
	}
	return doc
}

func (s *Server) publicHost(r *http.Request) string {
	if host := strings.TrimSpace(s.cfg.PublicHost); host != "" {
		return host
	}
	return r.Host
}

func (s *Server) respondTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}
