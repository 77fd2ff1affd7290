package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kpalumbo/helpline/internal/dialog"
	"github.com/kpalumbo/helpline/internal/observability"
	"github.com/kpalumbo/helpline/internal/session"
	"github.com/kpalumbo/helpline/internal/speech"
	"github.com/kpalumbo/helpline/internal/transcript"
)

// Archiver persists finished call records. Optional.
type Archiver interface {
	SaveCall(ctx context.Context, sess *session.CallSession, ticketID string) error
}

// Ticketer files the follow-up ticket for a finished call. Submit must be
// idempotent per session id; Forget releases the idempotency record once
// the session is gone.
type Ticketer interface {
	Submit(ctx context.Context, s *session.CallSession, cause dialog.Cause) (string, error)
	Forget(sessionID string)
}

// PolicyFactory builds a fresh dialogue policy for each call.
type PolicyFactory func() *dialog.Policy

// Output is one playback instruction for the telephony transport.
type Output struct {
	Audio      []byte
	State      session.State
	Resolution session.Resolution
	// Hangup tells the transport to end the call after playback.
	Hangup bool
}

const teardownBudget = 30 * time.Second

// Orchestrator runs the per-call pipeline: audio in through recognition and
// aggregation, turns through the dialogue policy, replies out through
// synthesis, and a guaranteed ticket attempt at every terminal state.
type Orchestrator struct {
	manager    *session.Manager
	stt        speech.STTProvider
	dispatcher *speech.Dispatcher
	policies   PolicyFactory
	ticketer   Ticketer
	archive    Archiver
	metrics    *observability.Metrics

	silenceTimeout time.Duration

	mu    sync.Mutex
	calls map[string]*Call
}

func NewOrchestrator(manager *session.Manager, stt speech.STTProvider, dispatcher *speech.Dispatcher, policies PolicyFactory, ticketer Ticketer, archive Archiver, metrics *observability.Metrics, silenceTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		manager:        manager,
		stt:            stt,
		dispatcher:     dispatcher,
		policies:       policies,
		ticketer:       ticketer,
		archive:        archive,
		metrics:        metrics,
		silenceTimeout: silenceTimeout,
		calls:          make(map[string]*Call),
	}
}

// Call is one live call bound to a session, a recognition stream and a
// dialogue policy. Audio ingestion runs concurrently with turn processing;
// turns themselves are strictly sequential.
type Call struct {
	sess   *session.CallSession
	policy *dialog.Policy

	orch   *Orchestrator
	stt    speech.STTSession
	agg    *transcript.Aggregator
	out    chan Output
	cancel context.CancelFunc

	mu      sync.Mutex
	trigger dialog.Trigger
	done    bool
}

// StartCall creates the session, opens the recognition stream and starts
// the turn loop. It returns session.ErrCapacity when the call cap is
// reached; the transport rejects the call with a busy signal.
func (o *Orchestrator) StartCall(ctx context.Context, callerNumber string) (*Call, error) {
	sess, err := o.manager.Create(callerNumber)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancel(context.Background())

	sttSession, events, err := o.stt.StartSession(ctx, sess.ID)
	if err != nil {
		cancel()
		o.manager.Release(sess.ID)
		return nil, err
	}

	c := &Call{
		sess:    sess,
		policy:  o.policies(),
		orch:    o,
		stt:     sttSession,
		agg:     transcript.NewAggregator(o.silenceTimeout),
		out:     make(chan Output, 16),
		cancel:  cancel,
		trigger: dialog.TriggerHangup,
	}

	o.mu.Lock()
	o.calls[sess.ID] = c
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.ActiveCalls.Inc()
	}

	go c.feedRecognition(events)
	go c.run(callCtx)
	return c, nil
}

// Get returns the live call for id, or nil.
func (o *Orchestrator) Get(callID string) *Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[callID]
}

// Expire is the session janitor hook: the idle call is cancelled and ends
// up abandoned with a session-timeout trigger.
func (o *Orchestrator) Expire(s *session.CallSession) {
	if c := o.Get(s.ID); c != nil {
		c.abort(dialog.TriggerIdleTimeout)
	}
}

// Session exposes the call's session record for transport status frames.
func (c *Call) Session() *session.CallSession { return c.sess }

// Output delivers playback instructions in order. Closed when the call is
// fully torn down.
func (c *Call) Output() <-chan Output { return c.out }

// PushAudio forwards one caller audio frame to the recognition stream.
func (c *Call) PushAudio(ctx context.Context, audio []byte, sampleRate int, commit bool) error {
	c.orch.manager.Touch(c.sess.ID)
	return c.stt.SendAudio(ctx, audio, sampleRate, commit)
}

// Hangup signals the caller disconnected. All in-flight provider calls for
// the current turn are cancelled and the session goes to abandoned.
func (c *Call) Hangup() {
	c.abort(dialog.TriggerHangup)
}

func (c *Call) abort(trigger dialog.Trigger) {
	c.mu.Lock()
	c.trigger = trigger
	c.mu.Unlock()
	c.cancel()
}

// feedRecognition pumps provider events into the aggregator. It runs
// concurrently with turn processing so partials keep flowing regardless of
// backend latency.
func (c *Call) feedRecognition(events <-chan speech.STTEvent) {
	for ev := range events {
		switch ev.Type {
		case speech.STTEventPartial:
			c.agg.Push(transcript.Fragment{Text: ev.Text, Confidence: ev.Confidence})
		case speech.STTEventFinal:
			c.agg.Push(transcript.Fragment{Text: ev.Text, Confidence: ev.Confidence, Final: true})
		case speech.STTEventError:
			c.agg.Push(transcript.Fragment{Err: errors.New(ev.Code + ": " + ev.Detail)})
		}
	}
}

// run is the sequential turn loop. Exactly one policy step executes at a
// time for the session.
func (c *Call) run(ctx context.Context) {
	c.speak(ctx, c.policy.Greeting(), false)

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			trigger := c.trigger
			c.mu.Unlock()
			c.policy.Abandon(c.sess, trigger)
			c.finish()
			return

		case utt, ok := <-c.agg.Utterances():
			if !ok {
				c.policy.Abandon(c.sess, dialog.TriggerHangup)
				c.finish()
				return
			}
			c.orch.manager.Touch(c.sess.ID)

			start := time.Now()
			reply := c.policy.HandleUtterance(ctx, c.sess, utt)
			if c.orch.metrics != nil {
				c.orch.metrics.ObserveTurnLatency(time.Since(start))
			}

			if reply.Text != "" {
				c.speak(ctx, reply.Text, reply.Hangup)
			}
			if c.sess.State.Terminal() {
				c.finish()
				return
			}
		}
	}
}

// speak synthesizes and queues one reply. Synthesis failures still produce
// audio via the dispatcher's canned fallback, so the caller never gets
// silence.
func (c *Call) speak(ctx context.Context, text string, hangup bool) {
	if ctx.Err() != nil {
		return
	}
	audio, _ := c.orch.dispatcher.Synthesize(ctx, text)
	select {
	case c.out <- Output{Audio: audio, State: c.sess.State, Resolution: c.sess.Resolution, Hangup: hangup}:
	default:
		// Transport stopped draining; drop rather than block the turn loop.
	}
}

// finish guarantees the terminal-state contract: exactly one ticket
// submission attempt for the session, a best-effort archive write, and the
// session slot released no matter what failed before.
func (c *Call) finish() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownBudget)
	defer cancel()

	// The ticket is filed here, on the teardown context, for every terminal
	// state. The goodbye has already played; a slow provider costs nothing
	// the caller can hear.
	var ticketID string
	if id, err := c.orch.ticketer.Submit(ctx, c.sess, c.policy.Cause()); err == nil {
		ticketID = id
	}

	if c.orch.archive != nil {
		_ = c.orch.archive.SaveCall(ctx, c.sess, ticketID)
	}

	_ = c.stt.Close()
	c.agg.Close()
	c.cancel()

	c.orch.mu.Lock()
	delete(c.orch.calls, c.sess.ID)
	c.orch.mu.Unlock()
	c.orch.manager.Release(c.sess.ID)
	c.orch.ticketer.Forget(c.sess.ID)
	if c.orch.metrics != nil {
		c.orch.metrics.ActiveCalls.Dec()
	}
	close(c.out)
}
