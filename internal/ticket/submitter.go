package ticket

import (
	"context"
	"sync"

	"github.com/kpalumbo/helpline/internal/dialog"
	"github.com/kpalumbo/helpline/internal/fault"
	"github.com/kpalumbo/helpline/internal/observability"
	"github.com/kpalumbo/helpline/internal/reliability"
	"github.com/kpalumbo/helpline/internal/session"
)

const ticketProviderName = "ticket"

// Submitter builds and submits tickets through the resilience policy. It
// remembers successful submissions per session id so a second attempt for
// the same call returns the existing ticket instead of filing again; a
// failed attempt is never cached, so a later retry reaches the provider
// and the session-id idempotency key keeps it from duplicating.
type Submitter struct {
	api           API
	invoker       *reliability.Invoker
	metrics       *observability.Metrics
	lookupByPhone bool

	mu        sync.Mutex
	submitted map[string]string
}

func NewSubmitter(api API, invoker *reliability.Invoker, metrics *observability.Metrics, lookupByPhone bool) *Submitter {
	return &Submitter{
		api:           api,
		invoker:       invoker,
		metrics:       metrics,
		lookupByPhone: lookupByPhone,
		submitted:     make(map[string]string),
	}
}

// Submit files a ticket for the session. The draft's idempotency key is the
// session id, so retries after an ambiguous failure cannot duplicate. A
// failure after exhausted retries is returned as TicketSubmissionFailed;
// the caller must still tear the session down.
func (t *Submitter) Submit(ctx context.Context, s *session.CallSession, cause dialog.Cause) (string, error) {
	t.mu.Lock()
	if id, ok := t.submitted[s.ID]; ok {
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	ticketID, err := t.submit(ctx, s, cause)
	if err == nil {
		t.mu.Lock()
		t.submitted[s.ID] = ticketID
		t.mu.Unlock()
	}

	t.count(err)
	return ticketID, err
}

// Forget drops the remembered submission for a released session so the map
// does not grow for the life of the process.
func (t *Submitter) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.submitted, sessionID)
	t.mu.Unlock()
}

func (t *Submitter) submit(ctx context.Context, s *session.CallSession, cause dialog.Cause) (string, error) {
	draft := BuildDraft(s, string(cause))

	if t.lookupByPhone && draft.RequesterPhone != "" {
		if existingID := t.findExisting(ctx, draft.RequesterPhone); existingID != "" {
			err := t.invoker.Do(ctx, ticketProviderName, true, func(ctx context.Context) error {
				return t.api.Update(ctx, existingID, map[string]any{
					"transcript": draft.Transcript,
					"tags":       draft.Tags,
				})
			})
			if err == nil {
				return existingID, nil
			}
			// Fall through and create a fresh ticket.
		}
	}

	var ticketID string
	err := t.invoker.Do(ctx, ticketProviderName, true, func(ctx context.Context) error {
		id, err := t.api.Create(ctx, draft)
		if err != nil {
			return err
		}
		ticketID = id
		return nil
	})
	if err != nil {
		return "", fault.New(fault.KindTicketSubmission, err)
	}
	return ticketID, nil
}

// findExisting is a best-effort pre-step; any lookup failure just means a
// new ticket gets created.
func (t *Submitter) findExisting(ctx context.Context, phone string) string {
	var existingID string
	err := t.invoker.Do(ctx, ticketProviderName, true, func(ctx context.Context) error {
		id, err := t.api.FindByPhone(ctx, phone)
		if err != nil {
			return err
		}
		existingID = id
		return nil
	})
	if err != nil {
		return ""
	}
	return existingID
}

func (t *Submitter) count(err error) {
	if t.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	t.metrics.TicketSubmissions.WithLabelValues(result).Inc()
}
