package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kpalumbo/helpline/internal/session"
	"github.com/kpalumbo/helpline/internal/ticket"
)

// CallRecord is the archived summary of one finished call.
type CallRecord struct {
	SessionID    string
	CallerNumber string
	Resolution   string
	Intent       string
	TicketID     string
	Transcript   string
	TurnCount    int
	StartedAt    time.Time
	EndedAt      time.Time
}

// Store persists finished call records in PostgreSQL. It is optional; a nil
// *Store skips archiving.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			session_id TEXT PRIMARY KEY,
			caller_number TEXT NOT NULL,
			resolution TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			ticket_id TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL,
			turn_count INT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_caller ON call_records (caller_number, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveCall archives a finished session. Saving twice for the same session
// id keeps the latest record.
func (s *Store) SaveCall(ctx context.Context, sess *session.CallSession, ticketID string) error {
	if s == nil {
		return nil
	}
	record := recordFor(sess, ticketID)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (session_id, caller_number, resolution, intent, ticket_id, transcript, turn_count, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO UPDATE SET
			resolution = EXCLUDED.resolution,
			ticket_id = EXCLUDED.ticket_id,
			transcript = EXCLUDED.transcript,
			turn_count = EXCLUDED.turn_count,
			ended_at = EXCLUDED.ended_at`,
		record.SessionID,
		record.CallerNumber,
		record.Resolution,
		record.Intent,
		record.TicketID,
		record.Transcript,
		record.TurnCount,
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save call record: %w", err)
	}
	return nil
}

// RecentCalls returns the caller's latest archived calls, oldest first.
func (s *Store) RecentCalls(ctx context.Context, callerNumber string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, caller_number, resolution, intent, ticket_id, transcript, turn_count, started_at, ended_at
		 FROM call_records WHERE caller_number=$1 ORDER BY ended_at DESC LIMIT $2`,
		callerNumber,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	records := make([]CallRecord, 0, limit)
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.SessionID, &r.CallerNumber, &r.Resolution, &r.Intent, &r.TicketID, &r.Transcript, &r.TurnCount, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	return records, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func recordFor(sess *session.CallSession, ticketID string) CallRecord {
	return CallRecord{
		SessionID:    sess.ID,
		CallerNumber: sess.CallerNumber,
		Resolution:   string(sess.Resolution),
		Intent:       sess.LastIntent(),
		TicketID:     ticketID,
		Transcript:   ticket.RenderTranscript(sess.TurnLog),
		TurnCount:    len(sess.TurnLog),
		StartedAt:    sess.CreatedAt,
		EndedAt:      time.Now().UTC(),
	}
}
