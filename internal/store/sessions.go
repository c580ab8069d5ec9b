package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

// SessionStore persists [model.VoiceSession] and [model.ConversationTurn]
// rows. Turn sequence numbers are dense and monotonic per session — the
// composite primary key rejects duplicates and [SessionStore.AppendTurn]
// assigns the next number inside the caller's transaction.
type SessionStore struct {
	db querier
}

// CreateSession inserts a new session in its initial state.
func (s *SessionStore) CreateSession(ctx context.Context, v *model.VoiceSession) error {
	const q = `
		INSERT INTO voice_sessions
		    (id, tenant_id, agent_id, caller_id, language, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Exec(ctx, q,
		v.ID, v.TenantID, v.AgentID, v.CallerID, v.Language, v.State, v.StartedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("session store: create: %w", err))
	}
	return nil
}

// GetSession returns the session with the given id, scoped to tenantID.
func (s *SessionStore) GetSession(ctx context.Context, tenantID, id string) (*model.VoiceSession, error) {
	const q = `
		SELECT id, tenant_id, agent_id, caller_id, language, state, outcome,
		       started_at, COALESCE(ended_at, 'epoch'::timestamptz)
		FROM   voice_sessions
		WHERE  tenant_id = $1 AND id = $2`

	v := &model.VoiceSession{}
	err := s.db.QueryRow(ctx, q, tenantID, id).Scan(
		&v.ID, &v.TenantID, &v.AgentID, &v.CallerID, &v.Language, &v.State, &v.Outcome,
		&v.StartedAt, &v.EndedAt,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("session store: get: %w", err))
	}
	normalizeEpoch(&v.EndedAt)
	return v, nil
}

// SetState transitions the session's state. A session already in a terminal
// state never transitions again — exactly one terminal state per session.
func (s *SessionStore) SetState(ctx context.Context, id string, state model.SessionState) error {
	const q = `
		UPDATE voice_sessions
		SET    state = $2
		WHERE  id = $1
		  AND  state NOT IN ('completed', 'transferred', 'failed', 'abandoned')`

	tag, err := s.db.Exec(ctx, q, id, state)
	if err != nil {
		return classify(fmt.Errorf("session store: set state: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindBusinessRule, "session %s is terminal or missing", id).
			With("rule", "session_single_terminal_state")
	}
	return nil
}

// EndSession moves the session to a terminal state with an outcome tag and
// end timestamp. Idempotent against an already-terminal session.
func (s *SessionStore) EndSession(ctx context.Context, id string, state model.SessionState, outcome string, at time.Time) error {
	if !state.Terminal() {
		return fault.New(fault.KindBusinessRule, "state %s is not terminal", state).
			With("rule", "session_single_terminal_state")
	}
	const q = `
		UPDATE voice_sessions
		SET    state = $2, outcome = $3, ended_at = $4
		WHERE  id = $1
		  AND  state NOT IN ('completed', 'transferred', 'failed', 'abandoned')`

	if _, err := s.db.Exec(ctx, q, id, state, outcome, at); err != nil {
		return classify(fmt.Errorf("session store: end: %w", err))
	}
	return nil
}

// AppendTurn inserts the next conversation turn for a session and returns its
// sequence number. Must run inside a transaction when turn ordering matters
// across concurrent writers.
func (s *SessionStore) AppendTurn(ctx context.Context, t *model.ConversationTurn) (int, error) {
	const q = `
		INSERT INTO conversation_turns
		    (session_id, seq, direction, type, text, audio_ref, processing_ns, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7
		FROM   conversation_turns
		WHERE  session_id = $1
		RETURNING seq`

	var seq int
	err := s.db.QueryRow(ctx, q,
		t.SessionID, t.Direction, t.Type, t.Text, t.AudioRef,
		t.Processing.Nanoseconds(), t.CreatedAt,
	).Scan(&seq)
	if err != nil {
		return 0, classify(fmt.Errorf("session store: append turn: %w", err))
	}
	return seq, nil
}

// ListTurns returns all turns of a session in sequence order.
func (s *SessionStore) ListTurns(ctx context.Context, sessionID string) ([]model.ConversationTurn, error) {
	const q = `
		SELECT session_id, seq, direction, type, text, audio_ref, processing_ns, created_at
		FROM   conversation_turns
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, classify(fmt.Errorf("session store: list turns: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ConversationTurn, error) {
		var (
			t  model.ConversationTurn
			ns int64
		)
		err := row.Scan(&t.SessionID, &t.Seq, &t.Direction, &t.Type, &t.Text, &t.AudioRef, &ns, &t.CreatedAt)
		t.Processing = time.Duration(ns)
		return t, err
	})
	if err != nil {
		return nil, classify(fmt.Errorf("session store: scan turns: %w", err))
	}
	return out, nil
}

// CountActive returns the number of non-terminal sessions, optionally scoped
// to one tenant (empty tenantID = all tenants).
func (s *SessionStore) CountActive(ctx context.Context, tenantID string) (int, error) {
	q := `
		SELECT count(*)
		FROM   voice_sessions
		WHERE  state IN ('initiated', 'in_progress')`
	args := []any{}
	if tenantID != "" {
		q += " AND tenant_id = $1"
		args = append(args, tenantID)
	}

	var n int
	if err := s.db.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("session store: count active: %w", err))
	}
	return n, nil
}
