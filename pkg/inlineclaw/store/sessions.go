package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is the persisted state of one conversation session.
type SessionRecord struct {
	ID                string
	SessionKey        string
	AgentID           string
	AccountID         string
	Channel           string
	ChatType          string
	PeerID            string
	SenderID          string
	ConversationLabel string
	LastMessageID     string
	MessageCount      int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LastRoute points a main session at the conversation it last heard from, so
// proactive replies know where to go.
type LastRoute struct {
	SessionKey string
	Channel    string
	To         string
	AccountID  string
	UpdatedAt  time.Time
}

// SessionStore records inbound sessions and last-route pointers.
type SessionStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionStore creates a session store on an opened database.
func NewSessionStore(db *sql.DB, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{db: db, logger: logger.With("component", "session-store"), now: time.Now}
}

// Record upserts rec and, when last is non-nil, moves the last-route pointer.
func (s *SessionStore) Record(ctx context.Context, rec SessionRecord, last *LastRoute) error {
	if rec.SessionKey == "" {
		return errors.New("store: session key required")
	}
	now := s.now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inbound_sessions (
			session_key, id, agent_id, account_id, channel, chat_type, peer_id,
			sender_id, conversation_label, last_message_id, message_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			sender_id          = excluded.sender_id,
			conversation_label = excluded.conversation_label,
			last_message_id    = excluded.last_message_id,
			message_count      = inbound_sessions.message_count + 1,
			updated_at         = excluded.updated_at`,
		rec.SessionKey, uuid.New().String(), rec.AgentID, rec.AccountID, rec.Channel, rec.ChatType,
		rec.PeerID, rec.SenderID, rec.ConversationLabel, rec.LastMessageID, now, now,
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", rec.SessionKey, err)
	}

	if last != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_routes (session_key, channel, to_id, account_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET
				channel    = excluded.channel,
				to_id      = excluded.to_id,
				account_id = excluded.account_id,
				updated_at = excluded.updated_at`,
			last.SessionKey, last.Channel, last.To, last.AccountID, now,
		)
		if err != nil {
			return fmt.Errorf("update last route %s: %w", last.SessionKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// LastRoute returns the pointer for a main session, or nil when none exists.
func (s *SessionStore) LastRoute(ctx context.Context, sessionKey string) (*LastRoute, error) {
	var (
		r         LastRoute
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_key, channel, to_id, account_id, updated_at
		FROM session_routes WHERE session_key = ?`, sessionKey,
	).Scan(&r.SessionKey, &r.Channel, &r.To, &r.AccountID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last route: %w", err)
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &r, nil
}

// Get loads one session by key, or nil when it does not exist.
func (s *SessionStore) Get(ctx context.Context, sessionKey string) (*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelect+` WHERE session_key = ?`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()
	recs, err := scanSessions(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// List returns the most recently updated sessions.
func (s *SessionStore) List(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, sessionSelect+` ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

const sessionSelect = `
	SELECT id, session_key, agent_id, account_id, channel, chat_type, peer_id, sender_id,
	       conversation_label, last_message_id, message_count, created_at, updated_at
	FROM inbound_sessions`

func scanSessions(rows *sql.Rows) ([]SessionRecord, error) {
	var out []SessionRecord
	for rows.Next() {
		var (
			r                    SessionRecord
			createdAt, updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.AgentID, &r.AccountID, &r.Channel, &r.ChatType,
			&r.PeerID, &r.SenderID, &r.ConversationLabel, &r.LastMessageID, &r.MessageCount,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
