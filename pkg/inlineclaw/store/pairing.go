package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrPairingNotFound is returned when no pending request matches a code.
var ErrPairingNotFound = errors.New("store: pairing request not found")

const (
	// pairingAlphabet omits 0/O and 1/I so codes survive being read aloud.
	pairingAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	pairingCodeLength = 8

	DefaultPairingTTL = time.Hour
	DefaultMaxPending = 3
)

// PairingRequest is a pending access request from an unknown DM sender.
type PairingRequest struct {
	ID         string
	Channel    string
	SenderID   string
	Code       string
	Meta       map[string]string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// PairingOptions tune request expiry and queue size.
type PairingOptions struct {
	TTL        time.Duration
	MaxPending int
}

// PairingStore keeps pairing requests and the persisted allowlist.
type PairingStore struct {
	db     *sql.DB
	logger *slog.Logger
	ttl    time.Duration
	max    int
	now    func() time.Time
}

// NewPairingStore creates a pairing store on an opened database.
func NewPairingStore(db *sql.DB, opts PairingOptions, logger *slog.Logger) *PairingStore {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultPairingTTL
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	return &PairingStore{
		db:     db,
		logger: logger.With("component", "pairing-store"),
		ttl:    opts.TTL,
		max:    opts.MaxPending,
		now:    time.Now,
	}
}

// ReadAllowlist returns every persisted allowlist entry for a channel.
func (s *PairingStore) ReadAllowlist(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM allow_from WHERE channel = ? ORDER BY added_at ASC`, channel)
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("scan allowlist entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddAllowlistEntry persists an approved sender. Adding twice is a no-op.
func (s *PairingStore) AddAllowlistEntry(ctx context.Context, channel, entry, addedBy string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return errors.New("store: empty allowlist entry")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO allow_from (channel, entry, added_by, added_at)
		VALUES (?, ?, ?, ?)`,
		channel, entry, addedBy, s.timestamp())
	if err != nil {
		return fmt.Errorf("add allowlist entry: %w", err)
	}
	return nil
}

// RemoveAllowlistEntry deletes an entry. Returns false when it was absent.
func (s *PairingStore) RemoveAllowlistEntry(ctx context.Context, channel, entry string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM allow_from WHERE channel = ? AND entry = ?`, channel, strings.TrimSpace(entry))
	if err != nil {
		return false, fmt.Errorf("remove allowlist entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertPairingRequest records a request from senderID. A sender with a live
// request gets its existing code back with created=false. When the channel
// already holds the maximum number of pending requests the code is empty and
// created is false.
func (s *PairingStore) UpsertPairingRequest(ctx context.Context, channel, senderID string, meta map[string]string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin pairing tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	cutoff := now.Add(-s.ttl).Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE channel = ? AND created_at < ?`, channel, cutoff); err != nil {
		return "", false, fmt.Errorf("prune pairing requests: %w", err)
	}

	var code, stored string
	err = tx.QueryRowContext(ctx,
		`SELECT code, meta FROM pairing_requests WHERE channel = ? AND sender_id = ?`,
		channel, senderID).Scan(&code, &stored)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE pairing_requests SET last_seen_at = ?, meta = ? WHERE channel = ? AND sender_id = ?`,
			now.Format(time.RFC3339), mergeMeta(stored, meta), channel, senderID); err != nil {
			return "", false, fmt.Errorf("touch pairing request: %w", err)
		}
		return code, false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("lookup pairing request: %w", err)
	}

	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pairing_requests WHERE channel = ?`, channel).Scan(&pending); err != nil {
		return "", false, fmt.Errorf("count pairing requests: %w", err)
	}
	if pending >= s.max {
		s.logger.Warn("pairing queue full", "channel", channel, "pending", pending)
		return "", false, tx.Commit()
	}

	code, err = s.uniqueCode(ctx, tx)
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pairing_requests (id, channel, sender_id, code, meta, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), channel, senderID, code, encodeMeta(meta),
		now.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
		return "", false, fmt.Errorf("insert pairing request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit pairing request: %w", err)
	}

	s.logger.Info("pairing request created", "channel", channel, "sender", senderID)
	return code, true, nil
}

// ListPairingRequests returns live requests, oldest first.
func (s *PairingStore) ListPairingRequests(ctx context.Context, channel string) ([]PairingRequest, error) {
	cutoff := s.now().UTC().Add(-s.ttl).Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender_id, code, meta, created_at, last_seen_at
		FROM pairing_requests
		WHERE channel = ? AND created_at >= ?
		ORDER BY created_at ASC`, channel, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pairing requests: %w", err)
	}
	defer rows.Close()

	var out []PairingRequest
	for rows.Next() {
		r, err := scanPairing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ApprovePairingCode consumes a pending request and allowlists its sender.
func (s *PairingStore) ApprovePairingCode(ctx context.Context, channel, code string) (*PairingRequest, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin approve tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := s.now().UTC().Add(-s.ttl).Format(time.RFC3339)
	row := tx.QueryRowContext(ctx, `
		SELECT id, channel, sender_id, code, meta, created_at, last_seen_at
		FROM pairing_requests
		WHERE channel = ? AND code = ? AND created_at >= ?`, channel, code, cutoff)
	req, err := scanPairing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPairingNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE id = ?`, req.ID); err != nil {
		return nil, fmt.Errorf("delete pairing request: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO allow_from (channel, entry, added_by, added_at)
		VALUES (?, ?, 'pairing', ?)`,
		channel, req.SenderID, s.timestamp()); err != nil {
		return nil, fmt.Errorf("allowlist paired sender: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit approval: %w", err)
	}

	s.logger.Info("pairing approved", "channel", channel, "sender", req.SenderID)
	return req, nil
}

// PruneExpired deletes requests older than the TTL across all channels.
func (s *PairingStore) PruneExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.ttl).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune pairing requests: %w", err)
	}
	return res.RowsAffected()
}

func (s *PairingStore) uniqueCode(ctx context.Context, tx *sql.Tx) (string, error) {
	for i := 0; i < 16; i++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM pairing_requests WHERE code = ?`, code).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("check pairing code: %w", err)
		}
	}
	return "", errors.New("store: could not allocate a unique pairing code")
}

func (s *PairingStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func randomCode() (string, error) {
	var b strings.Builder
	size := big.NewInt(int64(len(pairingAlphabet)))
	for i := 0; i < pairingCodeLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		b.WriteByte(pairingAlphabet[n.Int64()])
	}
	return b.String(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPairing(row rowScanner) (*PairingRequest, error) {
	var (
		r                   PairingRequest
		meta                string
		createdAt, lastSeen string
	)
	if err := row.Scan(&r.ID, &r.Channel, &r.SenderID, &r.Code, &meta, &createdAt, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pairing request: %w", err)
	}
	_ = json.Unmarshal([]byte(meta), &r.Meta)
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
	return &r, nil
}

// mergeMeta overlays the non-empty values of meta on the stored JSON. Keys
// missing from meta keep their stored values.
func mergeMeta(stored string, meta map[string]string) string {
	merged := map[string]string{}
	_ = json.Unmarshal([]byte(stored), &merged)
	for k, v := range meta {
		if v != "" {
			merged[k] = v
		}
	}
	return encodeMeta(merged)
}

func encodeMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return "{}"
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}
