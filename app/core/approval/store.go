package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"cumulus/app/core/storage/db"
)

// ErrNotFound covers missing, expired, already-resolved and
// not-owned-by-caller records alike, so the resolve endpoint never leaks
// which of those cases actually occurred.
var ErrNotFound = errors.New("approval: not found")

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// Record is the durable approval request gating one sensitive tool call.
type Record struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ToolName     string          `json:"tool_name"`
	Args         json.RawMessage `json:"args,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Status       string          `json:"status"`
	CreatedAt    int64           `json:"created_at"`
	TTLSeconds   int             `json:"ttl_seconds"`
	ResolvedAt   int64           `json:"resolved_at,omitempty"`
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`
}

// Resolution is the broadcast payload published once per resolved approval.
type Resolution struct {
	ApprovalID   string          `json:"approval_id"`
	Approved     bool            `json:"approved"`
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`
}

// Store persists approval records with a TTL and publishes resolutions on the
// shared broadcast channel. The durable row is the source of truth; the
// broadcast only unblocks whichever process happens to be waiting.
type Store struct {
	db          *db.DB
	broadcaster Broadcaster
	now         func() time.Time
}

func NewStore(database *db.DB, broadcaster Broadcaster) *Store {
	return &Store{
		db:          database,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// Put persists a pending request with an expiry equal to its TTL. Retrying
// with the same id is a no-op.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("approval: id is required")
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return fmt.Errorf("approval: user_id is required")
	}
	if rec.TTLSeconds <= 0 {
		return fmt.Errorf("approval: ttl_seconds must be positive")
	}

	now := s.now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	expiresAt := rec.CreatedAt + int64(rec.TTLSeconds)

	query := `INSERT OR IGNORE INTO approvals
(id, user_id, tool_name, args, reason, status, created_at, ttl_seconds, expires_at)
VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?)`
	_, err := s.db.Conn().ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.ToolName, nullableJSON(rec.Args), rec.Reason,
		rec.CreatedAt, rec.TTLSeconds, expiresAt)
	return err
}

// Get returns the record, or ErrNotFound for missing, consumed and expired
// records alike.
func (s *Store) Get(ctx context.Context, approvalID string) (Record, error) {
	query := `SELECT id, user_id, tool_name, COALESCE(args, ''), COALESCE(reason, ''), status,
created_at, ttl_seconds, COALESCE(resolved_at, 0), COALESCE(modified_args, '')
FROM approvals WHERE id = ? AND expires_at > ?`
	return s.scanOne(s.db.Conn().QueryRowContext(ctx, query, approvalID, s.now().Unix()))
}

// ListPending returns the caller's pending, non-expired approvals.
func (s *Store) ListPending(ctx context.Context, userID string) ([]Record, error) {
	query := `SELECT id, user_id, tool_name, COALESCE(args, ''), COALESCE(reason, ''), status,
created_at, ttl_seconds, COALESCE(resolved_at, 0), COALESCE(modified_args, '')
FROM approvals WHERE user_id = ? AND status = 'pending' AND expires_at > ?
ORDER BY created_at ASC`
	rows, err := s.db.Conn().QueryContext(ctx, query, userID, s.now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Resolve commits the one and only status transition for a pending record and
// publishes exactly one resolution broadcast. Callers that are not the owner,
// and records that are missing or already resolved, all get ErrNotFound.
//
// Expiry is double-checked against wall-clock elapsed time independently of
// the store-level expires_at filter: a record found expired here is rewritten
// as expired, broadcast as a rejection, and returned without error.
func (s *Store) Resolve(ctx context.Context, approvalID, userID string, approved bool, modifiedArgs json.RawMessage) (Record, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	query := `SELECT id, user_id, tool_name, COALESCE(args, ''), COALESCE(reason, ''), status,
created_at, ttl_seconds, COALESCE(resolved_at, 0), COALESCE(modified_args, '')
FROM approvals WHERE id = ?`
	rec, err := s.scanOne(tx.QueryRowContext(ctx, query, approvalID))
	if err != nil {
		return Record{}, err
	}
	if rec.UserID != userID {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusPending {
		return Record{}, ErrNotFound
	}

	now := s.now().Unix()
	if now-rec.CreatedAt >= int64(rec.TTLSeconds) {
		rec.Status = StatusExpired
		rec.ResolvedAt = now
		if err := s.writeResolution(ctx, tx, rec, now); err != nil {
			return Record{}, err
		}
		if err := tx.Commit(); err != nil {
			return Record{}, err
		}
		s.publish(ctx, Resolution{ApprovalID: rec.ID, Approved: false})
		return rec, nil
	}

	if approved {
		rec.Status = StatusApproved
	} else {
		rec.Status = StatusRejected
	}
	rec.ResolvedAt = now
	rec.ModifiedArgs = modifiedArgs
	if err := s.writeResolution(ctx, tx, rec, now); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}

	s.publish(ctx, Resolution{ApprovalID: rec.ID, Approved: approved, ModifiedArgs: modifiedArgs})
	return rec, nil
}

// Consume atomically reads and deletes the record, for the one process that
// needs its payload transactionally.
func (s *Store) Consume(ctx context.Context, approvalID string) (Record, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	query := `SELECT id, user_id, tool_name, COALESCE(args, ''), COALESCE(reason, ''), status,
created_at, ttl_seconds, COALESCE(resolved_at, 0), COALESCE(modified_args, '')
FROM approvals WHERE id = ? AND expires_at > ?`
	rec, err := s.scanOne(tx.QueryRowContext(ctx, query, approvalID, s.now().Unix()))
	if err != nil {
		return Record{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE id = ?`, approvalID); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// SweepExpired deletes rows past their deadline plus day-old broadcast rows.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now().Unix()
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM approvals WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	if _, err := s.db.Conn().ExecContext(ctx, `DELETE FROM approval_broadcasts WHERE published_at <= ?`, now-86400); err != nil {
		return removed, err
	}
	return removed, nil
}

// writeResolution keeps expires_at at the original deadline, so a resolved
// but not yet consumed record never outlives the TTL it was created with.
func (s *Store) writeResolution(ctx context.Context, tx *sql.Tx, rec Record, now int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE approvals
SET status = ?, resolved_at = ?, modified_args = ?, expires_at = ?
WHERE id = ?`,
		rec.Status, now, nullableJSON(rec.ModifiedArgs), rec.CreatedAt+int64(rec.TTLSeconds), rec.ID)
	return err
}

func (s *Store) publish(ctx context.Context, res Resolution) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Publish(ctx, res); err != nil {
		log.Printf("[Approval] Broadcast publish failed for %s: %v", res.ApprovalID, err)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanOne(row rowScanner) (Record, error) {
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var args, modified string
	err := row.Scan(&rec.ID, &rec.UserID, &rec.ToolName, &args, &rec.Reason, &rec.Status,
		&rec.CreatedAt, &rec.TTLSeconds, &rec.ResolvedAt, &modified)
	if err != nil {
		return Record{}, err
	}
	if args != "" {
		rec.Args = json.RawMessage(args)
	}
	if modified != "" {
		rec.ModifiedArgs = json.RawMessage(modified)
	}
	return rec, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
