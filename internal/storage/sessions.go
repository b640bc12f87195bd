// Package storage - Swap session persistence.
// Sessions are stored as a JSON snapshot plus a few indexed columns so a
// daemon restart can resume polling where it left off.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Session persistence errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDuplicateCommit = errors.New("commit id already bound to another session")
)

// SessionRecord is a persisted swap session.
type SessionRecord struct {
	ID                 string          `json:"id"`
	CommitID           string          `json:"commit_id,omitempty"`
	Status             string          `json:"status"`
	SourceNetwork      string          `json:"source_network"`
	SourceAsset        string          `json:"source_asset"`
	DestinationNetwork string          `json:"destination_network"`
	DestinationAsset   string          `json:"destination_asset"`
	Amount             string          `json:"amount"`
	RefundTxID         string          `json:"refund_txid,omitempty"`
	Data               json.RawMessage `json:"data"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

const sessionColumns = `
	id, commit_id, status, source_network, source_asset,
	destination_network, destination_asset, amount, refund_txid,
	data, created_at, updated_at`

// SaveSession creates or updates a session record.
func (s *Storage) SaveSession(rec *SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session record without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data := string(rec.Data)
	if data == "" {
		data = "{}"
	}

	_, err := s.db.Exec(`
		INSERT INTO swap_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			commit_id = excluded.commit_id,
			status = excluded.status,
			refund_txid = excluded.refund_txid,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		rec.ID,
		nullIfEmpty(rec.CommitID),
		rec.Status,
		rec.SourceNetwork,
		rec.SourceAsset,
		rec.DestinationNetwork,
		rec.DestinationAsset,
		rec.Amount,
		nullIfEmpty(rec.RefundTxID),
		data,
		timeToUnixOrZero(rec.CreatedAt),
		timeToUnixOrZero(rec.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateCommit, rec.CommitID)
	}
	return err
}

// GetSession retrieves a session by id.
func (s *Storage) GetSession(id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM swap_sessions WHERE id = ?", id)
	return scanSession(row)
}

// GetSessionByCommitID retrieves a session by its source-chain commit id.
func (s *Storage) GetSessionByCommitID(commitID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM swap_sessions WHERE commit_id = ?", commitID)
	return scanSession(row)
}

// ListSessions returns all sessions, oldest first.
func (s *Storage) ListSessions() ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + sessionColumns + " FROM swap_sessions ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (s *Storage) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM swap_sessions WHERE id = ?", id)
	return err
}

// SessionCount returns the number of stored sessions.
func (s *Storage) SessionCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM swap_sessions").Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var commitID, refundTxID sql.NullString
	var data string
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID,
		&commitID,
		&rec.Status,
		&rec.SourceNetwork,
		&rec.SourceAsset,
		&rec.DestinationNetwork,
		&rec.DestinationAsset,
		&rec.Amount,
		&refundTxID,
		&data,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	rec.CommitID = commitID.String
	rec.RefundTxID = refundTxID.String
	rec.Data = json.RawMessage(data)
	rec.CreatedAt = unixToTime(createdAt)
	rec.UpdatedAt = unixToTime(updatedAt)
	return &rec, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
