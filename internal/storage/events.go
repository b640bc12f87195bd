package storage

import (
	"encoding/json"
	"time"
)

// EventRecord is one logged telemetry event.
type EventRecord struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	CommitID  string          `json:"commit_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendEvent logs a telemetry event.
func (s *Storage) AppendEvent(eventType, commitID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO telemetry_events (event_type, commit_id, payload, created_at) VALUES (?, ?, ?, ?)",
		eventType, nullIfEmpty(commitID), string(payload), time.Now().Unix(),
	)
	return err
}

// ListEvents returns events for a commit id, oldest first. An empty commit id
// returns the most recent events across all sessions.
func (s *Storage) ListEvents(commitID string, limit int) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, event_type, COALESCE(commit_id, ''), payload, created_at FROM telemetry_events"
	args := []interface{}{}
	if commitID != "" {
		query += " WHERE commit_id = ? ORDER BY id ASC LIMIT ?"
		args = append(args, commitID, limit)
	} else {
		query += " ORDER BY id DESC LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var e EventRecord
		var payload string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Type, &e.CommitID, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = unixToTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
