package swap

import (
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/klingon-bridge/internal/storage"
)

// sessionToRecord converts a session to its storage record.
func sessionToRecord(s *Session, status CommitStatus) (*storage.SessionRecord, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return &storage.SessionRecord{
		ID:                 s.ID,
		CommitID:           s.CommitID,
		Status:             string(status),
		SourceNetwork:      s.Source.Network,
		SourceAsset:        s.Source.Asset.Symbol,
		DestinationNetwork: s.Destination.Network,
		DestinationAsset:   s.Destination.Asset.Symbol,
		Amount:             s.Amount,
		RefundTxID:         s.RefundTxID,
		Data:               data,
		CreatedAt:          s.CreatedAt,
	}, nil
}

// sessionFromRecord restores a session from its storage record.
func sessionFromRecord(rec *storage.SessionRecord) (*Session, error) {
	var s Session
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", rec.ID, err)
	}
	if s.ID == "" {
		s.ID = rec.ID
	}
	if s.ID != rec.ID {
		return nil, fmt.Errorf("session id mismatch: record %s, data %s", rec.ID, s.ID)
	}
	if s.CommitID == "" {
		s.CommitID = rec.CommitID
	}
	if s.RefundTxID == "" {
		s.RefundTxID = rec.RefundTxID
	}
	return &s, nil
}
