package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"personadb/pkg/logger"
	"personadb/pkg/utils"
)

// AuditRecord is one immutable audit entry. Destructive operations write
// one in the same batch as the mutation.
type AuditRecord struct {
	ID      string         `json:"id"`
	TS      int64          `json:"ts"`
	Event   string         `json:"event"`
	UserID  string         `json:"user_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// appendAudit stages an audit record into the batch and mirrors it to the
// audit log sink when attached.
func (s *Store) appendAudit(b *pebble.Batch, ts int64, event, userID string, details map[string]any) error {
	rec := AuditRecord{
		ID:      utils.GenAuditID(),
		TS:      ts,
		Event:   event,
		UserID:  userID,
		Details: details,
	}
	key := fmt.Sprintf("%s%020d:%s", auditPrefix, ts, rec.ID)
	if err := s.setJSON(b, key, rec); err != nil {
		return err
	}
	if logger.Audit != nil {
		logger.Audit.Info(event, "user", userID, "audit_id", rec.ID)
	}
	return nil
}

// ListAudit returns up to limit audit records in time order.
func (s *Store) ListAudit(limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []AuditRecord
	err := s.scanPrefix(auditPrefix, func(_ string, val []byte) bool {
		var rec AuditRecord
		if err := json.Unmarshal(val, &rec); err == nil {
			out = append(out, rec)
		}
		return len(out) < limit
	})
	return out, err
}
