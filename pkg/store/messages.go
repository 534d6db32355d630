package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"personadb/pkg/apperr"
	"personadb/pkg/models"
)

// SaveMessage writes a new message, its first version and its expiry index
// entry, and bumps the conversation's last-message pointer, in one batch.
func (s *Store) SaveMessage(m *models.Message) error {
	mu := s.convLock(m.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := s.GetConversation(m.ConversationID)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.stageMessage(b, m); err != nil {
		return err
	}
	conv.LastMessageID = m.ID
	conv.LastMessageTS = m.TS
	conv.UpdatedTS = m.TS
	if err := s.setJSON(b, convMetaKey(conv.ID), conv); err != nil {
		return err
	}
	return s.commit(b)
}

// MutateMessage loads the message, applies fn under the conversation lock
// and, when fn reports a change, persists the result with a version snapshot
// and a re-indexed expiry deadline. The lock spans the whole read-modify-
// write so concurrent reactions or receipts never lose updates.
func (s *Store) MutateMessage(convID, msgID string, fn func(m *models.Message) (bool, error)) (*models.Message, error) {
	mu := s.convLock(convID)
	mu.Lock()
	defer mu.Unlock()

	m, err := s.GetMessage(convID, msgID)
	if err != nil {
		return nil, err
	}
	prevDeadline := m.ExpiryDeadline()
	changed, err := fn(m)
	if err != nil {
		return nil, err
	}
	if !changed {
		return m, nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	if prevDeadline != 0 && prevDeadline != m.ExpiryDeadline() {
		if err := b.Delete([]byte(expiryKey(prevDeadline, convID, msgID)), nil); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransactionFailed, "stage expiry unindex", err)
		}
	}
	if err := s.stageMessage(b, m); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	return m, nil
}

// stageMessage stages the document, a version snapshot and the expiry index
// entry into the batch.
func (s *Store) stageMessage(b *pebble.Batch, m *models.Message) error {
	if err := s.setJSON(b, msgKey(m.ConversationID, m.ID), m); err != nil {
		return err
	}
	if err := s.setJSON(b, versionKey(m.ID, time.Now().UnixNano()), m); err != nil {
		return err
	}
	if d := m.ExpiryDeadline(); d != 0 {
		if err := b.Set([]byte(expiryKey(d, m.ConversationID, m.ID)), []byte{}, nil); err != nil {
			return apperr.Wrap(apperr.CodeTransactionFailed, "stage expiry index", err)
		}
	}
	return nil
}

// GetMessage loads one message document.
func (s *Store) GetMessage(convID, msgID string) (*models.Message, error) {
	var m models.Message
	ok, err := s.getJSON(msgKey(convID, msgID), &m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "message %s not found", msgID)
	}
	return &m, nil
}

// ListMessagesOptions pages through a conversation's history.
type ListMessagesOptions struct {
	Limit  int
	Before string // message id exclusive upper bound
}

const maxMessagePage = 100

// ListMessages returns the messages visible to userID in id (time) order.
func (s *Store) ListMessages(convID, userID string, opts ListMessagesOptions) ([]models.Message, error) {
	if _, err := s.GetParticipant(convID, userID); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > maxMessagePage {
		limit = maxMessagePage
	}
	now := time.Now()
	var out []models.Message
	prefix := msgPrefix + convID + ":"
	err := s.scanPrefix(prefix, func(key string, val []byte) bool {
		if opts.Before != "" && strings.TrimPrefix(key, prefix) >= opts.Before {
			return false
		}
		var m models.Message
		if err := json.Unmarshal(val, &m); err != nil {
			return true
		}
		if m.VisibleTo(userID, now) {
			out = append(out, m)
		}
		return len(out) < limit
	})
	return out, err
}

// ListVersions returns the append-only version history of a message.
func (s *Store) ListVersions(msgID string) ([]models.Message, error) {
	var out []models.Message
	err := s.scanPrefix(versionPrefix+msgID+":", func(_ string, val []byte) bool {
		var m models.Message
		if err := json.Unmarshal(val, &m); err == nil {
			out = append(out, m)
		}
		return true
	})
	return out, err
}

// DueMessage locates one expiry-index entry that has come due.
type DueMessage struct {
	Deadline       int64
	ConversationID string
	MessageID      string
}

// DueMessages returns up to limit index entries with deadlines at or before
// now. The zero-padded deadline prefix makes this a bounded range scan.
func (s *Store) DueMessages(now time.Time, limit int) ([]DueMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := now.UnixNano()
	var out []DueMessage
	err := s.scanPrefix(expiryPrefix, func(key string, _ []byte) bool {
		rest := strings.TrimPrefix(key, expiryPrefix)
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) != 3 {
			return true
		}
		var deadline int64
		for _, c := range parts[0] {
			deadline = deadline*10 + int64(c-'0')
		}
		if deadline > cutoff {
			return false // keys sort by deadline; nothing later is due
		}
		out = append(out, DueMessage{Deadline: deadline, ConversationID: parts[1], MessageID: parts[2]})
		return len(out) < limit
	})
	return out, err
}

// PurgeMessage removes expired content: the document becomes a bare
// tombstone and the index entry is dropped. Version history is retained for
// audit. Idempotent when the message or index entry is already gone.
func (s *Store) PurgeMessage(due DueMessage) (bool, error) {
	mu := s.convLock(due.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(expiryKey(due.Deadline, due.ConversationID, due.MessageID)), nil); err != nil {
		return false, apperr.Wrap(apperr.CodeTransactionFailed, "stage expiry unindex", err)
	}

	m, err := s.GetMessage(due.ConversationID, due.MessageID)
	if apperr.Is(err, apperr.CodeNotFound) {
		return false, s.commit(b)
	}
	if err != nil {
		return false, err
	}

	purged := false
	if !m.IsDeleted && m.HasExpired(time.Unix(0, due.Deadline).Add(time.Nanosecond)) {
		m.IsDeleted = true
		m.Content = ""
		m.Spans = nil
		m.Media = nil
		if err := s.setJSON(b, msgKey(m.ConversationID, m.ID), m); err != nil {
			return false, err
		}
		purged = true
	}
	if err := s.commit(b); err != nil {
		return false, err
	}
	return purged, nil
}
