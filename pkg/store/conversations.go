package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"personadb/pkg/apperr"
	"personadb/pkg/logger"
	"personadb/pkg/models"
	"personadb/pkg/utils"
)

// CreateConversationInput carries caller-settable conversation fields.
type CreateConversationInput struct {
	Type     string                      `json:"type"`
	Title    string                      `json:"title,omitempty"`
	Settings models.ConversationSettings `json:"settings,omitempty"`
	// Participants lists additional user ids joining with their default
	// identity. The creator is always a participant.
	Participants []ParticipantInput `json:"participants,omitempty"`
}

// ParticipantInput names one member joining a conversation.
type ParticipantInput struct {
	UserID     string `json:"user_id"`
	IdentityID string `json:"identity_id,omitempty"` // empty: user's default
}

func validConversationType(t string) bool {
	switch t {
	case models.ConversationDirect, models.ConversationGroup,
		models.ConversationSecret, models.ConversationBroadcast:
		return true
	}
	return false
}

func validDisappearSettings(cs models.ConversationSettings) error {
	if !cs.DisappearEnabled {
		return nil
	}
	if cs.DisappearSecs <= 0 {
		return apperr.New(apperr.CodeValidationFailed, "disappear_secs must be positive when disappearing is enabled")
	}
	switch cs.DisappearTrigger {
	case "", models.DisappearOnSend, models.DisappearOnRead:
		return nil
	}
	return apperr.Newf(apperr.CodeValidationFailed, "unknown disappear trigger: %q", cs.DisappearTrigger)
}

// CreateConversation creates a conversation with the creator joined under
// the given identity. Secret conversations get a wrapped data key when a
// keyring is attached.
func (s *Store) CreateConversation(ctx context.Context, userID, identityID string, in CreateConversationInput) (*models.Conversation, error) {
	if !validConversationType(in.Type) {
		return nil, apperr.Newf(apperr.CodeValidationFailed, "unknown conversation type: %q", in.Type)
	}
	if err := validDisappearSettings(in.Settings); err != nil {
		return nil, err
	}
	ident, err := s.loadIdentity(userID, identityID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !ident.Usable(now) {
		return nil, apperr.New(apperr.CodeNotUsable, "identity is expired or inactive")
	}
	if in.Settings.DisappearEnabled && in.Settings.DisappearTrigger == "" {
		in.Settings.DisappearTrigger = models.DisappearOnSend
	}

	conv := models.Conversation{
		ID:        utils.GenConversationID(),
		Type:      in.Type,
		Title:     in.Title,
		CreatedBy: identityID,
		Settings:  in.Settings,
		CreatedTS: now.UnixNano(),
		UpdatedTS: now.UnixNano(),
	}

	if in.Type == models.ConversationSecret && s.keyring != nil {
		keyID, _, wrapped, err := s.keyring.CreateDEK(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "provision conversation key", err)
		}
		conv.Settings.Secret.KeyID = keyID
		conv.Settings.Secret.WrappedDEK = wrapped
		conv.Settings.Secret.KEKID = s.keyring.KEKID()
	}

	b := s.db.NewBatch()
	defer b.Close()

	members := append([]ParticipantInput{{UserID: userID, IdentityID: identityID}}, in.Participants...)
	count := 0
	seen := map[string]struct{}{}
	for i, m := range members {
		if _, dup := seen[m.UserID]; dup {
			continue
		}
		seen[m.UserID] = struct{}{}
		pid := m.IdentityID
		if pid == "" {
			d, err := s.defaultIdentityID(m.UserID)
			if err != nil {
				return nil, err
			}
			pid = d
		}
		role := models.RoleMember
		if i == 0 {
			role = models.RoleOwner
		}
		part := models.Participant{
			ConversationID: conv.ID,
			UserID:         m.UserID,
			IdentityID:     pid,
			Role:           role,
			JoinedTS:       now.UnixNano(),
		}
		if err := s.setJSON(b, partKey(conv.ID, m.UserID), part); err != nil {
			return nil, err
		}
		if err := s.setJSON(b, uconvKey(m.UserID, conv.ID), pid); err != nil {
			return nil, err
		}
		count++
	}
	conv.ParticipantCount = count
	if err := s.setJSON(b, convMetaKey(conv.ID), conv); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}

	if err := s.BumpUsage(userID, identityID, UsageStarted); err != nil {
		logger.Warn("usage_bump_failed", "user", userID, "identity", identityID, "error", err)
	}
	logger.Info("conversation_created", "conversation", conv.ID, "type", conv.Type, "participants", count)
	return &conv, nil
}

func (s *Store) defaultIdentityID(userID string) (string, error) {
	idents, err := s.allIdentities(userID)
	if err != nil {
		return "", err
	}
	for _, i := range idents {
		if i.IsDefault && !i.IsDeleted {
			return i.ID, nil
		}
	}
	return "", apperr.Newf(apperr.CodeNotFound, "user %s has no default identity", userID)
}

// GetConversation loads conversation metadata.
func (s *Store) GetConversation(convID string) (*models.Conversation, error) {
	var conv models.Conversation
	ok, err := s.getJSON(convMetaKey(convID), &conv)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "conversation %s not found", convID)
	}
	return &conv, nil
}

// GetParticipant loads one membership row, enforcing membership.
func (s *Store) GetParticipant(convID, userID string) (*models.Participant, error) {
	var part models.Participant
	ok, err := s.getJSON(partKey(convID, userID), &part)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.CodeAccessDenied, "user %s is not a participant of %s", userID, convID)
	}
	return &part, nil
}

// ListParticipants returns all membership rows of a conversation.
func (s *Store) ListParticipants(convID string) ([]models.Participant, error) {
	var out []models.Participant
	err := s.scanPrefix(convPrefix+convID+":part:", func(_ string, val []byte) bool {
		var p models.Participant
		if err := json.Unmarshal(val, &p); err == nil {
			out = append(out, p)
		}
		return true
	})
	return out, err
}

// ListConversations returns conversations the user is a live member of.
func (s *Store) ListConversations(userID string) ([]models.Conversation, error) {
	var out []models.Conversation
	err := s.scanPrefix(uconvPrefix+userID+":", func(key string, _ []byte) bool {
		convID := strings.TrimPrefix(key, uconvPrefix+userID+":")
		part, err := s.GetParticipant(convID, userID)
		if err != nil || !part.Active() {
			return true
		}
		conv, err := s.GetConversation(convID)
		if err == nil {
			out = append(out, *conv)
		}
		return true
	})
	return out, err
}

// JoinConversation adds a member under the given identity. Membership is
// unique per (conversation, user): a live member re-joining only repoints
// the identity, and a departed member is revived, without inflating the
// participant count or resetting the role.
func (s *Store) JoinConversation(convID, userID, identityID string) (*models.Participant, error) {
	mu := s.convLock(convID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := s.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadIdentity(userID, identityID); err != nil {
		return nil, err
	}
	now := time.Now().UnixNano()

	part, err := s.GetParticipant(convID, userID)
	switch {
	case err == nil && part.Active():
		if part.IdentityID == identityID {
			return part, nil
		}
		part.IdentityID = identityID
		part.IdentityDeleted = false
		b := s.db.NewBatch()
		defer b.Close()
		if err := s.setJSON(b, partKey(convID, userID), part); err != nil {
			return nil, err
		}
		if err := s.setJSON(b, uconvKey(userID, convID), identityID); err != nil {
			return nil, err
		}
		if err := s.commit(b); err != nil {
			return nil, err
		}
		return part, nil
	case err == nil:
		part.LeftTS = 0
		part.JoinedTS = now
		part.IdentityID = identityID
		part.IdentityDeleted = false
	case apperr.Is(err, apperr.CodeAccessDenied):
		part = &models.Participant{
			ConversationID: convID,
			UserID:         userID,
			IdentityID:     identityID,
			Role:           models.RoleMember,
			JoinedTS:       now,
		}
	default:
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.setJSON(b, partKey(convID, userID), part); err != nil {
		return nil, err
	}
	if err := s.setJSON(b, uconvKey(userID, convID), identityID); err != nil {
		return nil, err
	}
	conv.ParticipantCount++
	conv.UpdatedTS = now
	if err := s.setJSON(b, convMetaKey(convID), conv); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	return part, nil
}

// LeaveConversation soft-removes a member by stamping LeftTS.
func (s *Store) LeaveConversation(convID, userID string) error {
	mu := s.convLock(convID)
	mu.Lock()
	defer mu.Unlock()

	part, err := s.GetParticipant(convID, userID)
	if err != nil {
		return err
	}
	if !part.Active() {
		return nil
	}
	now := time.Now().UnixNano()
	part.LeftTS = now

	conv, err := s.GetConversation(convID)
	if err != nil {
		return err
	}
	if conv.ParticipantCount > 0 {
		conv.ParticipantCount--
	}
	conv.UpdatedTS = now

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.setJSON(b, partKey(convID, userID), part); err != nil {
		return err
	}
	if err := b.Delete([]byte(uconvKey(userID, convID)), nil); err != nil {
		return apperr.Wrap(apperr.CodeTransactionFailed, "stage membership delete", err)
	}
	if err := s.setJSON(b, convMetaKey(convID), conv); err != nil {
		return err
	}
	return s.commit(b)
}

// UpdateConversationSettings replaces disappear settings. Key material is
// never caller-writable and is preserved from the stored row.
func (s *Store) UpdateConversationSettings(convID, userID string, cs models.ConversationSettings) (*models.Conversation, error) {
	part, err := s.GetParticipant(convID, userID)
	if err != nil {
		return nil, err
	}
	if part.Role == models.RoleMember {
		return nil, apperr.New(apperr.CodeAccessDenied, "only owners and moderators may change settings")
	}
	if err := validDisappearSettings(cs); err != nil {
		return nil, err
	}
	conv, err := s.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	if cs.DisappearEnabled && cs.DisappearTrigger == "" {
		cs.DisappearTrigger = models.DisappearOnSend
	}
	secret := conv.Settings.Secret
	cs.Secret = secret
	cs.Secret.SelfDestructSecs = secretSelfDestruct(cs, secret)
	conv.Settings = cs
	conv.UpdatedTS = time.Now().UnixNano()
	if err := s.setJSON(nil, convMetaKey(convID), conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func secretSelfDestruct(next models.ConversationSettings, prev models.SecretSettings) int {
	if next.Secret.SelfDestructSecs > 0 {
		return next.Secret.SelfDestructSecs
	}
	return prev.SelfDestructSecs
}

// SetSecretPolicy updates secret-chat policy knobs (self-destruct window,
// screenshot blocking) on a secret conversation.
func (s *Store) SetSecretPolicy(convID, userID string, selfDestructSecs int, blockScreenshots bool) (*models.Conversation, error) {
	part, err := s.GetParticipant(convID, userID)
	if err != nil {
		return nil, err
	}
	if part.Role == models.RoleMember {
		return nil, apperr.New(apperr.CodeAccessDenied, "only owners and moderators may change settings")
	}
	conv, err := s.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	if conv.Type != models.ConversationSecret {
		return nil, apperr.New(apperr.CodeValidationFailed, "not a secret conversation")
	}
	if selfDestructSecs < 0 {
		return nil, apperr.New(apperr.CodeValidationFailed, "self_destruct_secs must be non-negative")
	}
	conv.Settings.Secret.SelfDestructSecs = selfDestructSecs
	conv.Settings.Secret.ScreenshotsBlocked = blockScreenshots
	conv.UpdatedTS = time.Now().UnixNano()
	if err := s.setJSON(nil, convMetaKey(convID), conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// CountActiveMemberships counts live memberships held under the identity.
func (s *Store) CountActiveMemberships(userID, identityID string) (int, error) {
	n := 0
	err := s.scanPrefix(uconvPrefix+userID+":", func(key string, val []byte) bool {
		var identID string
		if err := json.Unmarshal(val, &identID); err != nil || identID != identityID {
			return true
		}
		convID := strings.TrimPrefix(key, uconvPrefix+userID+":")
		if part, err := s.GetParticipant(convID, userID); err == nil && part.Active() {
			n++
		}
		return true
	})
	return n, err
}

// SetReadCursor advances a member's read cursor; it never moves backwards.
func (s *Store) SetReadCursor(convID, userID string, ts int64) error {
	part, err := s.GetParticipant(convID, userID)
	if err != nil {
		return err
	}
	if ts <= part.ReadCursor {
		return nil
	}
	part.ReadCursor = ts
	return s.setJSON(nil, partKey(convID, userID), part)
}
