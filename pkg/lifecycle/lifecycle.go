// Package lifecycle drives message state: sending, delivery transitions,
// reactions, edits, forwarding, deletion and disappearing timers. Policy
// decisions come from pkg/policy; persistence from pkg/store.
package lifecycle

import (
	"context"
	"time"

	"personadb/pkg/apperr"
	"personadb/pkg/logger"
	"personadb/pkg/models"
	"personadb/pkg/policy"
	"personadb/pkg/security"
	"personadb/pkg/store"
	"personadb/pkg/telemetry"
	"personadb/pkg/utils"
	"personadb/pkg/validation"
)

// Manager wires the store and key material into lifecycle operations.
type Manager struct {
	store      *store.Store
	keyring    *security.Keyring // nil when encryption is disabled
	editWindow time.Duration
}

// New builds a Manager. editWindow bounds post-send edits.
func New(st *store.Store, keyring *security.Keyring, editWindow time.Duration) *Manager {
	if editWindow <= 0 {
		editWindow = 30 * time.Minute
	}
	return &Manager{store: st, keyring: keyring, editWindow: editWindow}
}

// SendInput carries the caller-settable fields of a new message.
type SendInput struct {
	Content string              `json:"content"`
	Type    string              `json:"type,omitempty"`
	Spans   []models.FormatSpan `json:"spans,omitempty"`
	Media   []models.MediaRef   `json:"media,omitempty"`
}

// Send persists a new message under the given identity. Disappearing and
// auto-delete deadlines are computed here, never caller-supplied.
func (m *Manager) Send(ctx context.Context, convID, userID, identityID string, in SendInput) (*models.Message, error) {
	if err := validation.ValidateBody(in.Content); err != nil {
		return nil, err
	}
	part, err := m.store.GetParticipant(convID, userID)
	if err != nil {
		return nil, err
	}
	if !part.Active() {
		return nil, apperr.New(apperr.CodeAccessDenied, "membership has ended")
	}
	ident, err := m.store.GetIdentity(userID, identityID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !ident.Usable(now) {
		return nil, apperr.New(apperr.CodeNotUsable, "identity is expired or inactive")
	}
	conv, err := m.store.GetConversation(convID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             utils.GenMessageID(),
		ConversationID: convID,
		SenderID:       identityID,
		SenderAlias:    ident.Alias,
		SenderUserID:   userID,
		Type:           in.Type,
		Content:        in.Content,
		Spans:          in.Spans,
		Media:          in.Media,
		TS:             now.UnixNano(),
		DeliveryStatus: models.DeliverySending,
		Rights:         policy.StampRights(ident.Forwarding),
	}

	// on_send disappearing starts the clock immediately; on_read waits for
	// the first read receipt.
	secs := disappearSecs(conv, part)
	if secs > 0 {
		msg.Disappearing = models.Disappearing{IsDisappearing: true, AfterSecs: secs}
		if conv.Settings.DisappearTrigger != models.DisappearOnRead {
			msg.Disappearing.DisappearTS = now.Add(time.Duration(secs) * time.Second).UnixNano()
		}
	}
	if ident.AutoDelete.Enabled && ident.AutoDelete.EffectiveDays > 0 {
		msg.AutoDeleteTS = now.Add(time.Duration(ident.AutoDelete.EffectiveDays) * 24 * time.Hour).UnixNano()
	}
	if conv.Type == models.ConversationSecret {
		msg.Secret = &models.SecretChat{}
		if err := m.sealBody(ctx, conv, msg); err != nil {
			return nil, err
		}
	}

	if err := m.store.SaveMessage(msg); err != nil {
		telemetry.MessageOps.WithLabelValues("send", "error").Inc()
		return nil, err
	}
	msg, err = m.store.MutateMessage(convID, msg.ID, func(mm *models.Message) (bool, error) {
		mm.DeliveryStatus = models.DeliverySent
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.BumpUsage(userID, identityID, store.UsageSent); err != nil {
		logger.Warn("usage_bump_failed", "user", userID, "identity", identityID, "error", err)
	}
	m.bumpReceivers(convID, userID)
	telemetry.MessageOps.WithLabelValues("send", "ok").Inc()
	return msg, nil
}

func disappearSecs(conv *models.Conversation, part *models.Participant) int {
	if part.AutoDeleteSecsOverride > 0 {
		return part.AutoDeleteSecsOverride
	}
	if conv.Settings.DisappearEnabled {
		return conv.Settings.DisappearSecs
	}
	return 0
}

func (m *Manager) sealBody(ctx context.Context, conv *models.Conversation, msg *models.Message) error {
	if m.keyring == nil || conv.Settings.Secret.WrappedDEK == "" {
		return nil
	}
	dek, err := m.keyring.UnwrapDEK(ctx, conv.Settings.Secret.WrappedDEK)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "unwrap conversation key", err)
	}
	sealed, err := security.EncryptBody(dek, []byte(msg.Content))
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "seal message body", err)
	}
	msg.Content = sealed
	return nil
}

func (m *Manager) bumpReceivers(convID, senderUserID string) {
	parts, err := m.store.ListParticipants(convID)
	if err != nil {
		return
	}
	for _, p := range parts {
		if p.UserID == senderUserID || !p.Active() || p.IdentityDeleted {
			continue
		}
		if err := m.store.BumpUsage(p.UserID, p.IdentityID, store.UsageReceived); err != nil {
			logger.Warn("usage_bump_failed", "user", p.UserID, "identity", p.IdentityID, "error", err)
		}
	}
}

// MarkDelivered advances delivery to delivered. Idempotent: repeating a
// state, or regressing, is a no-op.
func (m *Manager) MarkDelivered(convID, msgID string) (*models.Message, error) {
	return m.transition(convID, msgID, models.DeliveryDelivered)
}

// MarkFailed marks a message failed. Only legal from sending.
func (m *Manager) MarkFailed(convID, msgID string) (*models.Message, error) {
	return m.store.MutateMessage(convID, msgID, func(msg *models.Message) (bool, error) {
		if msg.DeliveryStatus == models.DeliveryFailed {
			return false, nil
		}
		if !policy.CanTransitionDelivery(msg.DeliveryStatus, models.DeliveryFailed) {
			return false, apperr.Newf(apperr.CodeValidationFailed, "cannot fail a message in state %q", msg.DeliveryStatus)
		}
		msg.DeliveryStatus = models.DeliveryFailed
		return true, nil
	})
}

func (m *Manager) transition(convID, msgID, to string) (*models.Message, error) {
	return m.store.MutateMessage(convID, msgID, func(msg *models.Message) (bool, error) {
		if msg.DeliveryStatus == to {
			return false, nil
		}
		if !policy.CanTransitionDelivery(msg.DeliveryStatus, to) {
			return false, nil // regressions are ignored, not errors
		}
		msg.DeliveryStatus = to
		return true, nil
	})
}

// MarkRead records a read receipt for userID. The first read starts on_read
// disappearing timers and the secret self-destruct clock. Idempotent per
// reader.
func (m *Manager) MarkRead(convID, msgID, userID string) (*models.Message, error) {
	if _, err := m.store.GetParticipant(convID, userID); err != nil {
		return nil, err
	}
	conv, err := m.store.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	msg, err := m.store.MutateMessage(convID, msgID, func(msg *models.Message) (bool, error) {
		for _, u := range msg.ReadBy {
			if u == userID {
				return false, nil
			}
		}
		now := time.Now()
		msg.ReadBy = append(msg.ReadBy, userID)
		if msg.Disappearing.IsDisappearing && msg.Disappearing.DisappearTS == 0 &&
			conv.Settings.DisappearTrigger == models.DisappearOnRead {
			msg.Disappearing.DisappearTS = now.Add(time.Duration(msg.Disappearing.AfterSecs) * time.Second).UnixNano()
		}
		if msg.Secret != nil && msg.Secret.SelfDestructTS == 0 && conv.Settings.Secret.SelfDestructSecs > 0 {
			msg.Secret.SelfDestructTS = now.Add(time.Duration(conv.Settings.Secret.SelfDestructSecs) * time.Second).UnixNano()
		}
		if policy.CanTransitionDelivery(msg.DeliveryStatus, models.DeliveryRead) {
			msg.DeliveryStatus = models.DeliveryRead
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.SetReadCursor(convID, userID, msg.TS); err != nil {
		logger.Warn("read_cursor_failed", "conversation", convID, "user", userID, "error", err)
	}
	telemetry.MessageOps.WithLabelValues("read", "ok").Inc()
	return msg, nil
}

// React sets the user's reaction on a message; one reaction per user, and
// reacting again with the same key removes it.
func (m *Manager) React(convID, msgID, userID, reaction string) (*models.Message, error) {
	if _, err := m.store.GetParticipant(convID, userID); err != nil {
		return nil, err
	}
	return m.store.MutateMessage(convID, msgID, func(msg *models.Message) (bool, error) {
		if msg.Reactions == nil {
			msg.Reactions = map[string]int{}
		}
		if msg.ReactedBy == nil {
			msg.ReactedBy = map[string]string{}
		}
		if prev, ok := msg.ReactedBy[userID]; ok {
			msg.Reactions[prev]--
			if msg.Reactions[prev] <= 0 {
				delete(msg.Reactions, prev)
			}
			delete(msg.ReactedBy, userID)
			if prev == reaction {
				return true, nil // toggle off
			}
		}
		msg.Reactions[reaction]++
		msg.ReactedBy[userID] = reaction
		return true, nil
	})
}

// SetPinned pins or unpins a message.
func (m *Manager) SetPinned(convID, msgID, userID string, pinned bool) (*models.Message, error) {
	if _, err := m.store.GetParticipant(convID, userID); err != nil {
		return nil, err
	}
	return m.store.MutateMessage(convID, msgID, func(msg *models.Message) (bool, error) {
		if msg.Pinned == pinned {
			return false, nil
		}
		msg.Pinned = pinned
		return true, nil
	})
}

// Edit replaces the content of the sender's own message within the edit
// window, preserving the prior content in the edit history.
func (m *Manager) Edit(convID, msgID, userID, newContent string) (*models.Message, error) {
	if err := validation.ValidateBody(newContent); err != nil {
		return nil, err
	}
	msg, err := m.store.MutateMessage(convID, msgID, func(msg *models.Message) (bool, error) {
		if msg.SenderUserID != userID {
			return false, apperr.New(apperr.CodeAccessDenied, "only the sender may edit a message")
		}
		now := time.Now()
		if now.UnixNano()-msg.TS > m.editWindow.Nanoseconds() {
			return false, apperr.Newf(apperr.CodeValidationFailed, "edit window of %s has passed", m.editWindow)
		}
		msg.Edits = append(msg.Edits, models.EditEntry{Content: msg.Content, TS: now.UnixNano()})
		msg.Content = newContent
		msg.IsEdited = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	telemetry.MessageOps.WithLabelValues("edit", "ok").Inc()
	return msg, nil
}

// Forward re-sends a message into the target conversation under the given
// identity, carrying provenance per the forwarding state machine.
func (m *Manager) Forward(ctx context.Context, srcConvID, srcMsgID, dstConvID, userID, identityID, attributionChoice string) (*models.Message, error) {
	src, err := m.store.GetMessage(srcConvID, srcMsgID)
	if err != nil {
		return nil, err
	}
	if !src.VisibleTo(userID, time.Now()) {
		return nil, apperr.Newf(apperr.CodeNotFound, "message %s not found", srcMsgID)
	}
	if _, err := m.store.GetParticipant(srcConvID, userID); err != nil {
		return nil, err
	}
	ident, err := m.store.GetIdentity(userID, identityID)
	if err != nil {
		return nil, err
	}
	dstConv, err := m.store.GetConversation(dstConvID)
	if err != nil {
		return nil, err
	}
	fwd, err := policy.ResolveForward(src, ident, attributionChoice, dstConv.Type == models.ConversationBroadcast)
	if err != nil {
		telemetry.MessageOps.WithLabelValues("forward", "rejected").Inc()
		return nil, err
	}

	dst, err := m.Send(ctx, dstConvID, userID, identityID, SendInput{
		Content: src.Content,
		Type:    src.Type,
		Spans:   src.Spans,
		Media:   src.Media,
	})
	if err != nil {
		return nil, err
	}
	dst, err = m.store.MutateMessage(dstConvID, dst.ID, func(msg *models.Message) (bool, error) {
		msg.Forwarded = fwd
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	telemetry.MessageOps.WithLabelValues("forward", "ok").Inc()
	return dst, nil
}

// Attribution returns the display string for a message's provenance.
func (m *Manager) Attribution(msg *models.Message) string {
	return policy.AttributionText(msg.Forwarded)
}

// DeleteForMe hides the message from the calling user only.
func (m *Manager) DeleteForMe(convID, msgID, userID string) (*models.Message, error) {
	if _, err := m.store.GetParticipant(convID, userID); err != nil {
		return nil, err
	}
	return m.store.MutateMessage(convID, msgID, func(msg *models.Message) (bool, error) {
		for _, u := range msg.DeletedFor {
			if u == userID {
				return false, nil
			}
		}
		msg.DeletedFor = append(msg.DeletedFor, userID)
		return true, nil
	})
}

// DeleteForEveryone tombstones the message for all participants. Only the
// sender, or an owner/moderator of the conversation, may do this.
func (m *Manager) DeleteForEveryone(convID, msgID, userID string) (*models.Message, error) {
	part, err := m.store.GetParticipant(convID, userID)
	if err != nil {
		return nil, err
	}
	msg, err := m.store.MutateMessage(convID, msgID, func(msg *models.Message) (bool, error) {
		if msg.SenderUserID != userID && part.Role == models.RoleMember {
			return false, apperr.New(apperr.CodeAccessDenied, "only the sender or a moderator may delete for everyone")
		}
		if msg.IsDeleted {
			return false, nil
		}
		msg.IsDeleted = true
		msg.Content = ""
		msg.Spans = nil
		msg.Media = nil
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	telemetry.MessageOps.WithLabelValues("delete_everyone", "ok").Inc()
	return msg, nil
}

// ReportScreenshot appends a screenshot-detection record. The log is
// append-only; blocking is advisory and reported back to the caller.
func (m *Manager) ReportScreenshot(convID, msgID, userID, method string) (blocked bool, count int, err error) {
	if _, err := m.store.GetParticipant(convID, userID); err != nil {
		return false, 0, err
	}
	conv, err := m.store.GetConversation(convID)
	if err != nil {
		return false, 0, err
	}
	msg, err := m.store.MutateMessage(convID, msgID, func(msg *models.Message) (bool, error) {
		if msg.Secret == nil {
			msg.Secret = &models.SecretChat{}
		}
		msg.Secret.Screenshots = append(msg.Secret.Screenshots, models.ScreenshotEntry{
			UserID: userID,
			Method: method,
			TS:     time.Now().UnixNano(),
		})
		msg.Secret.ScreenshotCount = len(msg.Secret.Screenshots)
		return true, nil
	})
	if err != nil {
		return false, 0, err
	}
	return conv.Settings.Secret.ScreenshotsBlocked, msg.Secret.ScreenshotCount, nil
}

// RevealBody decrypts a secret message's content for an authorized reader.
func (m *Manager) RevealBody(ctx context.Context, convID string, msg *models.Message) (string, error) {
	conv, err := m.store.GetConversation(convID)
	if err != nil {
		return "", err
	}
	if conv.Type != models.ConversationSecret || m.keyring == nil || conv.Settings.Secret.WrappedDEK == "" {
		return msg.Content, nil
	}
	dek, err := m.keyring.UnwrapDEK(ctx, conv.Settings.Secret.WrappedDEK)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "unwrap conversation key", err)
	}
	plain, err := security.DecryptBody(dek, msg.Content)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "open message body", err)
	}
	return string(plain), nil
}
