package models

import "time"

// Delivery status values. Transitions are monotonic forward; "failed" and
// "read" are terminal.
const (
	DeliverySending   = "sending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
	DeliveryFailed    = "failed"
)

// FormatSpan marks a formatting run inside the message content.
type FormatSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Kind  string `json:"kind"` // bold, italic, code, link...
	Href  string `json:"href,omitempty"`
}

// MediaRef is a weak reference to externally stored media.
type MediaRef struct {
	BlobID   string `json:"blob_id"`
	MimeType string `json:"mime_type,omitempty"`
	SizeB    int64  `json:"size_b,omitempty"`
}

// ForwardingRights travel with a message and bound what later hops may do.
type ForwardingRights struct {
	AllowFurtherForwarding bool `json:"allow_further_forwarding"`
	RequireAttribution     bool `json:"require_attribution"`
	PreserveOriginalSender bool `json:"preserve_original_sender"`
	AllowPublicChannels    bool `json:"allow_public_channels"`
}

// ForwardedFrom records provenance on a forwarded message. ForwardChain
// counts hops from the original message.
type ForwardedFrom struct {
	SourceMessageID    string           `json:"source_message_id"`
	OriginalSenderID   string           `json:"original_sender_id,omitempty"`
	OriginalAlias      string           `json:"original_alias,omitempty"`
	ImmediateSenderID  string           `json:"immediate_sender_id,omitempty"`
	ImmediateAlias     string           `json:"immediate_alias,omitempty"`
	ForwardChain       int              `json:"forward_chain"`
	AttributionDisplay string           `json:"attribution_display,omitempty"`
	Rights             ForwardingRights `json:"rights"`
}

// Disappearing schedules removal a fixed duration after a trigger event.
// DisappearTS is computed once by the engine, never caller-supplied.
type Disappearing struct {
	IsDisappearing bool  `json:"is_disappearing,omitempty"`
	AfterSecs      int   `json:"after_secs,omitempty"`
	DisappearTS    int64 `json:"disappear_ts,omitempty"`
}

// ScreenshotEntry is one append-only screenshot-detection record.
type ScreenshotEntry struct {
	UserID string `json:"user_id"`
	Method string `json:"method,omitempty"`
	TS     int64  `json:"ts"`
}

// SecretChat holds secret-chat per-message state.
type SecretChat struct {
	SelfDestructTS  int64             `json:"self_destruct_ts,omitempty"`
	ScreenshotCount int               `json:"screenshot_count,omitempty"`
	Screenshots     []ScreenshotEntry `json:"screenshots,omitempty"`
}

// EditEntry preserves prior content when a message is edited.
type EditEntry struct {
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// Message belongs to a conversation and is authored under one sender
// identity. Edits append versions; deletion is a tombstone, never a loss
// of audit history.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"` // identity id
	SenderAlias    string `json:"sender_alias,omitempty"`
	SenderUserID   string `json:"sender_user_id,omitempty"`

	Type    string       `json:"type,omitempty"` // text, media, system
	Content string       `json:"content,omitempty"`
	Spans   []FormatSpan `json:"spans,omitempty"`
	Media   []MediaRef   `json:"media,omitempty"`

	TS int64 `json:"ts"`

	DeliveryStatus string            `json:"delivery_status,omitempty"`
	ReadBy         []string          `json:"read_by,omitempty"` // user ids, deduplicated
	Reactions      map[string]int    `json:"reactions,omitempty"`
	ReactedBy      map[string]string `json:"reacted_by,omitempty"` // user id -> reaction key
	Pinned         bool              `json:"pinned,omitempty"`

	IsEdited bool        `json:"is_edited,omitempty"`
	Edits    []EditEntry `json:"edits,omitempty"`

	// Rights are stamped from the sender's forwarding preferences at send
	// time; they gate what other participants may do with the message.
	Rights    *ForwardingRights `json:"forwarding_rights,omitempty"`
	Forwarded *ForwardedFrom    `json:"forwarded_from,omitempty"`

	Disappearing Disappearing `json:"disappearing,omitempty"`
	AutoDeleteTS int64        `json:"auto_delete_ts,omitempty"`

	// IsDeleted is delete-for-everyone; DeletedFor lists per-user soft
	// deletes. SenderDeleted marks "identity deleted" reference migration.
	IsDeleted     bool     `json:"is_deleted,omitempty"`
	DeletedFor    []string `json:"deleted_for,omitempty"`
	SenderDeleted bool     `json:"sender_deleted,omitempty"`

	Secret *SecretChat `json:"secret,omitempty"`
}

// HasExpired reports whether any removal deadline has passed.
func (m *Message) HasExpired(now time.Time) bool {
	n := now.UnixNano()
	if m.Disappearing.DisappearTS != 0 && m.Disappearing.DisappearTS < n {
		return true
	}
	if m.AutoDeleteTS != 0 && m.AutoDeleteTS < n {
		return true
	}
	if m.Secret != nil && m.Secret.SelfDestructTS != 0 && m.Secret.SelfDestructTS < n {
		return true
	}
	return false
}

// VisibleTo implements the read-path filter: delete-for-everyone hides the
// message from all participants, delete-for-me only from listed users.
func (m *Message) VisibleTo(userID string, now time.Time) bool {
	if m.IsDeleted || m.HasExpired(now) {
		return false
	}
	for _, u := range m.DeletedFor {
		if u == userID {
			return false
		}
	}
	return true
}

// ExpiryDeadline returns the earliest removal deadline (ns), or zero.
func (m *Message) ExpiryDeadline() int64 {
	min := int64(0)
	take := func(ts int64) {
		if ts != 0 && (min == 0 || ts < min) {
			min = ts
		}
	}
	take(m.Disappearing.DisappearTS)
	take(m.AutoDeleteTS)
	if m.Secret != nil {
		take(m.Secret.SelfDestructTS)
	}
	return min
}
