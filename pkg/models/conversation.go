package models

// Conversation kinds.
const (
	ConversationDirect    = "direct"
	ConversationGroup     = "group"
	ConversationSecret    = "secret"
	ConversationBroadcast = "broadcast"
)

// Disappearing-message trigger points, chosen per conversation.
const (
	DisappearOnSend = "on_send"
	DisappearOnRead = "on_read"
)

// Participant roles.
const (
	RoleMember    = "member"
	RoleModerator = "moderator"
	RoleOwner     = "owner"
)

// SecretSettings holds secret-chat key material and policy. Only opaque
// wrapped key material and wrap metadata are stored; key exchange happens
// elsewhere.
type SecretSettings struct {
	KeyID              string `json:"key_id,omitempty"`
	WrappedDEK         string `json:"wrapped_dek,omitempty"`
	KEKID              string `json:"kek_id,omitempty"`
	SelfDestructSecs   int    `json:"self_destruct_secs,omitempty"`
	ScreenshotsBlocked bool   `json:"screenshots_blocked,omitempty"`
}

// ConversationSettings are per-conversation privacy and lifecycle knobs.
type ConversationSettings struct {
	DisappearEnabled bool           `json:"disappear_enabled,omitempty"`
	DisappearSecs    int            `json:"disappear_secs,omitempty"`
	DisappearTrigger string         `json:"disappear_trigger,omitempty"`
	Secret           SecretSettings `json:"secret,omitempty"`
}

// Conversation is a direct/group/secret/broadcast thread.
type Conversation struct {
	ID               string               `json:"id"`
	Type             string               `json:"type"`
	Title            string               `json:"title,omitempty"`
	CreatedBy        string               `json:"created_by,omitempty"` // identity id
	ParticipantCount int                  `json:"participant_count"`
	LastMessageID    string               `json:"last_message_id,omitempty"`
	LastMessageTS    int64                `json:"last_message_ts,omitempty"`
	Settings         ConversationSettings `json:"settings,omitempty"`
	CreatedTS        int64                `json:"created_ts,omitempty"`
	UpdatedTS        int64                `json:"updated_ts,omitempty"`
}

// Participant links a user, via one of their identities, to a conversation.
// Unique per (conversation, user); LeftTS marks soft removal.
type Participant struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IdentityID     string `json:"identity_id"`
	Role           string `json:"role,omitempty"`

	JoinedTS int64 `json:"joined_ts,omitempty"`
	LeftTS   int64 `json:"left_ts,omitempty"`

	Muted      bool  `json:"muted,omitempty"`
	ReadCursor int64 `json:"read_cursor,omitempty"` // ts of last read message

	// IdentityDeleted marks the sender identity as removed without
	// touching the membership row itself.
	IdentityDeleted bool `json:"identity_deleted,omitempty"`

	// AutoDeleteSecsOverride overrides the conversation's disappear
	// window for this member; zero means inherit.
	AutoDeleteSecsOverride int `json:"auto_delete_secs_override,omitempty"`
}

// Active reports whether the membership is live.
func (p *Participant) Active() bool { return p.LeftTS == 0 }
