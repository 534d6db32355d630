package models

import "time"

// Auto-delete presets accepted on identity settings.
const (
	PresetOneDay   = "1_day"
	PresetOneWeek  = "1_week"
	PresetOneMonth = "1_month"
	PresetCustom   = "custom"
)

// Attribution display modes for forwarded messages.
const (
	AttributionShowOriginal  = "show_original"
	AttributionShowImmediate = "show_immediate"
	AttributionHideAll       = "hide_all"
	AttributionAnonymous     = "anonymous"
)

// AutoDelete holds an identity's auto-delete settings. EffectiveDays is
// derived from Preset/CustomDays and is never set directly by a caller.
type AutoDelete struct {
	Enabled       bool   `json:"enabled"`
	Preset        string `json:"preset,omitempty"`
	CustomDays    int    `json:"custom_days,omitempty"`
	EffectiveDays int    `json:"effective_days,omitempty"`
}

// ForwardingPreferences controls how messages sent under this identity may
// be forwarded by others and how attribution is displayed by default.
type ForwardingPreferences struct {
	DefaultAttribution      string `json:"default_attribution,omitempty"`
	AllowOthersToForward    bool   `json:"allow_others_to_forward"`
	RequireAttribution      bool   `json:"require_attribution"`
	MaxForwardChain         int    `json:"max_forward_chain,omitempty"`
	ForwardToPublicChannels bool   `json:"forward_to_public_channels"`
}

// UsageStats are monotonically increasing per-identity counters.
type UsageStats struct {
	MessagesSent         int64 `json:"messages_sent"`
	MessagesReceived     int64 `json:"messages_received"`
	ConversationsStarted int64 `json:"conversations_started"`
	LastUsedTS           int64 `json:"last_used_ts,omitempty"`
}

// Identity is one disposable alias owned by a user. A user holds at most
// ten non-deleted identities, of which exactly one is the default.
type Identity struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Alias       string `json:"alias"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`

	IsDefault   bool `json:"is_default"`
	IsProtected bool `json:"is_protected"`
	IsActive    bool `json:"is_active"`
	IsArchived  bool `json:"is_archived"`

	// Soft-delete markers. DeletedTS records deletion time (ns).
	IsDeleted      bool   `json:"is_deleted,omitempty"`
	DeletedTS      int64  `json:"deleted_ts,omitempty"`
	DeletionReason string `json:"deletion_reason,omitempty"`

	// ExpiresTS is an optional absolute expiry (ns); zero means none.
	ExpiresTS int64 `json:"expires_ts,omitempty"`

	AutoDelete AutoDelete            `json:"auto_delete"`
	Forwarding ForwardingPreferences `json:"forwarding"`
	Usage      UsageStats            `json:"usage"`

	CreatedTS int64 `json:"created_ts,omitempty"`
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}

// Usable is the single visibility predicate used by every read path:
// not deleted, active, and not past absolute expiry.
func (i *Identity) Usable(now time.Time) bool {
	if i.IsDeleted || !i.IsActive {
		return false
	}
	return i.ExpiresTS == 0 || i.ExpiresTS > now.UnixNano()
}

// Expired reports whether the identity's absolute expiry has passed.
func (i *Identity) Expired(now time.Time) bool {
	return i.ExpiresTS != 0 && i.ExpiresTS <= now.UnixNano()
}

// ProtectedOrDefault reports whether destructive deletion is barred. The
// default identity is protected implicitly even when the flag is unset.
func (i *Identity) ProtectedOrDefault() bool {
	return i.IsProtected || i.IsDefault
}

// IdentityView strips nothing today but pins down the boundary contract:
// mutating operations return these fields.
type IdentityView struct {
	ID          string `json:"id"`
	Alias       string `json:"alias"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	IsDefault   bool   `json:"is_default"`
	IsProtected bool   `json:"is_protected"`
	IsActive    bool   `json:"is_active"`
	IsArchived  bool   `json:"is_archived"`
	IsDeleted   bool   `json:"is_deleted,omitempty"`
	ExpiresTS   int64  `json:"expires_ts,omitempty"`

	AutoDelete AutoDelete            `json:"auto_delete"`
	Forwarding ForwardingPreferences `json:"forwarding"`
	CreatedTS  int64                 `json:"created_ts,omitempty"`
}

// View returns the public projection of the identity.
func (i *Identity) View() IdentityView {
	return IdentityView{
		ID:          i.ID,
		Alias:       i.Alias,
		DisplayName: i.DisplayName,
		Avatar:      i.Avatar,
		IsDefault:   i.IsDefault,
		IsProtected: i.IsProtected,
		IsActive:    i.IsActive,
		IsArchived:  i.IsArchived,
		IsDeleted:   i.IsDeleted,
		ExpiresTS:   i.ExpiresTS,
		AutoDelete:  i.AutoDelete,
		Forwarding:  i.Forwarding,
		CreatedTS:   i.CreatedTS,
	}
}
