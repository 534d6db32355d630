package store

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"personadb/pkg/apperr"
	"personadb/pkg/logger"
	"personadb/pkg/models"
	"personadb/pkg/policy"
	"personadb/pkg/utils"
	"personadb/pkg/validation"
)

// CreateIdentityInput carries caller-settable fields for a new identity.
type CreateIdentityInput struct {
	Alias       string                        `json:"alias"`
	DisplayName string                        `json:"display_name,omitempty"`
	Avatar      string                        `json:"avatar,omitempty"`
	IsDefault   bool                          `json:"is_default,omitempty"`
	ExpiresTS   int64                         `json:"expires_ts,omitempty"`
	AutoDelete  *models.AutoDelete            `json:"auto_delete,omitempty"`
	Forwarding  *models.ForwardingPreferences `json:"forwarding,omitempty"`
}

// IdentityResult is the common mutation response shape.
type IdentityResult struct {
	Identity models.IdentityView `json:"identity"`
	Warning  string              `json:"warning,omitempty"`
}

// DeletionResult reports what a delete actually did.
type DeletionResult struct {
	ID              string `json:"id"`
	DeletionType    string `json:"deletion_type"`
	Restorable      bool   `json:"restorable"`
	NewDefaultID    string `json:"new_default_id,omitempty"`
	NewDefaultAlias string `json:"new_default_alias,omitempty"`
}

const scheduleWarning = "auto-delete completes less than one day before absolute expiry"

// loadIdentity fetches one identity owned by userID.
func (s *Store) loadIdentity(userID, id string) (*models.Identity, error) {
	var ident models.Identity
	ok, err := s.getJSON(identKey(userID, id), &ident)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "identity %s not found", id)
	}
	return &ident, nil
}

// allIdentities returns every identity row for the user, deleted included.
func (s *Store) allIdentities(userID string) ([]models.Identity, error) {
	var out []models.Identity
	err := s.scanPrefix(identPrefix+userID+":", func(_ string, val []byte) bool {
		var ident models.Identity
		if err := json.Unmarshal(val, &ident); err == nil {
			out = append(out, ident)
		}
		return true
	})
	return out, err
}

func liveCount(idents []models.Identity) int {
	n := 0
	for _, i := range idents {
		if !i.IsDeleted {
			n++
		}
	}
	return n
}

func protectedCount(idents []models.Identity) int {
	n := 0
	for _, i := range idents {
		if !i.IsDeleted && i.IsProtected && !i.IsDefault {
			n++
		}
	}
	return n
}

// aliasHolder returns the live identity id holding the alias, or "".
func (s *Store) aliasHolder(userID, lcAlias string) (string, error) {
	var holder string
	ok, err := s.getJSON(aliasKey(userID, lcAlias), &holder)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return holder, nil
}

func (s *Store) putIdentity(b *pebble.Batch, ident *models.Identity) error {
	return s.setJSON(b, identKey(ident.UserID, ident.ID), ident)
}

// CreateIdentity creates a new identity for the user. The first identity, or
// one created with is_default, atomically becomes the default.
func (s *Store) CreateIdentity(userID string, in CreateIdentityInput) (*IdentityResult, error) {
	if err := validation.ValidateAlias(in.Alias); err != nil {
		return nil, err
	}
	if err := validation.ValidateDisplayName(in.DisplayName); err != nil {
		return nil, err
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	idents, err := s.allIdentities(userID)
	if err != nil {
		return nil, err
	}
	if err := policy.CanCreate(liveCount(idents)); err != nil {
		return nil, err
	}
	lc := validation.NormalizeAlias(in.Alias)
	if holder, err := s.aliasHolder(userID, lc); err != nil {
		return nil, err
	} else if holder != "" {
		return nil, apperr.Newf(apperr.CodeAliasTaken, "alias %q is already in use", in.Alias)
	}

	now := time.Now()
	ident := models.Identity{
		ID:          utils.GenIdentityID(),
		UserID:      userID,
		Alias:       strings.TrimSpace(in.Alias),
		DisplayName: in.DisplayName,
		Avatar:      in.Avatar,
		IsActive:    true,
		ExpiresTS:   in.ExpiresTS,
		CreatedTS:   now.UnixNano(),
		UpdatedTS:   now.UnixNano(),
	}

	var warn string
	if in.AutoDelete != nil {
		ad, w, err := policy.ApplyAutoDelete(now, *in.AutoDelete, ident.ExpiresTS)
		if err != nil {
			return nil, err
		}
		ident.AutoDelete = ad
		if w {
			warn = scheduleWarning
		}
	}
	if in.Forwarding != nil {
		fp, err := policy.ValidForwardingPreferences(*in.Forwarding)
		if err != nil {
			return nil, err
		}
		ident.Forwarding = fp
	} else {
		ident.Forwarding = policy.DefaultForwardingPreferences()
	}

	b := s.db.NewBatch()
	defer b.Close()

	if liveCount(idents) == 0 || in.IsDefault {
		for _, other := range idents {
			if other.IsDefault && !other.IsDeleted {
				other.IsDefault = false
				other.UpdatedTS = now.UnixNano()
				if err := s.putIdentity(b, &other); err != nil {
					return nil, err
				}
			}
		}
		ident.IsDefault = true
	}

	if err := s.putIdentity(b, &ident); err != nil {
		return nil, err
	}
	if err := s.setJSON(b, aliasKey(userID, lc), ident.ID); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	logger.Info("identity_created", "user", userID, "identity", ident.ID, "default", ident.IsDefault)
	return &IdentityResult{Identity: ident.View(), Warning: warn}, nil
}

// ListOptions filters ListIdentities.
type ListOptions struct {
	IncludeExpired  bool
	IncludeInactive bool
	Limit           int
	Skip            int
}

const maxListLimit = 50

// ListIdentities returns the user's non-deleted identities sorted default
// first, then newest first.
func (s *Store) ListIdentities(userID string, opts ListOptions) ([]models.IdentityView, error) {
	idents, err := s.allIdentities(userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var kept []models.Identity
	for _, i := range idents {
		if i.IsDeleted {
			continue
		}
		if !opts.IncludeExpired && i.Expired(now) {
			continue
		}
		if !opts.IncludeInactive && !i.IsActive {
			continue
		}
		kept = append(kept, i)
	}
	sortIdentities(kept)

	limit := opts.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if opts.Skip >= len(kept) {
		return []models.IdentityView{}, nil
	}
	kept = kept[opts.Skip:]
	if len(kept) > limit {
		kept = kept[:limit]
	}
	out := make([]models.IdentityView, 0, len(kept))
	for _, i := range kept {
		out = append(out, i.View())
	}
	return out, nil
}

func sortIdentities(idents []models.Identity) {
	for i := 1; i < len(idents); i++ {
		for j := i; j > 0 && identityLess(idents[j], idents[j-1]); j-- {
			idents[j], idents[j-1] = idents[j-1], idents[j]
		}
	}
}

func identityLess(a, b models.Identity) bool {
	if a.IsDefault != b.IsDefault {
		return a.IsDefault
	}
	return a.CreatedTS > b.CreatedTS
}

// GetIdentity returns one identity owned by the user.
func (s *Store) GetIdentity(userID, id string) (*models.Identity, error) {
	return s.loadIdentity(userID, id)
}

// SetDefault makes the identity the user's default, unsetting the previous
// default in the same batch.
func (s *Store) SetDefault(userID, id string) (*IdentityResult, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := policy.CanSetDefault(ident, now); err != nil {
		return nil, err
	}
	if ident.IsDefault {
		return &IdentityResult{Identity: ident.View()}, nil
	}

	idents, err := s.allIdentities(userID)
	if err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, other := range idents {
		if other.ID != id && other.IsDefault && !other.IsDeleted {
			other.IsDefault = false
			other.UpdatedTS = now.UnixNano()
			if err := s.putIdentity(b, &other); err != nil {
				return nil, err
			}
		}
	}
	ident.IsDefault = true
	ident.UpdatedTS = now.UnixNano()
	if err := s.putIdentity(b, ident); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	return &IdentityResult{Identity: ident.View()}, nil
}

// UpdateIdentityInput patches mutable profile fields. Nil pointers leave the
// field untouched; ExpiresTS set to -1 clears the expiry.
type UpdateIdentityInput struct {
	DisplayName *string `json:"display_name,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	ExpiresTS   *int64  `json:"expires_ts,omitempty"`
}

// UpdateIdentity patches profile fields. Changing the expiry re-validates
// the auto-delete schedule against the new date.
func (s *Store) UpdateIdentity(userID, id string, in UpdateIdentityInput) (*IdentityResult, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var warn string
	if in.DisplayName != nil {
		if err := validation.ValidateDisplayName(*in.DisplayName); err != nil {
			return nil, err
		}
		ident.DisplayName = *in.DisplayName
	}
	if in.Avatar != nil {
		ident.Avatar = *in.Avatar
	}
	if in.ExpiresTS != nil {
		next := *in.ExpiresTS
		if next == -1 {
			next = 0
		}
		if ident.AutoDelete.Enabled {
			w, err := policy.ValidateSchedule(now, ident.AutoDelete.EffectiveDays, next)
			if err != nil {
				return nil, err
			}
			if w {
				warn = scheduleWarning
			}
		}
		ident.ExpiresTS = next
	}
	ident.UpdatedTS = now.UnixNano()
	if err := s.putIdentity(nil, ident); err != nil {
		return nil, err
	}
	return &IdentityResult{Identity: ident.View(), Warning: warn}, nil
}

// SetAutoDelete replaces the identity's auto-delete settings.
func (s *Store) SetAutoDelete(userID, id string, ad models.AutoDelete) (*IdentityResult, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	applied, w, err := policy.ApplyAutoDelete(now, ad, ident.ExpiresTS)
	if err != nil {
		return nil, err
	}
	ident.AutoDelete = applied
	ident.UpdatedTS = now.UnixNano()
	if err := s.putIdentity(nil, ident); err != nil {
		return nil, err
	}
	var warn string
	if w {
		warn = scheduleWarning
	}
	return &IdentityResult{Identity: ident.View(), Warning: warn}, nil
}

// SetForwarding replaces the identity's forwarding preferences.
func (s *Store) SetForwarding(userID, id string, fp models.ForwardingPreferences) (*IdentityResult, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	valid, err := policy.ValidForwardingPreferences(fp)
	if err != nil {
		return nil, err
	}
	ident.Forwarding = valid
	ident.UpdatedTS = time.Now().UnixNano()
	if err := s.putIdentity(nil, ident); err != nil {
		return nil, err
	}
	return &IdentityResult{Identity: ident.View()}, nil
}

// SetArchived flips the archive flag. Archived identities stay usable for
// reads but are hidden from default pickers.
func (s *Store) SetArchived(userID, id string, archived bool) (*IdentityResult, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	ident.IsArchived = archived
	ident.UpdatedTS = time.Now().UnixNano()
	if err := s.putIdentity(nil, ident); err != nil {
		return nil, err
	}
	return &IdentityResult{Identity: ident.View()}, nil
}

// CloneIdentity copies an identity under a new alias. resetSettings drops
// auto-delete and forwarding settings instead of copying them.
func (s *Store) CloneIdentity(userID, id, newAlias string, resetSettings bool) (*IdentityResult, error) {
	src, err := s.GetIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	in := CreateIdentityInput{
		Alias:       newAlias,
		DisplayName: src.DisplayName,
		Avatar:      src.Avatar,
		ExpiresTS:   src.ExpiresTS,
	}
	if !resetSettings {
		ad := src.AutoDelete
		fp := src.Forwarding
		in.AutoDelete = &ad
		in.Forwarding = &fp
	}
	return s.CreateIdentity(userID, in)
}

// SetProtection flips the protection flag subject to the slot cap.
func (s *Store) SetProtection(userID, id string, protected bool) (*IdentityResult, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	if protected {
		idents, err := s.allIdentities(userID)
		if err != nil {
			return nil, err
		}
		if err := policy.CanProtect(ident, protectedCount(idents)); err != nil {
			return nil, err
		}
	} else {
		if err := policy.CanUnprotect(ident); err != nil {
			return nil, err
		}
	}
	ident.IsProtected = protected
	ident.UpdatedTS = time.Now().UnixNano()
	if err := s.putIdentity(nil, ident); err != nil {
		return nil, err
	}
	return &IdentityResult{Identity: ident.View()}, nil
}

// DeletionOptions previews what each deletion mode would do, without
// mutating anything.
type DeletionOptions struct {
	ID            string               `json:"id"`
	SoftAllowed   bool                 `json:"soft_allowed"`
	SoftPlan      *policy.DeletionPlan `json:"soft_plan,omitempty"`
	SoftError     string               `json:"soft_error,omitempty"`
	PermAllowed   bool                 `json:"permanent_allowed"`
	PermPlan      *policy.DeletionPlan `json:"permanent_plan,omitempty"`
	PermError     string               `json:"permanent_error,omitempty"`
	Memberships   int                  `json:"active_memberships"`
	ForceOverride bool                 `json:"force_override_available"`
}

// GetDeletionOptions reports, for each mode, whether an unforced delete
// would succeed and what plan it would execute.
func (s *Store) GetDeletionOptions(userID, id string) (*DeletionOptions, error) {
	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	idents, err := s.allIdentities(userID)
	if err != nil {
		return nil, err
	}
	siblings := siblingsOf(idents, id)
	memberships, err := s.CountActiveMemberships(userID, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := &DeletionOptions{ID: id, Memberships: memberships}

	if plan, err := policy.PlanDeletion(ident, false, false, siblings, memberships, now); err != nil {
		out.SoftError = err.Error()
		out.ForceOverride = apperr.Is(err, apperr.CodeNoReplacementDefault)
	} else {
		out.SoftAllowed = true
		p := plan
		out.SoftPlan = &p
	}
	if plan, err := policy.PlanDeletion(ident, true, false, siblings, memberships, now); err != nil {
		out.PermError = err.Error()
		if apperr.Is(err, apperr.CodeActiveUsageConflict) {
			out.ForceOverride = true
		}
	} else {
		out.PermAllowed = true
		p := plan
		out.PermPlan = &p
	}
	return out, nil
}

func siblingsOf(idents []models.Identity, id string) []models.Identity {
	var out []models.Identity
	for _, i := range idents {
		if i.ID != id && !i.IsDeleted {
			out = append(out, i)
		}
	}
	return out
}

// DeleteIdentity executes the deletion plan for the identity in one batch:
// soft deletes tombstone the row and free the alias; permanent deletes also
// remove the row and migrate conversation references when forced.
func (s *Store) DeleteIdentity(userID, id string, permanent, force bool, reason string) (*DeletionResult, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	if ident.IsDeleted {
		return nil, apperr.Newf(apperr.CodeNotFound, "identity %s already deleted", id)
	}
	idents, err := s.allIdentities(userID)
	if err != nil {
		return nil, err
	}
	siblings := siblingsOf(idents, id)
	memberships, err := s.CountActiveMemberships(userID, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	plan, err := policy.PlanDeletion(ident, permanent, force, siblings, memberships, now)
	if err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()

	res := &DeletionResult{
		ID:           id,
		DeletionType: plan.Type,
		Restorable:   plan.Restorable,
	}

	// Replacement default is elected and written before the old default's
	// tombstone so the invariant never lapses across the commit point.
	if plan.NewDefaultID != "" {
		for _, sib := range siblings {
			if sib.ID == plan.NewDefaultID {
				sib.IsDefault = true
				sib.UpdatedTS = now.UnixNano()
				if err := s.putIdentity(b, &sib); err != nil {
					return nil, err
				}
				res.NewDefaultID = sib.ID
				res.NewDefaultAlias = sib.Alias
				break
			}
		}
	}

	lc := validation.NormalizeAlias(ident.Alias)
	if plan.Type == policy.DeletionPermanent {
		if err := b.Delete([]byte(identKey(userID, id)), nil); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransactionFailed, "stage identity delete", err)
		}
		if err := b.Delete([]byte(aliasKey(userID, lc)), nil); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransactionFailed, "stage alias delete", err)
		}
		if plan.MigrateReferences {
			if err := s.stageReferenceMigration(b, userID, id, now.UnixNano()); err != nil {
				return nil, err
			}
		}
	} else {
		ident.IsDeleted = true
		ident.IsDefault = false
		ident.DeletedTS = now.UnixNano()
		ident.DeletionReason = reason
		ident.UpdatedTS = now.UnixNano()
		if err := s.putIdentity(b, ident); err != nil {
			return nil, err
		}
		// A soft delete frees the alias for reuse; restore re-checks it.
		if err := b.Delete([]byte(aliasKey(userID, lc)), nil); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransactionFailed, "stage alias delete", err)
		}
	}

	if err := s.appendAudit(b, now.UnixNano(), "identity_deleted", userID, map[string]any{
		"identity":      id,
		"deletion_type": plan.Type,
		"forced":        force,
		"reason":        reason,
	}); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	logger.Info("identity_deleted", "user", userID, "identity", id, "type", plan.Type, "new_default", res.NewDefaultID)
	return res, nil
}

// stageReferenceMigration marks participant rows and sent messages for the
// identity as sender-deleted, preserving conversation history.
func (s *Store) stageReferenceMigration(b *pebble.Batch, userID, identityID string, ts int64) error {
	var convIDs []string
	err := s.scanPrefix(uconvPrefix+userID+":", func(key string, val []byte) bool {
		var identID string
		if err := json.Unmarshal(val, &identID); err == nil && identID == identityID {
			convIDs = append(convIDs, strings.TrimPrefix(key, uconvPrefix+userID+":"))
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, convID := range convIDs {
		var part models.Participant
		ok, err := s.getJSON(partKey(convID, userID), &part)
		if err != nil {
			return err
		}
		if ok {
			part.IdentityDeleted = true
			if err := s.setJSON(b, partKey(convID, userID), part); err != nil {
				return err
			}
		}
		// tombstone sender references in message history
		err = s.scanPrefix(msgPrefix+convID+":", func(key string, val []byte) bool {
			var m models.Message
			if jerr := json.Unmarshal(val, &m); jerr != nil {
				return true
			}
			if m.SenderID == identityID {
				m.SenderDeleted = true
				if serr := s.setJSON(b, key, m); serr != nil {
					err = serr
					return false
				}
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RestoreIdentity undoes a soft delete, re-checking the alias and the cap.
func (s *Store) RestoreIdentity(userID, id string) (*IdentityResult, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return nil, err
	}
	if !ident.IsDeleted {
		return &IdentityResult{Identity: ident.View()}, nil
	}
	idents, err := s.allIdentities(userID)
	if err != nil {
		return nil, err
	}
	if err := policy.CanCreate(liveCount(idents)); err != nil {
		return nil, err
	}
	lc := validation.NormalizeAlias(ident.Alias)
	if holder, err := s.aliasHolder(userID, lc); err != nil {
		return nil, err
	} else if holder != "" && holder != id {
		return nil, apperr.Newf(apperr.CodeAliasConflict, "alias %q is now held by another identity", ident.Alias)
	}

	now := time.Now()
	ident.IsDeleted = false
	ident.DeletedTS = 0
	ident.DeletionReason = ""
	ident.UpdatedTS = now.UnixNano()

	b := s.db.NewBatch()
	defer b.Close()

	// A forced soft delete of the last default leaves the user defaultless;
	// the restore must put exactly one default back among active identities.
	hasDefault := false
	for _, i := range idents {
		if i.ID != id && !i.IsDeleted && i.IsDefault && i.Usable(now) {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		candidates := []models.Identity{*ident}
		for _, i := range idents {
			if i.ID != id && !i.IsDeleted {
				candidates = append(candidates, i)
			}
		}
		if next := policy.ElectDefault(candidates, now); next != nil {
			next.IsDefault = true
			next.UpdatedTS = now.UnixNano()
			if next.ID == ident.ID {
				ident.IsDefault = true
			} else if err := s.putIdentity(b, next); err != nil {
				return nil, err
			}
		}
	}

	if err := s.putIdentity(b, ident); err != nil {
		return nil, err
	}
	if err := s.setJSON(b, aliasKey(userID, lc), ident.ID); err != nil {
		return nil, err
	}
	if err := s.appendAudit(b, now.UnixNano(), "identity_restored", userID, map[string]any{"identity": id}); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	return &IdentityResult{Identity: ident.View()}, nil
}

// ListDeleted returns the user's soft-deleted identities.
func (s *Store) ListDeleted(userID string) ([]models.IdentityView, error) {
	idents, err := s.allIdentities(userID)
	if err != nil {
		return nil, err
	}
	out := []models.IdentityView{}
	for _, i := range idents {
		if i.IsDeleted {
			out = append(out, i.View())
		}
	}
	return out, nil
}

// BulkItemResult reports one item of a bulk operation.
type BulkItemResult struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// BulkPrivacyInput patches privacy-adjacent settings on up to ten
// identities. Items fail independently.
type BulkPrivacyInput struct {
	AutoDelete *models.AutoDelete            `json:"auto_delete,omitempty"`
	Forwarding *models.ForwardingPreferences `json:"forwarding,omitempty"`
	Archived   *bool                         `json:"archived,omitempty"`
}

// BulkUpdatePrivacy applies the patch to each identity independently and
// reports per-item outcomes.
func (s *Store) BulkUpdatePrivacy(userID string, ids []string, in BulkPrivacyInput) ([]BulkItemResult, error) {
	if err := validation.ValidateBulkSize(len(ids)); err != nil {
		return nil, err
	}
	out := make([]BulkItemResult, 0, len(ids))
	for _, id := range ids {
		res := BulkItemResult{ID: id, OK: true}
		var err error
		if in.AutoDelete != nil {
			_, err = s.SetAutoDelete(userID, id, *in.AutoDelete)
		}
		if err == nil && in.Forwarding != nil {
			_, err = s.SetForwarding(userID, id, *in.Forwarding)
		}
		if err == nil && in.Archived != nil {
			_, err = s.SetArchived(userID, id, *in.Archived)
		}
		if err != nil {
			res.OK = false
			res.Error = err.Error()
			res.Code = string(apperr.CodeOf(err))
		}
		out = append(out, res)
	}
	return out, nil
}

// BulkDelete deletes up to ten identities, each under its own plan. A
// protected identity in the batch fails alone; the rest proceed. The default
// identity in a permanent batch is downgraded to a soft delete with a note,
// never deleted permanently.
func (s *Store) BulkDelete(userID string, ids []string, permanent, force bool) ([]BulkItemResult, error) {
	if err := validation.ValidateBulkSize(len(ids)); err != nil {
		return nil, err
	}
	out := make([]BulkItemResult, len(ids))
	// The default runs last: deleting it first would elect a sibling that a
	// later item of the same batch then removes, cascading the downgrade.
	deferredIdx := -1
	for idx, id := range ids {
		if permanent && deferredIdx == -1 {
			if ident, err := s.loadIdentity(userID, id); err == nil && ident.IsDefault && !ident.IsDeleted {
				deferredIdx = idx
				out[idx] = BulkItemResult{ID: id}
				continue
			}
		}
		out[idx] = s.bulkDeleteItem(userID, id, permanent, force)
	}
	if deferredIdx >= 0 {
		res := s.bulkDeleteItem(userID, ids[deferredIdx], false, true)
		if res.OK {
			res.Error = "default identity cannot be deleted permanently; soft-deleted instead"
			res.Code = string(apperr.CodeProtectedIdentity)
		}
		out[deferredIdx] = res
	}
	return out, nil
}

func (s *Store) bulkDeleteItem(userID, id string, permanent, force bool) BulkItemResult {
	res := BulkItemResult{ID: id}
	dr, err := s.DeleteIdentity(userID, id, permanent, force, "bulk")
	if err != nil {
		res.Error = err.Error()
		res.Code = string(apperr.CodeOf(err))
	} else {
		res.OK = true
		res.Details = dr
	}
	return res
}

// ExportIdentities serializes the user's non-deleted identities as JSON or CSV.
func (s *Store) ExportIdentities(userID, format string) ([]byte, string, error) {
	views, err := s.ListIdentities(userID, ListOptions{IncludeExpired: true, IncludeInactive: true})
	if err != nil {
		return nil, "", err
	}
	switch format {
	case "", "json":
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return nil, "", apperr.Wrap(apperr.CodeInternal, "export encode failed", err)
		}
		return data, "application/json", nil
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"id", "alias", "display_name", "is_default", "is_protected", "is_active", "is_archived", "created_ts"})
		for _, v := range views {
			_ = w.Write([]string{
				v.ID, v.Alias, v.DisplayName,
				strconv.FormatBool(v.IsDefault), strconv.FormatBool(v.IsProtected),
				strconv.FormatBool(v.IsActive), strconv.FormatBool(v.IsArchived),
				strconv.FormatInt(v.CreatedTS, 10),
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, "", apperr.Wrap(apperr.CodeInternal, "export encode failed", err)
		}
		return buf.Bytes(), "text/csv", nil
	}
	return nil, "", apperr.Newf(apperr.CodeValidationFailed, "unknown export format: %q", format)
}

// ImportIdentities creates up to ten identities from exported records. With
// overwrite, an alias collision updates the existing identity's profile
// fields instead of failing.
func (s *Store) ImportIdentities(userID string, items []CreateIdentityInput, overwrite bool) ([]BulkItemResult, error) {
	if err := validation.ValidateBulkSize(len(items)); err != nil {
		return nil, err
	}
	out := make([]BulkItemResult, 0, len(items))
	for _, item := range items {
		res := BulkItemResult{ID: item.Alias}
		ir, err := s.CreateIdentity(userID, item)
		if err != nil && overwrite && apperr.Is(err, apperr.CodeAliasTaken) {
			ir, err = s.overwriteByAlias(userID, item)
		}
		if err != nil {
			res.Error = err.Error()
			res.Code = string(apperr.CodeOf(err))
		} else {
			res.OK = true
			res.Details = ir.Identity
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Store) overwriteByAlias(userID string, item CreateIdentityInput) (*IdentityResult, error) {
	holder, err := s.aliasHolder(userID, validation.NormalizeAlias(item.Alias))
	if err != nil {
		return nil, err
	}
	if holder == "" {
		return nil, apperr.Newf(apperr.CodeNotFound, "alias %q has no live holder", item.Alias)
	}
	upd := UpdateIdentityInput{}
	if item.DisplayName != "" {
		upd.DisplayName = &item.DisplayName
	}
	if item.Avatar != "" {
		upd.Avatar = &item.Avatar
	}
	if item.ExpiresTS != 0 {
		upd.ExpiresTS = &item.ExpiresTS
	}
	ir, err := s.UpdateIdentity(userID, holder, upd)
	if err != nil {
		return nil, err
	}
	if item.AutoDelete != nil {
		if ir, err = s.SetAutoDelete(userID, holder, *item.AutoDelete); err != nil {
			return nil, err
		}
	}
	if item.Forwarding != nil {
		if ir, err = s.SetForwarding(userID, holder, *item.Forwarding); err != nil {
			return nil, err
		}
	}
	return ir, nil
}

// SearchIdentities matches the query as a case-insensitive substring of
// alias or display name. Queries under two characters are rejected.
func (s *Store) SearchIdentities(userID, query string) ([]models.IdentityView, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if len(q) < 2 {
		return nil, apperr.New(apperr.CodeValidationFailed, "search query must be at least 2 characters")
	}
	idents, err := s.allIdentities(userID)
	if err != nil {
		return nil, err
	}
	out := []models.IdentityView{}
	for _, i := range idents {
		if i.IsDeleted {
			continue
		}
		if strings.Contains(strings.ToLower(i.Alias), q) ||
			strings.Contains(strings.ToLower(i.DisplayName), q) {
			out = append(out, i.View())
		}
	}
	return out, nil
}

// CheckAlias reports whether the alias is valid and unclaimed for the user.
func (s *Store) CheckAlias(userID, alias string) (bool, error) {
	if err := validation.ValidateAlias(alias); err != nil {
		return false, err
	}
	holder, err := s.aliasHolder(userID, validation.NormalizeAlias(alias))
	if err != nil {
		return false, err
	}
	return holder == "", nil
}

// Usage counter kinds.
const (
	UsageSent     = "sent"
	UsageReceived = "received"
	UsageStarted  = "started"
)

// BumpUsage increments one usage counter and stamps last-used.
func (s *Store) BumpUsage(userID, id, kind string) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ident, err := s.loadIdentity(userID, id)
	if err != nil {
		return err
	}
	switch kind {
	case UsageSent:
		ident.Usage.MessagesSent++
	case UsageReceived:
		ident.Usage.MessagesReceived++
	case UsageStarted:
		ident.Usage.ConversationsStarted++
	}
	now := time.Now().UnixNano()
	ident.Usage.LastUsedTS = now
	ident.UpdatedTS = now
	return s.putIdentity(nil, ident)
}

// DeactivateExpired flips IsActive off for identities past their absolute
// expiry. Used by the sweeper; idempotent.
func (s *Store) DeactivateExpired(userID string, now time.Time) (int, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	idents, err := s.allIdentities(userID)
	if err != nil {
		return 0, err
	}
	n := 0
	defaultLost := false
	for idx := range idents {
		i := &idents[idx]
		if i.IsDeleted || !i.IsActive || !i.Expired(now) {
			continue
		}
		i.IsActive = false
		if i.IsDefault {
			i.IsDefault = false
			defaultLost = true
		}
		i.UpdatedTS = now.UnixNano()
		if err := s.putIdentity(nil, i); err != nil {
			return n, err
		}
		n++
	}
	// Deactivating the default hands the role to a usable sibling so the
	// user is never left defaultless while active identities remain.
	if defaultLost {
		if next := policy.ElectDefault(idents, now); next != nil {
			next.IsDefault = true
			next.UpdatedTS = now.UnixNano()
			if err := s.putIdentity(nil, next); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// AllUserIDs scans the identity namespace and returns distinct user ids.
func (s *Store) AllUserIDs() ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	err := s.scanPrefix(identPrefix, func(key string, _ []byte) bool {
		rest := strings.TrimPrefix(key, identPrefix)
		if i := strings.IndexByte(rest, ':'); i > 0 {
			u := rest[:i]
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				out = append(out, u)
			}
		}
		return true
	})
	return out, err
}
