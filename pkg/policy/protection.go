package policy

import (
	"sort"
	"time"

	"personadb/pkg/apperr"
	"personadb/pkg/models"
)

const (
	// MaxIdentities caps non-deleted identities per user.
	MaxIdentities = 10
	// MaxProtectedSlots caps protected identities per user, excluding the
	// default identity which is protected implicitly.
	MaxProtectedSlots = 3
)

// Deletion plan types.
const (
	DeletionSoft      = "soft"
	DeletionPermanent = "permanent"
)

// DeletionPlan is the outcome of protection policy for a delete request.
// The store executes exactly what the plan says, atomically.
type DeletionPlan struct {
	Type       string `json:"deletion_type"`
	Restorable bool   `json:"restorable"`
	// NewDefaultID is set when deleting the current default; the election
	// must be observable before the old default reads as deleted.
	NewDefaultID string `json:"new_default_id,omitempty"`
	// MigrateReferences is set for forced permanent deletes with live
	// memberships: participant and sender references are marked
	// "identity deleted" in the same transaction.
	MigrateReferences bool `json:"migrate_references,omitempty"`
}

// CanCreate enforces the identity cap on creation and restore.
func CanCreate(activeCount int) error {
	if activeCount >= MaxIdentities {
		return apperr.Newf(apperr.CodeLimitExceeded, "identity limit reached (%d)", MaxIdentities)
	}
	return nil
}

// CanProtect enforces the protected-slot cap. protectedCount excludes the
// default identity.
func CanProtect(id *models.Identity, protectedCount int) error {
	if id.IsProtected {
		return nil // idempotent
	}
	// The default does not consume a slot; protecting it only flips the flag.
	if !id.IsDefault && protectedCount >= MaxProtectedSlots {
		return apperr.Newf(apperr.CodeProtectionSlotsFull, "protection slots full (%d)", MaxProtectedSlots)
	}
	return nil
}

// CanUnprotect rejects unprotecting the default identity.
func CanUnprotect(id *models.Identity) error {
	if id.IsDefault {
		return apperr.New(apperr.CodeCannotUnprotectDefault, "default identity cannot be unprotected")
	}
	return nil
}

// CanSetDefault rejects expired or inactive identities.
func CanSetDefault(id *models.Identity, now time.Time) error {
	if id.IsDeleted || !id.IsActive || id.Expired(now) {
		return apperr.New(apperr.CodeNotUsable, "identity is expired or inactive")
	}
	return nil
}

// ElectDefault picks the replacement default among usable candidates:
// prefer protected, then highest messages sent, then earliest created.
// Returns nil when no candidate exists.
func ElectDefault(candidates []models.Identity, now time.Time) *models.Identity {
	var usable []models.Identity
	for _, c := range candidates {
		c := c
		if !c.IsDefault && c.Usable(now) {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return nil
	}
	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if a.IsProtected != b.IsProtected {
			return a.IsProtected
		}
		if a.Usage.MessagesSent != b.Usage.MessagesSent {
			return a.Usage.MessagesSent > b.Usage.MessagesSent
		}
		return a.CreatedTS < b.CreatedTS
	})
	return &usable[0]
}

// PlanDeletion decides how a delete request may proceed.
//
// siblings are the user's other non-deleted identities; activeMemberships is
// the count of live conversation memberships held under this identity.
func PlanDeletion(id *models.Identity, permanent, force bool, siblings []models.Identity, activeMemberships int, now time.Time) (DeletionPlan, error) {
	if id.ProtectedOrDefault() {
		if permanent {
			return DeletionPlan{}, apperr.New(apperr.CodeProtectedIdentity, "protected or default identity cannot be permanently deleted")
		}
		plan := DeletionPlan{Type: DeletionSoft, Restorable: true}
		if id.IsDefault {
			next := ElectDefault(siblings, now)
			if next == nil {
				if !force {
					return DeletionPlan{}, apperr.New(apperr.CodeNoReplacementDefault, "no replacement default identity available")
				}
			} else {
				plan.NewDefaultID = next.ID
			}
		}
		return plan, nil
	}

	if !permanent {
		return DeletionPlan{Type: DeletionSoft, Restorable: true}, nil
	}
	if activeMemberships > 0 && !force {
		return DeletionPlan{}, apperr.Newf(apperr.CodeActiveUsageConflict, "identity has %d active conversation memberships", activeMemberships)
	}
	return DeletionPlan{
		Type:              DeletionPermanent,
		Restorable:        false,
		MigrateReferences: activeMemberships > 0,
	}, nil
}
