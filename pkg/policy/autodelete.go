// Package policy holds the pure business rules of the identity and message
// lifecycle engine: caps, deletion planning, default election, auto-delete
// scheduling and forwarding rights. Nothing here touches storage, so every
// rule is testable in isolation and every store path applies the same rule.
package policy

import (
	"time"

	"personadb/pkg/apperr"
	"personadb/pkg/models"
)

const (
	// MinCustomDays/MaxCustomDays bound the "custom" auto-delete preset.
	MinCustomDays = 1
	MaxCustomDays = 365
)

var presetDays = map[string]int{
	models.PresetOneDay:   1,
	models.PresetOneWeek:  7,
	models.PresetOneMonth: 30,
}

// EffectiveDays maps a preset plus optional custom day count to the derived
// effective day count. Callers never set effective days directly.
func EffectiveDays(preset string, customDays int) (int, error) {
	if preset == models.PresetCustom {
		if customDays == 0 {
			return 0, apperr.New(apperr.CodeMissingCustomDays, "custom preset requires custom_days")
		}
		if customDays < MinCustomDays || customDays > MaxCustomDays {
			return 0, apperr.Newf(apperr.CodeValidationFailed, "custom_days out of range: %d", customDays)
		}
		return customDays, nil
	}
	if d, ok := presetDays[preset]; ok {
		return d, nil
	}
	return 0, apperr.Newf(apperr.CodeValidationFailed, "unknown auto-delete preset: %q", preset)
}

// ValidateSchedule checks that auto-delete completes strictly before the
// identity's absolute expiry. A margin of one day or less is allowed but
// flagged as a warning. expiresTS==0 means no absolute expiry.
func ValidateSchedule(now time.Time, effectiveDays int, expiresTS int64) (warn bool, err error) {
	if expiresTS == 0 || effectiveDays <= 0 {
		return false, nil
	}
	autoDeleteAt := now.Add(time.Duration(effectiveDays) * 24 * time.Hour)
	expiresAt := time.Unix(0, expiresTS)
	if autoDeleteAt.After(expiresAt) {
		return false, apperr.New(apperr.CodeScheduleConflict, "auto-delete would fall after absolute expiry").
			WithDetails(map[string]any{
				"auto_delete_at": autoDeleteAt.UTC().Format(time.RFC3339),
				"expires_at":     expiresAt.UTC().Format(time.RFC3339),
			})
	}
	if expiresAt.Sub(autoDeleteAt) <= 24*time.Hour {
		warn = true
	}
	return warn, nil
}

// ApplyAutoDelete recomputes the derived effective days on a settings write
// and re-validates the schedule against the identity's expiry. It returns
// the normalized settings; the caller persists them.
func ApplyAutoDelete(now time.Time, ad models.AutoDelete, expiresTS int64) (models.AutoDelete, bool, error) {
	if !ad.Enabled {
		ad.EffectiveDays = 0
		return ad, false, nil
	}
	days, err := EffectiveDays(ad.Preset, ad.CustomDays)
	if err != nil {
		return ad, false, err
	}
	ad.EffectiveDays = days
	warn, err := ValidateSchedule(now, days, expiresTS)
	if err != nil {
		return ad, false, err
	}
	return ad, warn, nil
}
