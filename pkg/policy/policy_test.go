package policy

import (
	"testing"
	"time"

	"personadb/pkg/apperr"
	"personadb/pkg/models"
)

func TestEffectiveDays(t *testing.T) {
	cases := []struct {
		preset string
		custom int
		want   int
		code   apperr.Code
	}{
		{models.PresetOneDay, 0, 1, ""},
		{models.PresetOneWeek, 0, 7, ""},
		{models.PresetOneMonth, 0, 30, ""},
		{models.PresetCustom, 90, 90, ""},
		{models.PresetCustom, 0, 0, apperr.CodeMissingCustomDays},
		{models.PresetCustom, 366, 0, apperr.CodeValidationFailed},
		{"fortnight", 0, 0, apperr.CodeValidationFailed},
	}
	for _, c := range cases {
		got, err := EffectiveDays(c.preset, c.custom)
		if c.code != "" {
			if err == nil || apperr.CodeOf(err) != c.code {
				t.Fatalf("preset %q: expected code %s, got %v", c.preset, c.code, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("preset %q: unexpected error %v", c.preset, err)
		}
		if got != c.want {
			t.Fatalf("preset %q: got %d want %d", c.preset, got, c.want)
		}
	}
}

func TestValidateSchedule(t *testing.T) {
	now := time.Now()

	t.Run("ConflictIncludesBothDates", func(t *testing.T) {
		// 1_week against expiry in 3 days must conflict.
		_, err := ValidateSchedule(now, 7, now.Add(72*time.Hour).UnixNano())
		if err == nil || apperr.CodeOf(err) != apperr.CodeScheduleConflict {
			t.Fatalf("expected ScheduleConflict, got %v", err)
		}
		var ae *apperr.Error
		if !asAppErr(err, &ae) {
			t.Fatalf("expected *apperr.Error")
		}
		if ae.Details["auto_delete_at"] == nil || ae.Details["expires_at"] == nil {
			t.Fatalf("conflict must carry both computed dates: %v", ae.Details)
		}
	})

	t.Run("TightMarginWarns", func(t *testing.T) {
		warn, err := ValidateSchedule(now, 7, now.Add((7*24+12)*time.Hour).UnixNano())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !warn {
			t.Fatalf("expected warning for margin <= 1 day")
		}
	})

	t.Run("ComfortableMarginOK", func(t *testing.T) {
		warn, err := ValidateSchedule(now, 1, now.Add(10*24*time.Hour).UnixNano())
		if err != nil || warn {
			t.Fatalf("expected clean pass, got warn=%v err=%v", warn, err)
		}
	})

	t.Run("NoExpiryAlwaysOK", func(t *testing.T) {
		if _, err := ValidateSchedule(now, 365, 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func asAppErr(err error, target **apperr.Error) bool {
	ae, ok := err.(*apperr.Error)
	if ok {
		*target = ae
	}
	return ok
}

func ident(id string, opts func(*models.Identity)) models.Identity {
	i := models.Identity{ID: id, UserID: "u1", Alias: id, IsActive: true, CreatedTS: time.Now().UnixNano()}
	if opts != nil {
		opts(&i)
	}
	return i
}

func TestElectDefault(t *testing.T) {
	now := time.Now()

	t.Run("PrefersProtected", func(t *testing.T) {
		b := ident("b", func(i *models.Identity) { i.Usage.MessagesSent = 100 })
		c := ident("c", func(i *models.Identity) { i.IsProtected = true })
		got := ElectDefault([]models.Identity{b, c}, now)
		if got == nil || got.ID != "c" {
			t.Fatalf("expected protected identity c, got %+v", got)
		}
	})

	t.Run("ThenHighestUsage", func(t *testing.T) {
		b := ident("b", func(i *models.Identity) { i.Usage.MessagesSent = 5 })
		c := ident("c", func(i *models.Identity) { i.Usage.MessagesSent = 9 })
		got := ElectDefault([]models.Identity{b, c}, now)
		if got == nil || got.ID != "c" {
			t.Fatalf("expected c with higher usage, got %+v", got)
		}
	})

	t.Run("ThenEarliestCreated", func(t *testing.T) {
		b := ident("b", func(i *models.Identity) { i.CreatedTS = 100 })
		c := ident("c", func(i *models.Identity) { i.CreatedTS = 50 })
		got := ElectDefault([]models.Identity{b, c}, now)
		if got == nil || got.ID != "c" {
			t.Fatalf("expected earliest-created c, got %+v", got)
		}
	})

	t.Run("SkipsUnusable", func(t *testing.T) {
		b := ident("b", func(i *models.Identity) { i.IsActive = false })
		c := ident("c", func(i *models.Identity) { i.ExpiresTS = now.Add(-time.Hour).UnixNano() })
		if got := ElectDefault([]models.Identity{b, c}, now); got != nil {
			t.Fatalf("expected no candidate, got %+v", got)
		}
	})
}

func TestPlanDeletion(t *testing.T) {
	now := time.Now()

	t.Run("PermanentOnProtectedFails", func(t *testing.T) {
		p := ident("p", func(i *models.Identity) { i.IsProtected = true })
		_, err := PlanDeletion(&p, true, true, nil, 0, now)
		if apperr.CodeOf(err) != apperr.CodeProtectedIdentity {
			t.Fatalf("expected ProtectedIdentity, got %v", err)
		}
	})

	t.Run("DefaultSoftDeleteElectsReplacement", func(t *testing.T) {
		a := ident("a", func(i *models.Identity) { i.IsDefault = true })
		b := ident("b", nil)
		c := ident("c", func(i *models.Identity) { i.IsProtected = true })
		plan, err := PlanDeletion(&a, false, false, []models.Identity{b, c}, 0, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if plan.Type != DeletionSoft || plan.NewDefaultID != "c" {
			t.Fatalf("expected soft delete with new default c, got %+v", plan)
		}
	})

	t.Run("LastDefaultNeedsForce", func(t *testing.T) {
		a := ident("a", func(i *models.Identity) { i.IsDefault = true })
		if _, err := PlanDeletion(&a, false, false, nil, 0, now); apperr.CodeOf(err) != apperr.CodeNoReplacementDefault {
			t.Fatalf("expected NoReplacementDefault, got %v", err)
		}
		plan, err := PlanDeletion(&a, false, true, nil, 0, now)
		if err != nil || plan.Type != DeletionSoft {
			t.Fatalf("force should allow soft delete, got %+v err=%v", plan, err)
		}
	})

	t.Run("PermanentBlockedByMemberships", func(t *testing.T) {
		u := ident("u", nil)
		if _, err := PlanDeletion(&u, true, false, nil, 2, now); apperr.CodeOf(err) != apperr.CodeActiveUsageConflict {
			t.Fatalf("expected ActiveUsageConflict, got %v", err)
		}
		plan, err := PlanDeletion(&u, true, true, nil, 2, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if plan.Type != DeletionPermanent || !plan.MigrateReferences {
			t.Fatalf("expected forced permanent delete with migration, got %+v", plan)
		}
	})
}

func TestProtectionCaps(t *testing.T) {
	t.Run("FourthSlotFails", func(t *testing.T) {
		i := ident("d", nil)
		if err := CanProtect(&i, MaxProtectedSlots); apperr.CodeOf(err) != apperr.CodeProtectionSlotsFull {
			t.Fatalf("expected ProtectionSlotsFull, got %v", err)
		}
	})
	t.Run("DefaultDoesNotConsumeSlot", func(t *testing.T) {
		d := ident("d", func(i *models.Identity) { i.IsDefault = true })
		if err := CanProtect(&d, MaxProtectedSlots); err != nil {
			t.Fatalf("default should be protectable regardless of slots: %v", err)
		}
	})
	t.Run("CannotUnprotectDefault", func(t *testing.T) {
		d := ident("d", func(i *models.Identity) { i.IsDefault = true; i.IsProtected = true })
		if err := CanUnprotect(&d); apperr.CodeOf(err) != apperr.CodeCannotUnprotectDefault {
			t.Fatalf("expected CannotUnprotectDefault, got %v", err)
		}
	})
}

func TestResolveForward(t *testing.T) {
	fwd := ident("fw", func(i *models.Identity) {
		i.Forwarding = models.ForwardingPreferences{
			DefaultAttribution:   models.AttributionShowOriginal,
			AllowOthersToForward: true,
			MaxForwardChain:      10,
		}
	})

	t.Run("FirstHopChainIsOne", func(t *testing.T) {
		src := &models.Message{ID: "m1", SenderID: "a", SenderAlias: "alice"}
		got, err := ResolveForward(src, &fwd, "", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.ForwardChain != 1 || got.OriginalAlias != "alice" {
			t.Fatalf("bad provenance: %+v", got)
		}
	})

	t.Run("ChainIncrementsAndCapsAtMax", func(t *testing.T) {
		src := &models.Message{ID: "m9", Forwarded: &models.ForwardedFrom{
			ForwardChain: 9,
			Rights:       models.ForwardingRights{AllowFurtherForwarding: true, PreserveOriginalSender: true, AllowPublicChannels: true},
		}}
		got, err := ResolveForward(src, &fwd, "", false)
		if err != nil {
			t.Fatalf("chain 9 -> 10 should pass: %v", err)
		}
		if got.ForwardChain != 10 {
			t.Fatalf("expected chain 10, got %d", got.ForwardChain)
		}

		next := &models.Message{ID: "m10", Forwarded: got}
		if _, err := ResolveForward(next, &fwd, "", false); apperr.CodeOf(err) != apperr.CodeForwardChainExceeded {
			t.Fatalf("expected ForwardChainExceeded, got %v", err)
		}
	})

	t.Run("ForwardingDisabled", func(t *testing.T) {
		src := &models.Message{ID: "m", Forwarded: &models.ForwardedFrom{
			ForwardChain: 1,
			Rights:       models.ForwardingRights{AllowFurtherForwarding: false},
		}}
		if _, err := ResolveForward(src, &fwd, "", false); apperr.CodeOf(err) != apperr.CodeForwardingDisabled {
			t.Fatalf("expected ForwardingDisabled, got %v", err)
		}
	})

	t.Run("StampedRightsGateFirstHop", func(t *testing.T) {
		src := &models.Message{ID: "m", SenderID: "a", Rights: &models.ForwardingRights{
			AllowFurtherForwarding: false,
			PreserveOriginalSender: true,
		}}
		if _, err := ResolveForward(src, &fwd, "", false); apperr.CodeOf(err) != apperr.CodeForwardingDisabled {
			t.Fatalf("expected ForwardingDisabled, got %v", err)
		}
	})

	t.Run("SenderMayAlwaysForwardOwnMessage", func(t *testing.T) {
		src := &models.Message{ID: "m", SenderID: "fw", Rights: &models.ForwardingRights{
			AllowFurtherForwarding: false,
			RequireAttribution:     true,
			PreserveOriginalSender: true,
		}}
		got, err := ResolveForward(src, &fwd, models.AttributionHideAll, true)
		if err != nil {
			t.Fatalf("own message must not be gated by own rights: %v", err)
		}
		if got.ForwardChain != 1 {
			t.Fatalf("expected chain 1, got %d", got.ForwardChain)
		}
	})

	t.Run("AttributionRequired", func(t *testing.T) {
		src := &models.Message{ID: "m", SenderID: "a", Rights: &models.ForwardingRights{
			AllowFurtherForwarding: true,
			RequireAttribution:     true,
			PreserveOriginalSender: true,
		}}
		if _, err := ResolveForward(src, &fwd, models.AttributionHideAll, false); apperr.CodeOf(err) != apperr.CodeAttributionRequired {
			t.Fatalf("expected AttributionRequired, got %v", err)
		}
	})

	t.Run("BroadcastBlockedBySenderPrefs", func(t *testing.T) {
		src := &models.Message{ID: "m", SenderID: "a", Rights: &models.ForwardingRights{
			AllowFurtherForwarding: true,
			PreserveOriginalSender: true,
			AllowPublicChannels:    false,
		}}
		if _, err := ResolveForward(src, &fwd, "", true); apperr.CodeOf(err) != apperr.CodeForwardingDisabled {
			t.Fatalf("expected ForwardingDisabled for broadcast target, got %v", err)
		}
		if _, err := ResolveForward(src, &fwd, "", false); err != nil {
			t.Fatalf("non-broadcast target should pass: %v", err)
		}
	})

	t.Run("RightsCombineAcrossHops", func(t *testing.T) {
		closed := ident("cl", func(i *models.Identity) {
			i.Forwarding = models.ForwardingPreferences{AllowOthersToForward: false, MaxForwardChain: 10}
		})
		src := &models.Message{ID: "m", SenderID: "a", Rights: &models.ForwardingRights{
			AllowFurtherForwarding: true,
			PreserveOriginalSender: true,
			AllowPublicChannels:    true,
		}}
		got, err := ResolveForward(src, &closed, "", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Rights.AllowFurtherForwarding {
			t.Fatalf("forwarder's closed prefs must narrow the carried rights: %+v", got.Rights)
		}
	})
}

func TestStampRights(t *testing.T) {
	fp := models.ForwardingPreferences{
		AllowOthersToForward:    false,
		RequireAttribution:      true,
		ForwardToPublicChannels: false,
	}
	r := StampRights(fp)
	if r.AllowFurtherForwarding || !r.RequireAttribution || r.AllowPublicChannels {
		t.Fatalf("stamped rights do not mirror preferences: %+v", r)
	}
	if !r.PreserveOriginalSender {
		t.Fatalf("original sender must be preserved on stamped rights")
	}
}

func TestAttributionText(t *testing.T) {
	cases := []struct {
		fwd  *models.ForwardedFrom
		want string
	}{
		{&models.ForwardedFrom{AttributionDisplay: models.AttributionShowOriginal, OriginalAlias: "alice"}, "Forwarded from alice"},
		{&models.ForwardedFrom{AttributionDisplay: models.AttributionShowImmediate, ImmediateAlias: "bob"}, "Forwarded from bob"},
		{&models.ForwardedFrom{AttributionDisplay: models.AttributionHideAll}, ""},
		{&models.ForwardedFrom{AttributionDisplay: models.AttributionAnonymous, ForwardChain: 1}, "Forwarded message"},
		{&models.ForwardedFrom{AttributionDisplay: models.AttributionAnonymous, ForwardChain: 3}, "Forwarded message (3 times)"},
		{nil, ""},
	}
	for _, c := range cases {
		if got := AttributionText(c.fwd); got != c.want {
			t.Fatalf("got %q want %q for %+v", got, c.want, c.fwd)
		}
	}
}

func TestDeliveryTransitions(t *testing.T) {
	allowed := [][2]string{
		{models.DeliverySending, models.DeliverySent},
		{models.DeliverySending, models.DeliveryFailed},
		{models.DeliverySent, models.DeliveryDelivered},
		{models.DeliverySent, models.DeliveryRead},
		{models.DeliveryDelivered, models.DeliveryRead},
	}
	for _, a := range allowed {
		if !CanTransitionDelivery(a[0], a[1]) {
			t.Fatalf("transition %s -> %s should be allowed", a[0], a[1])
		}
	}
	denied := [][2]string{
		{models.DeliveryRead, models.DeliveryDelivered},
		{models.DeliveryFailed, models.DeliverySent},
		{models.DeliveryDelivered, models.DeliveryFailed},
		{models.DeliverySent, models.DeliverySending},
		{models.DeliverySent, models.DeliverySent},
	}
	for _, d := range denied {
		if CanTransitionDelivery(d[0], d[1]) {
			t.Fatalf("transition %s -> %s should be denied", d[0], d[1])
		}
	}
}
