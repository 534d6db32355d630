package sweep

import (
	"context"
	"testing"
	"time"

	"personadb/pkg/config"
	"personadb/pkg/models"
	"personadb/pkg/store"
	"personadb/pkg/utils"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s *store.Store) (identityID string, convID string) {
	t.Helper()
	res, err := s.CreateIdentity("u1", store.CreateIdentityInput{Alias: "sweeper_target"})
	if err != nil {
		t.Fatal(err)
	}
	conv, err := s.CreateConversation(context.Background(), "u1", res.Identity.ID, store.CreateConversationInput{
		Type: models.ConversationDirect,
	})
	if err != nil {
		t.Fatal(err)
	}
	return res.Identity.ID, conv.ID
}

func saveExpiring(t *testing.T, s *store.Store, identityID, convID string, deadline int64) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:             utils.GenMessageID(),
		ConversationID: convID,
		SenderID:       identityID,
		SenderUserID:   "u1",
		Content:        "ephemeral",
		TS:             time.Now().UnixNano(),
		DeliveryStatus: models.DeliverySent,
		Disappearing: models.Disappearing{
			IsDisappearing: true,
			AfterSecs:      1,
			DisappearTS:    deadline,
		},
	}
	if err := s.SaveMessage(msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestSweepPurgesDueMessages(t *testing.T) {
	s := testStore(t)
	identityID, convID := seedConversation(t, s)

	now := time.Now()
	expired := saveExpiring(t, s, identityID, convID, now.Add(-time.Minute).UnixNano())
	pending := saveExpiring(t, s, identityID, convID, now.Add(time.Hour).UnixNano())

	w := New(s, config.SweepConfig{})
	res, err := w.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.MessagesPurged != 1 {
		t.Fatalf("want 1 purged, got %d", res.MessagesPurged)
	}

	gone, err := s.GetMessage(convID, expired.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !gone.IsDeleted || gone.Content != "" {
		t.Fatalf("expired message should be tombstoned: %+v", gone)
	}
	kept, err := s.GetMessage(convID, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kept.IsDeleted {
		t.Fatal("future deadline must survive the sweep")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	s := testStore(t)
	identityID, convID := seedConversation(t, s)
	now := time.Now()
	saveExpiring(t, s, identityID, convID, now.Add(-time.Minute).UnixNano())

	w := New(s, config.SweepConfig{})
	first, err := w.RunOnce(context.Background(), now)
	if err != nil || first.MessagesPurged != 1 {
		t.Fatalf("first pass: %+v err=%v", first, err)
	}
	second, err := w.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if second.MessagesPurged != 0 || second.Scanned != 0 {
		t.Fatalf("second pass should find nothing: %+v", second)
	}
}

func TestSweepDeactivatesExpiredIdentities(t *testing.T) {
	s := testStore(t)
	res, err := s.CreateIdentity("u1", store.CreateIdentityInput{
		Alias:     "short_timer",
		ExpiresTS: time.Now().Add(-time.Hour).UnixNano(),
	})
	if err != nil {
		t.Fatal(err)
	}

	w := New(s, config.SweepConfig{})
	out, err := w.RunOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if out.IdentitiesDeactivated != 1 {
		t.Fatalf("want 1 deactivated, got %d", out.IdentitiesDeactivated)
	}
	got, err := s.GetIdentity("u1", res.Identity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Fatal("expired identity should read inactive")
	}
}

func TestSweepDryRunTouchesNothing(t *testing.T) {
	s := testStore(t)
	identityID, convID := seedConversation(t, s)
	now := time.Now()
	msg := saveExpiring(t, s, identityID, convID, now.Add(-time.Minute).UnixNano())

	w := New(s, config.SweepConfig{DryRun: true})
	res, err := w.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if res.MessagesPurged != 0 || res.Scanned != 1 {
		t.Fatalf("dry run result: %+v", res)
	}
	got, err := s.GetMessage(convID, msg.ID)
	if err != nil || got.IsDeleted {
		t.Fatalf("dry run must not mutate: %+v err=%v", got, err)
	}
}
