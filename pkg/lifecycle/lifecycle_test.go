package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"personadb/pkg/apperr"
	"personadb/pkg/models"
	"personadb/pkg/store"
	"personadb/pkg/utils"
)

type env struct {
	s    *store.Store
	m    *Manager
	conv *models.Conversation
	idA  string // u1's identity
	idB  string // u2's identity
}

func setup(t *testing.T, settings models.ConversationSettings) *env {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	a, err := s.CreateIdentity("u1", store.CreateIdentityInput{Alias: "sender_one"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateIdentity("u2", store.CreateIdentityInput{Alias: "reader_two"})
	if err != nil {
		t.Fatal(err)
	}
	conv, err := s.CreateConversation(context.Background(), "u1", a.Identity.ID, store.CreateConversationInput{
		Type:         models.ConversationDirect,
		Settings:     settings,
		Participants: []store.ParticipantInput{{UserID: "u2"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &env{
		s:    s,
		m:    New(s, nil, 30*time.Minute),
		conv: conv,
		idA:  a.Identity.ID,
		idB:  b.Identity.ID,
	}
}

func TestSendAndDeliveryFlow(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.DeliveryStatus != models.DeliverySent {
		t.Fatalf("persisted message should read sent, got %q", msg.DeliveryStatus)
	}

	if _, err := e.m.MarkDelivered(e.conv.ID, msg.ID); err != nil {
		t.Fatal(err)
	}
	got, err := e.m.MarkRead(e.conv.ID, msg.ID, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryStatus != models.DeliveryRead || len(got.ReadBy) != 1 {
		t.Fatalf("read state: %+v", got)
	}
	// repeated read is a no-op
	again, err := e.m.MarkRead(e.conv.ID, msg.ID, "u2")
	if err != nil || len(again.ReadBy) != 1 {
		t.Fatalf("read should be idempotent: %+v err=%v", again, err)
	}
	// delivery never regresses
	back, err := e.m.MarkDelivered(e.conv.ID, msg.ID)
	if err != nil || back.DeliveryStatus != models.DeliveryRead {
		t.Fatalf("regression should be ignored: %q err=%v", back.DeliveryStatus, err)
	}
	// a read message cannot fail
	if _, err := e.m.MarkFailed(e.conv.ID, msg.ID); !apperr.Is(err, apperr.CodeValidationFailed) {
		t.Fatalf("want validation_failed, got %v", err)
	}
}

func TestDisappearingOnSend(t *testing.T) {
	e := setup(t, models.ConversationSettings{
		DisappearEnabled: true,
		DisappearSecs:    60,
		DisappearTrigger: models.DisappearOnSend,
	})
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "gone soon"})
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Disappearing.IsDisappearing || msg.Disappearing.DisappearTS == 0 {
		t.Fatalf("on_send should stamp the deadline at send: %+v", msg.Disappearing)
	}
	want := time.Unix(0, msg.TS).Add(60 * time.Second).UnixNano()
	if diff := msg.Disappearing.DisappearTS - want; diff < 0 || diff > int64(time.Second) {
		t.Fatalf("deadline off: got %d want about %d", msg.Disappearing.DisappearTS, want)
	}
}

func TestDisappearingOnRead(t *testing.T) {
	e := setup(t, models.ConversationSettings{
		DisappearEnabled: true,
		DisappearSecs:    60,
		DisappearTrigger: models.DisappearOnRead,
	})
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "read me"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Disappearing.DisappearTS != 0 {
		t.Fatal("on_read must not stamp the deadline at send")
	}
	read, err := e.m.MarkRead(e.conv.ID, msg.ID, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if read.Disappearing.DisappearTS == 0 {
		t.Fatal("first read should start the clock")
	}
	stamped := read.Disappearing.DisappearTS
	// second reader does not restart the clock
	if again, err := e.m.MarkRead(e.conv.ID, msg.ID, "u1"); err != nil || again.Disappearing.DisappearTS != stamped {
		t.Fatalf("deadline moved: %d -> %d err=%v", stamped, again.Disappearing.DisappearTS, err)
	}
}

func TestAutoDeleteStamp(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	if _, err := e.s.SetAutoDelete("u1", e.idA, models.AutoDelete{Enabled: true, Preset: models.PresetOneDay}); err != nil {
		t.Fatal(err)
	}
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "24h"})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Unix(0, msg.TS).Add(24 * time.Hour).UnixNano()
	if diff := msg.AutoDeleteTS - want; diff < 0 || diff > int64(time.Second) {
		t.Fatalf("auto-delete deadline off: got %d want about %d", msg.AutoDeleteTS, want)
	}
}

func TestForwardChainLimit(t *testing.T) {
	e := setup(t, models.ConversationSettings{})

	// allow u1's identity to be forwarded further
	if _, err := e.s.SetForwarding("u1", e.idA, models.ForwardingPreferences{
		AllowOthersToForward: true,
		MaxForwardChain:      10,
	}); err != nil {
		t.Fatal(err)
	}

	atChain := func(chain int) *models.Message {
		msg := &models.Message{
			ID:             utils.GenMessageID(),
			ConversationID: e.conv.ID,
			SenderID:       e.idA,
			SenderUserID:   "u1",
			SenderAlias:    "sender_one",
			Content:        "chain",
			TS:             time.Now().UnixNano(),
			DeliveryStatus: models.DeliverySent,
			Forwarded: &models.ForwardedFrom{
				SourceMessageID: "m0",
				ForwardChain:    chain,
				Rights: models.ForwardingRights{
					AllowFurtherForwarding: true,
					PreserveOriginalSender: true,
				},
			},
		}
		if err := e.s.SaveMessage(msg); err != nil {
			t.Fatal(err)
		}
		return msg
	}

	// hop 9 -> 10 is the last legal forward
	src := atChain(9)
	fwd, err := e.m.Forward(context.Background(), e.conv.ID, src.ID, e.conv.ID, "u1", e.idA, "")
	if err != nil {
		t.Fatalf("chain 10 should pass: %v", err)
	}
	if fwd.Forwarded.ForwardChain != 10 {
		t.Fatalf("want chain 10, got %d", fwd.Forwarded.ForwardChain)
	}

	// hop 10 -> 11 exceeds the limit
	src = atChain(10)
	if _, err := e.m.Forward(context.Background(), e.conv.ID, src.ID, e.conv.ID, "u1", e.idA, ""); !apperr.Is(err, apperr.CodeForwardChainExceeded) {
		t.Fatalf("want forward_chain_exceeded, got %v", err)
	}
}

func TestForwardingDisabledAndAttribution(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	locked := &models.Message{
		ID:             utils.GenMessageID(),
		ConversationID: e.conv.ID,
		SenderID:       e.idA,
		SenderUserID:   "u1",
		Content:        "locked",
		TS:             time.Now().UnixNano(),
		DeliveryStatus: models.DeliverySent,
		Forwarded: &models.ForwardedFrom{
			SourceMessageID: "m0",
			ForwardChain:    1,
			Rights:          models.ForwardingRights{AllowFurtherForwarding: false},
		},
	}
	if err := e.s.SaveMessage(locked); err != nil {
		t.Fatal(err)
	}
	if _, err := e.m.Forward(context.Background(), e.conv.ID, locked.ID, e.conv.ID, "u1", e.idA, ""); !apperr.Is(err, apperr.CodeForwardingDisabled) {
		t.Fatalf("want forwarding_disabled, got %v", err)
	}

	attributed := &models.Message{
		ID:             utils.GenMessageID(),
		ConversationID: e.conv.ID,
		SenderID:       e.idA,
		SenderUserID:   "u1",
		Content:        "must credit",
		TS:             time.Now().UnixNano(),
		DeliveryStatus: models.DeliverySent,
		Forwarded: &models.ForwardedFrom{
			SourceMessageID: "m0",
			ForwardChain:    1,
			Rights: models.ForwardingRights{
				AllowFurtherForwarding: true,
				RequireAttribution:     true,
			},
		},
	}
	if err := e.s.SaveMessage(attributed); err != nil {
		t.Fatal(err)
	}
	if _, err := e.m.Forward(context.Background(), e.conv.ID, attributed.ID, e.conv.ID, "u1", e.idA, models.AttributionHideAll); !apperr.Is(err, apperr.CodeAttributionRequired) {
		t.Fatalf("want attribution_required, got %v", err)
	}
}

func TestFirstForwardHonorsSenderPrefs(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	if _, err := e.s.SetForwarding("u1", e.idA, models.ForwardingPreferences{
		AllowOthersToForward: false,
		MaxForwardChain:      10,
	}); err != nil {
		t.Fatal(err)
	}
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "mine"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Rights == nil || msg.Rights.AllowFurtherForwarding {
		t.Fatalf("send should stamp the sender's closed prefs: %+v", msg.Rights)
	}

	// another member may not take the first hop
	if _, err := e.m.Forward(context.Background(), e.conv.ID, msg.ID, e.conv.ID, "u2", e.idB, ""); !apperr.Is(err, apperr.CodeForwardingDisabled) {
		t.Fatalf("want forwarding_disabled, got %v", err)
	}
	// the sender's own prefs never restrict the sender
	if _, err := e.m.Forward(context.Background(), e.conv.ID, msg.ID, e.conv.ID, "u1", e.idA, ""); err != nil {
		t.Fatalf("sender forwarding own message: %v", err)
	}
}

func TestForwardToBroadcastRespectsSenderPrefs(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	if _, err := e.s.SetForwarding("u1", e.idA, models.ForwardingPreferences{
		AllowOthersToForward:    true,
		ForwardToPublicChannels: false,
		MaxForwardChain:         10,
	}); err != nil {
		t.Fatal(err)
	}
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "not for channels"})
	if err != nil {
		t.Fatal(err)
	}

	channel, err := e.s.CreateConversation(context.Background(), "u2", e.idB, store.CreateConversationInput{
		Type: models.ConversationBroadcast,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.m.Forward(context.Background(), e.conv.ID, msg.ID, channel.ID, "u2", e.idB, ""); !apperr.Is(err, apperr.CodeForwardingDisabled) {
		t.Fatalf("want forwarding_disabled for broadcast target, got %v", err)
	}
	// a non-broadcast target stays allowed
	if _, err := e.m.Forward(context.Background(), e.conv.ID, msg.ID, e.conv.ID, "u2", e.idB, ""); err != nil {
		t.Fatalf("forward into direct conversation: %v", err)
	}
}

func TestEditWindow(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	edited, err := e.m.Edit(e.conv.ID, msg.ID, "u1", "v2")
	if err != nil {
		t.Fatalf("edit inside window: %v", err)
	}
	if !edited.IsEdited || len(edited.Edits) != 1 || edited.Edits[0].Content != "v1" {
		t.Fatalf("edit history: %+v", edited.Edits)
	}

	// only the sender may edit
	if _, err := e.m.Edit(e.conv.ID, msg.ID, "u2", "hijack"); !apperr.Is(err, apperr.CodeAccessDenied) {
		t.Fatalf("want access_denied, got %v", err)
	}

	// a message older than the window refuses edits
	stale := &models.Message{
		ID:             utils.GenMessageID(),
		ConversationID: e.conv.ID,
		SenderID:       e.idA,
		SenderUserID:   "u1",
		Content:        "old",
		TS:             time.Now().Add(-time.Hour).UnixNano(),
		DeliveryStatus: models.DeliverySent,
	}
	if err := e.s.SaveMessage(stale); err != nil {
		t.Fatal(err)
	}
	if _, err := e.m.Edit(e.conv.ID, stale.ID, "u1", "too late"); !apperr.Is(err, apperr.CodeValidationFailed) {
		t.Fatalf("want validation_failed, got %v", err)
	}
}

func TestDeleteForMeAndEveryone(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "secret"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.m.DeleteForMe(e.conv.ID, msg.ID, "u2"); err != nil {
		t.Fatal(err)
	}
	forU2, err := e.s.ListMessages(e.conv.ID, "u2", store.ListMessagesOptions{})
	if err != nil || len(forU2) != 0 {
		t.Fatalf("u2 should not see the message: n=%d err=%v", len(forU2), err)
	}
	forU1, err := e.s.ListMessages(e.conv.ID, "u1", store.ListMessagesOptions{})
	if err != nil || len(forU1) != 1 {
		t.Fatalf("u1 should still see it: n=%d err=%v", len(forU1), err)
	}

	// a non-sender member cannot delete for everyone
	if _, err := e.m.DeleteForEveryone(e.conv.ID, msg.ID, "u2"); !apperr.Is(err, apperr.CodeAccessDenied) {
		t.Fatalf("want access_denied, got %v", err)
	}
	gone, err := e.m.DeleteForEveryone(e.conv.ID, msg.ID, "u1")
	if err != nil || !gone.IsDeleted || gone.Content != "" {
		t.Fatalf("delete for everyone: %+v err=%v", gone, err)
	}
	forU1, err = e.s.ListMessages(e.conv.ID, "u1", store.ListMessagesOptions{})
	if err != nil || len(forU1) != 0 {
		t.Fatalf("tombstoned message should be hidden from all: n=%d err=%v", len(forU1), err)
	}
}

func TestReactionsTogglePerUser(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "react"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.m.React(e.conv.ID, msg.ID, "u2", "thumbs_up")
	if err != nil || got.Reactions["thumbs_up"] != 1 {
		t.Fatalf("react: %+v err=%v", got.Reactions, err)
	}
	// switching replaces the previous reaction
	got, err = e.m.React(e.conv.ID, msg.ID, "u2", "heart")
	if err != nil || got.Reactions["thumbs_up"] != 0 || got.Reactions["heart"] != 1 {
		t.Fatalf("switch: %+v err=%v", got.Reactions, err)
	}
	// repeating toggles off
	got, err = e.m.React(e.conv.ID, msg.ID, "u2", "heart")
	if err != nil || len(got.Reactions) != 0 {
		t.Fatalf("toggle off: %+v err=%v", got.Reactions, err)
	}
}

func TestConcurrentReactionsDoNotLoseWrites(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "popular"})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for _, u := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			if _, err := e.m.React(e.conv.ID, msg.ID, user, "thumbs_up"); err != nil {
				t.Errorf("react as %s: %v", user, err)
			}
		}(u)
	}
	wg.Wait()
	stored, err := e.s.GetMessage(e.conv.ID, msg.ID)
	if err != nil || stored.Reactions["thumbs_up"] != 2 {
		t.Fatalf("concurrent reactions lost a write: %+v err=%v", stored.Reactions, err)
	}
}

func TestScreenshotLog(t *testing.T) {
	e := setup(t, models.ConversationSettings{})
	msg, err := e.m.Send(context.Background(), e.conv.ID, "u1", e.idA, SendInput{Content: "do not capture"})
	if err != nil {
		t.Fatal(err)
	}
	blocked, count, err := e.m.ReportScreenshot(e.conv.ID, msg.ID, "u2", "os_api")
	if err != nil || blocked || count != 1 {
		t.Fatalf("first report: blocked=%v count=%d err=%v", blocked, count, err)
	}
	_, count, err = e.m.ReportScreenshot(e.conv.ID, msg.ID, "u2", "os_api")
	if err != nil || count != 2 {
		t.Fatalf("log should append, not dedupe: count=%d err=%v", count, err)
	}
	stored, err := e.s.GetMessage(e.conv.ID, msg.ID)
	if err != nil || len(stored.Secret.Screenshots) != 2 {
		t.Fatalf("stored log: %+v err=%v", stored.Secret, err)
	}
}
