package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
)

func TestStreamSenderDeliversToSubscriber(t *testing.T) {
	sender := NewStreamSender(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := sender.Subscribe(ctx, "user-1")
	defer cleanup()

	if err := sender.Send(context.Background(), Payload{UserID: "user-1", Type: TypeNotePublished, Subject: "Note published", EntryIDs: []string{"e-1"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case event := <-stream:
		if event.Type != TypeNotePublished || len(event.EntryIDs) != 1 {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream event within deadline")
	}
}

func TestStreamSenderFailsWithoutSubscriber(t *testing.T) {
	sender := NewStreamSender(nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := sender.Subscribe(ctx, "user-2")
	err := sender.Send(context.Background(), Payload{UserID: "user-1"})
	if !errors.Is(err, apperr.ErrDeliveryFailed) || !errors.Is(err, ErrRecipientOffline) {
		t.Fatalf("expected offline delivery failure for absent subscriber, got %v", err)
	}

	cleanup()
	cancel()
	if count := sender.SubscriberCount("user-2"); count != 0 {
		t.Fatalf("expected subscriber to be removed, got %d", count)
	}
}

func TestStreamSenderIsolatedByUser(t *testing.T) {
	sender := NewStreamSender(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := sender.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := sender.Subscribe(ctx, "user-3")
	defer otherCleanup()

	if err := sender.Send(context.Background(), Payload{UserID: "user-3", Type: TypeSystem}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-userStream:
		t.Fatal("did not expect event for unrelated user")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case event := <-otherStream:
		if event.UserID != "user-3" {
			t.Fatalf("expected user-3, got %s", event.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed user")
	}
}

func TestRouterSenderSucceedsWhenAnyChannelAccepts(t *testing.T) {
	failing := SenderFunc(func(context.Context, Payload) error { return errors.New("offline") })
	accepted := 0
	working := SenderFunc(func(context.Context, Payload) error {
		accepted++
		return nil
	})
	router := NewRouterSender(map[string]ChannelSender{"stream": failing, "log": working})

	if err := router.Send(context.Background(), Payload{Methods: []string{"stream", "log"}}); err != nil {
		t.Fatalf("expected success through log channel, got %v", err)
	}
	if accepted != 1 {
		t.Fatalf("expected log channel to be used once, got %d", accepted)
	}

	err := router.Send(context.Background(), Payload{Methods: []string{"stream"}})
	if !errors.Is(err, apperr.ErrDeliveryFailed) || !strings.Contains(err.Error(), "offline") {
		t.Fatalf("expected joined delivery failure, got %v", err)
	}

	err = router.Send(context.Background(), Payload{Methods: []string{"email"}})
	if !errors.Is(err, apperr.ErrDeliveryFailed) {
		t.Fatalf("expected failure for unconfigured channel, got %v", err)
	}
}

func TestRouterSenderUsesFallbackMethods(t *testing.T) {
	used := ""
	router := NewRouterSender(map[string]ChannelSender{
		"log": SenderFunc(func(context.Context, Payload) error {
			used = "log"
			return nil
		}),
	}, "log")
	if err := router.Send(context.Background(), Payload{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if used != "log" {
		t.Fatalf("expected fallback channel to be used")
	}
}

func TestRouterSenderHandsOfflineRecipientsToOfflineChannel(t *testing.T) {
	stream := NewStreamSender(nil)
	var offlineDeliveries []string
	offline := SenderFunc(func(_ context.Context, payload Payload) error {
		offlineDeliveries = append(offlineDeliveries, payload.UserID)
		return nil
	})
	broken := SenderFunc(func(context.Context, Payload) error {
		return apperr.Wrap(apperr.ErrDeliveryFailed, "gateway unavailable")
	})

	router := NewRouterSender(map[string]ChannelSender{"stream": stream, "webhook": broken}, "stream").WithOfflineChannel(offline)
	if err := router.Send(context.Background(), Payload{UserID: "user-1"}); err != nil {
		t.Fatalf("expected offline recipient to be accepted, got %v", err)
	}
	if len(offlineDeliveries) != 1 || offlineDeliveries[0] != "user-1" {
		t.Fatalf("unexpected offline deliveries %v", offlineDeliveries)
	}

	err := router.Send(context.Background(), Payload{UserID: "user-1", Methods: []string{"stream", "webhook"}})
	if !errors.Is(err, apperr.ErrDeliveryFailed) {
		t.Fatalf("expected a real channel fault to fail delivery, got %v", err)
	}
	if len(offlineDeliveries) != 1 {
		t.Fatalf("did not expect the offline channel after a channel fault, got %v", offlineDeliveries)
	}

	strict := NewRouterSender(map[string]ChannelSender{"stream": stream}, "stream")
	if err := strict.Send(context.Background(), Payload{UserID: "user-1"}); !errors.Is(err, ErrRecipientOffline) {
		t.Fatalf("expected offline failure without an offline channel, got %v", err)
	}
}

func TestRendererSingleEntry(t *testing.T) {
	testCases := []struct {
		name     string
		entry    Entry
		subject  string
		fragment string
	}{
		{
			name:     "request threshold",
			entry:    Entry{ID: "e-1", Type: TypeRequestThreshold, Data: []byte(`{"message_id":"m-1","unique_requestors":3}`)},
			subject:  "Note requested",
			fragment: "reached **3** note requests",
		},
		{
			name:     "published",
			entry:    Entry{ID: "e-2", Type: TypeNotePublished, Data: []byte(`{"note_id":"n-1","message_id":"m-1"}`)},
			subject:  "Note published",
			fragment: "Note `n-1` on message `m-1` is now visible.",
		},
		{
			name:     "rated helpful",
			entry:    Entry{ID: "e-3", Type: TypeNoteRated, Data: []byte(`{"note_id":"n-1","helpful":true}`)},
			subject:  "New rating",
			fragment: "was rated helpful.",
		},
		{
			name:     "rated not helpful",
			entry:    Entry{ID: "e-4", Type: TypeNoteRated, Data: []byte(`{"note_id":"n-1","helpful":false}`)},
			subject:  "New rating",
			fragment: "was rated not helpful.",
		},
		{
			name:     "status changed",
			entry:    Entry{ID: "e-5", Type: TypeNoteStatusChanged, Data: []byte(`{"note_id":"n-1","from":"visible","to":"hidden"}`)},
			subject:  "Note status changed",
			fragment: "moved from visible to **hidden**",
		},
		{
			name:     "milestone",
			entry:    Entry{ID: "e-6", Type: TypeNoteMilestone, Data: []byte(`{"note_id":"n-1","milestone":10}`)},
			subject:  "Rating milestone",
			fragment: "reached **10** ratings",
		},
		{
			name:     "flagged",
			entry:    Entry{ID: "e-7", Type: TypeModerationFlagged, Data: []byte(`{"item_type":"note","item_id":"n-1","flag_type":"spam"}`)},
			subject:  "Item flagged for review",
			fragment: "A note (`n-1`) was flagged as spam.",
		},
		{
			name:     "resolved",
			entry:    Entry{ID: "e-8", Type: TypeModerationResolved, Data: []byte(`{"item_type":"note","item_id":"n-1","outcome":"dismissed"}`)},
			subject:  "Flag resolved",
			fragment: "was dismissed.",
		},
	}

	renderer := NewRenderer()
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			payload, err := renderer.Render("user-1", []Entry{testCase.entry})
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if payload.Subject != testCase.subject {
				t.Fatalf("unexpected subject %q", payload.Subject)
			}
			if !strings.Contains(payload.Markdown, testCase.fragment) {
				t.Fatalf("expected %q in %q", testCase.fragment, payload.Markdown)
			}
		})
	}

	payload, err := renderer.Render("user-1", []Entry{testCases[0].entry})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(payload.HTML, "<strong>3</strong>") {
		t.Fatalf("unexpected html %q", payload.HTML)
	}
	if _, err := renderer.Render("user-1", nil); err == nil {
		t.Fatalf("expected error for empty entries")
	}
}
