package notify_test

import (
	"context"
	"testing"
	"time"

	"dossierflow/internal/domain"
	"dossierflow/internal/notify"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := notify.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", b.SubscriberCount())
	}

	b.Publish(notify.Event{DossierID: "d1", Type: "dossier.soumis", ToStatus: domain.StatusEnAttente})
	select {
	case evt := <-ch:
		if evt.DossierID != "d1" || evt.Type != "dossier.soumis" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerUnsubscribeOnContextEnd(t *testing.T) {
	b := notify.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if b.SubscriberCount() != 0 {
					t.Fatalf("subscriber count = %d after cancel", b.SubscriberCount())
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancel")
		}
	}
}

func TestBrokerDropsWhenSubscriberSlow(t *testing.T) {
	b := notify.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Subscribe(ctx)

	// Fill the buffer and keep publishing; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			b.Publish(notify.Event{DossierID: "d1", Type: "dossier.paye"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer should be full, got %d of %d", len(ch), cap(ch))
	}
}
