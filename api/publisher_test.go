package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskwise-api/domain"
)

type mockFeed struct {
	mu      sync.Mutex
	batches [][]domain.ChangeEvent
	failFor int
	calls   int
}

func (f *mockFeed) EnqueueChanges(ctx context.Context, userID string, events []domain.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFor {
		return errors.New("queue unavailable")
	}
	f.batches = append(f.batches, events)
	return nil
}

func (f *mockFeed) Batches() [][]domain.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]domain.ChangeEvent, len(f.batches))
	copy(out, f.batches)
	return out
}

func waitForBatches(t *testing.T, feed *mockFeed, expected int) [][]domain.ChangeEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		batches := feed.Batches()
		if len(batches) >= expected {
			return batches
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d batches, got %d", expected, len(batches))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Workers:        2,
		Buffer:         8,
		EnqueueTimeout: time.Second,
		HandoffTimeout: 10 * time.Millisecond,
		RetryInitial:   time.Millisecond,
		RetryMax:       5 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func TestChangePublisherDeliversToFeed(t *testing.T) {
	feed := &mockFeed{}
	p := NewChangePublisher(feed, nil, "", testPublisherConfig(), log.New())
	defer p.Close()

	events := []domain.ChangeEvent{{ID: "e1", TaskID: "t1", Type: domain.TaskCreated, Time: 1}}
	p.Publish("user-1", events)

	batches := waitForBatches(t, feed, 1)
	if len(batches[0]) != 1 || batches[0][0].ID != "e1" {
		t.Fatalf("unexpected batch: %#v", batches[0])
	}
}

func TestChangePublisherRetriesFeedFailures(t *testing.T) {
	feed := &mockFeed{failFor: 2}
	p := NewChangePublisher(feed, nil, "", testPublisherConfig(), log.New())
	defer p.Close()

	p.Publish("user-1", []domain.ChangeEvent{{ID: "e1", Type: domain.TaskDeleted}})

	waitForBatches(t, feed, 1)
}

func TestChangePublisherPublishesEnvelope(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sub := client.Subscribe(context.Background(), "task-changes")
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	feed := &mockFeed{}
	p := NewChangePublisher(feed, client, "task-changes", testPublisherConfig(), log.New())
	defer p.Close()

	p.Publish("user-1", []domain.ChangeEvent{{ID: "e1", TaskID: "t1", Type: domain.TaskCompleted, Time: 7}})

	select {
	case msg := <-sub.Channel():
		var envelope domain.ChangeEnvelope
		if err := sonic.UnmarshalString(msg.Payload, &envelope); err != nil {
			t.Fatalf("invalid envelope: %v", err)
		}
		if envelope.UserID != "user-1" || envelope.Event.Type != domain.TaskCompleted {
			t.Fatalf("unexpected envelope: %#v", envelope)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for published envelope")
	}
}

func TestChangePublisherDropsEmptyBatch(t *testing.T) {
	feed := &mockFeed{}
	p := NewChangePublisher(feed, nil, "", testPublisherConfig(), log.New())
	defer p.Close()

	p.Publish("user-1", nil)

	time.Sleep(20 * time.Millisecond)
	if len(feed.Batches()) != 0 {
		t.Fatal("expected no batches for empty publish")
	}
}

func TestExponentialBackoffBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second

	if got := exponentialBackoff(0, initial, max); got != initial {
		t.Fatalf("attempt 0: got %v, want %v", got, initial)
	}
	for attempt := 1; attempt <= 10; attempt++ {
		got := exponentialBackoff(attempt, initial, max)
		if got < 0 || got > max+max/5 {
			t.Fatalf("attempt %d out of bounds: %v", attempt, got)
		}
	}
}
