package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskwise-api/domain"
)

type streamStore struct {
	mu     sync.Mutex
	tasks  []domain.Task
	called int
}

func (s *streamStore) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called++
	return s.tasks, nil
}

func (s *streamStore) FetchPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	return domain.DefaultPreferences(), nil
}

func (s *streamStore) SavePreferences(ctx context.Context, userID string, p domain.Preferences) error {
	return nil
}

func (s *streamStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.called
}

type flushRecorder struct{ *httptest.ResponseRecorder }

func (flushRecorder) Flush() {}

func TestUpdateBrokerNotifyWakesSubscriber(t *testing.T) {
	broker := NewUpdateBroker()
	ch := broker.subscribe("user1")

	broker.Notify("user1")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no signal received")
	}

	// Signals for other users must not leak.
	broker.Notify("user2")
	select {
	case <-ch:
		t.Fatal("received signal for another user")
	default:
	}

	broker.unsubscribe("user1", ch)
	broker.Notify("user1")
	select {
	case <-ch:
		t.Fatal("received signal after unsubscribe")
	default:
	}
}

func TestStreamTasksSendsSnapshotOnConnect(t *testing.T) {
	store := &streamStore{tasks: []domain.Task{{ID: "1", Title: "t"}}}
	broker := NewUpdateBroker()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/stream", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := flushRecorder{httptest.NewRecorder()}
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	c := e.NewContext(req, rec)

	errCh := make(chan error, 1)
	go func() { errCh <- streamTasks(store, mockAuth{}, broker)(c) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}

	data, _ := sonic.Marshal(store.tasks)
	expected := "data: " + string(data) + "\n\n"
	if rec.Body.String() != expected {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
}

func TestStreamTasksPushesOnNotify(t *testing.T) {
	store := &streamStore{tasks: []domain.Task{{ID: "1", Title: "t"}}}
	broker := NewUpdateBroker()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/stream", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := flushRecorder{httptest.NewRecorder()}
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	c := e.NewContext(req, rec)

	errCh := make(chan error, 1)
	go func() { errCh <- streamTasks(store, mockAuth{}, broker)(c) }()
	time.Sleep(100 * time.Millisecond)
	broker.Notify("user")
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}

	if got := store.calls(); got != 2 {
		t.Fatalf("expected 2 snapshots, got %d", got)
	}
	if got := strings.Count(rec.Body.String(), "data: "); got != 2 {
		t.Fatalf("expected 2 frames, got %d: %q", got, rec.Body.String())
	}
}

func TestStreamTasksUnauthorized(t *testing.T) {
	store := &streamStore{}
	broker := NewUpdateBroker()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/stream", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := streamTasks(store, denyAuth{}, broker)(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestSubscribeUpdatesNotifiesBroker(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	broker := NewUpdateBroker()
	ch := broker.subscribe("user1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		SubscribeUpdates(ctx, log.New(), rc, "task-changes", broker)
		close(done)
	}()
	// wait for subscription to start
	time.Sleep(50 * time.Millisecond)

	payload := `{"userId":"user1","event":{"id":"e1","taskId":"t1","type":"task-created","time":1}}`
	if err := rc.Publish(context.Background(), "task-changes", payload).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no signal received from subscription")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SubscribeUpdates did not exit")
	}
}
