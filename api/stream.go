package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const streamRefreshInterval = 30 * time.Second

// UpdateBroker tracks live stream subscribers per user and wakes them when a
// change for that user lands. The zero value is not usable; use
// NewUpdateBroker.
type UpdateBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewUpdateBroker() *UpdateBroker {
	return &UpdateBroker{subs: make(map[string]map[chan struct{}]struct{})}
}

func (b *UpdateBroker) subscribe(userID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan struct{}]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *UpdateBroker) unsubscribe(userID string, ch chan struct{}) {
	b.mu.Lock()
	if subs := b.subs[userID]; subs != nil {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subs, userID)
		}
	}
	b.mu.Unlock()
}

// Notify wakes every subscriber of the user without blocking.
func (b *UpdateBroker) Notify(userID string) {
	b.mu.Lock()
	for ch := range b.subs[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// streamTasks pushes the user's task snapshot over SSE. A fresh snapshot goes
// out on connect, on every change signal and on a periodic refresh tick, so a
// missed signal heals on the next tick.
func streamTasks(store Store, auth Authenticator, broker *UpdateBroker) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(authHeaderForRequest(c))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		ch := broker.subscribe(userID)
		defer broker.unsubscribe(userID, ch)

		ticker := time.NewTicker(streamRefreshInterval)
		defer ticker.Stop()

		for {
			if err := writeSnapshot(c, flusher, store, ctx, userID); err != nil {
				c.Logger().Error(err)
				if writeErr := writeStreamError(c, flusher); writeErr != nil {
					return writeErr
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ch:
			case <-ticker.C:
			}
		}
	}
}

func writeSnapshot(c echo.Context, flusher http.Flusher, store Store, ctx context.Context, userID string) error {
	tasks, err := store.FetchTasks(ctx, userID)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeStreamError keeps the connection open so the client retries on the
// next signal instead of reconnecting.
func writeStreamError(c echo.Context, flusher http.Flusher) error {
	if _, err := c.Response().Write([]byte("event: error\ndata: {}\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// SubscribeUpdates listens on the change channel and wakes stream subscribers
// of the affected user. It reconnects when the pubsub channel closes.
func SubscribeUpdates(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, broker *UpdateBroker) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var envelope struct {
					UserID string `json:"userId"`
				}
				if err := sonic.UnmarshalString(msg.Payload, &envelope); err != nil {
					logger.Errorf("unable to parse change envelope: %v", err)
					continue
				}
				if envelope.UserID == "" {
					continue
				}
				broker.Notify(envelope.UserID)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
