package api

import (
	"context"
	"math"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskwise-api/domain"
)

// ChangeFeed is the durable sink for committed change events.
type ChangeFeed interface {
	EnqueueChanges(ctx context.Context, userID string, events []domain.ChangeEvent) error
}

type publishJob struct {
	userID string
	events []domain.ChangeEvent
}

// PublisherConfig tunes the change publisher worker pool.
type PublisherConfig struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
}

// PublisherConfigFromEnv reads pool settings from the environment.
func PublisherConfigFromEnv() PublisherConfig {
	cfg := PublisherConfig{
		Workers:        envInt("CHANGE_WORKERS", 16),
		Buffer:         envInt("CHANGE_BUFFER", 4096),
		EnqueueTimeout: envDur("CHANGE_ENQUEUE_TIMEOUT", 60*time.Second),
		HandoffTimeout: envDur("CHANGE_HANDOFF_TIMEOUT", 15*time.Millisecond),
		RetryInitial:   envDur("CHANGE_RETRY_INITIAL", 250*time.Millisecond),
		RetryMax:       envDur("CHANGE_RETRY_MAX", 30*time.Second),
		MaxAttempts:    envInt("CHANGE_MAX_ATTEMPTS", 5),
	}
	return cfg.withDefaults()
}

func (cfg PublisherConfig) withDefaults() PublisherConfig {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.Workers * 2
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return cfg
}

// ChangePublisher fans committed change events out to the durable feed and to
// the live update channel. Handoff to the pool never blocks the request path
// longer than the configured handoff timeout; on saturation the job is
// dispatched inline.
type ChangePublisher struct {
	feed    ChangeFeed
	redis   *redis.Client
	channel string
	cfg     PublisherConfig
	logger  *log.Logger

	jobs      chan publishJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewChangePublisher starts the worker pool. The redis client may be nil when
// live updates are not deployed.
func NewChangePublisher(feed ChangeFeed, rdb *redis.Client, channel string, cfg PublisherConfig, logger *log.Logger) *ChangePublisher {
	if feed == nil {
		panic("api: nil change feed")
	}
	if logger == nil {
		panic("Logger is not initialized")
	}
	cfg = cfg.withDefaults()

	p := &ChangePublisher{
		feed:    feed,
		redis:   rdb,
		channel: channel,
		cfg:     cfg,
		logger:  logger,
		jobs:    make(chan publishJob, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("change publisher started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		cfg.Workers, cfg.Buffer, cfg.EnqueueTimeout, cfg.HandoffTimeout)
	return p
}

// Publish hands the events to the pool, falling back to inline dispatch when
// the buffer stays saturated past the handoff timeout.
func (p *ChangePublisher) Publish(userID string, events []domain.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	job := publishJob{userID: userID, events: events}

	if p.trySend(job) {
		return
	}

	p.logger.Warn("publish buffer saturated; dispatching inline")
	p.dispatch(job)
}

// Close drains the pool. Publish must not be called after Close.
func (p *ChangePublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
	})
}

func (p *ChangePublisher) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.dispatch(job)
	}
}

// dispatch writes the events to the durable feed with retries, then signals
// live subscribers. The live signal is best effort.
func (p *ChangePublisher) dispatch(job publishJob) {
	var err error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(exponentialBackoff(attempt, p.cfg.RetryInitial, p.cfg.RetryMax))
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EnqueueTimeout)
		err = p.feed.EnqueueChanges(ctx, job.userID, job.events)
		cancel()
		if err == nil {
			break
		}
	}
	if err != nil {
		p.logger.Errorf("change feed write failed, err: %v, user: %s, count: %d", err, job.userID, len(job.events))
		return
	}

	if p.redis == nil || p.channel == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EnqueueTimeout)
	defer cancel()
	for _, ev := range job.events {
		data, merr := sonic.Marshal(domain.ChangeEnvelope{UserID: job.userID, Event: ev})
		if merr != nil {
			p.logger.Errorf("marshal change envelope: %v", merr)
			continue
		}
		if perr := p.redis.Publish(ctx, p.channel, data).Err(); perr != nil {
			p.logger.Errorf("publish change event: %v", perr)
		}
	}
}

func (p *ChangePublisher) trySend(job publishJob) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case p.jobs <- job:
		return true
	default:
	}

	if p.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(p.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case p.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDur(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
