// Package mutate coordinates task writes so the cached view, the durable
// store and the change feed stay consistent with each other. Completion
// toggles are applied to the cached snapshot before the store confirms the
// write and rolled back to the prior snapshot when it does not.
package mutate

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskwise-api/domain"
)

// ErrDuplicate reports that a mutation carrying an idempotency key was
// already accepted.
var ErrDuplicate = errors.New("duplicate mutation")

// Store is the durable task store the orchestrator writes through.
type Store interface {
	InsertTask(ctx context.Context, userID string, in domain.TaskInput) (domain.Task, error)
	ReplaceTask(ctx context.Context, userID string, t domain.Task) error
	SetCompleted(ctx context.Context, userID, id string, completed bool) error
	DeleteTask(ctx context.Context, userID, id string) error
}

// SnapshotCache holds the per-user task snapshot that readers see between
// store round trips.
type SnapshotCache interface {
	SnapshotTasks(ctx context.Context, userID string) ([]domain.Task, bool)
	StoreTasks(ctx context.Context, userID string, tasks []domain.Task)
	Invalidate(ctx context.Context, userID string)
}

// Publisher fans committed change events out to live subscribers.
type Publisher interface {
	Publish(userID string, events []domain.ChangeEvent)
}

// Deduper tracks idempotency keys for create requests.
type Deduper interface {
	// Add records the key and reports whether it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove releases a previously added key after a failed write.
	Remove(ctx context.Context, userID, key string) error
}

type mutationState int

const (
	statePending mutationState = iota
	stateCommitted
	stateRolledBack
)

func (s mutationState) String() string {
	switch s {
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled-back"
	default:
		return "pending"
	}
}

// mutation is one in-flight write. It starts pending and ends exactly once,
// either committed or rolled back.
type mutation struct {
	kind   string
	userID string
	taskID string
	state  mutationState

	// prior holds the cached snapshot captured before an optimistic apply.
	// Nil when the mutation had no optimistic phase.
	prior    []domain.Task
	hadPrior bool
}

// Orchestrator runs task mutations through a pending, committed or
// rolled-back lifecycle.
type Orchestrator struct {
	store     Store
	cache     SnapshotCache
	publisher Publisher
	deduper   Deduper
	now       func() int64
}

// New wires an orchestrator. publisher and deduper may be nil when the
// corresponding stage is not deployed.
func New(store Store, cache SnapshotCache, publisher Publisher, deduper Deduper) *Orchestrator {
	if store == nil {
		panic("mutate: nil store")
	}
	if cache == nil {
		panic("mutate: nil cache")
	}
	return &Orchestrator{
		store:     store,
		cache:     cache,
		publisher: publisher,
		deduper:   deduper,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Add creates a task. A non-empty idempotency key is registered before the
// store write and released again when the write fails, so a retry with the
// same key succeeds.
func (o *Orchestrator) Add(ctx context.Context, userID, idemKey string, in domain.TaskInput) (domain.Task, error) {
	m := &mutation{kind: "add", userID: userID, state: statePending}

	if idemKey != "" && o.deduper != nil {
		added, err := o.deduper.Add(ctx, userID, idemKey)
		if err != nil {
			return domain.Task{}, err
		}
		if !added {
			return domain.Task{}, ErrDuplicate
		}
	}

	task, err := o.store.InsertTask(ctx, userID, in)
	if err != nil {
		if idemKey != "" && o.deduper != nil {
			if rmErr := o.deduper.Remove(ctx, userID, idemKey); rmErr != nil {
				log.WithFields(log.Fields{"userId": userID, "key": idemKey}).
					Warnf("failed to release idempotency key: %v", rmErr)
			}
		}
		o.rollback(ctx, m)
		return domain.Task{}, err
	}

	m.taskID = task.ID
	o.commit(ctx, m, o.event(domain.TaskCreated, task))
	return task, nil
}

// Update replaces the mutable fields of a task.
func (o *Orchestrator) Update(ctx context.Context, userID string, t domain.Task) error {
	m := &mutation{kind: "update", userID: userID, taskID: t.ID, state: statePending}

	if err := o.store.ReplaceTask(ctx, userID, t); err != nil {
		o.rollback(ctx, m)
		return err
	}

	o.commit(ctx, m, o.event(domain.TaskUpdated, t))
	return nil
}

// Toggle flips a task's completion state. The cached snapshot is flipped
// first so readers observe the change immediately; a store failure restores
// the exact prior snapshot.
func (o *Orchestrator) Toggle(ctx context.Context, userID, taskID string, completed bool) error {
	if taskID == "" {
		return domain.ErrMissingID
	}
	m := &mutation{kind: "toggle", userID: userID, taskID: taskID, state: statePending}

	if prior, ok := o.cache.SnapshotTasks(ctx, userID); ok {
		m.prior = prior
		m.hadPrior = true
		o.cache.StoreTasks(ctx, userID, flipCompleted(prior, taskID, completed))
	}

	if err := o.store.SetCompleted(ctx, userID, taskID, completed); err != nil {
		o.rollback(ctx, m)
		return err
	}

	eventType := domain.TaskCompleted
	if !completed {
		eventType = domain.TaskReopened
	}
	o.commit(ctx, m, o.event(eventType, domain.Task{ID: taskID, Completed: completed}))
	return nil
}

// Delete removes a task. Deleting an already absent task commits cleanly.
func (o *Orchestrator) Delete(ctx context.Context, userID, taskID string) error {
	if taskID == "" {
		return domain.ErrMissingID
	}
	m := &mutation{kind: "delete", userID: userID, taskID: taskID, state: statePending}

	if err := o.store.DeleteTask(ctx, userID, taskID); err != nil {
		o.rollback(ctx, m)
		return err
	}

	o.commit(ctx, m, o.event(domain.TaskDeleted, domain.Task{ID: taskID}))
	return nil
}

// commit ends the mutation: the snapshot is dropped so the next read sees
// the store, and the change event goes out to subscribers.
func (o *Orchestrator) commit(ctx context.Context, m *mutation, ev domain.ChangeEvent) {
	m.state = stateCommitted
	o.cache.Invalidate(ctx, m.userID)
	if o.publisher != nil {
		o.publisher.Publish(m.userID, []domain.ChangeEvent{ev})
	}
	log.WithFields(log.Fields{
		"userId": m.userID,
		"taskId": m.taskID,
		"kind":   m.kind,
		"state":  m.state.String(),
	}).Debug("mutation finished")
}

// rollback ends the mutation without publishing. An optimistic apply is
// undone by restoring the snapshot captured before it.
func (o *Orchestrator) rollback(ctx context.Context, m *mutation) {
	m.state = stateRolledBack
	if m.hadPrior {
		o.cache.StoreTasks(ctx, m.userID, m.prior)
	}
	log.WithFields(log.Fields{
		"userId": m.userID,
		"taskId": m.taskID,
		"kind":   m.kind,
		"state":  m.state.String(),
	}).Warn("mutation rolled back")
}

func (o *Orchestrator) event(eventType string, t domain.Task) domain.ChangeEvent {
	data, err := sonic.Marshal(t)
	if err != nil {
		data = nil
	}
	return domain.ChangeEvent{
		ID:     uuid.NewString(),
		TaskID: t.ID,
		Type:   eventType,
		Data:   data,
		Time:   o.now(),
	}
}

func flipCompleted(tasks []domain.Task, taskID string, completed bool) []domain.Task {
	next := make([]domain.Task, len(tasks))
	copy(next, tasks)
	for i := range next {
		if next[i].ID == taskID {
			next[i].Completed = completed
			break
		}
	}
	return next
}
