package storage

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"

	"taskwise-api/domain"
)

const (
	defaultQueueConcurrency = 4
	queuePerCPU             = 10
	maxQueueConcurrency     = 64
)

// queueClient is the subset of azqueue.QueueClient the store needs; tests
// substitute a fake.
type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage persists tasks and preferences in Azure Table Storage and appends
// change events to the change feed queue.
type Storage struct {
	taskTable        *aztables.Client
	prefsTable       *aztables.Client
	changeQueue      queueClient
	queueConcurrency int
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, prefsTable, changeQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, changeQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:        svc.NewClient(tasksTable),
		prefsTable:       svc.NewClient(prefsTable),
		changeQueue:      cq,
		queueConcurrency: queueConcurrencyForCPU(runtime.NumCPU()),
	}, nil
}

func queueConcurrencyForCPU(cpu int) int {
	if cpu <= 0 {
		return defaultQueueConcurrency
	}
	n := cpu * queuePerCPU
	if n > maxQueueConcurrency {
		return maxQueueConcurrency
	}
	return n
}

type taskEntity struct {
	aztables.Entity
	Title       string               `json:"Title"`
	Description string               `json:"Description"`
	Deadline    aztables.EDMDateTime `json:"Deadline"`
	Priority    string               `json:"Priority"`
	Category    string               `json:"Category"`
	Completed   bool                 `json:"Completed"`
	CreatedAt   aztables.EDMDateTime `json:"CreatedAt"`
}

func (e taskEntity) toTask() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		Title:       e.Title,
		Description: e.Description,
		Deadline:    time.Time(e.Deadline),
		Priority:    domain.Priority(e.Priority),
		Category:    e.Category,
		Completed:   e.Completed,
		CreatedAt:   time.Time(e.CreatedAt),
	}
}

// encodeTaskEntity builds the wire document. Datetime columns carry an EDM
// type annotation so the service stores them as native timestamps.
func encodeTaskEntity(userID string, t domain.Task) ([]byte, error) {
	ent := map[string]any{
		"PartitionKey":         userID,
		"RowKey":               t.ID,
		"Title":                t.Title,
		"Description":          t.Description,
		"Deadline":             t.Deadline.UTC().Format(time.RFC3339Nano),
		"Deadline@odata.type":  "Edm.DateTime",
		"Priority":             string(t.Priority),
		"Category":             t.Category,
		"Completed":            t.Completed,
		"CreatedAt":            t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"CreatedAt@odata.type": "Edm.DateTime",
	}
	return json.Marshal(ent)
}

// FetchTasks retrieves all tasks for the provided user, newest first.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toTask())
		}
	}
	// Table storage returns rows in key order; the read contract is creation
	// order, newest first.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// InsertTask persists a new task. The store assigns the id and createdAt and
// forces completed to false regardless of the input.
func (s *Storage) InsertTask(ctx context.Context, userID string, in domain.TaskInput) (domain.Task, error) {
	if err := in.Validate(); err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Deadline:    in.Deadline,
		Priority:    in.Priority,
		Category:    in.Category,
		Completed:   false,
		CreatedAt:   time.Now().UTC(),
	}
	payload, err := encodeTaskEntity(userID, task)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// ReplaceTask rewrites the mutable fields of an existing task. The id,
// createdAt and completed columns are never part of the write payload.
func (s *Storage) ReplaceTask(ctx context.Context, userID string, t domain.Task) error {
	if t.ID == "" {
		return domain.ErrMissingID
	}
	ent := map[string]any{
		"PartitionKey":        userID,
		"RowKey":              t.ID,
		"Title":               t.Title,
		"Description":         t.Description,
		"Deadline":            t.Deadline.UTC().Format(time.RFC3339Nano),
		"Deadline@odata.type": "Edm.DateTime",
		"Priority":            string(t.Priority),
		"Category":            t.Category,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	})
	return err
}

// SetCompleted writes only the completed flag.
func (s *Storage) SetCompleted(ctx context.Context, userID, id string, completed bool) error {
	if id == "" {
		return domain.ErrMissingID
	}
	ent := map[string]any{
		"PartitionKey": userID,
		"RowKey":       id,
		"Completed":    completed,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	})
	return err
}

// DeleteTask removes the record. Deleting an id the store no longer has is
// treated as success.
func (s *Storage) DeleteTask(ctx context.Context, userID, id string) error {
	if id == "" {
		return domain.ErrMissingID
	}
	_, err := s.taskTable.DeleteEntity(ctx, userID, id, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
	}
	return err
}

func decodePreferencesEntity(data []byte) (domain.Preferences, error) {
	var raw struct {
		SortOption     string `json:"SortOption"`
		StatusFilter   string `json:"StatusFilter"`
		CategoryFilter string `json:"CategoryFilter"`
		View           string `json:"View"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Preferences{}, err
	}
	return domain.Preferences{
		SortOption:     raw.SortOption,
		StatusFilter:   raw.StatusFilter,
		CategoryFilter: raw.CategoryFilter,
		View:           raw.View,
	}, nil
}

// FetchPreferences returns the user's saved dashboard defaults, or the
// built-in defaults when nothing was ever saved.
func (s *Storage) FetchPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	ent, err := s.prefsTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return domain.DefaultPreferences(), nil
		}
		return domain.Preferences{}, err
	}
	return decodePreferencesEntity(ent.Value)
}

// SavePreferences upserts the user's dashboard defaults.
func (s *Storage) SavePreferences(ctx context.Context, userID string, p domain.Preferences) error {
	ent := map[string]any{
		"PartitionKey":   userID,
		"RowKey":         userID,
		"SortOption":     p.SortOption,
		"StatusFilter":   p.StatusFilter,
		"CategoryFilter": p.CategoryFilter,
		"View":           p.View,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.prefsTable.UpsertEntity(ctx, payload, nil)
	return err
}

// EnqueueChanges appends the given events to the change feed, fanning the
// sends out over a bounded number of goroutines.
func (s *Storage) EnqueueChanges(ctx context.Context, userID string, events []domain.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	concurrency := s.queueConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(events) {
		concurrency = len(events)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, ev := range events {
		env := domain.ChangeEnvelope{UserID: userID, Event: ev}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(msg string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.changeQueue.EnqueueMessage(ctx, msg, nil); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(string(data))
	}

	wg.Wait()
	return firstErr
}
