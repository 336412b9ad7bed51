package api

import (
	"context"

	"taskwise-api/ai"
	"taskwise-api/domain"
)

// Store abstracts persistence for handlers.
type Store interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	FetchPreferences(ctx context.Context, userID string) (domain.Preferences, error)
	SavePreferences(ctx context.Context, userID string, p domain.Preferences) error
}

// Mutator runs task writes.
type Mutator interface {
	Add(ctx context.Context, userID, idemKey string, in domain.TaskInput) (domain.Task, error)
	Update(ctx context.Context, userID string, t domain.Task) error
	Toggle(ctx context.Context, userID, taskID string, completed bool) error
	Delete(ctx context.Context, userID, taskID string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Breakdowner suggests sub-tasks for a task.
type Breakdowner interface {
	Breakdown(ctx context.Context, in ai.BreakdownInput) (ai.BreakdownResult, error)
}
