package domain

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Priority classifies how urgent a task is.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank maps a priority to its sort weight. Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

const (
	maxTitleLen       = 100
	maxDescriptionLen = 1000
	maxCategoryLen    = 50
)

var (
	// ErrMissingID marks a write that targets a task without an identifier.
	// It is raised locally, before anything is sent to storage.
	ErrMissingID = errors.New("task id is missing")

	errTitleRequired   = errors.New("title is required")
	errTitleTooLong    = errors.New("title exceeds 100 characters")
	errDescTooLong     = errors.New("description exceeds 1000 characters")
	errCategoryTooLong = errors.New("category exceeds 50 characters")
	errDeadlineMissing = errors.New("deadline is required")
	errBadPriority     = errors.New("priority must be low, medium or high")
)

// Task is a single trackable to-do item in the read model.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Deadline    time.Time `json:"deadline"`
	Priority    Priority  `json:"priority"`
	Category    string    `json:"category,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TaskInput carries the user-editable fields of a task. The store assigns
// id and createdAt and forces completed to false on creation.
type TaskInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Deadline    time.Time `json:"deadline"`
	Priority    Priority  `json:"priority"`
	Category    string    `json:"category,omitempty"`
}

// Validate checks field presence and length limits.
func (in TaskInput) Validate() error {
	if in.Title == "" {
		return errTitleRequired
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLen {
		return errTitleTooLong
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLen {
		return errDescTooLong
	}
	if utf8.RuneCountInString(in.Category) > maxCategoryLen {
		return errCategoryTooLong
	}
	if in.Deadline.IsZero() {
		return errDeadlineMissing
	}
	if !in.Priority.Valid() {
		return errBadPriority
	}
	return nil
}
