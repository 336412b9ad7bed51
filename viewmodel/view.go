// Package viewmodel derives the presentation-ready projection of a task
// collection: filtered, sorted and aggregated. Build is a pure function of
// its inputs so the same snapshot and options always produce the same view.
package viewmodel

import (
	"math"
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"taskwise-api/domain"
)

// SortOption selects the ordering of the task list.
type SortOption string

const (
	SortDeadline SortOption = "deadline"
	SortPriority SortOption = "priority"
	SortTitle    SortOption = "title"
	SortCategory SortOption = "category"
	// SortCreated is the default: newest tasks first.
	SortCreated SortOption = "created"
)

// StatusFilter selects tasks by completion state.
type StatusFilter string

const (
	StatusAll        StatusFilter = "all"
	StatusCompleted  StatusFilter = "completed"
	StatusIncomplete StatusFilter = "incomplete"
)

// CategoryAll is the sentinel category filter that matches every task.
const CategoryAll = "all"

// Options are the view inputs besides the task collection itself.
type Options struct {
	Sort     SortOption
	Status   StatusFilter
	Category string
}

// ValidSort reports whether s names a known sort option. The empty string is
// accepted and treated as SortCreated.
func ValidSort(s SortOption) bool {
	switch s {
	case "", SortDeadline, SortPriority, SortTitle, SortCategory, SortCreated:
		return true
	}
	return false
}

// ValidStatus reports whether s names a known status filter. The empty string
// is accepted and treated as StatusAll.
func ValidStatus(s StatusFilter) bool {
	switch s {
	case "", StatusAll, StatusCompleted, StatusIncomplete:
		return true
	}
	return false
}

// Stats are the aggregates recomputed alongside every view.
type Stats struct {
	Total          int           `json:"total"`
	Completed      int           `json:"completed"`
	Incomplete     int           `json:"incomplete"`
	CompletionRate int           `json:"completionRate"`
	Overdue        int           `json:"overdue"`
	Upcoming       []domain.Task `json:"upcoming"`
	Categories     []string      `json:"categories"`
}

// View is the derived projection of a task snapshot.
type View struct {
	Tasks []domain.Task `json:"tasks"`
	Stats Stats         `json:"stats"`
}

const upcomingLimit = 3

// Build filters, sorts and aggregates tasks. It never mutates the input
// slice. Aggregates are computed over the whole snapshot, not the filtered
// subset, matching the dashboard cards which ignore the active filters.
func Build(tasks []domain.Task, opts Options, now time.Time) View {
	filtered := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if !matchStatus(t, opts.Status) {
			continue
		}
		if !matchCategory(t, opts.Category) {
			continue
		}
		filtered = append(filtered, t)
	}

	sortTasks(filtered, opts)

	return View{Tasks: filtered, Stats: buildStats(tasks, now)}
}

func matchStatus(t domain.Task, status StatusFilter) bool {
	switch status {
	case StatusCompleted:
		return t.Completed
	case StatusIncomplete:
		return !t.Completed
	}
	return true
}

// matchCategory excludes tasks without a category from any concrete category
// filter. There is deliberately no "uncategorized" bucket; only the "all"
// sentinel (or no filter) shows such tasks.
func matchCategory(t domain.Task, category string) bool {
	if category == "" || category == CategoryAll {
		return true
	}
	return t.Category == category
}

// timeMillis treats missing dates as the epoch so they compare low instead
// of failing.
func timeMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func sortTasks(tasks []domain.Task, opts Options) {
	coll := collate.New(language.Und)

	less := func(a, b domain.Task) bool {
		// With no status filter every incomplete task sorts ahead of every
		// completed one; the chosen key orders within each group.
		if (opts.Status == "" || opts.Status == StatusAll) && a.Completed != b.Completed {
			return !a.Completed
		}

		da, db := timeMillis(a.Deadline), timeMillis(b.Deadline)
		switch opts.Sort {
		case SortDeadline:
			return da < db
		case SortPriority:
			if a.Priority.Rank() != b.Priority.Rank() {
				return a.Priority.Rank() > b.Priority.Rank()
			}
			return da < db
		case SortTitle:
			return coll.CompareString(a.Title, b.Title) < 0
		case SortCategory:
			if c := coll.CompareString(a.Category, b.Category); c != 0 {
				return c < 0
			}
			return da < db
		}
		return timeMillis(a.CreatedAt) > timeMillis(b.CreatedAt)
	}

	sort.SliceStable(tasks, func(i, j int) bool { return less(tasks[i], tasks[j]) })
}

func buildStats(tasks []domain.Task, now time.Time) Stats {
	stats := Stats{Total: len(tasks)}

	upcoming := make([]domain.Task, 0, len(tasks))
	seen := make(map[string]struct{})
	categories := make([]string, 0, 4)

	for _, t := range tasks {
		if t.Completed {
			stats.Completed++
		} else {
			if t.Deadline.Before(now) {
				stats.Overdue++
			} else {
				upcoming = append(upcoming, t)
			}
		}
		if t.Category != "" {
			if _, ok := seen[t.Category]; !ok {
				seen[t.Category] = struct{}{}
				categories = append(categories, t.Category)
			}
		}
	}

	stats.Incomplete = stats.Total - stats.Completed
	if stats.Total > 0 {
		stats.CompletionRate = int(math.Round(float64(stats.Completed) / float64(stats.Total) * 100))
	}

	sort.SliceStable(upcoming, func(i, j int) bool {
		return timeMillis(upcoming[i].Deadline) < timeMillis(upcoming[j].Deadline)
	})
	if len(upcoming) > upcomingLimit {
		upcoming = upcoming[:upcomingLimit]
	}
	stats.Upcoming = upcoming

	coll := collate.New(language.Und)
	sort.Slice(categories, func(i, j int) bool {
		return coll.CompareString(categories[i], categories[j]) < 0
	})
	stats.Categories = append([]string{CategoryAll}, categories...)

	return stats
}
