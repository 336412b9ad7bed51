package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func validInput() TaskInput {
	return TaskInput{
		Title:    "Write essay",
		Deadline: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		Priority: PriorityHigh,
		Category: "Writing",
	}
}

func TestTaskInputValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TaskInput)
		want   error
	}{
		{name: "valid", mutate: func(*TaskInput) {}, want: nil},
		{name: "missing title", mutate: func(in *TaskInput) { in.Title = "" }, want: errTitleRequired},
		{name: "title too long", mutate: func(in *TaskInput) { in.Title = strings.Repeat("x", 101) }, want: errTitleTooLong},
		{name: "title at limit", mutate: func(in *TaskInput) { in.Title = strings.Repeat("x", 100) }, want: nil},
		{name: "description too long", mutate: func(in *TaskInput) { in.Description = strings.Repeat("d", 1001) }, want: errDescTooLong},
		{name: "category too long", mutate: func(in *TaskInput) { in.Category = strings.Repeat("c", 51) }, want: errCategoryTooLong},
		{name: "missing deadline", mutate: func(in *TaskInput) { in.Deadline = time.Time{} }, want: errDeadlineMissing},
		{name: "bad priority", mutate: func(in *TaskInput) { in.Priority = "urgent" }, want: errBadPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			if got := in.Validate(); got != tt.want {
				t.Fatalf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityHigh.Rank() <= PriorityMedium.Rank() || PriorityMedium.Rank() <= PriorityLow.Rank() {
		t.Fatal("expected high > medium > low")
	}
	if Priority("urgent").Rank() != 0 {
		t.Fatalf("unknown priority should rank 0, got %d", Priority("urgent").Rank())
	}
}

func TestTaskMarshalIncludesCompletedFalse(t *testing.T) {
	task := Task{ID: "t1", Title: "Title", Priority: PriorityLow}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	if !strings.Contains(string(payload), "\"completed\":false") {
		t.Fatalf("expected completed field to be present, got %s", payload)
	}
}
