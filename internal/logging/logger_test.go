package logging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	logger := New("test-service")
	if logger.service != "test-service" {
		t.Errorf("New() service = %q, want %q", logger.service, "test-service")
	}
}

func TestPlainEntry(t *testing.T) {
	logger := New("newscourier-worker")
	before := time.Now().UTC()
	entry := logger.Plain()
	after := time.Now().UTC()

	if entry.Service != "newscourier-worker" {
		t.Errorf("Plain() Service = %q, want %q", entry.Service, "newscourier-worker")
	}
	if entry.Time.Before(before) || entry.Time.After(after) {
		t.Errorf("Plain() Time %v not between %v and %v", entry.Time, before, after)
	}
}

func TestFluentFields(t *testing.T) {
	entry := New("svc").Plain().
		WithIssue("issue-1").
		WithTask(42).
		WithSubscriber("reader@example.com").
		WithWorker("worker-a").
		WithField("attempt", 3)

	if entry.IssueID != "issue-1" {
		t.Errorf("IssueID = %q, want %q", entry.IssueID, "issue-1")
	}
	if entry.TaskID != 42 {
		t.Errorf("TaskID = %d, want 42", entry.TaskID)
	}
	if entry.Subscriber != "reader@example.com" {
		t.Errorf("Subscriber = %q, want %q", entry.Subscriber, "reader@example.com")
	}
	if entry.WorkerID != "worker-a" {
		t.Errorf("WorkerID = %q, want %q", entry.WorkerID, "worker-a")
	}
	if entry.Fields["attempt"] != 3 {
		t.Errorf("Fields[attempt] = %v, want 3", entry.Fields["attempt"])
	}
}

func TestWithError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField bool
	}{
		{"records error message", errors.New("gateway timeout"), true},
		{"nil error adds nothing", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("svc").Plain().WithError(tt.err)
			_, ok := entry.Fields["error"]
			if ok != tt.wantField {
				t.Errorf("WithError(%v) field present = %v, want %v", tt.err, ok, tt.wantField)
			}
			if tt.wantField && entry.Fields["error"] != tt.err.Error() {
				t.Errorf("Fields[error] = %v, want %q", entry.Fields["error"], tt.err.Error())
			}
		})
	}
}

func TestWithFieldsMerges(t *testing.T) {
	entry := New("svc").WithFields(map[string]any{"a": 1}).WithFields(map[string]any{"b": 2})
	if entry.Fields["a"] != 1 || entry.Fields["b"] != 2 {
		t.Errorf("WithFields merge produced %v", entry.Fields)
	}
}

func TestWithContextWithoutTrace(t *testing.T) {
	entry := New("svc").WithContext(context.Background())
	if entry.TraceID != "" {
		t.Errorf("WithContext() TraceID = %q, want empty without active span", entry.TraceID)
	}
}

func TestEntrySerializesToJSON(t *testing.T) {
	entry := LogEntry{
		Time:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   LevelInfo,
		Message: "task delivered",
		Service: "newscourier-worker",
		IssueID: "issue-1",
		TaskID:  7,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("json.Marshal error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal error: %v", err)
	}
	if decoded["msg"] != "task delivered" {
		t.Errorf("msg = %v, want %q", decoded["msg"], "task delivered")
	}
	if decoded["issue_id"] != "issue-1" {
		t.Errorf("issue_id = %v, want %q", decoded["issue_id"], "issue-1")
	}
	if _, present := decoded["subscriber"]; present {
		t.Error("empty subscriber should be omitted from JSON")
	}
}
