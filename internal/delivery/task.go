package delivery

import (
	"time"

	"github.com/google/uuid"
)

// Status is a delivery task's position in its state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusTerminal   Status = "failed_terminal"
)

// Task is one subscriber's pending copy of one newsletter issue. Exactly one
// row exists per (issue, subscriber) pair; the table constraint enforces it.
type Task struct {
	ID              int64
	IssueID         uuid.UUID
	SubscriberEmail string
	Status          Status
	Attempt         int
	LockedBy        string
	NextAttemptAt   time.Time
	LastError       string
}

// IssueContent is the rendered newsletter body a task delivers.
type IssueContent struct {
	Title    string
	HTMLBody string
	TextBody string
}
