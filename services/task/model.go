package task

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusAsyncWaiting Status = "async_waiting"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseStatus(v string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(v))); s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusAsyncWaiting:
		return s, nil
	default:
		return "", fmt.Errorf("unknown status %q", v)
	}
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRanks = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank orders priorities for claiming; higher ranks are claimed first.
func (p Priority) Rank() int {
	return priorityRanks[p]
}

// ParsePriority defaults an empty value to normal.
func ParsePriority(v string) (Priority, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return PriorityNormal, nil
	}
	p := Priority(v)
	if _, ok := priorityRanks[p]; !ok {
		return "", fmt.Errorf("unknown priority %q", v)
	}
	return p, nil
}

// Task is one unit of externally executed work.
type Task struct {
	ID                string            `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Command           string            `gorm:"column:command;type:varchar(100);not null;index" json:"command"`
	Origin            string            `gorm:"column:origin;type:varchar(255)" json:"origin"`
	Status            Status            `gorm:"column:status;type:varchar(20);not null;default:'pending';index:idx_colony_tasks_claim,priority:1" json:"status"`
	Priority          Priority          `gorm:"column:priority;type:varchar(10);not null;default:'normal'" json:"priority"`
	PriorityRank      int               `gorm:"column:priority_rank;not null;default:1;index:idx_colony_tasks_claim,priority:2" json:"-"`
	Metadata          datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	Result            datatypes.JSONMap `gorm:"column:result" json:"result,omitempty"`
	Error             *string           `gorm:"column:error;type:text" json:"error,omitempty"`
	WorkerID          *string           `gorm:"column:worker_id;type:varchar(100)" json:"worker_id,omitempty"`
	StartedAt         *time.Time        `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time        `gorm:"column:completed_at" json:"completed_at,omitempty"`
	LastHeartbeat     *time.Time        `gorm:"column:last_heartbeat" json:"last_heartbeat,omitempty"`
	ExternalRequestID *string           `gorm:"column:external_request_id;type:varchar(255);index" json:"external_request_id,omitempty"`
	RetryCount        int               `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	CreatedAt         time.Time         `gorm:"column:created_at;not null;index:idx_colony_tasks_claim,priority:3" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Task) TableName() string {
	return "colony_tasks"
}

type EnqueueRequest struct {
	Command  string         `json:"command"`
	Origin   string         `json:"origin"`
	Priority string         `json:"priority"`
	Metadata map[string]any `json:"metadata"`
}

type ListFilter struct {
	Status   string `form:"status"`
	Priority string `form:"priority"`
	Command  string `form:"command"`
	Limit    int    `form:"limit"`
	Cursor   string `form:"cursor"`
}

type StatusCount struct {
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
	Count    int64    `json:"count"`
}

// SweepResult summarizes one detector pass.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Requeued  int `json:"requeued"`
	Abandoned int `json:"abandoned"`
	Expired   int `json:"expired"`
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
