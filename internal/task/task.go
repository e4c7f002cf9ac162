// Package task defines the task record shared by the store, the persistence layer and the workers.
// It contains status and priority definitions, id generation and serialization helpers.
package task

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type (
	TaskStatus string
	Task       struct {
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Type      string         `json:"task_type"`
		Status    TaskStatus     `json:"status"`
		Priority  int            `json:"priority"`
		Output    string         `json:"output"`
		Error     string         `json:"error"`
		CreatedAt time.Time      `json:"created_at"`
		UpdatedAt time.Time      `json:"updated_at"`
		Extra     map[string]any `json:"extra,omitempty"`
	}
)

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"

	// StatusInProgress is a legacy spelling of StatusRunning still found in old task files.
	StatusInProgress TaskStatus = "in_progress"
)

// DefaultPriority is used when the caller does not pick one. Lower values are served first.
const DefaultPriority = 5

// NewTask builds a pending task. The id is left to the caller, see FormatID.
func NewTask(id, name, taskType string, priority int, extra map[string]any, now time.Time) *Task {
	return &Task{
		ID:        id,
		Name:      name,
		Type:      taskType,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
		Extra:     extra,
	}
}

// FormatID renders the canonical {type}_{epoch_millis} task id.
func FormatID(taskType string, millis int64) string {
	return fmt.Sprintf("%s_%d", taskType, millis)
}

// Normalize folds legacy aliases into the canonical status set.
func (s TaskStatus) Normalize() TaskStatus {
	if s == StatusInProgress {
		return StatusRunning
	}
	return s
}

func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (t *Task) IsPending() bool {
	return t.Status == StatusPending
}

// Clone returns a copy that does not share the Extra map.
func (t *Task) Clone() *Task {
	c := *t
	if t.Extra != nil {
		c.Extra = make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// StringField reads a string keyword field from Extra.
func (t *Task) StringField(key string) (string, bool) {
	v, ok := t.Extra[key].(string)
	return v, ok
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}

// UnixSeconds converts a timestamp to the float seconds stored on disk.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds, at microsecond precision.
func FromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}
