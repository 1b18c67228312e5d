// Package tasks supervises long-running detached commands: spawning,
// log capture, liveness tracking, stopping, and cleanup. One JSON
// metadata file and one append-only log file persist per task.
package tasks

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// Status is the lifecycle state of a background task. A task leaves
// running at most once; all other states are terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed || s == StatusCompleted
}

// Task is the persisted record of one detached OS process.
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Command   string     `json:"command"`
	Dir       string     `json:"cwd"`
	PID       int        `json:"pid"`
	Status    Status     `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	LogFile   string     `json:"logFile"`
}

// newTaskID builds an id from a time component plus random bytes. IDs
// are filename-safe and double as external references.
func newTaskID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic("tasks: crypto/rand failed: " + err.Error())
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + hex.EncodeToString(buf)
}
