package models

import "time"

// SchedulerState is the state of the upload scheduler.
type SchedulerState string

const (
	SchedulerIdle              SchedulerState = "idle"
	SchedulerProcessing        SchedulerState = "processing"
	SchedulerWaitingForNetwork SchedulerState = "waiting_for_network"
	SchedulerRateLimited       SchedulerState = "rate_limited"
	SchedulerPaused            SchedulerState = "paused"
)

// UploadResult aggregates the outcome of one flush.
type UploadResult struct {
	SuccessCount     int           `json:"success_count"`
	FailedCount      int           `json:"failed_count"`
	Errors           []string      `json:"errors,omitempty"`
	Duration         time.Duration `json:"duration"`
	Batches          int           `json:"batches"`
	Expired          bool          `json:"expired,omitempty"`
	Cancelled        bool          `json:"cancelled,omitempty"`
	RateLimitedUntil *time.Time    `json:"rate_limited_until,omitempty"`
}

// StateChange describes one scheduler transition.
type StateChange struct {
	From  SchedulerState `json:"from"`
	To    SchedulerState `json:"to"`
	Until *time.Time     `json:"until,omitempty"`
	At    time.Time      `json:"at"`
}

// SchedulerStatus is the observable state exposed to the UI layer.
type SchedulerStatus struct {
	State            SchedulerState `json:"state" yaml:"state"`
	RateLimitedUntil *time.Time     `json:"rate_limited_until,omitempty" yaml:"rate_limited_until,omitempty"`
	PendingCount     int64          `json:"pending_count" yaml:"pending_count"`
	LastError        string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastResult       *UploadResult  `json:"last_result,omitempty" yaml:"last_result,omitempty"`
	NextAttemptAt    *time.Time     `json:"next_attempt_at,omitempty" yaml:"next_attempt_at,omitempty"`
}

// QueueStats counts events per state.
type QueueStats struct {
	Pending    int64 `json:"pending" yaml:"pending"`
	Uploading  int64 `json:"uploading" yaml:"uploading"`
	Processed  int64 `json:"processed" yaml:"processed"`
	DeadLetter int64 `json:"dead_letter" yaml:"dead_letter"`
}
