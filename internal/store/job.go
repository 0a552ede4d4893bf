package store

import "time"

// Status is a Job's persisted lifecycle state (spec.md §3).
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStash     Status = "stash"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// CategoryProgress is one entry of a Job's progress map (spec.md §3).
type CategoryProgress struct {
	TotalPages     int  `json:"total_pages"`
	ProcessedPages int  `json:"processed_pages"`
	TotalCount     int  `json:"total_count"`
	ProcessedCount int  `json:"processed_count"`
	Completed      bool `json:"completed"`
}

// Job mirrors the Job row of spec.md §3.
type Job struct {
	ID       int64
	TaskID   string
	Name     string
	Polygon  string
	Priority int

	Status Status

	CurrentType *string
	CurrentPage int

	Progress map[string]CategoryProgress

	ResultFile string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StallWindow is the interval after which a running job with no heartbeat is
// considered reclaimable (spec.md GLOSSARY, §4.7).
const StallWindow = 5 * time.Minute

// DisplayStatus returns the job's status for external display, substituting
// "stalled" for "running" when the job has exceeded the stall window
// (spec.md §3 "derived display value `stalled`").
func (j *Job) DisplayStatus(now time.Time) string {
	if j.Status == StatusRunning && now.Sub(j.UpdatedAt) > StallWindow {
		return "stalled"
	}
	return string(j.Status)
}

// IsStalled reports whether the job is running but has not heartbeat within
// StallWindow relative to now.
func (j *Job) IsStalled(now time.Time) bool {
	return j.Status == StatusRunning && now.Sub(j.UpdatedAt) > StallWindow
}

// ResultFileFor builds the deterministic per-job result filename (spec.md §3
// "`result_file`: deterministic per-job filename (`<task_id>_poi.csv`)").
func ResultFileFor(taskID string) string {
	return taskID + "_poi.csv"
}
