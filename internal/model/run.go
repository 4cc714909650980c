package model

import "time"

// Run is the persisted record of one batch.
type Run struct {
	ID         string     `json:"id"`
	Direction  string     `json:"direction"`
	Mode       string     `json:"mode"`
	Date       string     `json:"date,omitempty"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskResult is the persisted outcome of one task within a run.
type TaskResult struct {
	RunID     string             `json:"run_id"`
	PackageID string             `json:"package_id"`
	Label     string             `json:"label"`
	State     TaskState          `json:"state"`
	Objects   []ProcessingObject `json:"objects"`
	CreatedAt time.Time          `json:"created_at"`
}

// ActionLine is one persisted line of a run's action log.
type ActionLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Tag       string    `json:"tag"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
