// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package icon holds the core types shared by the icon generation
// pipeline: the persisted job record, its lifecycle status, and the
// progress events published on terminal transitions.
package icon

import (
	"time"
)

// Status describes where an icon job is in its lifecycle.
type Status string

const (
	// StatusPending indicates the job has been accepted but no terminal
	// outcome has been recorded yet.
	StatusPending Status = "pending"

	// StatusGenerated indicates the artwork was generated and uploaded;
	// the job's URL field holds the object store key.
	StatusGenerated Status = "generated"

	// StatusFailed indicates generation or upload failed; the job's
	// Error field holds the reason.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status admits no further automatic
// transition. A terminal job only moves again via an explicit reset.
func (s Status) Terminal() bool {
	return s == StatusGenerated || s == StatusFailed
}

// Valid reports whether the status is one of the enumerated values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusGenerated, StatusFailed:
		return true
	}
	return false
}

// Job is the persisted record tracking one artwork generation attempt.
type Job struct {
	// ID is an opaque identifier, stable for the job's lifetime.
	ID string

	// SourceText is the reflection text the artwork is generated from.
	SourceText string

	// Status is the job's lifecycle state.
	Status Status

	// URL is the object store key of the generated artwork. Non-empty
	// iff the job is generated.
	URL string

	// Error holds the failure reason for a failed job, empty otherwise.
	Error string

	// Bypass excludes a failed job from the automatic retry sweep. It
	// is set only by explicit operator action and never cleared
	// automatically.
	Bypass bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProgressEvent is published on the process hub once per terminal
// transition of a job. Subscribers that attach after the event was
// published fall back to reading the persisted job.
type ProgressEvent struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status"`
	URL    string `json:"url"`
}

// ProgressTopic returns the hub topic carrying progress events for the
// given job.
func ProgressTopic(jobID string) string {
	return "icon.progress." + jobID
}
