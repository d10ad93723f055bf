package domain

import "time"

// JobStatus enumerates queue states.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobPayload describes what a build worker must do.
type JobPayload struct {
	Repository   string `json:"repository"`
	CommitRef    string `json:"commitRef"`
	DeploymentID string `json:"deploymentId"`
}

// Job is a queued unit of build work for one application.
type Job struct {
	ID          string
	Application string
	Payload     JobPayload
	Status      JobStatus
	Priority    int
	Attempts    int
	LastError   string
	AvailableAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobFailure records a failed attempt. Retry puts the job back in the queue,
// claimable no earlier than NotBefore.
type JobFailure struct {
	ID        string
	Reason    string
	Retry     bool
	NotBefore time.Time
}
