package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition indicates a deployment status change that would move backwards.
var ErrInvalidTransition = errors.New("domain: invalid deployment transition")

// DeploymentStatus enumerates the lifecycle of a deployment attempt.
type DeploymentStatus string

const (
	DeploymentPending  DeploymentStatus = "pending"
	DeploymentBuilding DeploymentStatus = "building"
	DeploymentLive     DeploymentStatus = "live"
	DeploymentFailed   DeploymentStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentLive || s == DeploymentFailed
}

// Deployment captures a single build-and-run attempt for an application.
type Deployment struct {
	ID          string
	Application string
	Repository  string
	CommitRef   string
	Status      DeploymentStatus
	BuildType   BuildType
	Message     string
	Requests    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeploymentUpdate captures a status change for a deployment. An empty
// BuildType leaves the stored value unchanged.
type DeploymentUpdate struct {
	ID        string
	Status    DeploymentStatus
	Message   string
	BuildType BuildType
}

// Transition validates a status change. Pending may also fail directly when
// the job is abandoned before a worker picks it up.
func Transition(from, to DeploymentStatus) error {
	switch from {
	case DeploymentPending:
		if to == DeploymentBuilding || to == DeploymentFailed {
			return nil
		}
	case DeploymentBuilding:
		if to == DeploymentLive || to == DeploymentFailed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// BuildType selects how a checked-out commit is built and run.
type BuildType string

const (
	BuildContainer BuildType = "container"
	BuildNode      BuildType = "node"
	BuildStatic    BuildType = "static"
)
