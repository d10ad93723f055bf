package domain

import "time"

// AppStatus enumerates supervised process states.
type AppStatus string

const (
	AppStarting AppStatus = "starting"
	AppRunning  AppStatus = "running"
	AppStopping AppStatus = "stopping"
	AppStopped  AppStatus = "stopped"
	AppCrashed  AppStatus = "crashed"
	AppErrored  AppStatus = "errored"
)

// Usage is one resource sample of a running process.
type Usage struct {
	Memory    uint64    `json:"memory"`
	CPU       float64   `json:"cpu"`
	Timestamp time.Time `json:"timestamp"`
}

// LogLine is one captured line of application output.
type LogLine struct {
	ID     uint64    `json:"id"`
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// Application is a snapshot of a supervised deployable unit.
type Application struct {
	Name         string     `json:"name"`
	Status       AppStatus  `json:"status"`
	PID          int        `json:"pid"`
	Port         int        `json:"port"`
	DeploymentID string     `json:"deploymentId"`
	BuildType    BuildType  `json:"buildType"`
	Restarts     int        `json:"restarts"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	Usage        []Usage    `json:"usage"`
	Logs         []LogLine  `json:"logs"`
}
