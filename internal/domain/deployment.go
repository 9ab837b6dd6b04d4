package domain

import "time"

// Status is the closed set of deployment states.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Statuses lists every status in typical progression order.
var Statuses = []Status{StatusScheduled, StatusReady, StatusRunning, StatusSuccess, StatusFailed, StatusSkipped}

// Valid reports whether s belongs to the closed set.
func (s Status) Valid() bool {
	for _, candidate := range Statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// Predecessors lists the states a status row may be advanced from into s.
// Terminal states have no successors, so a row never moves backward.
func (s Status) Predecessors() []Status {
	switch s {
	case StatusReady:
		return []Status{StatusScheduled}
	case StatusRunning:
		return []Status{StatusReady}
	case StatusSuccess, StatusFailed:
		return []Status{StatusRunning}
	case StatusSkipped:
		return []Status{StatusScheduled, StatusReady}
	default:
		return nil
	}
}

// CanAdvance reports whether a row holding from may be advanced to to.
func CanAdvance(from, to Status) bool {
	for _, p := range to.Predecessors() {
		if p == from {
			return true
		}
	}
	return false
}

// Deployment is one request to deploy a version of a project to a mode.
type Deployment struct {
	ID          string
	ProjectID   string
	Version     string
	Mode        string
	ScheduledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   *time.Time
	RemovedAt   *time.Time
}

// StatusUpdate is one row of a deployment's status history.
type StatusUpdate struct {
	ID           string
	DeploymentID string
	Status       Status
	Description  string
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}

// Candidate is a READY deployment joined with the project it belongs to.
type Candidate struct {
	DeploymentID string
	StatusID     string
	Version      string
	Mode         string
	ProjectID    string
	ProjectCode  string
	ProjectName  string
	CreatedAt    time.Time
}

// LatestStatus pairs a deployment with its current status row.
type LatestStatus struct {
	DeploymentID string
	StatusID     string
	Status       Status
	CreatedAt    time.Time
}

// StatusEvent is published whenever a status row changes.
type StatusEvent struct {
	StatusID     string    `json:"status_rid"`
	DeploymentID string    `json:"deployment_rid"`
	Status       Status    `json:"status"`
	Description  string    `json:"description,omitempty"`
	At           time.Time `json:"at"`
}
