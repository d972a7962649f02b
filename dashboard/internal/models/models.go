package models

import (
	"time"
)

type EnvironmentKind string

const (
	KindVirtualX86    EnvironmentKind = "vm-x86"
	KindVirtualARM    EnvironmentKind = "vm-arm"
	KindContainerized EnvironmentKind = "container"
	KindPhysical      EnvironmentKind = "physical"
)

type EnvironmentStatus string

const (
	StatusAllocating EnvironmentStatus = "allocating"
	StatusReady      EnvironmentStatus = "ready"
	StatusRunning    EnvironmentStatus = "running"
	StatusCleanup    EnvironmentStatus = "cleanup"
	StatusError      EnvironmentStatus = "error"
	StatusOffline    EnvironmentStatus = "offline"
)

// Health is independent of EnvironmentStatus: a running environment may be degraded.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

type ResourceUsage struct {
	CPU     float64  `json:"cpu"`
	Memory  float64  `json:"memory"`
	Disk    float64  `json:"disk"`
	Network *float64 `json:"network,omitempty"`
}

type Environment struct {
	ID            string            `json:"id"`
	Kind          EnvironmentKind   `json:"type"`
	Status        EnvironmentStatus `json:"status"`
	Resources     ResourceUsage     `json:"resources"`
	Health        Health            `json:"health"`
	AssignedTests []string          `json:"assignedTests"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	// Pending marks optimistic local state awaiting confirmation from the backend.
	Pending bool `json:"pending,omitempty"`
}

// EnvironmentPatch is an incremental update. Nil fields are left untouched.
type EnvironmentPatch struct {
	ID            string             `json:"id"`
	Kind          *EnvironmentKind   `json:"type,omitempty"`
	Status        *EnvironmentStatus `json:"status,omitempty"`
	Resources     *ResourceUsage     `json:"resources,omitempty"`
	Health        *Health            `json:"health,omitempty"`
	AssignedTests *[]string          `json:"assignedTests,omitempty"`
	CreatedAt     *time.Time         `json:"createdAt,omitempty"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

type AllocationStatus string

const (
	AllocationQueued    AllocationStatus = "queued"
	AllocationPending   AllocationStatus = "pending"
	AllocationAllocated AllocationStatus = "allocated"
	AllocationCancelled AllocationStatus = "cancelled"
	AllocationFailed    AllocationStatus = "failed"
)

// Terminal reports whether the request has left the queue for good.
func (s AllocationStatus) Terminal() bool {
	switch s {
	case AllocationAllocated, AllocationCancelled, AllocationFailed:
		return true
	}
	return false
}

type EnvironmentPreferences struct {
	Kind         EnvironmentKind   `json:"type,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
	Hardware     map[string]string `json:"hardware,omitempty"`
}

// AllocationRequest binds a test (or batch) to an environment. Lower Priority values are
// served first.
type AllocationRequest struct {
	ID            string                 `json:"id"`
	TestIDs       []string               `json:"testIds"`
	Preferences   EnvironmentPreferences `json:"preferences"`
	Priority      int                    `json:"priority"`
	QueuePosition int                    `json:"queuePosition"`
	EstimatedWait int64                  `json:"estimatedWaitMs"`
	Status        AllocationStatus       `json:"status"`
	EnvironmentID string                 `json:"environmentId,omitempty"`
	SubmittedAt   time.Time              `json:"submittedAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

type AllocationEventType string

const (
	EventAllocated AllocationEventType = "allocated"
	EventFailed    AllocationEventType = "failed"
	EventReleased  AllocationEventType = "released"
	EventQueued    AllocationEventType = "queued"
	EventCancelled AllocationEventType = "cancelled"
)

// AllocationEvent is an immutable fact. It is appended, never edited.
type AllocationEvent struct {
	ID            string              `json:"id"`
	Type          AllocationEventType `json:"type"`
	TestID        string              `json:"testId"`
	EnvironmentID string              `json:"environmentId"`
	Message       string              `json:"message,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

type UtilizationSample struct {
	EnvironmentID string        `json:"environmentId"`
	Timestamp     time.Time     `json:"timestamp"`
	Usage         ResourceUsage `json:"usage"`
}

// Snapshot is the full-state payload returned by the allocation snapshot endpoint.
type Snapshot struct {
	Environments        []Environment       `json:"environments"`
	Queue               []AllocationRequest `json:"queue"`
	ResourceUtilization []UtilizationSample `json:"resourceUtilization"`
	History             []AllocationEvent   `json:"history"`
}

type EnvironmentAction string

const (
	ActionStart   EnvironmentAction = "start"
	ActionStop    EnvironmentAction = "stop"
	ActionRestart EnvironmentAction = "restart"
	ActionCleanup EnvironmentAction = "cleanup"
	ActionDelete  EnvironmentAction = "delete"
)

func (a EnvironmentAction) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionCleanup, ActionDelete:
		return true
	}
	return false
}

type EnvironmentConfig struct {
	Kind         EnvironmentKind   `json:"type"`
	Architecture string            `json:"architecture,omitempty"`
	CPUCores     int               `json:"cpuCores,omitempty"`
	MemoryMB     int               `json:"memoryMB,omitempty"`
	DiskGB       int               `json:"diskGB,omitempty"`
	Image        string            `json:"image,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

type ActionResult struct {
	EnvironmentID string `json:"environmentId"`
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
}
