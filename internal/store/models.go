package store

import (
	"encoding/json"
	"time"
)

// ShipStatus is the lifecycle state of a Ship.
type ShipStatus string

const (
	ShipCreating ShipStatus = "creating"
	ShipRunning  ShipStatus = "running"
	ShipStopped  ShipStatus = "stopped"
)

// ResourceSpec is a Ship's resource request, persisted as JSON.
type ResourceSpec struct {
	CPUs   float64 `json:"cpus"`
	Memory string  `json:"memory"`
	Disk   string  `json:"disk,omitempty"`
}

// Ship is a container instance managed by Bay.
type Ship struct {
	ID          string     `db:"id" json:"id"`
	Status      ShipStatus `db:"status" json:"status"`
	ContainerID string     `db:"container_id" json:"container_id,omitempty"`
	Endpoint    string     `db:"endpoint" json:"endpoint,omitempty"`
	SpecJSON    string     `db:"spec_json" json:"-"`
	TTLSeconds  int        `db:"ttl_seconds" json:"ttl_seconds"`
	WarmPool    bool       `db:"warm_pool" json:"warm_pool"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expires_at"`
}

// shipJSON mirrors Ship for marshaling, substituting the decoded resource
// spec for the raw spec_json column so API responses carry a structured
// "spec" object rather than the storage-internal string column.
type shipJSON struct {
	ID          string       `json:"id"`
	Status      ShipStatus   `json:"status"`
	ContainerID string       `json:"container_id,omitempty"`
	Endpoint    string       `json:"endpoint,omitempty"`
	Spec        ResourceSpec `json:"spec"`
	TTLSeconds  int          `json:"ttl_seconds"`
	WarmPool    bool         `json:"warm_pool"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ExpiresAt   *time.Time   `json:"expires_at"`
}

// MarshalJSON presents the Ship's resource spec as a structured JSON object
// instead of its persisted spec_json string column.
func (sh Ship) MarshalJSON() ([]byte, error) {
	spec, _ := sh.UnmarshalSpec()
	return json.Marshal(shipJSON{
		ID:          sh.ID,
		Status:      sh.Status,
		ContainerID: sh.ContainerID,
		Endpoint:    sh.Endpoint,
		Spec:        spec,
		TTLSeconds:  sh.TTLSeconds,
		WarmPool:    sh.WarmPool,
		CreatedAt:   sh.CreatedAt,
		UpdatedAt:   sh.UpdatedAt,
		ExpiresAt:   sh.ExpiresAt,
	})
}

// Session binds an external agent identity to a Ship.
type Session struct {
	SessionID    string    `db:"session_id" json:"session_id"`
	ShipID       string    `db:"ship_id" json:"ship_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	LastActivity time.Time `db:"last_activity" json:"last_activity"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	InitialTTL   int       `db:"initial_ttl" json:"initial_ttl"`
}

// ExecType distinguishes the two supported exec kinds.
type ExecType string

const (
	ExecPython ExecType = "python"
	ExecShell  ExecType = "shell"
)

// ExecutionRecord is one append-only row of the execution history (C8).
type ExecutionRecord struct {
	ID              string    `db:"id" json:"id"`
	SessionID       string    `db:"session_id" json:"session_id"`
	ShipID          string    `db:"ship_id" json:"ship_id"`
	ExecType        ExecType  `db:"exec_type" json:"exec_type"`
	Code            string    `db:"code" json:"code"`
	Success         bool      `db:"success" json:"success"`
	ExecutionTimeMs int64     `db:"execution_time_ms" json:"execution_time_ms"`
	Output          *string   `db:"output" json:"output,omitempty"`
	Error           *string   `db:"error" json:"error,omitempty"`
	Description     *string   `db:"description" json:"description,omitempty"`
	Tags            *string   `db:"tags" json:"tags,omitempty"` // comma-joined set
	Notes           *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
