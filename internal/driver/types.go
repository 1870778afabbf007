// Package driver is Bay's container driver abstraction (C2): one capability
// interface implemented against Docker, Podman, and Kubernetes, so C6
// (ship service) never branches on backend.
//
// Grounded on the teacher's runtime.ContainerRuntime interface
// (cmd/docker-mcp/internal/gateway/runtime/types.go), narrowed from its
// MCP-stdio-oriented shape (StartContainer returning stdin/stdout pipes for
// an attached protocol) to Bay's HTTP-reachable Ship model: a Ship exposes a
// network endpoint, not a piped stdio stream, so Create returns a
// ContainerInfo carrying an address instead of a ContainerHandle.
package driver

import (
	"context"
	"time"
)

// Spec describes the container Bay should create for a Ship.
type Spec struct {
	Image   string
	Command []string
	Env     map[string]string
	Labels  map[string]string

	CPUs   float64
	Memory string // "512m", "1g" for Docker/Podman; "512Mi", "1Gi" for Kubernetes
	Disk   string // Docker/Podman: tmpfs scratch size; Kubernetes: PVC size request

	Network   string // Docker/Podman network name
	Namespace string // Kubernetes namespace

	Port int // container port the Ship's HTTP server listens on
}

// Info is what a driver reports back about a running container.
type Info struct {
	ContainerID string // container ID or Pod name
	Endpoint    string // host:port (or cluster address) Bay can reach it at
	Running     bool
}

// Driver is the capability interface every backend (Docker, Podman,
// Kubernetes) implements. All methods are safe to call concurrently for
// distinct container IDs.
type Driver interface {
	// Name identifies the driver for logging and the /stat endpoint.
	Name() string

	// Create starts a new container for the given Ship ID and spec, and
	// returns once the backend reports it started (Docker/Podman) or
	// addressable (Kubernetes Pod IP) — HTTP readiness is the caller's
	// responsibility, via shipclient's probe.
	Create(ctx context.Context, shipID string, spec Spec) (Info, error)

	// Inspect reports the current state of a previously created container.
	Inspect(ctx context.Context, shipID string) (Info, error)

	// Stop halts the container but preserves any durable volume backing it,
	// so a later Create for the same Ship ID can recover it.
	Stop(ctx context.Context, shipID string) error

	// DataExists reports whether a Stopped Ship's durable volume/PVC is
	// still present, used to decide recovery vs fresh creation.
	DataExists(ctx context.Context, shipID string) (bool, error)

	// DeleteVolume permanently removes a Ship's durable storage. Called
	// only from the reaper's grace-period sweep, never from Stop or
	// delete_permanent.
	DeleteVolume(ctx context.Context, shipID string) error

	// Logs returns up to tail lines of the container's combined output.
	Logs(ctx context.Context, shipID string, tail int) (string, error)

	// Shutdown releases any driver-level resources (client connections,
	// informers) during Bay's own graceful shutdown.
	Shutdown(ctx context.Context) error
}

// DefaultProbeTimeout is a 30-second readiness-probe bound. Bay's own
// callers do not read it: they bound the probe after Create with
// SHIP_HEALTH_CHECK_TIMEOUT instead.
const DefaultProbeTimeout = 30 * time.Second
