// Package idgen generates the opaque identifiers used throughout Bay
// (Ship IDs, ExecutionHistory IDs) and the Kubernetes label set attached to
// driver-managed resources so they can be found again by ship_id.
//
// Adapted from the teacher's session ID helper
// (cmd/docker-mcp/internal/gateway/session.go), which minted short
// crypto/rand hex suffixes for gateway-instance tracking labels. Bay's IDs
// are opaque 128-bit identifiers, so generation moves to google/uuid rather
// than hand-rolled hex encoding, but the "stable label set keyed by an owned
// ID" idiom carries over unchanged for the Kubernetes driver's Pod/PVC
// labels.
package idgen

import "github.com/google/uuid"

// NewShipID returns a fresh opaque Ship identifier.
func NewShipID() string {
	return uuid.New().String()
}

// NewExecutionID returns a fresh opaque ExecutionHistory identifier.
func NewExecutionID() string {
	return uuid.New().String()
}

// ShipLabels returns the Kubernetes label set used to tag every resource
// (Pod, PVC) belonging to a given Ship, mirroring the teacher's
// GetSessionIDLabels convention.
func ShipLabels(shipID string) map[string]string {
	return map[string]string{
		"app.kubernetes.io/managed-by": "bay",
		"app.kubernetes.io/component":  "ship",
		"bay.shipyard.dev/ship-id":     shipID,
	}
}
