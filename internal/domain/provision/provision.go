package provision

import (
	"context"
	"errors"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

var (
	ErrProvisioningTimeout = errors.New("provisioning call timed out")
	ErrProvisioningFailure = errors.New("provisioning call failed")
)

// Provisioned describes one unit of compute added by the platform.
type Provisioned struct {
	AgentID    string     `json:"agentId"`
	Capability string     `json:"capability"`
	Zone       agent.Zone `json:"zone"`
}

// Provisioner is the per-zone control-plane capability that actually restarts,
// creates and removes compute. Implementations are platform-specific (cloud
// API, container runtime, SSH); every call must honor ctx deadlines so a hung
// platform call surfaces as ErrProvisioningTimeout at the caller.
type Provisioner interface {
	// Restart restarts the compute backing an agent in place.
	Restart(ctx context.Context, agentID string, zone agent.Zone) error

	// Provision creates one new unit of compute for a capability in a zone and
	// returns the platform-assigned agent id.
	Provision(ctx context.Context, capability string, zone agent.Zone) (string, error)

	// AddCapacity grows a zone by n units.
	AddCapacity(ctx context.Context, zone agent.Zone, n int) ([]Provisioned, error)

	// RemoveCapacity releases n units from a zone. Agent records stay in the
	// registry (paused); only compute is reclaimed.
	RemoveCapacity(ctx context.Context, zone agent.Zone, n int) error
}
