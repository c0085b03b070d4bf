package agent

import (
	"errors"
	"time"
)

// Zone represents an execution zone. The set is closed; each zone carries its
// own capacity ceiling, dispatch concurrency, rate limit and provisioning
// timeout, reflecting its real platform limits.
type Zone string

const (
	ZoneCloud      Zone = "cloud"
	ZoneContainer  Zone = "container"
	ZoneServerless Zone = "serverless"
	ZoneEdge       Zone = "edge"
)

var ErrUnknownZone = errors.New("unknown zone")

// Zones returns the closed zone set in a stable order.
func Zones() []Zone {
	return []Zone{ZoneCloud, ZoneContainer, ZoneServerless, ZoneEdge}
}

// ValidZone reports whether z belongs to the closed zone set.
func ValidZone(z Zone) bool {
	switch z {
	case ZoneCloud, ZoneContainer, ZoneServerless, ZoneEdge:
		return true
	}
	return false
}

// ZoneLimits holds the per-zone operational ceilings.
type ZoneLimits struct {
	Capacity         int           // maximum registered agents
	Concurrency      int           // dispatch worker pool size
	DispatchRate     float64       // job dispatches per second
	DispatchBurst    int           // token bucket burst
	ProvisionTimeout time.Duration // bound on restart/provision calls
}

// DefaultZoneLimits returns the built-in limits. The edge zone gets far less
// concurrency and a longer provisioning timeout than the compute zones.
func DefaultZoneLimits() map[Zone]ZoneLimits {
	return map[Zone]ZoneLimits{
		ZoneCloud:      {Capacity: 15000, Concurrency: 64, DispatchRate: 200, DispatchBurst: 100, ProvisionTimeout: 30 * time.Second},
		ZoneContainer:  {Capacity: 8000, Concurrency: 32, DispatchRate: 100, DispatchBurst: 50, ProvisionTimeout: 45 * time.Second},
		ZoneServerless: {Capacity: 6000, Concurrency: 48, DispatchRate: 150, DispatchBurst: 75, ProvisionTimeout: 20 * time.Second},
		ZoneEdge:       {Capacity: 1000, Concurrency: 4, DispatchRate: 5, DispatchBurst: 5, ProvisionTimeout: 2 * time.Minute},
	}
}
