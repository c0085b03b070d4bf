package job

import (
	"errors"
	"testing"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

func TestValidateAcceptsWellFormedJob(t *testing.T) {
	j := &Job{Type: TypeIngest, Zone: agent.ZoneCloud, Priority: 5}
	if err := j.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidatePriorityBounds(t *testing.T) {
	for _, p := range []int{MinPriority, MaxPriority} {
		j := &Job{Type: TypeTransform, Zone: agent.ZoneEdge, Priority: p}
		if err := j.Validate(); err != nil {
			t.Errorf("priority %d rejected: %v", p, err)
		}
	}
	for _, p := range []int{0, 11, -3} {
		j := &Job{Type: TypeTransform, Zone: agent.ZoneEdge, Priority: p}
		if err := j.Validate(); !errors.Is(err, ErrInvalidPriority) {
			t.Errorf("priority %d: got %v, want ErrInvalidPriority", p, err)
		}
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	j := &Job{Type: Type("excavate"), Zone: agent.ZoneCloud, Priority: 5}
	if err := j.Validate(); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("got %v, want ErrUnknownType", err)
	}
}

func TestValidateRejectsUnknownZone(t *testing.T) {
	j := &Job{Type: TypeReport, Zone: agent.Zone("orbit"), Priority: 5}
	if err := j.Validate(); !errors.Is(err, agent.ErrUnknownZone) {
		t.Fatalf("got %v, want ErrUnknownZone", err)
	}
}

func TestValidTypeCoversClosedSet(t *testing.T) {
	for _, typ := range []Type{TypeIngest, TypeTransform, TypeAnalyze, TypeReport, TypeMaintenance} {
		if !ValidType(typ) {
			t.Errorf("type %s rejected", typ)
		}
	}
	if ValidType(Type("")) {
		t.Error("empty type accepted")
	}
}
