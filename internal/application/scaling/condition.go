package scaling

import (
	"errors"
	"strings"

	"github.com/Knetic/govaluate"

	domainScaling "github.com/fleet-hub/fleet-hub/internal/domain/scaling"
)

// EvaluateGuard evaluates an operator-supplied guard expression against the
// current metric set. An empty guard returns true. Supports "true"/"false"
// literals.
func EvaluateGuard(guard string, m domainScaling.Metrics) (bool, error) {
	cond := strings.TrimSpace(guard)
	if cond == "" {
		return true, nil
	}
	switch strings.ToLower(cond) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	expr, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return false, err
	}
	result, err := expr.Evaluate(map[string]interface{}{
		"queueDepth":    float64(m.QueueDepth),
		"activeAgents":  float64(m.ActiveAgents),
		"idleAgents":    float64(m.IdleAgents),
		"avgResponseMs": m.AvgResponseTimeMs,
		"utilization":   m.Utilization,
	})
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("guard did not evaluate to boolean")
	}
}
