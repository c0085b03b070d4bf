package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	"github.com/fleet-hub/fleet-hub/internal/domain/job"
)

// HTTPExecutor delivers jobs to agents over the same per-zone control-plane
// shims the provisioner talks to. The shim forwards the payload to the agent
// and replies once the agent has accepted or completed the work.
type HTTPExecutor struct {
	baseURLs map[agent.Zone]string
	client   *http.Client
	logger   zerolog.Logger
}

func NewHTTPExecutor(baseURLs map[agent.Zone]string, client *http.Client, logger zerolog.Logger) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExecutor{
		baseURLs: baseURLs,
		client:   client,
		logger:   logger.With().Str("service", "dispatch").Logger(),
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, a *agent.Agent, j *job.Job) error {
	base, ok := e.baseURLs[a.Zone]
	if !ok {
		return fmt.Errorf("no control plane configured for zone %s", a.Zone)
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/agents/%s/execute", base, a.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to %s failed: %w", a.AgentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn().
			Str("agent_id", a.AgentID).
			Str("job_id", j.JobID).
			Int("status", resp.StatusCode).
			Msg("agent rejected job")
		return fmt.Errorf("agent %s returned %d for job %s", a.AgentID, resp.StatusCode, j.JobID)
	}
	return nil
}
