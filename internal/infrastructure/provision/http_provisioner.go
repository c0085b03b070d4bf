package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	"github.com/fleet-hub/fleet-hub/internal/domain/provision"
)

// HTTPProvisioner calls a per-zone control-plane endpoint. Each zone maps to a
// base URL (cloud API gateway, container runtime shim, edge SSH bridge); the
// wire contract is a small JSON POST API shared by all shims.
type HTTPProvisioner struct {
	baseURLs map[agent.Zone]string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPProvisioner builds a provisioner from zone → base URL. The injected
// client should have no overall timeout; calls are bounded per request by the
// caller's context (per-zone provisioning timeouts).
func NewHTTPProvisioner(baseURLs map[agent.Zone]string, client *http.Client, logger zerolog.Logger) *HTTPProvisioner {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvisioner{
		baseURLs: baseURLs,
		client:   client,
		logger:   logger.With().Str("service", "provisioner").Logger(),
	}
}

func (p *HTTPProvisioner) Restart(ctx context.Context, agentID string, zone agent.Zone) error {
	return p.post(ctx, zone, "/restart", map[string]string{"agent_id": agentID}, nil)
}

func (p *HTTPProvisioner) Provision(ctx context.Context, capability string, zone agent.Zone) (string, error) {
	var resp struct {
		AgentID string `json:"agent_id"`
	}
	err := p.post(ctx, zone, "/provision", map[string]string{"capability": capability}, &resp)
	if err != nil {
		return "", err
	}
	if resp.AgentID == "" {
		return "", fmt.Errorf("%w: empty agent id from %s control plane", provision.ErrProvisioningFailure, zone)
	}
	return resp.AgentID, nil
}

func (p *HTTPProvisioner) AddCapacity(ctx context.Context, zone agent.Zone, n int) ([]provision.Provisioned, error) {
	var resp struct {
		Provisioned []provision.Provisioned `json:"provisioned"`
	}
	err := p.post(ctx, zone, "/capacity/add", map[string]int{"count": n}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Provisioned, nil
}

func (p *HTTPProvisioner) RemoveCapacity(ctx context.Context, zone agent.Zone, n int) error {
	return p.post(ctx, zone, "/capacity/remove", map[string]int{"count": n}, nil)
}

func (p *HTTPProvisioner) post(ctx context.Context, zone agent.Zone, path string, body interface{}, out interface{}) error {
	base, ok := p.baseURLs[zone]
	if !ok {
		return fmt.Errorf("%w: no control plane configured for zone %s", provision.ErrProvisioningFailure, zone)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return fmt.Errorf("%w: %s%s", provision.ErrProvisioningTimeout, zone, path)
		}
		return fmt.Errorf("%w: %v", provision.ErrProvisioningFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn().Str("zone", string(zone)).Str("path", path).Int("status", resp.StatusCode).
			Msg("control plane rejected provisioning call")
		return fmt.Errorf("%w: %s%s returned %d", provision.ErrProvisioningFailure, zone, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: malformed response: %v", provision.ErrProvisioningFailure, err)
		}
	}
	return nil
}
