package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
)

const agentColumns = `agent_id, verification_hash, persona, capability, zone, status,
	health_score, last_heartbeat, tasks_completed, tasks_failed, metadata, created_at, updated_at`

// AgentRepository implements agent.Repository.
type AgentRepository struct {
	pool *pgxpool.Pool
}

func NewAgentRepository(pool *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{pool: pool}
}

func (r *AgentRepository) Create(ctx context.Context, a *agent.Agent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, a.AgentID, a.VerificationHash, a.Persona, a.Capability, a.Zone, a.Status,
		a.HealthScore, a.LastHeartbeat, a.TasksCompleted, a.TasksFailed, a.Metadata, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return agent.ErrDuplicateID
	}
	return err
}

func (r *AgentRepository) GetByID(ctx context.Context, agentID string) (*agent.Agent, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE agent_id=$1
	`, agentID)
	return scanAgent(row)
}

// List pages matching agents newest first. A limit of zero means no limit:
// NULLIF turns it into LIMIT NULL, since a literal LIMIT 0 returns no rows.
func (r *AgentRepository) List(ctx context.Context, filter agent.Filter, limit, offset int) ([]*agent.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE ($1::text IS NULL OR zone=$1)
		  AND ($2::text IS NULL OR status=$2)
		  AND ($3::text IS NULL OR persona=$3)
		ORDER BY created_at DESC LIMIT NULLIF($4, 0) OFFSET $5
	`, filter.Zone, filter.Status, filter.Persona, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAgents(rows)
}

// UpdateStatus is a conditional write: the row must still hold the from
// status, and offline rows are never touched. When zero rows match, the row is
// re-read to distinguish a missing agent, a terminal agent, and a lost race.
func (r *AgentRepository) UpdateStatus(ctx context.Context, agentID string, from, to agent.Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET status=$1, updated_at=NOW()
		WHERE agent_id=$2 AND status=$3 AND status <> 'offline'
	`, to, agentID, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	if current == nil {
		return agent.ErrNotFound
	}
	if current.Status == agent.StatusOffline {
		return agent.ErrAgentOffline
	}
	return agent.ErrInvalidTransition
}

// UpdateHeartbeat resets the health score and applies last-write-wins on the
// heartbeat timestamp: an older heartbeat never revives the score after a
// newer failure was recorded.
func (r *AgentRepository) UpdateHeartbeat(ctx context.Context, agentID string, ts time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET health_score=$1, last_heartbeat=$2, updated_at=NOW()
		WHERE agent_id=$3 AND status <> 'offline'
		  AND (last_heartbeat IS NULL OR last_heartbeat < $2)
	`, agent.MaxHealthScore, ts, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	if current == nil {
		return agent.ErrNotFound
	}
	if current.Status == agent.StatusOffline {
		return agent.ErrAgentOffline
	}
	// Stale timestamp lost the write race; nothing to apply.
	return nil
}

func (r *AgentRepository) IncrementCompleted(ctx context.Context, agentID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET tasks_completed = tasks_completed + 1, updated_at=NOW()
		WHERE agent_id=$1 AND status <> 'offline'
	`, agentID)
	return checkMutated(ctx, r, agentID, tag, err)
}

func (r *AgentRepository) IncrementFailed(ctx context.Context, agentID string, penalty int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET tasks_failed = tasks_failed + 1,
			health_score = GREATEST(0, health_score - $1), updated_at=NOW()
		WHERE agent_id=$2 AND status <> 'offline'
	`, penalty, agentID)
	return checkMutated(ctx, r, agentID, tag, err)
}

func (r *AgentRepository) Count(ctx context.Context, zone *agent.Zone) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM agents WHERE status='active' AND ($1::text IS NULL OR zone=$1)
	`, zone).Scan(&n)
	return n, err
}

func (r *AgentRepository) CountByZone(ctx context.Context) (map[agent.Zone]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT zone, COUNT(*) FROM agents WHERE status='active' GROUP BY zone
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[agent.Zone]int, len(agent.Zones()))
	for _, z := range agent.Zones() {
		out[z] = 0
	}
	for rows.Next() {
		var z agent.Zone
		var n int
		if err := rows.Scan(&z, &n); err != nil {
			return nil, err
		}
		out[z] = n
	}
	return out, rows.Err()
}

func (r *AgentRepository) Stale(ctx context.Context, threshold time.Duration) ([]*agent.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status='active'
		  AND (last_heartbeat IS NULL OR last_heartbeat < NOW() - $1::interval)
		ORDER BY last_heartbeat ASC NULLS FIRST
	`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAgents(rows)
}

func (r *AgentRepository) LeastUtilized(ctx context.Context, zone agent.Zone, limit int) ([]*agent.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status='active' AND zone=$1
		ORDER BY tasks_completed ASC, created_at ASC LIMIT $2
	`, zone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAgents(rows)
}

func checkMutated(ctx context.Context, r *AgentRepository, agentID string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	if current == nil {
		return agent.ErrNotFound
	}
	return agent.ErrAgentOffline
}

func scanAgent(row pgx.Row) (*agent.Agent, error) {
	var a agent.Agent
	if err := row.Scan(&a.AgentID, &a.VerificationHash, &a.Persona, &a.Capability, &a.Zone, &a.Status,
		&a.HealthScore, &a.LastHeartbeat, &a.TasksCompleted, &a.TasksFailed, &a.Metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func collectAgents(rows pgx.Rows) ([]*agent.Agent, error) {
	var out []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
