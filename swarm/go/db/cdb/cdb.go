// Package cdb contains an implementation of ../db.DB that uses
// CockroachDB (or any Postgres wire compatible database) via pgx.
package cdb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/types"
)

// Store implements ../db.DB.
type Store struct {
	db *pgxpool.Pool
}

// New returns a new *Store that uses the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		db: pool,
	}
}

var _ db.DB = (*Store)(nil)

// wrappedError unwraps and re-wraps a pgconn.PgError to give more details on
// the failure, and maps pgx.ErrNoRows onto db.ErrNotFound.
func wrappedError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return cserr.Wrap(db.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return cserr.Wrapf(err, "Msg: %s, Code: %s, Detail: %s, Hint: %s", pgErr.Message, pgErr.Code, pgErr.Detail, pgErr.Hint)
	}
	return cserr.Wrap(err)
}

// normalize truncates a time so it round-trips through the database
// consistently.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Ping implements db.DB.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	return nil
}

// ApplySchema creates all tables. Used by sscdbinit and tests.
func (s *Store) ApplySchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return wrappedError(err)
	}
	return nil
}

const agentColumns = `id, name, token, state, last_seen_at, operating_system, client_signature, devices, project_ids, advanced_configuration, created_at, updated_at`

// prefixColumns qualifies every column in a comma separated column list with
// the given table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

// row is the subset of pgx.Row/pgx.Rows needed by the scan helpers.
type row interface {
	Scan(dest ...interface{}) error
}

func scanAgent(r row) (types.Agent, error) {
	var a types.Agent
	var devices, projectIDs, advanced []byte
	if err := r.Scan(&a.ID, &a.Name, &a.Token, &a.State, &a.LastSeenAt, &a.OperatingSystem, &a.ClientSignature, &devices, &projectIDs, &advanced, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return types.Agent{}, err
	}
	if err := json.Unmarshal(devices, &a.Devices); err != nil {
		return types.Agent{}, err
	}
	if err := json.Unmarshal(projectIDs, &a.ProjectIDs); err != nil {
		return types.Agent{}, err
	}
	if err := json.Unmarshal(advanced, &a.AdvancedConfiguration); err != nil {
		return types.Agent{}, err
	}
	a.LastSeenAt = normalize(a.LastSeenAt)
	return a, nil
}

func agentArgs(a types.Agent) ([]interface{}, error) {
	devices, err := json.Marshal(a.Devices)
	if err != nil {
		return nil, err
	}
	projectIDs, err := json.Marshal(a.ProjectIDs)
	if err != nil {
		return nil, err
	}
	advanced, err := json.Marshal(a.AdvancedConfiguration)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		a.Name, a.Token, a.State, normalize(a.LastSeenAt), a.OperatingSystem,
		a.ClientSignature, devices, projectIDs, advanced,
	}, nil
}

// CreateAgent implements db.AgentDB.
func (s *Store) CreateAgent(ctx context.Context, agent types.Agent) (types.Agent, error) {
	if agent.State == "" {
		agent.State = types.AgentStatePending
	}
	ts := normalize(now.Now(ctx))
	args, err := agentArgs(agent)
	if err != nil {
		return types.Agent{}, cserr.Wrap(err)
	}
	args = append(args, ts, ts)
	err = s.db.QueryRow(ctx, `
INSERT INTO Agents (name, token, state, last_seen_at, operating_system, client_signature, devices, project_ids, advanced_configuration, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`, args...).Scan(&agent.ID)
	if err != nil {
		return types.Agent{}, wrappedError(err)
	}
	agent.CreatedAt = ts
	agent.UpdatedAt = ts
	return agent, nil
}

// GetAgent implements db.AgentDB.
func (s *Store) GetAgent(ctx context.Context, id int64) (types.Agent, error) {
	agent, err := scanAgent(s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM Agents WHERE id = $1`, id))
	if err != nil {
		return types.Agent{}, wrappedError(err)
	}
	return agent, nil
}

// GetAgentByToken implements db.AgentDB.
func (s *Store) GetAgentByToken(ctx context.Context, token string) (types.Agent, error) {
	agent, err := scanAgent(s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM Agents WHERE token = $1`, token))
	if err != nil {
		return types.Agent{}, wrappedError(err)
	}
	return agent, nil
}

// ListAgents implements db.AgentDB.
func (s *Store) ListAgents(ctx context.Context) ([]types.Agent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+agentColumns+` FROM Agents ORDER BY id`)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	var ret []types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, agent)
	}
	return ret, wrappedError(rows.Err())
}

// UpdateAgent implements db.AgentDB.
func (s *Store) UpdateAgent(ctx context.Context, id int64, cb db.UpdateAgentCallback) (types.Agent, error) {
	var ret types.Agent
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		agent, err := scanAgent(tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM Agents WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrappedError(err)
		}
		updated, err := cb(agent)
		if err != nil {
			return err
		}
		updated.ID = id
		updated.UpdatedAt = normalize(now.Now(ctx))
		args, err := agentArgs(updated)
		if err != nil {
			return cserr.Wrap(err)
		}
		args = append(args, updated.UpdatedAt, id)
		if _, err := tx.Exec(ctx, `
UPDATE Agents SET name = $1, token = $2, state = $3, last_seen_at = $4, operating_system = $5, client_signature = $6, devices = $7, project_ids = $8, advanced_configuration = $9, updated_at = $10
WHERE id = $11`, args...); err != nil {
			return wrappedError(err)
		}
		ret = updated
		return nil
	})
	if err != nil {
		return types.Agent{}, err
	}
	return ret, nil
}

// ReplaceBenchmarks implements db.AgentDB.
func (s *Store) ReplaceBenchmarks(ctx context.Context, agentID int64, benchmarks []types.HashcatBenchmark) error {
	ts := normalize(now.Now(ctx))
	return s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM Agents WHERE id = $1)`, agentID).Scan(&exists); err != nil {
			return wrappedError(err)
		}
		if !exists {
			return cserr.Wrapf(db.ErrNotFound, "agent %d", agentID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM Benchmarks WHERE agent_id = $1`, agentID); err != nil {
			return wrappedError(err)
		}
		for _, b := range benchmarks {
			if _, err := tx.Exec(ctx, `
INSERT INTO Benchmarks (agent_id, hash_type, device, hash_speed, runtime, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, agentID, b.HashType, b.Device, b.HashSpeed, b.Runtime, ts); err != nil {
				return wrappedError(err)
			}
		}
		return nil
	})
}

// ListBenchmarks implements db.AgentDB.
func (s *Store) ListBenchmarks(ctx context.Context, agentID int64) ([]types.HashcatBenchmark, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, agent_id, hash_type, device, hash_speed, runtime, created_at
FROM Benchmarks WHERE agent_id = $1 ORDER BY id`, agentID)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	var ret []types.HashcatBenchmark
	for rows.Next() {
		var b types.HashcatBenchmark
		if err := rows.Scan(&b.ID, &b.AgentID, &b.HashType, &b.Device, &b.HashSpeed, &b.Runtime, &b.CreatedAt); err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, b)
	}
	return ret, wrappedError(rows.Err())
}

// AllowedHashTypes implements db.AgentDB.
func (s *Store) AllowedHashTypes(ctx context.Context, agentID int64) ([]int, error) {
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT hash_type FROM Benchmarks WHERE agent_id = $1 ORDER BY hash_type`, agentID)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	var ret []int
	for rows.Next() {
		var ht int
		if err := rows.Scan(&ht); err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, ht)
	}
	return ret, wrappedError(rows.Err())
}

// FastestBenchmark implements db.AgentDB.
func (s *Store) FastestBenchmark(ctx context.Context, agentID int64, hashMode int) (types.HashcatBenchmark, bool, error) {
	var b types.HashcatBenchmark
	err := s.db.QueryRow(ctx, `
SELECT id, agent_id, hash_type, device, hash_speed, runtime, created_at
FROM Benchmarks WHERE agent_id = $1 AND hash_type = $2
ORDER BY hash_speed DESC LIMIT 1`, agentID, hashMode).Scan(&b.ID, &b.AgentID, &b.HashType, &b.Device, &b.HashSpeed, &b.Runtime, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.HashcatBenchmark{}, false, nil
	}
	if err != nil {
		return types.HashcatBenchmark{}, false, wrappedError(err)
	}
	return b, true, nil
}

// FastestBenchmarkSpeed implements db.AgentDB.
func (s *Store) FastestBenchmarkSpeed(ctx context.Context, hashMode int) (float64, bool, error) {
	var speed float64
	err := s.db.QueryRow(ctx, `
SELECT hash_speed FROM Benchmarks WHERE hash_type = $1
ORDER BY hash_speed DESC LIMIT 1`, hashMode).Scan(&speed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrappedError(err)
	}
	return speed, true, nil
}

// CreateAgentError implements db.AgentDB.
func (s *Store) CreateAgentError(ctx context.Context, agentError types.AgentError) (types.AgentError, error) {
	metadata, err := json.Marshal(agentError.Metadata)
	if err != nil {
		return types.AgentError{}, cserr.Wrap(err)
	}
	if agentError.CreatedAt.IsZero() {
		agentError.CreatedAt = now.Now(ctx)
	}
	agentError.CreatedAt = normalize(agentError.CreatedAt)
	err = s.db.QueryRow(ctx, `
INSERT INTO AgentErrors (agent_id, task_id, message, severity, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`, agentError.AgentID, agentError.TaskID, agentError.Message, agentError.Severity, metadata, agentError.CreatedAt).Scan(&agentError.ID)
	if err != nil {
		return types.AgentError{}, wrappedError(err)
	}
	return agentError, nil
}

// TaskHasFatalError implements db.AgentDB.
func (s *Store) TaskHasFatalError(ctx context.Context, taskID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM AgentErrors WHERE task_id = $1 AND severity = $2)`, taskID, types.SeverityFatal).Scan(&exists)
	if err != nil {
		return false, wrappedError(err)
	}
	return exists, nil
}

// DeleteAgentErrorsBefore implements db.AgentDB.
func (s *Store) DeleteAgentErrorsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM AgentErrors WHERE created_at < $1`, normalize(cutoff))
	if err != nil {
		return 0, wrappedError(err)
	}
	return tag.RowsAffected(), nil
}

// CountActiveAgents implements db.AgentDB.
func (s *Store) CountActiveAgents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM Agents WHERE state = $1`, types.AgentStateActive).Scan(&n); err != nil {
		return 0, wrappedError(err)
	}
	return n, nil
}

// ListAgentsLastSeenBefore implements db.AgentDB.
func (s *Store) ListAgentsLastSeenBefore(ctx context.Context, cutoff time.Time) ([]types.Agent, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+agentColumns+` FROM Agents
WHERE state = $1 AND last_seen_at < $2
ORDER BY id`, types.AgentStateActive, normalize(cutoff))
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	var ret []types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, agent)
	}
	return ret, wrappedError(rows.Err())
}

// RecordTransition implements db.AuditDB.
func (s *Store) RecordTransition(ctx context.Context, audit types.TransitionAudit) error {
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = now.Now(ctx)
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO TransitionAudits (entity, entity_id, from_state, to_state, event, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, audit.Entity, audit.EntityID, audit.FromState, audit.ToState, audit.Event, normalize(audit.CreatedAt))
	return wrappedError(err)
}

// DeleteAuditBefore implements db.AuditDB.
func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM TransitionAudits WHERE created_at < $1`, normalize(cutoff))
	if err != nil {
		return 0, wrappedError(err)
	}
	return tag.RowsAffected(), nil
}

// CreateProject implements db.AttackDB.
func (s *Store) CreateProject(ctx context.Context, project types.Project) (types.Project, error) {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now.Now(ctx)
	}
	project.CreatedAt = normalize(project.CreatedAt)
	err := s.db.QueryRow(ctx, `
INSERT INTO Projects (name, created_at) VALUES ($1, $2) RETURNING id`,
		project.Name, project.CreatedAt).Scan(&project.ID)
	if err != nil {
		return types.Project{}, wrappedError(err)
	}
	return project, nil
}
