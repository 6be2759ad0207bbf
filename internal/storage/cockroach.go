package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// NewCockroachStoresFromDSN creates Cockroach-backed stores using a DSN.
func NewCockroachStoresFromDSN(dsn string, config *CockroachConfig) (StoreSet, error) {
	db, err := OpenDB(dsn, config)
	if err != nil {
		return StoreSet{}, err
	}
	stores := NewCockroachStores(db)
	stores.closer = db.Close
	return stores, nil
}

// NewCockroachStores wraps an open handle. The caller keeps ownership of db.
func NewCockroachStores(db *sql.DB) StoreSet {
	return StoreSet{
		Agents:      &cockroachAgentStore{db: db},
		Providers:   &cockroachProviderStore{db: db},
		ToolServers: &cockroachToolServerStore{db: db},
		APIKeys:     &cockroachAPIKeyStore{db: db},
		Members:     &cockroachMembershipStore{db: db},
		Runs:        &cockroachRunStore{db: db},
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate")
}

type cockroachAgentStore struct {
	db *sql.DB
}

func (s *cockroachAgentStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, workspace_id, name, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		agent.ID,
		agent.WorkspaceID,
		agent.Name,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *cockroachAgentStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, created_at, updated_at FROM agents WHERE id = $1`, id)

	var agent models.Agent
	if err := row.Scan(&agent.ID, &agent.WorkspaceID, &agent.Name, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT environment, version_id FROM agent_deployments WHERE agent_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get deployments: %w", err)
	}
	defer rows.Close()

	agent.Deployments = make(map[models.Environment]string)
	for rows.Next() {
		var env, versionID string
		if err := rows.Scan(&env, &versionID); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		agent.Deployments[models.Environment(env)] = versionID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deployments: %w", err)
	}
	return &agent, nil
}

func (s *cockroachAgentStore) CreateVersion(ctx context.Context, version *models.AgentVersion) error {
	if version == nil || version.ID == "" {
		return fmt.Errorf("version is required")
	}
	cfg, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_versions (id, agent_id, workspace_id, config, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		version.ID,
		version.AgentID,
		version.WorkspaceID,
		cfg,
		version.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create version: %w", err)
	}
	return nil
}

func (s *cockroachAgentStore) GetVersion(ctx context.Context, id string) (*models.AgentVersion, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT config FROM agent_versions WHERE id = $1`, id)
	return scanVersion(row)
}

func (s *cockroachAgentStore) GetDeployedVersion(ctx context.Context, agentID string, env models.Environment) (*models.AgentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT v.config FROM agent_deployments d
		 JOIN agent_versions v ON v.id = d.version_id
		 WHERE d.agent_id = $1 AND d.environment = $2`,
		agentID, string(env))
	return scanVersion(row)
}

func scanVersion(row *sql.Row) (*models.AgentVersion, error) {
	var cfg []byte
	if err := row.Scan(&cfg); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	var version models.AgentVersion
	if err := json.Unmarshal(cfg, &version); err != nil {
		return nil, fmt.Errorf("unmarshal version: %w", err)
	}
	return &version, nil
}

func (s *cockroachAgentStore) Deploy(ctx context.Context, agentID string, env models.Environment, versionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deploy: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT agent_id FROM agent_versions WHERE id = $1`, versionID).Scan(&owner)
	if err == sql.ErrNoRows || (err == nil && owner != agentID) {
		return fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_deployments (agent_id, environment, version_id, updated_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (agent_id, environment) DO UPDATE
		 SET version_id = excluded.version_id, updated_at = excluded.updated_at`,
		agentID, string(env), versionID, time.Now())
	if err != nil {
		return fmt.Errorf("deploy version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deploy: %w", err)
	}
	return nil
}

type cockroachProviderStore struct {
	db *sql.DB
}

func (s *cockroachProviderStore) CreateProvider(ctx context.Context, provider *models.Provider) error {
	if provider == nil || provider.ID == "" {
		return fmt.Errorf("provider is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (id, workspace_id, name, type, encrypted_config, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		provider.ID,
		provider.WorkspaceID,
		provider.Name,
		provider.Type,
		provider.EncryptedConfig,
		provider.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create provider: %w", err)
	}
	return nil
}

func (s *cockroachProviderStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, type, encrypted_config, created_at FROM providers WHERE id = $1`, id)
	var p models.Provider
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Type, &p.EncryptedConfig, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return &p, nil
}

type cockroachToolServerStore struct {
	db *sql.DB
}

func (s *cockroachToolServerStore) CreateToolServer(ctx context.Context, server *models.ToolServer) error {
	if server == nil || server.ID == "" {
		return fmt.Errorf("tool server is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_servers (id, workspace_id, name, encrypted_config, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		server.ID,
		server.WorkspaceID,
		server.Name,
		server.EncryptedConfig,
		server.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create tool server: %w", err)
	}
	return nil
}

func (s *cockroachToolServerStore) GetToolServer(ctx context.Context, id string) (*models.ToolServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, encrypted_config, created_at FROM tool_servers WHERE id = $1`, id)
	var ts models.ToolServer
	if err := row.Scan(&ts.ID, &ts.WorkspaceID, &ts.Name, &ts.EncryptedConfig, &ts.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool server: %w", err)
	}
	return &ts, nil
}

type cockroachAPIKeyStore struct {
	db *sql.DB
}

func (s *cockroachAPIKeyStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key == nil || key.KeyHash == "" {
		return fmt.Errorf("api key hash is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, workspace_id, name, key_hash, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		key.ID,
		key.WorkspaceID,
		key.Name,
		key.KeyHash,
		key.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *cockroachAPIKeyStore) LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, key_hash, created_at FROM api_keys
		 WHERE key_hash = $1 AND revoked_at IS NULL`, keyHash)
	var key models.APIKey
	if err := row.Scan(&key.ID, &key.WorkspaceID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &key, nil
}

type cockroachMembershipStore struct {
	db *sql.DB
}

func (s *cockroachMembershipStore) AddMember(ctx context.Context, workspaceID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_members (workspace_id, user_id) VALUES ($1,$2)
		 ON CONFLICT (workspace_id, user_id) DO NOTHING`,
		workspaceID, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *cockroachMembershipStore) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM workspace_members WHERE workspace_id = $1 AND user_id = $2)`,
		workspaceID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

type cockroachRunStore struct {
	db *sql.DB
}

func (s *cockroachRunStore) InsertRunRecord(ctx context.Context, r *models.RunRecord) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("run record is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records (
			id, workspace_id, agent_id, version_id, model, provider_type, created_at,
			is_error, is_stream, is_test, error_name,
			pre_processing_ms, first_token_ms, response_ms,
			steps, input_tokens, cached_input_tokens, output_tokens, tokens, cost
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ID,
		r.WorkspaceID,
		r.AgentID,
		r.VersionID,
		r.Model,
		r.ProviderType,
		r.CreatedAt,
		r.IsError,
		r.IsStream,
		r.IsTest,
		r.ErrorName,
		nullInt64(r.PreProcessingTime),
		nullInt64(r.FirstTokenTime),
		nullInt64(r.ResponseTime),
		r.Steps,
		r.InputTokens,
		r.CachedInputTokens,
		r.OutputTokens,
		r.Tokens,
		nullFloat64(r.Cost),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

func (s *cockroachRunStore) GetRunRecord(ctx context.Context, id string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, agent_id, version_id, model, provider_type, created_at,
			is_error, is_stream, is_test, error_name,
			pre_processing_ms, first_token_ms, response_ms,
			steps, input_tokens, cached_input_tokens, output_tokens, tokens, cost
		 FROM run_records WHERE id = $1`, id)

	var r models.RunRecord
	var pre, first, resp sql.NullInt64
	var cost sql.NullFloat64
	if err := row.Scan(
		&r.ID,
		&r.WorkspaceID,
		&r.AgentID,
		&r.VersionID,
		&r.Model,
		&r.ProviderType,
		&r.CreatedAt,
		&r.IsError,
		&r.IsStream,
		&r.IsTest,
		&r.ErrorName,
		&pre,
		&first,
		&resp,
		&r.Steps,
		&r.InputTokens,
		&r.CachedInputTokens,
		&r.OutputTokens,
		&r.Tokens,
		&cost,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run record: %w", err)
	}
	r.PreProcessingTime = int64Ptr(pre)
	r.FirstTokenTime = int64Ptr(first)
	r.ResponseTime = int64Ptr(resp)
	if cost.Valid {
		c := cost.Float64
		r.Cost = &c
	}
	return &r, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
