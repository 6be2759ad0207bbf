package storage

import (
	"context"
	"errors"

	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AgentStore persists agents, their immutable versions, and the per-environment
// deployment pointers.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	CreateVersion(ctx context.Context, version *models.AgentVersion) error
	GetVersion(ctx context.Context, id string) (*models.AgentVersion, error)
	// GetDeployedVersion returns the version deployed to env, or ErrNotFound.
	GetDeployedVersion(ctx context.Context, agentID string, env models.Environment) (*models.AgentVersion, error)
	// Deploy points env at versionID, replacing any previous deployment.
	Deploy(ctx context.Context, agentID string, env models.Environment, versionID string) error
}

// ProviderStore persists model backend registrations.
type ProviderStore interface {
	CreateProvider(ctx context.Context, provider *models.Provider) error
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
}

// ToolServerStore persists MCP tool server registrations.
type ToolServerStore interface {
	CreateToolServer(ctx context.Context, server *models.ToolServer) error
	GetToolServer(ctx context.Context, id string) (*models.ToolServer, error)
}

// APIKeyStore resolves API key hashes to workspaces.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// MembershipStore answers workspace membership questions for bearer callers.
type MembershipStore interface {
	AddMember(ctx context.Context, workspaceID, userID string) error
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// RunStore persists run records. Records are insert-only.
type RunStore interface {
	InsertRunRecord(ctx context.Context, record *models.RunRecord) error
	GetRunRecord(ctx context.Context, id string) (*models.RunRecord, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Agents      AgentStore
	Providers   ProviderStore
	ToolServers ToolServerStore
	APIKeys     APIKeyStore
	Members     MembershipStore
	Runs        RunStore
	closer      func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
