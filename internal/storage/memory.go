package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// NewMemoryStores creates an in-memory StoreSet.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Agents:      NewMemoryAgentStore(),
		Providers:   NewMemoryProviderStore(),
		ToolServers: NewMemoryToolServerStore(),
		APIKeys:     NewMemoryAPIKeyStore(),
		Members:     NewMemoryMembershipStore(),
		Runs:        NewMemoryRunStore(),
	}
}

// MemoryAgentStore provides an in-memory AgentStore.
type MemoryAgentStore struct {
	mu       sync.RWMutex
	agents   map[string]*models.Agent
	versions map[string]*models.AgentVersion
}

// NewMemoryAgentStore creates an in-memory agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		agents:   make(map[string]*models.Agent),
		versions: make(map[string]*models.AgentVersion),
	}
}

func (s *MemoryAgentStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return ErrAlreadyExists
	}
	stored := *agent
	stored.Deployments = make(map[models.Environment]string, len(agent.Deployments))
	for env, id := range agent.Deployments {
		stored.Deployments[env] = id
	}
	s.agents[agent.ID] = &stored
	return nil
}

func (s *MemoryAgentStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *agent
	out.Deployments = make(map[models.Environment]string, len(agent.Deployments))
	for env, vid := range agent.Deployments {
		out.Deployments[env] = vid
	}
	return &out, nil
}

func (s *MemoryAgentStore) CreateVersion(ctx context.Context, version *models.AgentVersion) error {
	if version == nil || version.ID == "" {
		return fmt.Errorf("version is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[version.AgentID]; !ok {
		return fmt.Errorf("agent %s: %w", version.AgentID, ErrNotFound)
	}
	if _, exists := s.versions[version.ID]; exists {
		return ErrAlreadyExists
	}
	stored := version.Clone()
	s.versions[version.ID] = &stored
	return nil
}

func (s *MemoryAgentStore) GetVersion(ctx context.Context, id string) (*models.AgentVersion, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := version.Clone()
	return &out, nil
}

func (s *MemoryAgentStore) GetDeployedVersion(ctx context.Context, agentID string, env models.Environment) (*models.AgentVersion, error) {
	s.mu.RLock()
	agent, ok := s.agents[agentID]
	var versionID string
	if ok {
		versionID = agent.Deployments[env]
	}
	s.mu.RUnlock()
	if versionID == "" {
		return nil, ErrNotFound
	}
	return s.GetVersion(ctx, versionID)
}

func (s *MemoryAgentStore) Deploy(ctx context.Context, agentID string, env models.Environment, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	version, ok := s.versions[versionID]
	if !ok || version.AgentID != agentID {
		return fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	if agent.Deployments == nil {
		agent.Deployments = make(map[models.Environment]string)
	}
	agent.Deployments[env] = versionID
	agent.UpdatedAt = time.Now()
	return nil
}

// MemoryProviderStore provides an in-memory ProviderStore.
type MemoryProviderStore struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
}

// NewMemoryProviderStore creates an in-memory provider store.
func NewMemoryProviderStore() *MemoryProviderStore {
	return &MemoryProviderStore{providers: make(map[string]models.Provider)}
}

func (s *MemoryProviderStore) CreateProvider(ctx context.Context, provider *models.Provider) error {
	if provider == nil || provider.ID == "" {
		return fmt.Errorf("provider is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.providers[provider.ID]; exists {
		return ErrAlreadyExists
	}
	s.providers[provider.ID] = *provider
	return nil
}

func (s *MemoryProviderStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	provider, ok := s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &provider, nil
}

// MemoryToolServerStore provides an in-memory ToolServerStore.
type MemoryToolServerStore struct {
	mu      sync.RWMutex
	servers map[string]models.ToolServer
}

// NewMemoryToolServerStore creates an in-memory tool server store.
func NewMemoryToolServerStore() *MemoryToolServerStore {
	return &MemoryToolServerStore{servers: make(map[string]models.ToolServer)}
}

func (s *MemoryToolServerStore) CreateToolServer(ctx context.Context, server *models.ToolServer) error {
	if server == nil || server.ID == "" {
		return fmt.Errorf("tool server is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[server.ID]; exists {
		return ErrAlreadyExists
	}
	s.servers[server.ID] = *server
	return nil
}

func (s *MemoryToolServerStore) GetToolServer(ctx context.Context, id string) (*models.ToolServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server, ok := s.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &server, nil
}

// MemoryAPIKeyStore provides an in-memory APIKeyStore keyed by hash.
type MemoryAPIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]models.APIKey
}

// NewMemoryAPIKeyStore creates an in-memory API key store.
func NewMemoryAPIKeyStore() *MemoryAPIKeyStore {
	return &MemoryAPIKeyStore{keys: make(map[string]models.APIKey)}
}

func (s *MemoryAPIKeyStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key == nil || key.KeyHash == "" {
		return fmt.Errorf("api key hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.KeyHash]; exists {
		return ErrAlreadyExists
	}
	s.keys[key.KeyHash] = *key
	return nil
}

func (s *MemoryAPIKeyStore) LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyHash]
	if !ok || key.RevokedAt != nil {
		return nil, ErrNotFound
	}
	return &key, nil
}

// MemoryMembershipStore provides an in-memory MembershipStore.
type MemoryMembershipStore struct {
	mu      sync.RWMutex
	members map[string]map[string]bool
}

// NewMemoryMembershipStore creates an in-memory membership store.
func NewMemoryMembershipStore() *MemoryMembershipStore {
	return &MemoryMembershipStore{members: make(map[string]map[string]bool)}
}

func (s *MemoryMembershipStore) AddMember(ctx context.Context, workspaceID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[workspaceID] == nil {
		s.members[workspaceID] = make(map[string]bool)
	}
	s.members[workspaceID][userID] = true
	return nil
}

func (s *MemoryMembershipStore) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[workspaceID][userID], nil
}

// MemoryRunStore provides an in-memory RunStore.
type MemoryRunStore struct {
	mu      sync.RWMutex
	records map[string]models.RunRecord
	order   []string
}

// NewMemoryRunStore creates an in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{records: make(map[string]models.RunRecord)}
}

func (s *MemoryRunStore) InsertRunRecord(ctx context.Context, record *models.RunRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("run record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return ErrAlreadyExists
	}
	s.records[record.ID] = *record
	s.order = append(s.order, record.ID)
	return nil
}

func (s *MemoryRunStore) GetRunRecord(ctx context.Context, id string) (*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &record, nil
}

// Records returns all inserted records in insertion order.
func (s *MemoryRunStore) Records() []models.RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RunRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}
