package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/orchestrator"
)

// Manager owns the bridge agents of this process, one per bridged
// conversation. It creates conversations from endpoint config blobs and
// reattaches to conversations that outlived a previous process.
type Manager struct {
	svc         *orchestrator.Service
	waitTimeout time.Duration
	log         *logger.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

// NewManager creates the bridge manager. waitTimeout bounds every rendezvous.
func NewManager(svc *orchestrator.Service, waitTimeout time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		svc:         svc,
		waitTimeout: waitTimeout,
		log:         log,
		agents:      make(map[string]*Agent),
	}
}

// Begin creates and starts a conversation from an endpoint config blob and
// returns its id. The external counterparty initiates, so no message is sent
// yet; server-managed counterpart agents are provisioned and idle.
func (m *Manager) Begin(ctx context.Context, blob string) (string, error) {
	cfg, err := DecodeEndpointConfig(blob)
	if err != nil {
		return "", err
	}

	result, err := m.svc.CreateConversation(ctx, orchestrator.CreateConversationRequest{
		Agents:   cfg.Agents,
		Metadata: cfg.Metadata,
	})
	if err != nil {
		return "", err
	}
	conversationID := result.Conversation.ID

	var agentIDs []string
	if result.Conversation.AllAgentsExternal() {
		// Nothing to provision; name the bridged agent so activation is
		// explicit rather than deferred to the first turn.
		agentIDs = []string{cfg.BridgedAgent().ID}
	}
	if err := m.svc.StartConversation(ctx, conversationID, agentIDs); err != nil {
		return "", err
	}

	if _, err := m.attach(ctx, result.Conversation); err != nil {
		return "", err
	}
	m.log.WithConversationID(conversationID).Info("Bridged conversation started")
	return conversationID, nil
}

// SendMessage speaks for the external counterparty and waits for the reply.
// A Timeout or Conflict kind means the counterparty is still working; the
// surface converts those to StillWorking values.
func (m *Manager) SendMessage(ctx context.Context, conversationID, text string, attachments []models.AttachmentPayload) (*Reply, error) {
	agent, err := m.agentFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return agent.ExternalClientTurn(ctx, text, attachments, m.waitTimeout)
}

// WaitForReply polls for a reply without sending anything.
func (m *Manager) WaitForReply(ctx context.Context, conversationID string) (*Reply, error) {
	agent, err := m.agentFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return agent.WaitForPendingReply(ctx, m.waitTimeout)
}

// Stats returns the counterparty activity stats for a bridged conversation.
func (m *Manager) Stats(ctx context.Context, conversationID string) Stats {
	m.mu.Lock()
	agent, ok := m.agents[conversationID]
	m.mu.Unlock()
	if !ok {
		return Stats{}
	}
	return agent.StatsSnapshot()
}

// Close detaches every bridge agent.
func (m *Manager) Close() {
	m.mu.Lock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		agents = append(agents, agent)
	}
	m.agents = make(map[string]*Agent)
	m.mu.Unlock()
	for _, agent := range agents {
		agent.Close()
	}
}

// agentFor returns the resident bridge agent, reattaching to the
// conversation after a restart if needed.
func (m *Manager) agentFor(ctx context.Context, conversationID string) (*Agent, error) {
	m.mu.Lock()
	if agent, ok := m.agents[conversationID]; ok {
		m.mu.Unlock()
		return agent, nil
	}
	m.mu.Unlock()

	conversation, err := m.svc.EnsureConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return m.attach(ctx, conversation)
}

// attach creates and registers the bridge agent for a conversation.
func (m *Manager) attach(ctx context.Context, conversation *models.Conversation) (*Agent, error) {
	var bridgedCfg *models.AgentConfig
	for i := range conversation.Agents {
		if conversation.Agents[i].StrategyType.IsBridge() {
			bridgedCfg = &conversation.Agents[i]
			break
		}
	}
	if bridgedCfg == nil {
		return nil, orchestrator.NewError(KindNoBridgedAgent, "conversation %s has no bridge-strategy agent", conversation.ID)
	}

	agent := NewAgent(conversation.ID, *bridgedCfg, m.svc, m.log)
	if err := agent.Initialize(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.agents[conversation.ID]; ok {
		agent.Close()
		return existing, nil
	}
	m.agents[conversation.ID] = agent
	return agent, nil
}
