package orchestrator

import (
	"sync"
	"time"
)

// pendingQuery is the rendezvous between an agent awaiting a human answer and
// the transport that delivers it. The channel has a buffer of 1 so a response
// can land before the agent starts waiting.
type pendingQuery struct {
	conversationID string
	agentID        string
	responseCh     chan string
	createdAt      time.Time
}

// queryRegistry tracks pending user queries in memory. The durable record
// lives in the store; this only carries the wakeup channel.
type queryRegistry struct {
	mu      sync.RWMutex
	pending map[string]*pendingQuery
}

func newQueryRegistry() *queryRegistry {
	return &queryRegistry{pending: make(map[string]*pendingQuery)}
}

func (r *queryRegistry) add(queryID, conversationID, agentID string) *pendingQuery {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &pendingQuery{
		conversationID: conversationID,
		agentID:        agentID,
		responseCh:     make(chan string, 1),
		createdAt:      time.Now(),
	}
	r.pending[queryID] = p
	return p
}

func (r *queryRegistry) get(queryID string) (*pendingQuery, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pending[queryID]
	return p, ok
}

// consume removes a pending query, so each query is answered at most once.
func (r *queryRegistry) consume(queryID string) (*pendingQuery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[queryID]
	if ok {
		delete(r.pending, queryID)
	}
	return p, ok
}

func (r *queryRegistry) remove(queryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, queryID)
}
