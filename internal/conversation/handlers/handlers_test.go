package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/store"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/token"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()
	memStore := store.NewMemoryStore()
	tokens := token.NewRegistry(memStore, time.Hour, log)
	svc := orchestrator.NewService(
		memStore,
		bus.NewMemoryEventBus(log),
		tokens,
		agent.NewFactory(nil, 0, log),
		orchestrator.DefaultConfig(),
		log,
	)
	t.Cleanup(func() { svc.Close(context.Background()) })

	router := gin.New()
	RegisterConversationRoutes(router, svc, tokens, log)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
}

// createExternalConversation creates a two-agent conversation whose agents
// both act through the HTTP API.
func createExternalConversation(t *testing.T, router *gin.Engine) (string, map[string]string) {
	t.Helper()
	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations", "", map[string]interface{}{
		"agents": []map[string]interface{}{
			{"id": "caller", "strategy_type": string(models.StrategyBridgeAsServer)},
			{"id": "callee", "strategy_type": string(models.StrategyBridgeAsClient)},
		},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		Conversation *models.Conversation `json:"conversation"`
		AgentTokens  map[string]string    `json:"agent_tokens"`
	}
	decodeBody(t, resp, &created)
	if len(created.AgentTokens) != 2 {
		t.Fatalf("expected 2 agent tokens, got %v", created.AgentTokens)
	}
	return created.Conversation.ID, created.AgentTokens
}

func TestConversationTurnLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	conversationID, tokens := createExternalConversation(t, router)

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/start", "", map[string]interface{}{
		"agent_ids": []string{"caller", "callee"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("start returned %d: %s", resp.Code, resp.Body.String())
	}

	resp = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/turns", tokens["caller"], nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("startTurn returned %d: %s", resp.Code, resp.Body.String())
	}
	var turn models.Turn
	decodeBody(t, resp, &turn)
	if turn.AgentID != "caller" {
		t.Errorf("turn agent = %q, want caller (from token)", turn.AgentID)
	}

	resp = doJSON(t, router, http.MethodPost,
		"/api/v1/conversations/"+conversationID+"/turns/"+turn.ID+"/trace", tokens["caller"],
		map[string]interface{}{"type": "thought", "content": "dialing"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("trace returned %d: %s", resp.Code, resp.Body.String())
	}

	resp = doJSON(t, router, http.MethodPost,
		"/api/v1/conversations/"+conversationID+"/turns/"+turn.ID+"/complete", tokens["caller"],
		map[string]interface{}{"content": "Hello there"})
	if resp.Code != http.StatusOK {
		t.Fatalf("complete returned %d: %s", resp.Code, resp.Body.String())
	}

	resp = doJSON(t, router, http.MethodGet,
		"/api/v1/conversations/"+conversationID+"?include_turns=true&include_trace=true", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get returned %d: %s", resp.Code, resp.Body.String())
	}
	var conversation models.Conversation
	decodeBody(t, resp, &conversation)
	if len(conversation.Turns) != 1 || conversation.Turns[0].Content != "Hello there" {
		t.Errorf("unexpected turns: %+v", conversation.Turns)
	}
	if len(conversation.Turns[0].Trace) != 1 {
		t.Errorf("expected 1 trace entry, got %d", len(conversation.Turns[0].Trace))
	}
}

func TestAgentEndpointsRequireToken(t *testing.T) {
	router := newTestRouter(t)
	conversationID, _ := createExternalConversation(t, router)

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/turns", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d, want 401", resp.Code)
	}

	resp = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/turns", "deadbeef", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("bogus token: got %d, want 401", resp.Code)
	}
}

func TestTokenIsBoundToItsConversation(t *testing.T) {
	router := newTestRouter(t)
	_, tokensA := createExternalConversation(t, router)
	conversationB, _ := createExternalConversation(t, router)

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationB+"/turns", tokensA["caller"], nil)
	if resp.Code != http.StatusForbidden {
		t.Errorf("cross-conversation token: got %d, want 403", resp.Code)
	}
}

func TestErrorKindMapping(t *testing.T) {
	router := newTestRouter(t)

	resp := doJSON(t, router, http.MethodGet, "/api/v1/conversations/missing", "", nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("unknown conversation: got %d, want 404", resp.Code)
	}

	conversationID, _ := createExternalConversation(t, router)
	start := func() *httptest.ResponseRecorder {
		return doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/start", "", map[string]interface{}{
			"agent_ids": []string{"caller"},
		})
	}
	if resp := start(); resp.Code != http.StatusOK {
		t.Fatalf("first start returned %d", resp.Code)
	}
	if resp := start(); resp.Code != http.StatusConflict {
		t.Errorf("double start: got %d, want 409", resp.Code)
	}

	resp = doJSON(t, router, http.MethodPost, "/api/v1/conversations", "", map[string]interface{}{
		"agents": []map[string]interface{}{},
	})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("empty agents: got %d, want 400", resp.Code)
	}
}

func TestCancelTurnOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	conversationID, tokens := createExternalConversation(t, router)
	doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/start", "", map[string]interface{}{
		"agent_ids": []string{"caller", "callee"},
	})

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/turns", tokens["caller"], nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("startTurn returned %d", resp.Code)
	}
	var turn models.Turn
	decodeBody(t, resp, &turn)

	resp = doJSON(t, router, http.MethodPost, "/api/v1/turns/"+turn.ID+"/cancel", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", resp.Code, resp.Body.String())
	}

	// The slot is free again.
	resp = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/turns", tokens["caller"], nil)
	if resp.Code != http.StatusCreated {
		t.Errorf("startTurn after cancel returned %d", resp.Code)
	}
}

func TestUserQueryOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	conversationID, tokens := createExternalConversation(t, router)
	doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/start", "", map[string]interface{}{
		"agent_ids": []string{"caller", "callee"},
	})

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conversationID+"/queries", tokens["caller"],
		map[string]interface{}{"question": "Proceed with booking?", "context": "slot negotiation"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("createUserQuery returned %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		QueryID string `json:"query_id"`
	}
	decodeBody(t, resp, &created)

	resp = doJSON(t, router, http.MethodPost, "/api/v1/queries/"+created.QueryID+"/respond", "",
		map[string]interface{}{"response": "yes"})
	if resp.Code != http.StatusOK {
		t.Fatalf("respond returned %d: %s", resp.Code, resp.Body.String())
	}

	resp = doJSON(t, router, http.MethodGet,
		"/api/v1/conversations/"+conversationID+"/queries/"+created.QueryID+"/wait", tokens["caller"], nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("wait returned %d: %s", resp.Code, resp.Body.String())
	}
	var answer struct {
		Response string `json:"response"`
	}
	decodeBody(t, resp, &answer)
	if answer.Response != "yes" {
		t.Errorf("response = %q, want yes", answer.Response)
	}

	resp = doJSON(t, router, http.MethodGet, "/api/v1/queries/"+created.QueryID, "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status returned %d", resp.Code)
	}
	var query models.UserQuery
	decodeBody(t, resp, &query)
	if query.Status != models.UserQueryAnswered {
		t.Errorf("status = %q, want answered", query.Status)
	}
}
