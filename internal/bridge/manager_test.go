package bridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/store"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/token"
)

// managerEnv wires a real orchestrator behind a bridge manager. The supplier
// agent replies inline off the in-memory bus, so rendezvous return without
// waiting.
type managerEnv struct {
	store   *store.MemoryStore
	service *orchestrator.Service
	manager *Manager
}

func newManagerEnv(t *testing.T, responses []string) *managerEnv {
	t.Helper()
	log := logger.Default()
	memStore := store.NewMemoryStore()

	index := 0
	completions := llm.CompletionFunc(func(ctx context.Context, prompt string) (string, error) {
		if index >= len(responses) {
			t.Errorf("unexpected completion request:\n%s", prompt)
			return "", fmt.Errorf("no scripted response left")
		}
		response := responses[index]
		index++
		return response, nil
	})

	service := orchestrator.NewService(
		memStore,
		bus.NewMemoryEventBus(log),
		token.NewRegistry(memStore, time.Hour, log),
		agent.NewFactory(completions, agent.DefaultMaxSteps, log),
		orchestrator.DefaultConfig(),
		log,
	)
	manager := NewManager(service, 2*time.Second, log)
	t.Cleanup(func() {
		manager.Close()
		service.Close(context.Background())
	})

	if err := memStore.PutScenario(context.Background(), &models.Scenario{
		ID:      "clinic",
		Version: "1",
		Agents: []models.ScenarioAgent{
			{
				ID:           "supplier",
				SystemPrompt: "You schedule clinic appointments.",
				Tools: []models.ScenarioTool{
					{Name: "booking_Success", Description: "Confirm the booking."},
				},
			},
		},
	}); err != nil {
		t.Fatalf("PutScenario: %v", err)
	}
	return &managerEnv{store: memStore, service: service, manager: manager}
}

func clinicBlob(t *testing.T) string {
	t.Helper()
	blob, err := EncodeEndpointConfig(&EndpointConfig{
		Agents: []models.AgentConfig{
			{ID: "caller", StrategyType: models.StrategyBridgeAsServer},
			{ID: "supplier", StrategyType: models.StrategyScenarioDriven, ScenarioID: "clinic", ScenarioVersion: "1"},
		},
	})
	if err != nil {
		t.Fatalf("EncodeEndpointConfig: %v", err)
	}
	return blob
}

func scripted(scratchpad, name, args string) string {
	return fmt.Sprintf("<scratchpad>%s</scratchpad>\n```json\n{\"name\": %q, \"args\": %s}\n```", scratchpad, name, args)
}

func TestManagerBridgedConversation(t *testing.T) {
	env := newManagerEnv(t, []string{
		scripted("Offering slots.", models.SendMessageToolName, `{"text": "We have Tuesday 10:00 free."}`),
		scripted("Booking it.", "booking_Success", `{}`),
		scripted("Confirming.", models.SendMessageToolName, `{"text": "Booked for Tuesday 10:00, see you then."}`),
	})
	ctx := context.Background()

	conversationID, err := env.manager.Begin(ctx, clinicBlob(t))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// Begin creates and activates but sends nothing.
	conversation, err := env.service.GetConversation(ctx, conversationID, store.GetConversationOptions{IncludeTurns: true})
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conversation.Status != models.ConversationActive {
		t.Errorf("status after begin = %q, want active", conversation.Status)
	}
	if len(conversation.Turns) != 0 {
		t.Errorf("begin must not produce turns, got %d", len(conversation.Turns))
	}

	reply, err := env.manager.SendMessage(ctx, conversationID, "Do you have anything on Tuesday?", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.MessageFromAgent != "We have Tuesday 10:00 free." {
		t.Errorf("reply = %q", reply.MessageFromAgent)
	}
	if reply.Status != StatusInputRequired {
		t.Errorf("status = %q, want input-required", reply.Status)
	}

	reply, err = env.manager.SendMessage(ctx, conversationID, "Tuesday 10:00 works.", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.MessageFromAgent != "Booked for Tuesday 10:00, see you then." {
		t.Errorf("reply = %q", reply.MessageFromAgent)
	}
	if reply.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", reply.Status)
	}

	conversation, err = env.service.GetConversation(ctx, conversationID, store.GetConversationOptions{IncludeTurns: true})
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conversation.Status != models.ConversationCompleted {
		t.Errorf("final status = %q, want completed", conversation.Status)
	}
	if len(conversation.Turns) != 4 {
		t.Errorf("got %d turns, want 4", len(conversation.Turns))
	}
}

func TestManagerReattachesAfterRestart(t *testing.T) {
	env := newManagerEnv(t, []string{
		scripted("Offering slots.", models.SendMessageToolName, `{"text": "We have Tuesday 10:00 free."}`),
	})
	ctx := context.Background()

	conversationID, err := env.manager.Begin(ctx, clinicBlob(t))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// A fresh manager with no resident agents stands in for a restarted
	// process sharing the same orchestrator.
	fresh := NewManager(env.service, 2*time.Second, logger.Default())
	t.Cleanup(fresh.Close)

	reply, err := fresh.SendMessage(ctx, conversationID, "Anything on Tuesday?", nil)
	if err != nil {
		t.Fatalf("SendMessage after reattach: %v", err)
	}
	if reply.MessageFromAgent != "We have Tuesday 10:00 free." {
		t.Errorf("reply = %q", reply.MessageFromAgent)
	}
}

func TestManagerBeginRejectsBadBlob(t *testing.T) {
	env := newManagerEnv(t, nil)
	_, err := env.manager.Begin(context.Background(), "!!!")
	if !orchestrator.IsKind(err, KindInvalidConfig) {
		t.Fatalf("expected invalid_config, got %v", err)
	}
}
