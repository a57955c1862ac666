// Package agent implements the server-managed conversation strategies: the
// LLM-backed scenario loop and the two deterministic scripted variants.
package agent

import (
	"fmt"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/orchestrator/client"
)

// Factory builds server-managed agents by strategy type.
type Factory struct {
	completions llm.CompletionClient
	synth       *llm.Synthesizer
	maxSteps    int
	log         *logger.Logger
}

var _ orchestrator.AgentFactory = (*Factory)(nil)

// NewFactory creates the strategy factory. completions may be nil when no
// scenario-driven agents will run.
func NewFactory(completions llm.CompletionClient, maxSteps int, log *logger.Logger) *Factory {
	f := &Factory{
		completions: completions,
		maxSteps:    maxSteps,
		log:         log,
	}
	if completions != nil {
		f.synth = llm.NewSynthesizer(completions)
	}
	return f
}

// NewAgent builds the agent for one conversation slot.
func (f *Factory) NewAgent(conversationID string, cfg models.AgentConfig, cl client.Client) (orchestrator.Agent, error) {
	switch cfg.StrategyType {
	case models.StrategyScenarioDriven:
		if f.completions == nil {
			return nil, fmt.Errorf("scenario-driven agent %q requires an LLM client", cfg.ID)
		}
		return NewScenarioDrivenAgent(conversationID, cfg, cl, f.completions, f.synth, f.maxSteps, f.log), nil
	case models.StrategySequentialScript:
		return NewSequentialScriptAgent(conversationID, cfg, cl, f.log)
	case models.StrategyStaticReplay:
		return NewStaticReplayAgent(conversationID, cfg, cl, f.log)
	default:
		return nil, fmt.Errorf("strategy %q is not server-managed", cfg.StrategyType)
	}
}
