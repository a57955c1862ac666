// Package bridge connects an external counterparty to a conversation. The
// counterparty speaks through a request/response tool surface; the bridge
// agent carries its voice inside the conversation and relays replies back.
package bridge

import (
	"encoding/base64"
	"encoding/json"

	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/orchestrator"
)

// EndpointConfig is the decoded form of the opaque blob bound to a bridge
// endpoint. It fully describes the conversation the endpoint creates.
type EndpointConfig struct {
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Agents   []models.AgentConfig   `json:"agents"`
}

// BridgedAgent returns the config of the agent the external counterparty
// speaks as. Valid configs have exactly one.
func (c *EndpointConfig) BridgedAgent() *models.AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].StrategyType.IsBridge() {
			return &c.Agents[i]
		}
	}
	return nil
}

// EncodeEndpointConfig packs a config into its URL-safe blob form.
func EncodeEndpointConfig(cfg *EndpointConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", orchestrator.WrapError(orchestrator.KindInternal, err, "failed to encode endpoint config")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeEndpointConfig unpacks and validates an endpoint config blob.
//
// Rejections carry distinct kinds: a blob that does not decode is
// InvalidConfig; a decoded config with no bridge-strategy agent is
// NoBridgedAgent; more than one bridged agent is InvalidBridgeStrategy.
func DecodeEndpointConfig(blob string) (*EndpointConfig, error) {
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		// Tolerate padded input from older encoders.
		raw, err = base64.URLEncoding.DecodeString(blob)
	}
	if err != nil {
		return nil, orchestrator.WrapError(KindInvalidConfig, err, "endpoint config is not valid base64url")
	}
	var cfg EndpointConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, orchestrator.WrapError(KindInvalidConfig, err, "endpoint config is not valid JSON")
	}
	if len(cfg.Agents) == 0 {
		return nil, orchestrator.NewError(KindInvalidConfig, "endpoint config names no agents")
	}

	bridged := 0
	for _, agent := range cfg.Agents {
		if !agent.StrategyType.Valid() {
			return nil, orchestrator.NewError(KindInvalidBridgeStrategy, "agent %q has unknown strategy %q", agent.ID, agent.StrategyType)
		}
		if agent.StrategyType.IsBridge() {
			bridged++
		}
	}
	switch {
	case bridged == 0:
		return nil, orchestrator.NewError(KindNoBridgedAgent, "endpoint config has no bridge-strategy agent")
	case bridged > 1:
		return nil, orchestrator.NewError(KindInvalidBridgeStrategy, "endpoint config has %d bridge-strategy agents, want 1", bridged)
	}
	return &cfg, nil
}
