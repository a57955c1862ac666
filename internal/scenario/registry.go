// Package scenario loads scenario definitions from YAML files into the
// conversation store, where scenario-driven agents resolve them by id and
// version.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/store"
)

// Registry loads scenario files and registers them in the store.
type Registry struct {
	store  store.Store
	logger *logger.Logger
}

func NewRegistry(s store.Store, log *logger.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: log.WithFields(zap.String("component", "scenario-registry")),
	}
}

// LoadDir loads every .yaml/.yml file in dir. Files may hold multiple
// scenarios as separate YAML documents. Returns the number of scenarios
// registered.
func (r *Registry) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read scenario dir: %w", err)
	}

	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		n, err := r.LoadFile(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// LoadFile loads all scenario documents from a single YAML file.
func (r *Registry) LoadFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open scenario file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	count := 0
	for {
		var scenario models.Scenario
		if err := dec.Decode(&scenario); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return count, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := validate(&scenario); err != nil {
			return count, fmt.Errorf("invalid scenario in %s: %w", path, err)
		}
		if err := r.store.PutScenario(ctx, &scenario); err != nil {
			return count, fmt.Errorf("register scenario %s@%s: %w", scenario.ID, scenario.Version, err)
		}
		r.logger.Info("Scenario registered",
			zap.String("scenario_id", scenario.ID),
			zap.String("version", scenario.Version),
			zap.Int("agents", len(scenario.Agents)))
		count++
	}
	return count, nil
}

func validate(s *models.Scenario) error {
	if s.ID == "" {
		return fmt.Errorf("scenario id is required")
	}
	if s.Version == "" {
		return fmt.Errorf("scenario %s: version is required", s.ID)
	}
	if len(s.Agents) == 0 {
		return fmt.Errorf("scenario %s: at least one agent is required", s.ID)
	}
	seen := make(map[string]bool, len(s.Agents))
	for _, agent := range s.Agents {
		if agent.ID == "" {
			return fmt.Errorf("scenario %s: agent id is required", s.ID)
		}
		if seen[agent.ID] {
			return fmt.Errorf("scenario %s: duplicate agent id %q", s.ID, agent.ID)
		}
		seen[agent.ID] = true
		if agent.SystemPrompt == "" {
			return fmt.Errorf("scenario %s: agent %s: system_prompt is required", s.ID, agent.ID)
		}
		for _, tool := range agent.Tools {
			if tool.Name == "" {
				return fmt.Errorf("scenario %s: agent %s: tool name is required", s.ID, agent.ID)
			}
		}
	}
	return nil
}
