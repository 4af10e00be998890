package chat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// DefaultAgent names the row used when no agent is given or known.
const DefaultAgent = "default"

// AgentConfig selects who answers a chat request.
type AgentConfig struct {
	AgentName string `json:"agentName"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// IsZero reports whether no field is set.
func (c AgentConfig) IsZero() bool {
	return c == AgentConfig{}
}

type agentEntry struct {
	Provider string `toml:"provider" yaml:"provider"`
	Model    string `toml:"model" yaml:"model"`
}

type agentFile struct {
	Default *agentEntry           `toml:"default" yaml:"default"`
	Agents  map[string]agentEntry `toml:"agents" yaml:"agents"`
}

// AgentTable maps agent names to their default provider and model.
type AgentTable struct {
	agents map[string]agentEntry
}

// DefaultAgentTable returns the built-in defaults.
func DefaultAgentTable() *AgentTable {
	return &AgentTable{agents: map[string]agentEntry{
		"qa":         {Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
		"coder":      {Provider: "anthropic", Model: "claude-sonnet-4-5"},
		"reviewer":   {Provider: "anthropic", Model: "claude-sonnet-4-5"},
		"planner":    {Provider: "openai", Model: "gpt-4o"},
		DefaultAgent: {Provider: "anthropic", Model: "claude-sonnet-4-5"},
	}}
}

// LoadAgentTable reads overrides from a .toml or .yaml/.yml file and merges
// them over the built-in defaults. Partial rows keep the missing field.
func LoadAgentTable(path string) (*AgentTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent table: %w", err)
	}

	var file agentFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("agent table %s: unsupported format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse agent table %s: %w", path, err)
	}

	table := DefaultAgentTable()
	if file.Default != nil {
		table.merge(DefaultAgent, *file.Default)
	}
	for name, entry := range file.Agents {
		table.merge(name, entry)
	}
	return table, nil
}

func (t *AgentTable) merge(name string, entry agentEntry) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	cur := t.agents[name]
	if entry.Provider != "" {
		cur.Provider = entry.Provider
	}
	if entry.Model != "" {
		cur.Model = entry.Model
	}
	if cur.Provider == "" || cur.Model == "" {
		fallback := t.agents[DefaultAgent]
		if cur.Provider == "" {
			cur.Provider = fallback.Provider
		}
		if cur.Model == "" {
			cur.Model = fallback.Model
		}
	}
	t.agents[name] = cur
}

// Known reports whether the table has a row for name.
func (t *AgentTable) Known(name string) bool {
	_, ok := t.agents[strings.ToLower(name)]
	return ok
}

// Names returns the configured agent names.
func (t *AgentTable) Names() []string {
	out := make([]string, 0, len(t.agents))
	for name := range t.agents {
		out = append(out, name)
	}
	return out
}

// Resolve fills a missing provider or model from the agent's row, or from
// the default row for unknown agents. Given values are kept as is.
func (t *AgentTable) Resolve(agentName, provider, model string) AgentConfig {
	if agentName == "" {
		agentName = DefaultAgent
	}
	row, ok := t.agents[strings.ToLower(agentName)]
	if !ok {
		row = t.agents[DefaultAgent]
	}
	if provider == "" {
		provider = row.Provider
	}
	if model == "" {
		model = row.Model
	}
	return AgentConfig{AgentName: agentName, Provider: provider, Model: model}
}
