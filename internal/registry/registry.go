// Package registry loads the static agent registry and the category table.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"agentdash/internal/domain"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Registry is the immutable set of known agents.
type Registry struct {
	agents map[string]domain.AgentDefinition
	names  []string
}

type fileDefinition struct {
	Category     string   `json:"category" yaml:"category"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Tags         []string `json:"tags" yaml:"tags"`
}

type fileFormat struct {
	Agents map[string]fileDefinition `json:"agents" yaml:"agents"`
}

// New builds a registry from definitions. Later duplicates replace earlier ones.
func New(defs ...domain.AgentDefinition) *Registry {
	r := &Registry{agents: make(map[string]domain.AgentDefinition, len(defs))}
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		def.Name = name
		r.agents[name] = def
	}
	r.names = make([]string, 0, len(r.agents))
	for name := range r.agents {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

// Load reads a registry file. JSON files may contain comments and trailing
// commas; .yaml and .yml files are decoded as YAML.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent registry: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes registry content. ext selects the format.
func Parse(data []byte, ext string) (*Registry, error) {
	var file fileFormat
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode agent registry: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
			return nil, fmt.Errorf("decode agent registry: %w", err)
		}
	}

	defs := make([]domain.AgentDefinition, 0, len(file.Agents))
	for name, def := range file.Agents {
		caps := def.Capabilities
		if len(caps) == 0 {
			caps = def.Tags
		}
		defs = append(defs, domain.AgentDefinition{Name: name, Category: def.Category, Capabilities: caps})
	}
	return New(defs...), nil
}

// LoadOrEmpty returns an empty registry when the file is missing or invalid,
// along with the error so the caller can log it.
func LoadOrEmpty(path string) (*Registry, error) {
	r, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), fmt.Errorf("agent registry %s not found: %w", path, err)
		}
		return New(), err
	}
	return r, nil
}

// Names returns agent names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (domain.AgentDefinition, bool) {
	def, ok := r.agents[name]
	return def, ok
}

// Len returns the number of agents.
func (r *Registry) Len() int { return len(r.agents) }

// WorkspaceFileNames returns the status document names checked for an agent,
// in priority order: dashes removed first, then the name as-is.
func WorkspaceFileNames(agent string) []string {
	compact := "Agent-" + strings.ReplaceAll(agent, "-", "") + ".md"
	exact := "Agent-" + agent + ".md"
	if compact == exact {
		return []string{compact}
	}
	return []string{compact, exact}
}

// AgentFromWorkspaceFile derives the agent name from a status document file
// name. The stem is lowercased and, when it matches a registered agent with
// dashes removed, the registered name is returned.
func (r *Registry) AgentFromWorkspaceFile(file string) (string, bool) {
	base := filepath.Base(file)
	if !strings.HasPrefix(base, "Agent-") || !strings.HasSuffix(base, ".md") {
		return "", false
	}
	stem := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(base, "Agent-"), ".md"))
	if stem == "" {
		return "", false
	}
	if r != nil {
		if _, ok := r.agents[stem]; ok {
			return stem, true
		}
		for _, name := range r.names {
			if strings.ReplaceAll(strings.ToLower(name), "-", "") == stem {
				return name, true
			}
		}
	}
	return stem, true
}
