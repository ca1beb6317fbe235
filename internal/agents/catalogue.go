// Package agents holds the agent sets a session can be started with.
package agents

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/user/patientline/internal/types"
)

const DefaultSet = "patientRegistration"

// ToolResolver turns tool names into specs, usually *tools.Registry.
type ToolResolver interface {
	Specs(names []string) ([]types.ToolSpec, error)
}

// Catalogue maps agent-set keys to ordered agent rosters.
type Catalogue struct {
	Default string                    `yaml:"default"`
	Sets    map[string][]*types.Agent `yaml:"sets"`
}

// Builtin returns the catalogue compiled into the binary.
func Builtin() *Catalogue {
	return &Catalogue{
		Default: DefaultSet,
		Sets: map[string][]*types.Agent{
			DefaultSet: {patientDetailsCollector()},
		},
	}
}

// LoadFile reads a YAML catalogue.
func LoadFile(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent catalogue: %w", err)
	}
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse agent catalogue: %w", err)
	}
	if len(c.Sets) == 0 {
		return nil, fmt.Errorf("agent catalogue %s defines no sets", path)
	}
	if c.Default == "" {
		c.Default = c.Keys()[0]
	}
	if _, ok := c.Sets[c.Default]; !ok {
		return nil, fmt.Errorf("default agent set %q not defined", c.Default)
	}
	return &c, nil
}

// Resolve fills in tool specs and checks that every agent has an id and
// every handoff points at an agent of the same set.
func (c *Catalogue) Resolve(tools ToolResolver) error {
	for key, set := range c.Sets {
		if len(set) == 0 {
			return fmt.Errorf("agent set %q is empty", key)
		}
		ids := make(map[types.AgentID]bool, len(set))
		for _, a := range set {
			if a.ID == "" {
				return fmt.Errorf("agent set %q: agent without id", key)
			}
			ids[a.ID] = true
		}
		for _, a := range set {
			for _, h := range a.Handoffs {
				if !ids[h] {
					return fmt.Errorf("agent %s: handoff target %s not in set %q", a.ID, h, key)
				}
			}
			specs, err := tools.Specs(a.ToolNames)
			if err != nil {
				return fmt.Errorf("agent %s: %w", a.ID, err)
			}
			a.Tools = specs
		}
	}
	return nil
}

// Keys returns the set keys in sorted order.
func (c *Catalogue) Keys() []string {
	keys := make([]string, 0, len(c.Sets))
	for k := range c.Sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set returns the roster for key, falling back to the default set for an
// unknown key. The returned key is the one actually used.
func (c *Catalogue) Set(key string) (string, []*types.Agent) {
	if set, ok := c.Sets[key]; ok {
		return key, set
	}
	return c.Default, c.Sets[c.Default]
}

// Reorder returns copies of agents with selected moved to the front and
// marked as root. When selected is not in the roster the first agent is root.
func Reorder(agents []*types.Agent, selected types.AgentID) []*types.Agent {
	out := make([]*types.Agent, 0, len(agents))
	for _, a := range agents {
		c := *a
		c.IsRoot = false
		if a.ID == selected {
			out = append([]*types.Agent{&c}, out...)
			continue
		}
		out = append(out, &c)
	}
	if len(out) > 0 {
		out[0].IsRoot = true
	}
	return out
}

// Find returns the agent with id, or nil.
func Find(agents []*types.Agent, id types.AgentID) *types.Agent {
	for _, a := range agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}
