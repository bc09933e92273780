package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var sourceRank = map[string]int{
	"builtin":  3,
	"plugin":   2,
	"subagent": 1,
}

// Registration tunes how a tool competes with another tool of the same name.
type Registration struct {
	Priority int
	Source   string
}

type registeredTool struct {
	tool Tool
	reg  Registration
	name string
}

// Registry resolves tool names. On a name clash the higher priority wins,
// then the higher-ranked source; an exact tie is a conflict.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

func (r *Registry) Register(tool Tool, reg Registration) error {
	if r == nil {
		return errors.New("nil tool registry")
	}
	if tool == nil {
		return errors.New("nil tool")
	}
	name := strings.TrimSpace(tool.Definition().Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	reg.Source = strings.ToLower(strings.TrimSpace(reg.Source))
	if reg.Source == "" {
		reg.Source = "builtin"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[name]; ok {
		replace, err := shouldReplaceTool(name, existing.reg, reg)
		if err != nil {
			return err
		}
		if !replace {
			return nil
		}
	}
	r.tools[name] = registeredTool{tool: tool, reg: reg, name: name}
	return nil
}

// MustRegister registers builtin tools at startup.
func (r *Registry) MustRegister(ts ...Tool) {
	for _, t := range ts {
		if err := r.Register(t, Registration{}); err != nil {
			panic(err)
		}
	}
}

func shouldReplaceTool(name string, existing Registration, candidate Registration) (bool, error) {
	if candidate.Priority > existing.Priority {
		return true, nil
	}
	if candidate.Priority < existing.Priority {
		return false, nil
	}
	existingRank := sourceRank[existing.Source]
	candidateRank := sourceRank[candidate.Source]
	if candidateRank > existingRank {
		return true, nil
	}
	if candidateRank < existingRank {
		return false, nil
	}
	return false, fmt.Errorf("tool_registry_conflict: duplicate tool %q with same priority/source", name)
}

func (r *Registry) Unregister(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, strings.TrimSpace(name))
}

func (r *Registry) Resolve(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return nil, false
	}
	return item.tool, true
}

// All lists tools by priority, then name.
func (r *Registry) All() []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	items := make([]registeredTool, 0, len(r.tools))
	for _, item := range r.tools {
		items = append(items, item)
	}
	r.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if items[i].reg.Priority == items[j].reg.Priority {
			return items[i].name < items[j].name
		}
		return items[i].reg.Priority > items[j].reg.Priority
	})
	out := make([]Tool, 0, len(items))
	for _, item := range items {
		out = append(out, item.tool)
	}
	return out
}

// Select resolves names in order, skipping unknown and repeated names.
func (r *Registry) Select(names []string) []Tool {
	out := make([]Tool, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if t, ok := r.Resolve(name); ok {
			out = append(out, t)
		}
	}
	return out
}
