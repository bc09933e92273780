package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxSteps          = 8
	maxMaxSteps              = 32
	defaultMaxParallelTools  = 4
	defaultHeartbeatInterval = 15 * time.Second
	defaultMaxOutputTokens   = 4096

	defaultSubagentContextMessages = 5
	defaultSubagentGraceDelay      = 150 * time.Millisecond
	defaultSubagentMaxParallel     = 3
)

// ResearchConfig tunes the research loop.
type ResearchConfig struct {
	// MaxSteps caps model+tools steps before the final tool-free pass.
	MaxSteps *int `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`

	MaxParallelTools *int `json:"max_parallel_tools,omitempty" yaml:"max_parallel_tools,omitempty"`
	MaxOutputTokens  *int `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`

	// HeartbeatIntervalMs is the ping interval of streamed runs. 0 disables
	// pings.
	HeartbeatIntervalMs *int `json:"heartbeat_interval_ms,omitempty" yaml:"heartbeat_interval_ms,omitempty"`

	// SystemPrompt replaces the built-in lead researcher prompt.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	Subagent *SubagentConfig `json:"subagent,omitempty" yaml:"subagent,omitempty"`
}

// SubagentConfig configures delegation to child research runs.
type SubagentConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// ToolAllowlist limits the child tool set. Empty means every parent tool
	// except the delegation tool itself.
	ToolAllowlist []string `json:"tool_allowlist,omitempty" yaml:"tool_allowlist,omitempty"`

	ContextMessages *int   `json:"context_messages,omitempty" yaml:"context_messages,omitempty"`
	GraceDelayMs    *int   `json:"grace_delay_ms,omitempty" yaml:"grace_delay_ms,omitempty"`
	MaxParallel     *int   `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// Validate accepts a nil config; every field has a default.
func (c *ResearchConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.MaxSteps != nil && (*c.MaxSteps < 1 || *c.MaxSteps > maxMaxSteps) {
		return fmt.Errorf("invalid max_steps %d (must be in [1,%d])", *c.MaxSteps, maxMaxSteps)
	}
	if c.MaxParallelTools != nil && *c.MaxParallelTools < 1 {
		return fmt.Errorf("invalid max_parallel_tools %d", *c.MaxParallelTools)
	}
	if c.HeartbeatIntervalMs != nil && *c.HeartbeatIntervalMs < 0 {
		return fmt.Errorf("invalid heartbeat_interval_ms %d", *c.HeartbeatIntervalMs)
	}
	if s := c.Subagent; s != nil {
		if s.ContextMessages != nil && *s.ContextMessages < 1 {
			return fmt.Errorf("invalid subagent.context_messages %d", *s.ContextMessages)
		}
		if s.GraceDelayMs != nil && *s.GraceDelayMs < 0 {
			return fmt.Errorf("invalid subagent.grace_delay_ms %d", *s.GraceDelayMs)
		}
		if s.MaxParallel != nil && *s.MaxParallel < 1 {
			return fmt.Errorf("invalid subagent.max_parallel %d", *s.MaxParallel)
		}
		for i, name := range s.ToolAllowlist {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("subagent.tool_allowlist[%d]: empty tool name", i)
			}
		}
	}
	return nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func (c *ResearchConfig) EffectiveMaxSteps() int {
	if c == nil {
		return defaultMaxSteps
	}
	v := intOr(c.MaxSteps, defaultMaxSteps)
	if v < 1 {
		return defaultMaxSteps
	}
	if v > maxMaxSteps {
		return maxMaxSteps
	}
	return v
}

func (c *ResearchConfig) EffectiveMaxParallelTools() int {
	if c == nil || intOr(c.MaxParallelTools, 0) < 1 {
		return defaultMaxParallelTools
	}
	return *c.MaxParallelTools
}

func (c *ResearchConfig) EffectiveMaxOutputTokens() int {
	if c == nil || intOr(c.MaxOutputTokens, 0) < 1 {
		return defaultMaxOutputTokens
	}
	return *c.MaxOutputTokens
}

// EffectiveHeartbeatInterval returns a negative duration when pings are off.
func (c *ResearchConfig) EffectiveHeartbeatInterval() time.Duration {
	if c == nil || c.HeartbeatIntervalMs == nil {
		return defaultHeartbeatInterval
	}
	if *c.HeartbeatIntervalMs == 0 {
		return -1
	}
	return time.Duration(*c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *ResearchConfig) EffectiveSystemPrompt() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.SystemPrompt)
}

func (c *ResearchConfig) subagent() *SubagentConfig {
	if c == nil {
		return nil
	}
	return c.Subagent
}

func (c *ResearchConfig) EffectiveSubagentEnabled() bool {
	s := c.subagent()
	if s == nil || s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

func (c *ResearchConfig) EffectiveSubagentToolAllowlist() []string {
	s := c.subagent()
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.ToolAllowlist))
	for _, name := range s.ToolAllowlist {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func (c *ResearchConfig) EffectiveSubagentContextMessages() int {
	s := c.subagent()
	if s == nil || s.ContextMessages == nil || *s.ContextMessages < 1 {
		return defaultSubagentContextMessages
	}
	return *s.ContextMessages
}

// EffectiveSubagentGraceDelay returns a negative duration when the delay is
// explicitly 0.
func (c *ResearchConfig) EffectiveSubagentGraceDelay() time.Duration {
	s := c.subagent()
	if s == nil || s.GraceDelayMs == nil || *s.GraceDelayMs < 0 {
		return defaultSubagentGraceDelay
	}
	if *s.GraceDelayMs == 0 {
		return -1
	}
	return time.Duration(*s.GraceDelayMs) * time.Millisecond
}

func (c *ResearchConfig) EffectiveSubagentMaxParallel() int {
	s := c.subagent()
	if s == nil || s.MaxParallel == nil || *s.MaxParallel < 1 {
		return defaultSubagentMaxParallel
	}
	return *s.MaxParallel
}

func (c *ResearchConfig) EffectiveSubagentSystemPrompt() string {
	s := c.subagent()
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.SystemPrompt)
}
