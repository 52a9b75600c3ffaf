package store

import "time"

// Status is the lifecycle state of an agent record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether s is an absorbing state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// PromptLimit caps the stored prompt length.
const PromptLimit = 500

// AgentRecord is one durable agent execution row.
type AgentRecord struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Status   Status `json:"status"`
	ParentID *int64 `json:"parentId,omitempty"`
	PID      *int   `json:"pid,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	// DurationMS is EndTime - StartTime in milliseconds; nil while the
	// record is non-terminal.
	DurationMS *int64 `json:"durationMs,omitempty"`

	// Prompt is truncated to PromptLimit characters on insert.
	Prompt  string  `json:"prompt"`
	LogPath string  `json:"logPath"`
	Error   *string `json:"error,omitempty"`

	EngineID  string  `json:"engineId"`
	Model     string  `json:"model"`
	SessionID *string `json:"sessionId,omitempty"`

	// Telemetry is populated by read paths that join it; nil when the
	// agent has no telemetry row.
	Telemetry *Telemetry `json:"telemetry,omitempty"`
}

// Telemetry is the zero-or-one usage row per agent.
type Telemetry struct {
	AgentID             int64    `json:"agentId"`
	TokensIn            int      `json:"tokensIn"`
	TokensOut           int      `json:"tokensOut"`
	CachedTokens        *int     `json:"cachedTokens,omitempty"`
	CacheCreationTokens *int     `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     *int     `json:"cacheReadTokens,omitempty"`
	Cost                *float64 `json:"cost,omitempty"`
}

// TruncatePrompt clips a prompt to PromptLimit characters.
func TruncatePrompt(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= PromptLimit {
		return prompt
	}
	return string(runes[:PromptLimit])
}
