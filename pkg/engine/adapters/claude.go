package adapters

import (
	"encoding/json"
	"strings"

	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/ratelimit"
)

// Claude returns the adapter config for the Claude Code CLI.
func Claude() Config {
	return Config{
		Descriptor: engine.Descriptor{
			ID:             "claude",
			DisplayName:    "Claude Code",
			DefaultModel:   "claude-sonnet-4-5",
			Order:          1,
			SupportsResume: true,
			ModelByTier: map[int]string{
				1: "claude-opus-4-1",
				2: "claude-sonnet-4-5",
				3: "claude-haiku-4-5",
			},
		},
		Binary: "claude",
		Args: func(opts engine.RunOptions) []string {
			args := []string{
				"-p", opts.Prompt,
				"--output-format", "stream-json",
				"--verbose",
				"--dangerously-skip-permissions",
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			if opts.SessionID != "" {
				args = append(args, "--resume", opts.SessionID)
			}
			return args
		},
		ParseLine: parseClaudeLine,
		ProbeArgs: []string{"-p", "Reply with OK.", "--max-turns", "1", "--model", "claude-haiku-4-5"},
		LoginArgs: []string{"login"},
	}
}

// claudeFrame is the subset of the CLI's stream-json envelope we consume.
// system/init carries the session id, assistant messages carry per-message
// usage, and the final result frame carries totals and the cost.
type claudeFrame struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`

	Usage        *claudeUsage `json:"usage"`
	TotalCostUSD *float64     `json:"total_cost_usd"`

	Message *struct {
		Usage *claudeUsage `json:"usage"`
	} `json:"message"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u *claudeUsage) toFrame() engine.TelemetryFrame {
	frame := engine.TelemetryFrame{
		TokensIn:  u.InputTokens,
		TokensOut: u.OutputTokens,
	}
	if u.CacheCreationInputTokens > 0 {
		v := u.CacheCreationInputTokens
		frame.CacheCreationTokens = &v
	}
	if u.CacheReadInputTokens > 0 {
		v := u.CacheReadInputTokens
		frame.CacheReadTokens = &v
	}
	return frame
}

func parseClaudeLine(line string, st *StreamState) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return
	}
	var frame claudeFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return
	}

	switch frame.Type {
	case "system":
		if frame.Subtype == "init" {
			st.Session(frame.SessionID)
		}
	case "assistant":
		if frame.Message != nil && frame.Message.Usage != nil {
			st.AddUsage(frame.Message.Usage.toFrame())
		}
	case "result":
		st.Session(frame.SessionID)
		if frame.Usage != nil {
			total := frame.Usage.toFrame()
			total.Cost = frame.TotalCostUSD
			st.SetUsage(total)
		}
		if frame.IsError && ratelimit.IsRateLimitText(frame.Result) {
			retryAfter, _ := ratelimit.ExtractRetryAfter(frame.Result)
			st.RateLimited(nil, retryAfter)
		}
	}
}
