package adapters

import (
	"encoding/json"
	"strings"

	"github.com/codemachine-ai/codemachine/pkg/engine"
	"github.com/codemachine-ai/codemachine/pkg/ratelimit"
)

// Codex returns the adapter config for the OpenAI Codex CLI.
func Codex() Config {
	return Config{
		Descriptor: engine.Descriptor{
			ID:             "codex",
			DisplayName:    "Codex CLI",
			DefaultModel:   "gpt-5-codex",
			Order:          2,
			SupportsResume: true,
			ModelByTier: map[int]string{
				1: "gpt-5",
				2: "gpt-5-codex",
				3: "gpt-5-mini",
			},
		},
		Binary: "codex",
		Args: func(opts engine.RunOptions) []string {
			args := []string{"exec", "--json", "--skip-git-repo-check"}
			if opts.SessionID != "" {
				args = append(args, "resume", opts.SessionID)
			}
			if opts.Model != "" {
				args = append(args, "-m", opts.Model)
			}
			args = append(args, "--full-auto", opts.Prompt)
			return args
		},
		ParseLine: parseCodexLine,
		ProbeArgs: []string{"login", "status"},
		LoginArgs: []string{"login"},
	}
}

// codexFrame is the subset of codex exec --json events we consume.
// session_configured reveals the session id and token_count frames carry
// cumulative usage for the whole run.
type codexFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`

	Info *struct {
		TotalTokenUsage *codexUsage `json:"total_token_usage"`
	} `json:"info"`
}

type codexUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

func parseCodexLine(line string, st *StreamState) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return
	}
	var frame codexFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return
	}

	switch frame.Type {
	case "session_configured":
		st.Session(frame.SessionID)
	case "token_count":
		if frame.Info == nil || frame.Info.TotalTokenUsage == nil {
			return
		}
		usage := frame.Info.TotalTokenUsage
		total := engine.TelemetryFrame{
			TokensIn:  usage.InputTokens,
			TokensOut: usage.OutputTokens,
		}
		if usage.CachedInputTokens > 0 {
			v := usage.CachedInputTokens
			total.CachedTokens = &v
		}
		st.SetUsage(total)
	case "error":
		if ratelimit.IsRateLimitText(frame.Message) {
			retryAfter, _ := ratelimit.ExtractRetryAfter(frame.Message)
			st.RateLimited(nil, retryAfter)
		}
	}
}
