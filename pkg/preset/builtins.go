package preset

// BuiltinPresets returns the stock per-provider presets. Each routes every
// agent to one provider and picks that provider's strong model for tier 1,
// standard model for tier 2, and fast model for tier 3.
func BuiltinPresets() map[string]Preset {
	return map[string]Preset{
		"claude": {
			Name:          "claude",
			DefaultEngine: "claude",
			ModelByTier: map[int]string{
				1: "claude-opus-4-1",
				2: "claude-sonnet-4-5",
				3: "claude-haiku-4-5",
			},
		},
		"codex": {
			Name:          "codex",
			DefaultEngine: "codex",
			ModelByTier: map[int]string{
				1: "gpt-5",
				2: "gpt-5-codex",
				3: "gpt-5-mini",
			},
		},
		"gemini": {
			Name:          "gemini",
			DefaultEngine: "gemini",
			ModelByTier: map[int]string{
				1: "gemini-2.5-pro",
				2: "gemini-2.5-flash",
				3: "gemini-2.5-flash-lite",
			},
		},
		"cursor": {
			Name:          "cursor",
			DefaultEngine: "cursor",
		},
	}
}
