package adapters

import "github.com/codemachine-ai/codemachine/pkg/engine"

// Gemini returns the adapter config for the Gemini CLI. The CLI prints
// plain text, so there is no line parser; rate limits are classified from
// the exit output.
func Gemini() Config {
	return Config{
		Descriptor: engine.Descriptor{
			ID:           "gemini",
			DisplayName:  "Gemini CLI",
			DefaultModel: "gemini-2.5-pro",
			Order:        3,
			ModelByTier: map[int]string{
				1: "gemini-2.5-pro",
				2: "gemini-2.5-flash",
				3: "gemini-2.5-flash-lite",
			},
		},
		Binary: "gemini",
		Args: func(opts engine.RunOptions) []string {
			args := []string{"--yolo", "-p", opts.Prompt}
			if opts.Model != "" {
				args = append(args, "-m", opts.Model)
			}
			return args
		},
	}
}

// Cursor returns the adapter config for the Cursor agent CLI.
func Cursor() Config {
	return Config{
		Descriptor: engine.Descriptor{
			ID:           "cursor",
			DisplayName:  "Cursor Agent",
			DefaultModel: "auto",
			Order:        4,
		},
		Binary: "cursor-agent",
		Args: func(opts engine.RunOptions) []string {
			args := []string{"-p", opts.Prompt, "--force"}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return args
		},
		ProbeArgs: []string{"status"},
		LoginArgs: []string{"login"},
	}
}
