// Package toolparser extracts structured tool-use events and goals from
// streaming agent output.
//
// Parsing is tolerant by design: provider output is a byte stream that can
// truncate mid-tag, interleave formats, or contain garbage, so every
// function returns zero values on malformed input and never errors.
package toolparser

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Event is one extracted tool invocation.
type Event struct {
	ToolName   string
	Parameters map[string]string

	// DerivedAction is a short human phrase ("Writing x.ts").
	DerivedAction string

	// DerivedFile is the file the tool touched, when one applies.
	DerivedFile string
}

var (
	// Structured-XML tool call, tolerant of a namespace prefix on the
	// tag names.
	invokePattern = regexp.MustCompile(
		`(?s)<(?:\w+:)?invoke\s+name="([^"]+)"\s*>(.*?)</(?:\w+:)?invoke>`)
	parameterPattern = regexp.MustCompile(
		`(?s)<(?:\w+:)?parameter\s+name="([^"]+)"\s*>(.*?)</(?:\w+:)?parameter>`)

	// JSON function-call shape used by providers without XML tool tags.
	functionPattern = regexp.MustCompile(
		`"function"\s*:\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{(?:[^{}]|\{[^{}]*\})*\})`)
)

// ParseToolUse scans window for the first tool call. It tries the XML
// invoke form first, then the JSON function-call form. The second return
// value is the byte offset just past the accepted match (0 when nothing
// matched), letting callers advance a parse cursor.
func ParseToolUse(window string) (*Event, int) {
	if m := invokePattern.FindStringSubmatchIndex(window); m != nil {
		name := window[m[2]:m[3]]
		body := window[m[4]:m[5]]

		params := make(map[string]string)
		for _, pm := range parameterPattern.FindAllStringSubmatch(body, -1) {
			params[pm[1]] = pm[2]
		}
		return newEvent(name, params), m[1]
	}

	if m := functionPattern.FindStringSubmatchIndex(window); m != nil {
		name := window[m[2]:m[3]]
		rawArgs := window[m[4]:m[5]]

		var args map[string]any
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			// Arguments did not parse; keep the tool name alone.
			return newEvent(name, nil), m[1]
		}
		params := make(map[string]string, len(args))
		for k, v := range args {
			switch val := v.(type) {
			case string:
				params[k] = val
			default:
				params[k] = fmt.Sprintf("%v", val)
			}
		}
		return newEvent(name, params), m[1]
	}

	return nil, 0
}

func newEvent(name string, params map[string]string) *Event {
	if params == nil {
		params = make(map[string]string)
	}
	ev := &Event{ToolName: name, Parameters: params}
	ev.DerivedFile, ev.DerivedAction = ExtractContext(name, params)
	return ev
}

const bashCommandLimit = 50

// ExtractContext derives (currentFile, currentAction) from a tool call.
func ExtractContext(toolName string, params map[string]string) (file, action string) {
	switch toolName {
	case "Read", "Write", "Edit":
		file = params["file_path"]
		verb := map[string]string{"Read": "Reading", "Write": "Writing", "Edit": "Editing"}[toolName]
		if file != "" {
			action = fmt.Sprintf("%s %s", verb, path.Base(file))
		} else {
			action = verb
		}
	case "Bash":
		if desc := params["description"]; desc != "" {
			action = desc
		} else {
			cmd := params["command"]
			if runes := []rune(cmd); len(runes) > bashCommandLimit {
				cmd = string(runes[:bashCommandLimit]) + "…"
			}
			action = fmt.Sprintf("Running %s", cmd)
		}
	case "Glob", "Grep":
		action = fmt.Sprintf("Searching for %s", params["pattern"])
	case "Task":
		action = params["description"]
	case "AskUserQuestion":
		action = "Waiting for user input"
	case "WebFetch":
		action = "Fetching web content"
	case "WebSearch":
		action = "Searching the web"
	default:
		action = fmt.Sprintf("Using %s tool", toolName)
	}
	return file, action
}

var goalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:goal|objective|task):\s*(.+)`),
	regexp.MustCompile(`(?i)(?:please|help me|i want to)\s+(.+?)[.\n]`),
}

var firstSentencePattern = regexp.MustCompile(`^(.+?)[.!?\n]`)

const (
	goalMinLen = 10
	goalMaxLen = 100
)

// ExtractGoal pulls a one-line goal out of a prompt. Candidates outside
// (10, 100] characters are rejected; an empty string means no goal found.
func ExtractGoal(prompt string) string {
	try := func(candidate string) string {
		candidate = strings.TrimSpace(candidate)
		if idx := strings.IndexByte(candidate, '\n'); idx >= 0 {
			candidate = strings.TrimSpace(candidate[:idx])
		}
		if n := len([]rune(candidate)); n > goalMinLen && n <= goalMaxLen {
			return candidate
		}
		return ""
	}

	for _, pattern := range goalPatterns {
		if m := pattern.FindStringSubmatch(prompt); m != nil {
			if goal := try(m[1]); goal != "" {
				return goal
			}
		}
	}

	if m := firstSentencePattern.FindStringSubmatch(strings.TrimSpace(prompt)); m != nil {
		if goal := try(m[1]); goal != "" {
			return goal
		}
	}
	return ""
}
