package action

import (
	"encoding/json"
	"strings"
)

type envelope struct {
	Actions []json.RawMessage `json:"actions"`
}

// ParseStructured scans an assistant reply for a structured action envelope
// `{"actions":[...]}`. The whole text is tried first, then each fenced code
// block. A candidate is accepted only if every action in it validates; one bad
// action rejects the candidate and the next is tried. ok is false when no
// candidate parses.
func ParseStructured(reply string) ([]Action, bool) {
	for _, candidate := range candidates(reply) {
		actions, ok := tryCandidate(candidate)
		if ok {
			return actions, true
		}
	}
	return nil, false
}

func candidates(reply string) []string {
	out := []string{strings.TrimSpace(reply)}
	out = append(out, fencedBlocks(reply)...)
	return out
}

// fencedBlocks returns the body of every ``` fenced block, language tag
// stripped.
func fencedBlocks(reply string) []string {
	var blocks []string
	rest := reply
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			return blocks
		}
		rest = rest[open+3:]
		// Drop the info string (e.g. "json") up to the first newline.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		} else {
			return blocks
		}
		fenceEnd := strings.Index(rest, "```")
		if fenceEnd < 0 {
			return blocks
		}
		body := strings.TrimSpace(rest[:fenceEnd])
		if body != "" {
			blocks = append(blocks, body)
		}
		rest = rest[fenceEnd+3:]
	}
}

func tryCandidate(candidate string) ([]Action, bool) {
	if candidate == "" || !strings.HasPrefix(candidate, "{") {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return nil, false
	}
	if env.Actions == nil {
		return nil, false
	}

	actions := make([]Action, 0, len(env.Actions))
	for _, raw := range env.Actions {
		var a Action
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, false
		}
		if err := a.Validate(); err != nil {
			return nil, false
		}
		actions = append(actions, a)
	}
	return actions, true
}
