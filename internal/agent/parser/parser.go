// Package parser recovers structured tool calls from raw language-model
// output. Models are asked for a <scratchpad> block followed by a fenced JSON
// tool call, but the parser tolerates the mess they actually produce.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCall is the structured action recovered from a model response.
type ToolCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Response is the parsed form of one model completion.
type Response struct {
	// Scratchpad is the model's free-form reasoning, if any.
	Scratchpad string
	// ToolCall is the recovered action; nil when no tool block was found.
	ToolCall *ToolCall
}

var (
	scratchpadRe = regexp.MustCompile(`(?s)<scratchpad>(.*?)(?:</scratchpad>|$)`)
	fencedRe     = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?)\\s*```")
)

// Parse recovers a scratchpad and tool call from raw model output.
//
// Recovery rules, in order: take the fenced JSON block if one parses; retry
// with a single appended closing brace; otherwise scan for a bare JSON object
// with a "name" key. When nothing yields a tool call the scratchpad text (or
// the whole response) is kept so the caller can use it as message content.
func Parse(raw string) *Response {
	resp := &Response{}

	if m := scratchpadRe.FindStringSubmatch(raw); m != nil {
		resp.Scratchpad = strings.TrimSpace(m[1])
	}

	if m := fencedRe.FindStringSubmatch(raw); m != nil {
		if call := decodeToolCall(m[1]); call != nil {
			resp.ToolCall = call
			return resp
		}
	}

	if call := scanBareObject(raw); call != nil {
		resp.ToolCall = call
		return resp
	}

	if resp.Scratchpad == "" {
		resp.Scratchpad = strings.TrimSpace(stripFences(raw))
	}
	return resp
}

// decodeToolCall parses a JSON object, tolerating one missing closing brace.
func decodeToolCall(text string) *ToolCall {
	text = strings.TrimSpace(text)
	var call ToolCall
	if err := json.Unmarshal([]byte(text), &call); err == nil && call.Name != "" {
		if call.Args == nil {
			call.Args = map[string]interface{}{}
		}
		return &call
	}
	if err := json.Unmarshal([]byte(text+"}"), &call); err == nil && call.Name != "" {
		if call.Args == nil {
			call.Args = map[string]interface{}{}
		}
		return &call
	}
	return nil
}

// scanBareObject finds the first '{' whose balanced object decodes to a tool
// call. Handles responses where the model skipped the code fence.
func scanBareObject(raw string) *ToolCall {
	for start := 0; start < len(raw); start++ {
		if raw[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(raw); i++ {
			c := raw[i]
			if escaped {
				escaped = false
				continue
			}
			switch {
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					if call := decodeToolCall(raw[start : i+1]); call != nil {
						return call
					}
					i = len(raw)
				}
			}
		}
		if depth > 0 {
			// Unterminated object at end of output.
			if call := decodeToolCall(raw[start:]); call != nil {
				return call
			}
		}
	}
	return nil
}

func stripFences(raw string) string {
	raw = scratchpadRe.ReplaceAllString(raw, "")
	raw = fencedRe.ReplaceAllString(raw, "")
	return raw
}
