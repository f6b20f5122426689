package runevents

import (
	"encoding/json"
	"strings"
)

const (
	// ParseErrorMarker tags messages produced from backend bodies that could
	// not be decoded.
	ParseErrorMarker = "[parseError]"

	defaultTaskFailedMessage    = "task failed"
	defaultTaskDismissedMessage = "task dismissed"
)

// ResolveErrorMessage turns a structured error value into display text.
// Structured messages win over codes; codes win over the fallback.
func ResolveErrorMessage(raw json.RawMessage, fallback string) string {
	if msg := structuredMessage(raw, 0); msg != "" {
		return msg
	}
	return strings.TrimSpace(fallback)
}

// ResolveErrorText applies the structured-first policy when a transport
// also produced free text: transport text is only used when no structured
// error can be read.
func ResolveErrorText(structured json.RawMessage, transportText, fallback string) string {
	if msg := structuredMessage(structured, 0); msg != "" {
		return msg
	}
	if text := strings.TrimSpace(transportText); text != "" {
		return text
	}
	return strings.TrimSpace(fallback)
}

// TagParseError appends the parse marker to msg exactly once.
func TagParseError(msg string) string {
	msg = strings.TrimSpace(msg)
	if strings.Contains(msg, ParseErrorMarker) {
		return msg
	}
	if msg == "" {
		return ParseErrorMarker
	}
	return msg + " " + ParseErrorMarker
}

func structuredMessage(raw json.RawMessage, depth int) string {
	if depth > 3 {
		return ""
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return ""
		}
		return strings.TrimSpace(text)
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return ""
		}
		for _, key := range []string{"message", "error", "detail", "details"} {
			if nested, ok := fields[key]; ok {
				if msg := structuredMessage(nested, depth+1); msg != "" {
					return msg
				}
			}
		}
		if code, ok := fields["code"]; ok {
			if msg := structuredMessage(code, depth+1); msg != "" {
				return msg
			}
		}
		return ""
	default:
		return ""
	}
}
