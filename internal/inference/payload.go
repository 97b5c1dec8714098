package inference

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// DecodePayload extracts the structured JSON payload embedded in
// free-form model text and unmarshals it into v. Models routinely wrap
// payloads in code fences or prose; this scans for the outermost JSON
// object. Any failure returns a *MalformedResponseError; the caller
// chooses the conservative fallback.
func DecodePayload(op, text string, v any) error {
	cleaned := extractJSONObject(text)
	if cleaned == "" {
		return &MalformedResponseError{Op: op, Err: eris.New("no JSON object in response")}
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return &MalformedResponseError{Op: op, Err: err}
	}
	return nil
}

// extractJSONObject strips markdown fences and returns the outermost
// {...} span, or "" if none exists.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
