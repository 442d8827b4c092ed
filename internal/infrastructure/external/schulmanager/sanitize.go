package schulmanager

import (
	"encoding/json"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// PAYLOAD SANITIZING
//
// Raw portal payloads go into debug dumps and error logs. Credentials and
// session material must never land there.
// ══════════════════════════════════════════════════════════════════════════════

var redactedKeys = map[string]struct{}{
	"password":      {},
	"jwt":           {},
	"authorization": {},
	"token":         {},
	"hash":          {},
}

// Sanitize returns a copy of the decoded payload with secret-bearing values
// redacted. Long secrets keep their first characters so two dumps of the
// same session remain comparable.
func Sanitize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, secret := redactedKeys[strings.ToLower(k)]; secret {
				out[k] = redactValue(inner)
				continue
			}
			out[k] = Sanitize(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Sanitize(inner)
		}
		return out
	default:
		return v
	}
}

func redactValue(v any) string {
	if s, ok := v.(string); ok && len(s) > 12 {
		return s[:10] + "...(redacted)"
	}
	return "(redacted)"
}

// SanitizeRaw sanitizes a raw JSON payload. Payloads that cannot be decoded
// come back as the literal "(unloggable)" rather than leaking as-is.
func SanitizeRaw(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage(`"(unloggable)"`)
	}
	out, err := json.Marshal(Sanitize(v))
	if err != nil {
		return json.RawMessage(`"(unloggable)"`)
	}
	return out
}
