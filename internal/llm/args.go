package llm

import "encoding/json"

// ParseArguments turns accumulated argument bytes into a structured
// JSON value. Providers that stream argument fragments can close a slot
// with text that is not valid JSON; in that case the raw text is
// wrapped as {"raw": "..."} so the dispatcher still receives an object.
func ParseArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}
