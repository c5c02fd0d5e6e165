package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"gateline/internal/config"
)

const (
	RedactedMarker   = "[REDACTED]"
	TruncatedMarker  = "...[truncated]"
	ToolOutputMarker = "...[output truncated]"

	defaultMaxStringLength = 10240
	defaultToolOutputLimit = 5000
)

// Policy is the admission and sanitization table of the event log.
type Policy struct {
	Volatile         map[string]bool
	SensitiveKeys    map[string]bool
	MaxStringLength  int
	TruncationMarker string
	// ToolOutputPath names the nested field truncated at ToolOutputLimit.
	ToolOutputPath   []string
	ToolOutputLimit  int
	ToolOutputMarker string
	Transitions      map[string]StateUpdate
}

// DefaultPolicy returns the policy used when no config is loaded.
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default(""))
}

// PolicyFromConfig builds a Policy from the events section of cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	p := Policy{
		Volatile:         map[string]bool{},
		SensitiveKeys:    map[string]bool{},
		MaxStringLength:  defaultMaxStringLength,
		TruncationMarker: TruncatedMarker,
		ToolOutputPath:   []string{"tool", "output"},
		ToolOutputLimit:  defaultToolOutputLimit,
		ToolOutputMarker: ToolOutputMarker,
		Transitions:      DefaultTransitions(),
	}
	if cfg == nil {
		return p
	}
	for _, t := range cfg.Events.Volatile {
		p.Volatile[t] = true
	}
	for _, k := range cfg.Events.SensitiveKeys {
		p.SensitiveKeys[strings.ToLower(k)] = true
	}
	if cfg.Events.MaxStringLength > 0 {
		p.MaxStringLength = cfg.Events.MaxStringLength
	}
	if cfg.Events.ToolOutputLimit > 0 {
		p.ToolOutputLimit = cfg.Events.ToolOutputLimit
	}
	if cfg.Events.TruncationMarker != "" {
		p.TruncationMarker = cfg.Events.TruncationMarker
	}
	return p
}

// IsVolatile reports whether events of type t are dropped before persistence.
func (p Policy) IsVolatile(t string) bool {
	return p.Volatile[t]
}

// Sanitize returns a sanitized deep copy of payload. The payload is first
// normalized through JSON so typed values (structs, typed slices) are walked
// the same way the persisted document will look. Numbers come back as
// json.Number so integers beyond 2^53 keep their exact value.
func (p Policy) Sanitize(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	doc, err := DecodePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	out, _ := p.walk(doc, nil).(map[string]any)
	return out, nil
}

// DecodePayload decodes a JSON object payload, keeping numbers as json.Number.
func DecodePayload(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p Policy) walk(v any, path []string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if p.SensitiveKeys[strings.ToLower(k)] {
				out[k] = RedactedMarker
				continue
			}
			out[k] = p.walk(child, append(path[:len(path):len(path)], k))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = p.walk(child, path)
		}
		return out
	case string:
		if p.isToolOutput(path) {
			val = truncate(val, p.ToolOutputLimit, p.ToolOutputMarker)
		}
		return truncate(val, p.MaxStringLength, p.TruncationMarker)
	default:
		return v
	}
}

func (p Policy) isToolOutput(path []string) bool {
	if len(path) != len(p.ToolOutputPath) || len(path) == 0 {
		return false
	}
	for i := range path {
		if path[i] != p.ToolOutputPath[i] {
			return false
		}
	}
	return true
}

// truncate cuts s to limit characters and appends marker. Strings at or under
// the limit are returned unchanged.
func truncate(s string, limit int, marker string) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + marker
		}
		n++
	}
	return s
}
