// Package decoder turns a child's raw stdout bytes into an ordered stream
// of typed messages. Framing is line-delimited JSON with partial-line
// reassembly for writes split across chunk boundaries.
package decoder

import (
	"encoding/json"
	"strings"
	"time"
)

// Type classifies a decoded message.
type Type string

const (
	TypePartial      Type = "partial"
	TypeResponse     Type = "response"
	TypeError        Type = "error"
	TypeNotification Type = "notification"
	TypeMetric       Type = "metric"
	TypeDebug        Type = "debug"
	TypeStatus       Type = "status"
	TypeCheckpoint   Type = "checkpoint"

	// TypeText is the fallback for plain, non-JSON output lines.
	TypeText Type = "text"
	// TypeUnknown carries well-formed JSON without a recognized type.
	TypeUnknown Type = "unknown"
	// TypeParseError carries a line that could not be parsed.
	TypeParseError Type = "parse_error"
)

var recognized = map[string]Type{
	"partial":      TypePartial,
	"response":     TypeResponse,
	"error":        TypeError,
	"notification": TypeNotification,
	"metric":       TypeMetric,
	"debug":        TypeDebug,
	"status":       TypeStatus,
	"checkpoint":   TypeCheckpoint,
}

// maxErrorLineBytes bounds how much of an offending line a ParseError keeps.
const maxErrorLineBytes = 512

// Message is one decoded unit from the child's stdout.
type Message struct {
	Type       Type           `json:"type"`
	Content    string         `json:"content,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	ParseError string         `json:"parse_error,omitempty"`
	Seq        int64          `json:"seq"`
	ReceivedAt time.Time      `json:"received_at"`
}

// decodeLine turns one trimmed, non-empty line into a Message, or reports
// that the line should be held as a partial JSON fragment.
func decodeLine(line string) (Message, bool) {
	if !looksLikeJSON(line) {
		return Message{Type: TypeText, Content: line}, false
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		if balancedBrackets(line) {
			return Message{
				Type:       TypeParseError,
				Content:    truncateLine(line),
				ParseError: err.Error(),
			}, false
		}
		// Unbalanced brackets: likely a write split across chunks.
		return Message{}, true
	}

	typeName, _ := obj["type"].(string)
	msgType, ok := recognized[typeName]
	if !ok {
		return Message{Type: TypeUnknown, Fields: obj}, false
	}

	content, _ := obj["content"].(string)
	return Message{Type: msgType, Content: content, Fields: obj}, false
}

func looksLikeJSON(line string) bool {
	return strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[")
}

// balancedBrackets scans braces and brackets outside string literals.
func balancedBrackets(line string) bool {
	depth := 0
	inString := false
	escaped := false
	for _, r := range line {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}
	return depth <= 0 && !inString
}

func truncateLine(line string) string {
	if len(line) <= maxErrorLineBytes {
		return line
	}
	return line[:maxErrorLineBytes] + "..."
}
