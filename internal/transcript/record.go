package transcript

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role is the speaker of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record is one parsed transcript message with the byte range of its line.
type Record struct {
	Role      Role
	Text      string
	Timestamp time.Time
	ToolCalls []string // tool names only
	Start     int64
	End       int64
}

// ParseError describes a transcript line that could not be turned into a
// Record. It is reported per line and never ends a read.
type ParseError struct {
	Path   string
	Start  int64
	End    int64
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed transcript line in %s at byte %d: %s", e.Path, e.Start, e.Reason)
}

// rawLine covers the JSONL shapes written by common chat tools: a flat
// {role, text|content} object, optionally wrapped in a "message" object.
type rawLine struct {
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Content   json.RawMessage `json:"content"`
	Timestamp json.RawMessage `json:"timestamp"`
	ToolCalls []rawToolCall   `json:"tool_calls"`
	Message   *rawLine        `json:"message"`
}

type rawToolCall struct {
	Name     string `json:"name"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// parseLine decodes one JSONL line. A non-empty reason means the line is
// malformed.
func parseLine(body string) (Record, string) {
	var raw rawLine
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Record{}, "invalid JSON: " + err.Error()
	}

	msg := &raw
	if raw.Message != nil {
		msg = raw.Message
		if msg.Role == "" {
			msg.Role = raw.Role
		}
		if msg.Role == "" {
			msg.Role = raw.Type
		}
		if len(msg.Timestamp) == 0 {
			msg.Timestamp = raw.Timestamp
		}
	}

	role, ok := normalizeRole(msg.Role)
	if !ok && msg.Role == "" {
		role, ok = normalizeRole(msg.Type)
	}
	if !ok {
		return Record{}, fmt.Sprintf("unknown role %q", msg.Role)
	}

	rec := Record{Role: role}

	text, tools, err := decodeContent(msg.Content)
	if err != nil {
		return Record{}, err.Error()
	}
	if msg.Text != "" {
		text = msg.Text
	}
	rec.Text = strings.TrimSpace(text)

	rec.ToolCalls = tools
	for _, tc := range msg.ToolCalls {
		name := tc.Name
		if name == "" {
			name = tc.Function.Name
		}
		if name != "" {
			rec.ToolCalls = append(rec.ToolCalls, name)
		}
	}

	if rec.Text == "" && len(rec.ToolCalls) == 0 {
		return Record{}, "empty text"
	}

	ts, err := parseTimestamp(msg.Timestamp)
	if err != nil {
		return Record{}, err.Error()
	}
	rec.Timestamp = ts
	return rec, ""
}

func normalizeRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human":
		return RoleUser, true
	case "assistant", "ai", "model":
		return RoleAssistant, true
	}
	return "", false
}

// decodeContent accepts a plain string or an array of typed blocks. Text
// blocks are joined with newlines and tool_use blocks contribute their name.
func decodeContent(raw json.RawMessage) (string, []string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, fmt.Errorf("content is neither string nor block array")
	}

	var parts, tools []string
	for _, b := range blocks {
		switch b.Type {
		case "text", "":
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, t)
			}
		case "tool_use":
			if b.Name != "" {
				tools = append(tools, b.Name)
			}
		}
	}
	return strings.Join(parts, "\n"), tools, nil
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds.
// A missing timestamp yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q", s)
		}
		return t.UTC(), nil
	}

	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %s", raw)
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	return time.Unix(int64(n), 0).UTC(), nil
}
