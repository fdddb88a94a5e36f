package extract

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ParseError reports a stdout line that is not a protocol message.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid protocol message %q: %v", truncate(e.Line, 80), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errNotObject = errors.New("not a JSON object")

// message is the closed set of decoded protocol messages.
type message interface {
	session() string
}

type assistantMessage struct {
	SessionID string
	Texts     []string
}

type resultMessage struct {
	SessionID string
	Subtype   string
	Result    string
	IsError   bool
}

type systemMessage struct {
	SessionID string
	Subtype   string
}

type userMessage struct {
	SessionID string
}

// unrecognizedMessage is any well-formed object with an unknown type.
type unrecognizedMessage struct {
	Type      string
	SessionID string
}

func (m assistantMessage) session() string    { return m.SessionID }
func (m resultMessage) session() string       { return m.SessionID }
func (m systemMessage) session() string       { return m.SessionID }
func (m userMessage) session() string         { return m.SessionID }
func (m unrecognizedMessage) session() string { return m.SessionID }

// wireMessage holds the known top-level fields. A field whose JSON type
// does not match keeps its zero value.
type wireMessage struct {
	Type      string
	Subtype   string
	SessionID string
	Message   json.RawMessage
	Result    json.RawMessage
	IsError   bool
}

func decodeWire(line []byte) (wireMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return wireMessage{}, err
	}
	w := wireMessage{
		Type:      stringField(fields, "type"),
		Subtype:   stringField(fields, "subtype"),
		SessionID: stringField(fields, "session_id"),
		Message:   fields["message"],
		Result:    fields["result"],
	}
	_ = json.Unmarshal(fields["is_error"], &w.IsError)
	return w, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	_ = json.Unmarshal(fields[key], &s)
	return s
}

type wireContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func decodeMessage(line []byte) (message, error) {
	if !isObject(line) {
		return nil, &ParseError{Line: string(line), Err: errNotObject}
	}
	w, err := decodeWire(line)
	if err != nil {
		return nil, &ParseError{Line: string(line), Err: err}
	}

	switch w.Type {
	case "assistant":
		return assistantMessage{SessionID: w.SessionID, Texts: assistantTexts(w.Message)}, nil
	case "result":
		var result string
		// a non-string result is ignored rather than rejected
		_ = json.Unmarshal(w.Result, &result)
		return resultMessage{SessionID: w.SessionID, Subtype: w.Subtype, Result: result, IsError: w.IsError}, nil
	case "system":
		return systemMessage{SessionID: w.SessionID, Subtype: w.Subtype}, nil
	case "user":
		return userMessage{SessionID: w.SessionID}, nil
	default:
		return unrecognizedMessage{Type: w.Type, SessionID: w.SessionID}, nil
	}
}

func assistantTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}

	var parts []wireContentPart
	if err := json.Unmarshal(body.Content, &parts); err != nil {
		// content may also be a bare string
		var s string
		if json.Unmarshal(body.Content, &s) == nil && s != "" {
			return []string{s}
		}
		return nil
	}

	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return texts
}

func isObject(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
