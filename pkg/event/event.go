// Package event defines the typed events a run emits and their wire form.
package event

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// Type discriminates event variants on the wire.
type Type string

const (
	TypeStart   Type = "start"
	TypeLog     Type = "log"
	TypeText    Type = "text"
	TypeContext Type = "context"
	TypeError   Type = "error"
	TypeExit    Type = "exit"
	TypeDebug   Type = "debug"
)

// Stream names a process output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Header is stamped on every event by the runner at emission time.
type Header struct {
	Type  Type      `json:"type"`
	RunID string    `json:"run_id"`
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
}

// Event is one of Start, Log, Text, Context, Error, Exit or Debug.
type Event interface {
	Kind() Type
	Meta() Header
	// WithHeader returns a copy of the event carrying h. h.Type is ignored.
	WithHeader(h Header) Event
	sealed()
}

// Start is emitted once the process has been spawned.
type Start struct {
	Header
	Backend string   `json:"backend"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd"`
}

// Log carries one raw line, terminator included. Text may hold any bytes;
// on the wire a line that is not valid UTF-8 also travels base64 encoded in
// text_b64, and text holds a readable approximation.
type Log struct {
	Header
	Stream Stream `json:"stream"`
	Text   string `json:"text"`
}

type logWire struct {
	Header
	Stream  Stream `json:"stream"`
	Text    string `json:"text"`
	TextB64 []byte `json:"text_b64,omitempty"`
}

func (e Log) MarshalJSON() ([]byte, error) {
	w := logWire{Header: e.Header, Stream: e.Stream, Text: e.Text}
	if !utf8.ValidString(e.Text) {
		w.Text = strings.ToValidUTF8(e.Text, string(utf8.RuneError))
		w.TextB64 = []byte(e.Text)
	}
	return json.Marshal(w)
}

func (e *Log) UnmarshalJSON(data []byte) error {
	var w logWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Header, e.Stream, e.Text = w.Header, w.Stream, w.Text
	if w.TextB64 != nil {
		e.Text = string(w.TextB64)
	}
	return nil
}

// Text is assistant output. Delta false replaces the accumulated text.
type Text struct {
	Header
	Text  string `json:"text"`
	Delta bool   `json:"delta"`
}

// Context reports the backend's resumable session identifier.
type Context struct {
	Header
	Backend        string `json:"backend"`
	ConversationID string `json:"conversation_id,omitempty"`
	ContextID      string `json:"context_id"`
}

// Error reports a process-level failure.
type Error struct {
	Header
	Message string `json:"message"`
}

// Exit is the terminal event of a run. Code is -1 when a signal ended it.
type Exit struct {
	Header
	Code       int    `json:"code"`
	Signal     string `json:"signal,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Debug carries a parsed protocol message verbatim.
type Debug struct {
	Header
	Stream Stream          `json:"stream"`
	Raw    json.RawMessage `json:"raw"`
}

func (Start) Kind() Type   { return TypeStart }
func (Log) Kind() Type     { return TypeLog }
func (Text) Kind() Type    { return TypeText }
func (Context) Kind() Type { return TypeContext }
func (Error) Kind() Type   { return TypeError }
func (Exit) Kind() Type    { return TypeExit }
func (Debug) Kind() Type   { return TypeDebug }

func (e Start) Meta() Header   { return e.Header }
func (e Log) Meta() Header     { return e.Header }
func (e Text) Meta() Header    { return e.Header }
func (e Context) Meta() Header { return e.Header }
func (e Error) Meta() Header   { return e.Header }
func (e Exit) Meta() Header    { return e.Header }
func (e Debug) Meta() Header   { return e.Header }

func (e Start) WithHeader(h Header) Event {
	h.Type = TypeStart
	e.Header = h
	e.Args = append([]string(nil), e.Args...)
	return e
}

func (e Log) WithHeader(h Header) Event {
	h.Type = TypeLog
	e.Header = h
	return e
}

func (e Text) WithHeader(h Header) Event {
	h.Type = TypeText
	e.Header = h
	return e
}

func (e Context) WithHeader(h Header) Event {
	h.Type = TypeContext
	e.Header = h
	return e
}

func (e Error) WithHeader(h Header) Event {
	h.Type = TypeError
	e.Header = h
	return e
}

func (e Exit) WithHeader(h Header) Event {
	h.Type = TypeExit
	e.Header = h
	return e
}

func (e Debug) WithHeader(h Header) Event {
	h.Type = TypeDebug
	e.Header = h
	e.Raw = append(json.RawMessage(nil), e.Raw...)
	return e
}

func (Start) sealed()   {}
func (Log) sealed()     {}
func (Text) sealed()    {}
func (Context) sealed() {}
func (Error) sealed()   {}
func (Exit) sealed()    {}
func (Debug) sealed()   {}
