package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MethodPrefix prefixes the JSON-RPC method of every event notification.
const MethodPrefix = "run/"

// Notification is a server-to-client JSON-RPC 2.0 message without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// ToNotification wraps ev as a "run/<type>" notification.
func ToNotification(ev Event) (Notification, error) {
	params, err := Marshal(ev)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		JSONRPC: "2.0",
		Method:  MethodPrefix + string(ev.Kind()),
		Params:  params,
	}, nil
}

// FromNotification decodes an event notification. ok is false for other methods.
func FromNotification(n Notification) (ev Event, ok bool, err error) {
	if !strings.HasPrefix(n.Method, MethodPrefix) {
		return nil, false, nil
	}
	ev, err = Decode(n.Params)
	if err != nil {
		return nil, true, err
	}
	return ev, true, nil
}

// Marshal encodes ev with its "type" discriminator set.
func Marshal(ev Event) ([]byte, error) {
	h := ev.Meta()
	h.Type = ev.Kind()
	data, err := json.Marshal(ev.WithHeader(h))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Kind(), err)
	}
	return data, nil
}

// Decode parses an event previously produced by Marshal.
func Decode(data []byte) (Event, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}

	var ev Event
	var err error
	switch probe.Type {
	case TypeStart:
		ev, err = decodeAs[Start](data)
	case TypeLog:
		ev, err = decodeAs[Log](data)
	case TypeText:
		ev, err = decodeAs[Text](data)
	case TypeContext:
		ev, err = decodeAs[Context](data)
	case TypeError:
		ev, err = decodeAs[Error](data)
	case TypeExit:
		ev, err = decodeAs[Exit](data)
	case TypeDebug:
		ev, err = decodeAs[Debug](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", probe.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s event: %w", probe.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
