// Package ipc implements the control link between a master and one worker.
//
// A link carries JSON objects, one per line. Control messages are tagged by
// a single key whose value is the worker id:
//
//	{"gracekit-online":"3"}
//	{"gracekit-before-disconnect":"3"}
//	{"gracekit-before-destroy":"3","code":1}
//
// A destroy acknowledgment repeats the tag and id of the request. Anything
// else travels as {"payload":...}.
package ipc

import (
	"encoding/json"
	"fmt"
)

// Wire tags.
const (
	TagOnline     = "gracekit-online"
	TagDisconnect = "gracekit-before-disconnect"
	TagDestroy    = "gracekit-before-destroy"
)

// Kind classifies a Message.
type Kind int

const (
	KindPayload Kind = iota
	KindOnline
	KindDisconnect
	KindDestroy
)

var kindTags = map[Kind]string{
	KindOnline:     TagOnline,
	KindDisconnect: TagDisconnect,
	KindDestroy:    TagDestroy,
}

func (k Kind) String() string {
	if tag, ok := kindTags[k]; ok {
		return tag
	}
	return "payload"
}

// Message is one control-link frame.
type Message struct {
	Kind Kind
	// ID is the worker id carried by control messages.
	ID string
	// Code is the master's forced exit code on destroy requests.
	Code *int
	// Payload is the application message for KindPayload.
	Payload json.RawMessage
}

// Online announces that a worker attached its link.
func Online(id string) Message {
	return Message{Kind: KindOnline, ID: id}
}

// Disconnect asks a worker to shut down and disconnect itself.
func Disconnect(id string) Message {
	return Message{Kind: KindDisconnect, ID: id}
}

// Destroy asks a worker to prepare for being killed with code.
func Destroy(id string, code int) Message {
	return Message{Kind: KindDestroy, ID: id, Code: &code}
}

// Ack returns the acknowledgment for a destroy request: the same tag and id.
func Ack(req Message) Message {
	return Message{Kind: req.Kind, ID: req.ID}
}

// Payload wraps an application value.
func Payload(v interface{}) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode payload: %w", err)
	}
	return Message{Kind: KindPayload, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if m.Kind != KindPayload {
		return fmt.Errorf("decode payload: message is %s", m.Kind)
	}
	return json.Unmarshal(m.Payload, v)
}

// IsControl reports whether m belongs to the lifecycle protocol.
func (m Message) IsControl() bool {
	return m.Kind != KindPayload
}

// MarshalJSON encodes the wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Kind == KindPayload {
		payload := m.Payload
		if payload == nil {
			payload = json.RawMessage("null")
		}
		return json.Marshal(struct {
			Payload json.RawMessage `json:"payload"`
		}{payload})
	}

	tag, ok := kindTags[m.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown message kind %d", m.Kind)
	}
	obj := map[string]interface{}{tag: m.ID}
	if m.Code != nil {
		obj["code"] = *m.Code
	}
	return json.Marshal(obj)
}

// UnmarshalJSON decodes the wire form. An object with none of the known
// keys is an error.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Message{}
	for kind, tag := range kindTags {
		v, ok := raw[tag]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(v, &id); err != nil {
			return fmt.Errorf("%s: %w", tag, err)
		}
		m.Kind = kind
		m.ID = id
		if c, ok := raw["code"]; ok {
			var code int
			if err := json.Unmarshal(c, &code); err != nil {
				return fmt.Errorf("code: %w", err)
			}
			m.Code = &code
		}
		return nil
	}

	if p, ok := raw["payload"]; ok {
		m.Kind = KindPayload
		m.Payload = p
		return nil
	}
	return fmt.Errorf("unrecognized control message")
}
