package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rexliu/hostbridge/pkg/value"
)

// Message kinds carried in the wire discriminator.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
)

// Request models a method call sent to the host.
type Request struct {
	ID     uint64
	Method string
	Args   value.Value
}

// Response models the host's reply to a Request.
type Response struct {
	ID      uint64
	Success bool
	Data    value.Value
	Error   value.Value
}

// Notification models an unsolicited host event.
type Notification struct {
	Event string
	Data  value.Value
}

// Message is one decoded inbound frame. Exactly one of the pointers is set,
// matching Kind.
type Message struct {
	Kind         string
	Request      *Request
	Response     *Response
	Notification *Notification
}

type envelope struct {
	Kind    string       `json:"kind,omitempty"`
	ID      *uint64      `json:"id,omitempty"`
	Method  string       `json:"method,omitempty"`
	Args    *value.Value `json:"args,omitempty"`
	Success *bool        `json:"success,omitempty"`
	Data    *value.Value `json:"data,omitempty"`
	Error   *value.Value `json:"error,omitempty"`
	Event   string       `json:"event,omitempty"`
}

// EncodeRequest serializes req for the wire.
func EncodeRequest(req Request) ([]byte, error) {
	if req.Method == "" {
		return nil, errors.New("ipc: request method required")
	}
	id := req.ID
	args := req.Args
	return json.Marshal(envelope{Kind: KindRequest, ID: &id, Method: req.Method, Args: &args})
}

// EncodeResponse serializes resp for the wire. Successful responses carry
// data, failed ones carry error.
func EncodeResponse(resp Response) ([]byte, error) {
	id := resp.ID
	success := resp.Success
	env := envelope{Kind: KindResponse, ID: &id, Success: &success}
	if resp.Success {
		data := resp.Data
		env.Data = &data
	} else {
		errVal := resp.Error
		env.Error = &errVal
	}
	return json.Marshal(env)
}

// EncodeNotification serializes n for the wire.
func EncodeNotification(n Notification) ([]byte, error) {
	if n.Event == "" {
		return nil, errors.New("ipc: notification event required")
	}
	data := n.Data
	return json.Marshal(envelope{Kind: KindEvent, Event: n.Event, Data: &data})
}

// Decode classifies and decodes one inbound frame. The explicit kind field
// wins; without it the shape decides: an event name and no id is a
// notification, an id with a success flag is a response, and an id with a
// method is a request.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("ipc: decode message: %w", err)
	}
	kind := env.Kind
	if kind == "" {
		switch {
		case env.ID == nil && env.Event != "":
			kind = KindEvent
		case env.ID != nil && env.Success != nil:
			kind = KindResponse
		case env.ID != nil && env.Method != "":
			kind = KindRequest
		default:
			return Message{}, errors.New("ipc: unclassifiable message")
		}
	}

	switch kind {
	case KindRequest:
		if env.ID == nil || env.Method == "" {
			return Message{}, errors.New("ipc: request missing id or method")
		}
		return Message{Kind: kind, Request: &Request{ID: *env.ID, Method: env.Method, Args: deref(env.Args)}}, nil
	case KindResponse:
		if env.ID == nil {
			return Message{}, errors.New("ipc: response missing id")
		}
		resp := &Response{ID: *env.ID, Data: deref(env.Data), Error: deref(env.Error)}
		if env.Success != nil {
			resp.Success = *env.Success
		} else {
			resp.Success = env.Error == nil
		}
		return Message{Kind: kind, Response: resp}, nil
	case KindEvent:
		if env.Event == "" {
			return Message{}, errors.New("ipc: event missing name")
		}
		return Message{Kind: kind, Notification: &Notification{Event: env.Event, Data: deref(env.Data)}}, nil
	default:
		return Message{}, fmt.Errorf("ipc: unknown message kind %q", kind)
	}
}

func deref(v *value.Value) value.Value {
	if v == nil {
		return value.Null()
	}
	return *v
}
