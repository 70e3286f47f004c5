// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package wire defines the JSON-RPC 2.0 message format exchanged between
// agents, along with the error taxonomy reported in responses.
//
// A Message is either a request or a response. A request names a method and
// carries a JSON object of named arguments; if its ID is empty or null it is a
// notification and no response is ever sent for it. A response carries the ID
// of the request it answers and exactly one of a result or an error.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Version is the protocol version string carried by every message.
const Version = "2.0"

// An Address names an agent endpoint. Its interpretation is up to the
// transport that delivers messages to it.
type Address string

// An ID is the raw JSON text of a message ID. The zero ID and the ID "null"
// both denote the absence of an ID.
type ID string

// StringID returns an ID for the JSON string s.
func StringID(s string) ID { return ID(strconv.Quote(s)) }

// IntID returns an ID for the JSON number v.
func IntID(v int64) ID { return ID(strconv.FormatInt(v, 10)) }

// NewID returns a fresh, randomly-generated string ID.
func NewID() ID { return StringID(uuid.NewString()) }

// NullID is the explicit JSON null ID used for errors that cannot be
// attributed to a request.
const NullID ID = "null"

// IsZero reports whether id is empty or null.
func (id ID) IsZero() bool { return id == "" || id == NullID }

// String returns the raw JSON text of id.
func (id ID) String() string { return string(id) }

// MarshalJSON implements json.Marshaler. An empty ID encodes as null.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, numbers, and null
// are valid IDs.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*id = ""
		return nil
	}
	switch data[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'n':
	default:
		return fmt.Errorf("invalid id %q", data)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	*id = ID(buf.String())
	return nil
}

// A Message is a JSON-RPC 2.0 request or response.
type Message struct {
	ID     ID              // request or response ID; zero for a notification
	Method string          // method path; set only for requests
	Params json.RawMessage // named arguments; requests only
	Result json.RawMessage // call result; successful responses only
	Error  *Error          // call failure; error responses only
}

// NewRequest constructs a request with the given id, method, and parameters.
// The params value is encoded as JSON; nil means no parameters.
func NewRequest(id ID, method string, params any) (*Message, error) {
	msg := &Message{ID: id, Method: method}
	if params != nil {
		raw, err := marshalRaw(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResult constructs a successful response for id with the given result.
// A nil result is encoded as an explicit JSON null.
func NewResult(id ID, result any) (*Message, error) {
	raw, err := marshalRaw(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewError constructs an error response for id. If id is zero, the response
// carries an explicit null ID.
func NewError(id ID, err *Error) *Message {
	if id == "" {
		id = NullID
	}
	return &Message{ID: id, Error: err}
}

func marshalRaw(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	return json.Marshal(v)
}

// IsRequest reports whether m is a request (or notification).
func (m *Message) IsRequest() bool { return m.Method != "" }

// IsResponse reports whether m is a response.
func (m *Message) IsResponse() bool { return m.Method == "" && (m.Result != nil || m.Error != nil) }

// IsNotification reports whether m is a request that expects no response.
func (m *Message) IsNotification() bool { return m.IsRequest() && m.ID.IsZero() }

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	switch {
	case m.IsRequest():
		return fmt.Sprintf("Request(ID=%s, Method=%s, Params=%s)", m.ID, m.Method, m.Params)
	case m.Error != nil:
		return fmt.Sprintf("Response(ID=%s, Error=%v)", m.ID, m.Error)
	default:
		return fmt.Sprintf("Response(ID=%s, Result=%s)", m.ID, m.Result)
	}
}

// jmessage is the encoding format of a Message.
type jmessage struct {
	V      string          `json:"jsonrpc"`
	ID     *ID             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	j := jmessage{V: Version, Method: m.Method, Params: m.Params, Error: m.Error}
	if !m.ID.IsZero() || !m.IsRequest() {
		id := m.ID
		j.ID = &id
	}
	if !m.IsRequest() && m.Error == nil {
		j.Result = m.Result
		if len(j.Result) == 0 {
			j.Result = json.RawMessage("null")
		}
	}
	return json.Marshal(j)
}

// Encode encodes m as JSON. It panics if m cannot be encoded, which can only
// happen if m.Params or m.Result contain invalid JSON.
func (m *Message) Encode() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	return data
}

// Parse decodes a single message from data. If data is not valid JSON, Parse
// reports an error with code ParseError; if it is valid JSON but not a valid
// message, the error has code InvalidRequest. In the latter case Parse also
// returns whatever ID could be recovered, so that an error response can be
// attributed to the request.
func Parse(data []byte) (*Message, error) {
	if !json.Valid(data) {
		return nil, Errorf(ParseError, "invalid JSON message")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Errorf(InvalidRequest, "message is not an object")
	}
	var j jmessage
	if err := json.Unmarshal(data, &j); err != nil {
		msg := new(Message)
		if rid, ok := raw["id"]; ok {
			msg.ID.UnmarshalJSON(rid) // best effort
		}
		return msg, Errorf(InvalidRequest, "invalid message: %v", err)
	}
	msg := &Message{Method: j.Method, Params: j.Params, Error: j.Error}
	if j.ID != nil {
		msg.ID = *j.ID
	}
	if j.V != Version {
		return msg, Errorf(InvalidRequest, "unsupported version %q", j.V)
	}
	_, hasResult := raw["result"]
	if hasResult {
		msg.Result = j.Result
		if msg.Result == nil {
			msg.Result = json.RawMessage("null")
		}
	}
	switch {
	case j.Method != "":
		if hasResult || j.Error != nil {
			return msg, Errorf(InvalidRequest, "request has a result or error")
		}
		if p := bytes.TrimSpace(j.Params); len(p) != 0 && p[0] != '{' && !bytes.Equal(p, []byte("null")) {
			return msg, Errorf(InvalidRequest, "params must be an object")
		}
	case hasResult && j.Error != nil:
		return msg, Errorf(InvalidRequest, "response has both result and error")
	case !hasResult && j.Error == nil:
		if _, ok := raw["method"]; ok {
			return msg, Errorf(InvalidRequest, "empty method name")
		}
		return msg, Errorf(InvalidRequest, "message is neither a request nor a response")
	}
	return msg, nil
}

// ErrNoResult is reported by DecodeResult for a response without a result.
var ErrNoResult = errors.New("response has no result")

// DecodeResult decodes the result of a response message into v. If m is an
// error response, its *Error is returned.
func DecodeResult(m *Message, v any) error {
	if m.Error != nil {
		return m.Error
	} else if m.Result == nil {
		return ErrNoResult
	} else if v == nil {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}
