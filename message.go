package prefork

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// WorkerID identifies a worker for the lifetime of its Manager. Ids are
// assigned in increasing order starting at 1 and never reused, unlike OS
// process ids.
type WorkerID uint64

// String returns the decimal form of the id
func (id WorkerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Payload is the raw JSON value carried by a message. A nil Payload means the
// sender supplied no payload at all, which is distinct from an explicit JSON
// null.
type Payload []byte

// Absent reports whether no payload was sent
func (p Payload) Absent() bool {
	return p == nil
}

// Decode unmarshals the payload into v
func (p Payload) Decode(v any) error {
	if p.Absent() {
		return fmt.Errorf("%w: payload absent", ErrDecode)
	}
	return json.Unmarshal(p, v)
}

// String returns the JSON text of the payload
func (p Payload) String() string {
	if p.Absent() {
		return "<absent>"
	}
	return string(p)
}

// MarshalJSON implements json.Marshaler
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Absent() {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON implements json.Unmarshaler
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append(Payload{}, data...)
	return nil
}

// NewPayload encodes v as a Payload. A nil v yields an absent payload; a
// Payload or json.RawMessage is passed through unchanged.
func NewPayload(v any) (Payload, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Payload:
		return t, nil
	case json.RawMessage:
		return Payload(t), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(data), nil
}

// MessageKind classifies a message on a channel
type MessageKind int

const (
	// KindCall is a worker request
	KindCall MessageKind = iota
	// KindReply is a successful manager answer
	KindReply
	// KindErrorReply is a failed manager answer
	KindErrorReply
	// KindFinalize delivers a worker's final payload
	KindFinalize
	// KindFinalizeAck acknowledges a finalize message
	KindFinalizeAck
)

// String returns the kind name
func (k MessageKind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReply:
		return "reply"
	case KindErrorReply:
		return "error-reply"
	case KindFinalize:
		return "finalize"
	case KindFinalizeAck:
		return "finalize-ack"
	default:
		return "unknown"
	}
}

// Message is one unit exchanged over a channel
type Message struct {
	Kind     MessageKind
	WorkerID WorkerID
	// Method is set on calls
	Method string
	// Payload is the call argument, the reply value or the final payload
	Payload Payload
	// Error and Code are set on error replies
	Error string
	Code  ErrorCode
}

// wireMessage is the JSON shape of a Message
type wireMessage struct {
	KidPID         WorkerID  `json:"kidpid,omitempty"`
	CallbackMethod string    `json:"callback_method,omitempty"`
	Method         string    `json:"method,omitempty"`
	ChildPayload   Payload   `json:"child_payload,omitempty"`
	ParentPayload  Payload   `json:"parent_payload,omitempty"`
	FinalPayload   Payload   `json:"final_payload,omitempty"`
	Error          string    `json:"error,omitempty"`
	ErrorCode      ErrorCode `json:"error_code,omitempty"`
}

// encodeMessage renders msg as a single JSON line without the terminator.
// encoding/json escapes control characters inside strings, so the result
// never contains a raw newline.
func encodeMessage(msg Message) ([]byte, error) {
	var w wireMessage
	switch msg.Kind {
	case KindCall:
		w = wireMessage{KidPID: msg.WorkerID, CallbackMethod: msg.Method, ChildPayload: msg.Payload}
	case KindReply:
		w = wireMessage{KidPID: msg.WorkerID, ParentPayload: msg.Payload}
	case KindErrorReply:
		w = wireMessage{KidPID: msg.WorkerID, Error: msg.Error, ErrorCode: msg.Code}
	case KindFinalize:
		if msg.Payload.Absent() {
			return nil, fmt.Errorf("finalize without payload")
		}
		w = wireMessage{KidPID: msg.WorkerID, FinalPayload: msg.Payload}
	case KindFinalizeAck:
		return []byte("{}"), nil
	default:
		return nil, fmt.Errorf("unknown message kind %d", msg.Kind)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, fmt.Errorf("encoded message contains a line break")
	}
	return data, nil
}

// decodeMessage parses one line into a Message
func decodeMessage(line []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	method := w.CallbackMethod
	if method == "" {
		method = w.Method
	}

	msg := Message{WorkerID: w.KidPID}
	switch {
	case method == FinalizeMethod:
		msg.Kind = KindFinalize
		msg.Payload = w.FinalPayload
		if msg.Payload.Absent() {
			msg.Payload = w.ChildPayload
		}
	case method != "":
		msg.Kind = KindCall
		msg.Method = method
		msg.Payload = w.ChildPayload
	case !w.FinalPayload.Absent():
		msg.Kind = KindFinalize
		msg.Payload = w.FinalPayload
	case w.Error != "" || w.ErrorCode != "":
		msg.Kind = KindErrorReply
		msg.Error = w.Error
		msg.Code = w.ErrorCode
	case w.KidPID == 0 && w.ParentPayload.Absent():
		msg.Kind = KindFinalizeAck
	default:
		msg.Kind = KindReply
		msg.Payload = w.ParentPayload
	}
	return msg, nil
}
