package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Every record on the wire is a JSON document followed by this byte.
const RecordSeparator byte = 0x1e

// Name and version sent in the handshake request
const (
	Name    = "json"
	Version = 1
)

// Represents the type of hub message
type MessageType int

const (
	// Call to a hub method or a push to a client handler
	MessageTypeInvocation MessageType = 1

	// Item of a streaming result, unused by the room hubs
	MessageTypeStreamItem MessageType = 2

	// Result or error of an invocation carrying an id
	MessageTypeCompletion MessageType = 3

	MessageTypeStreamInvocation MessageType = 4
	MessageTypeCancelInvocation MessageType = 5

	// Keep-alive in both directions
	MessageTypePing MessageType = 6

	// Server is closing the connection
	MessageTypeClose MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeInvocation:
		return "invocation"
	case MessageTypeStreamItem:
		return "stream-item"
	case MessageTypeCompletion:
		return "completion"
	case MessageTypeStreamInvocation:
		return "stream-invocation"
	case MessageTypeCancelInvocation:
		return "cancel-invocation"
	case MessageTypePing:
		return "ping"
	case MessageTypeClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// Message covers every hub message kind; unused fields stay empty.
type Message struct {
	Type           MessageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// NewInvocation marshals args into an invocation. An empty id makes it
// a non-blocking send that the server never completes.
func NewInvocation(id, target string, args ...any) (Message, error) {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return Message{}, fmt.Errorf("marshal argument %d of %s: %w", i, target, err)
		}
		raw[i] = data
	}
	return Message{
		Type:         MessageTypeInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    raw,
	}, nil
}

// NewCompletion builds the reply to an invocation.
func NewCompletion(id string, result any, errMsg string) (Message, error) {
	msg := Message{Type: MessageTypeCompletion, InvocationID: id, Error: errMsg}
	if errMsg == "" {
		data, err := json.Marshal(result)
		if err != nil {
			return Message{}, fmt.Errorf("marshal result of %s: %w", id, err)
		}
		msg.Result = data
	}
	return msg, nil
}

// Encode marshals v as one record.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, RecordSeparator), nil
}

// Decode parses a single record without its separator.
func Decode(record []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(record, &msg); err != nil {
		return Message{}, fmt.Errorf("decode hub message: %w", err)
	}
	return msg, nil
}

// Extracts the message type without decoding the rest of the record
func ParseMessageType(record []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(record, &head); err != nil {
		return 0, err
	}
	return head.Type, nil
}

// Parser reassembles records from transport frames. A frame may carry
// several records or end in the middle of one.
type Parser struct {
	buf []byte
}

// Feed appends a frame and returns every record it completed.
func (p *Parser) Feed(frame []byte) [][]byte {
	p.buf = append(p.buf, frame...)

	var records [][]byte
	for {
		i := bytes.IndexByte(p.buf, RecordSeparator)
		if i < 0 {
			break
		}
		record := make([]byte, i)
		copy(record, p.buf[:i])
		p.buf = p.buf[i+1:]
		if len(record) > 0 {
			records = append(records, record)
		}
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}
	return records
}

// Pending reports whether a partial record is buffered.
func (p *Parser) Pending() bool {
	return len(p.buf) > 0
}
