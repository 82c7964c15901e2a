package protocol

import (
	"encoding/json"
	"testing"
)

func TestParserSplitsRecords(t *testing.T) {
	var p Parser

	frame := []byte(`{"type":6}` + "\x1e" + `{"type":1,"target":"Refresh","arguments":[null]}` + "\x1e")
	records := p.Feed(frame)

	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if string(records[0]) != `{"type":6}` {
		t.Errorf("Unexpected first record: %s", records[0])
	}
	if p.Pending() {
		t.Error("Parser should have no pending data")
	}
}

func TestParserPartialRecord(t *testing.T) {
	var p Parser

	if records := p.Feed([]byte(`{"type":3,"invoc`)); len(records) != 0 {
		t.Fatalf("Expected no complete record, got %d", len(records))
	}
	if !p.Pending() {
		t.Error("Parser should buffer partial record")
	}

	records := p.Feed([]byte(`ationId":"1","result":true}` + "\x1e" + `{"ty`))
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}

	msg, err := Decode(records[0])
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if msg.Type != MessageTypeCompletion || msg.InvocationID != "1" || string(msg.Result) != "true" {
		t.Errorf("Unexpected message: %+v", msg)
	}
	if !p.Pending() {
		t.Error("Trailing partial record should stay buffered")
	}
}

func TestParserSkipsEmptyRecords(t *testing.T) {
	var p Parser
	records := p.Feed([]byte("\x1e\x1e{}\x1e"))
	if len(records) != 1 || string(records[0]) != "{}" {
		t.Errorf("Expected only the handshake record, got %q", records)
	}
}

func TestNewInvocation(t *testing.T) {
	msg, err := NewInvocation("7", "SendRoomCodeToScreen", "ABC123", "screen-1")
	if err != nil {
		t.Fatalf("Failed to build invocation: %v", err)
	}

	record, err := Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if record[len(record)-1] != RecordSeparator {
		t.Fatal("Encoded record must end with the separator")
	}

	var decoded map[string]any
	if err := json.Unmarshal(record[:len(record)-1], &decoded); err != nil {
		t.Fatalf("Encoded record is not JSON: %v", err)
	}
	args, _ := decoded["arguments"].([]any)
	if decoded["target"] != "SendRoomCodeToScreen" || len(args) != 2 || args[0] != "ABC123" {
		t.Errorf("Unexpected invocation: %v", decoded)
	}
}

func TestSendHasNoInvocationID(t *testing.T) {
	msg, err := NewInvocation("", "LeaveRoom")
	if err != nil {
		t.Fatalf("Failed to build invocation: %v", err)
	}
	record, _ := Encode(msg)

	var decoded map[string]any
	json.Unmarshal(record[:len(record)-1], &decoded)
	if _, ok := decoded["invocationId"]; ok {
		t.Error("Non-blocking send must omit invocationId")
	}
}

func TestCompletionNullResult(t *testing.T) {
	msg, err := NewCompletion("3", nil, "")
	if err != nil {
		t.Fatalf("Failed to build completion: %v", err)
	}
	if string(msg.Result) != "null" {
		t.Errorf("Expected null result, got %s", msg.Result)
	}

	failed, _ := NewCompletion("4", nil, "boom")
	if failed.Result != nil || failed.Error != "boom" {
		t.Errorf("Unexpected failed completion: %+v", failed)
	}
}

func TestParseMessageType(t *testing.T) {
	tests := []struct {
		record string
		want   MessageType
	}{
		{`{"type":1,"target":"RoomCode"}`, MessageTypeInvocation},
		{`{"type":3,"invocationId":"1"}`, MessageTypeCompletion},
		{`{"type":6}`, MessageTypePing},
		{`{"type":7,"error":"bye"}`, MessageTypeClose},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			got, err := ParseMessageType([]byte(tt.record))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := ParseMessageType([]byte("not json")); err == nil {
		t.Error("Expected error for invalid record")
	}
}
