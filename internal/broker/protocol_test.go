package broker

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    MessageType
		wantErr bool
	}{
		{"ack", `{"type":"handshake_ack"}`, TypeHandshakeAck, false},
		{"reject", `{"type":"handshake_reject","reason":"expired"}`, TypeHandshakeReject, false},
		{"assignment", `{"type":"job_assignment","job_id":"j1","spec":"echo hi","target_dir":"app"}`, TypeJobAssignment, false},
		{"heartbeat ack", `{"type":"heartbeat_ack"}`, TypeHeartbeatAck, false},
		{"cancel", `{"type":"cancel_job","job_id":"j1"}`, TypeCancelJob, false},
		{"assignment without id", `{"type":"job_assignment","spec":"x"}`, "", true},
		{"assignment without spec", `{"type":"job_assignment","job_id":"j1"}`, "", true},
		{"cancel without id", `{"type":"cancel_job"}`, "", true},
		{"unknown type", `{"type":"reboot"}`, "", true},
		{"untagged", `{"job_id":"j1"}`, "", true},
		{"not json", `hello`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var perr *ProtocolError
				if !errors.As(err, &perr) {
					t.Errorf("Expected *ProtocolError, got %T", err)
				}
				return
			}
			if m.Type != tt.want {
				t.Errorf("Decode() type = %s, want %s", m.Type, tt.want)
			}
		})
	}
}

func TestAssignmentConversion(t *testing.T) {
	m, err := Decode([]byte(`{"type":"job_assignment","job_id":"j9","spec":{"command":"make"},"target_dir":"repo"}`))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	a := m.Assignment(now)
	if a.ID != "j9" || a.TargetDir != "repo" || !a.ReceivedAt.Equal(now) {
		t.Errorf("Unexpected assignment %+v", a)
	}
	if string(a.Spec) != `{"command":"make"}` {
		t.Errorf("Spec should be kept verbatim, got %s", a.Spec)
	}
}

func TestEncodeOutbound(t *testing.T) {
	data, err := Encode(Handshake("runner-1", "tok", "sess", "v1", 2))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "handshake" || got["runner_id"] != "runner-1" || got["token"] != "tok" {
		t.Errorf("Unexpected handshake %s", data)
	}

	data, err = Encode(StatusEvent("j1", "job_finished", json.RawMessage(`{"state":"succeeded"}`)))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"payload":{"state":"succeeded"}`) {
		t.Errorf("Payload should be embedded as JSON, got %s", data)
	}

	if _, err := Encode(Message{Type: TypeStatusEvent, Kind: "job_output"}); err == nil {
		t.Error("Expected error for status event without job id")
	}
}
