package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatchway/runner/internal/models"
)

// MessageType tags every frame on the wire.
type MessageType string

// Outbound.
const (
	TypeHandshake   MessageType = "handshake"
	TypeHeartbeat   MessageType = "heartbeat"
	TypeStatusEvent MessageType = "status_event"
)

// Inbound.
const (
	TypeHandshakeAck    MessageType = "handshake_ack"
	TypeHandshakeReject MessageType = "handshake_reject"
	TypeJobAssignment   MessageType = "job_assignment"
	TypeHeartbeatAck    MessageType = "heartbeat_ack"
	TypeCancelJob       MessageType = "cancel_job"
)

// Message is the self-describing envelope for every frame. Only the fields
// relevant to Type are set.
type Message struct {
	Type MessageType `json:"type"`

	// handshake
	RunnerID  string `json:"runner_id,omitempty"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Version   string `json:"version,omitempty"`
	Capacity  int    `json:"capacity,omitempty"`

	// status_event, job_assignment, cancel_job
	JobID string `json:"job_id,omitempty"`

	// status_event
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// job_assignment
	Spec      json.RawMessage `json:"spec,omitempty"`
	TargetDir string          `json:"target_dir,omitempty"`

	// handshake_reject
	Reason string `json:"reason,omitempty"`

	SentAt *time.Time `json:"sent_at,omitempty"`
}

// Handshake builds the first frame of every session.
func Handshake(runnerID, token, sessionID, version string, capacity int) Message {
	return Message{
		Type:      TypeHandshake,
		RunnerID:  runnerID,
		Token:     token,
		SessionID: sessionID,
		Version:   version,
		Capacity:  capacity,
	}
}

// Heartbeat builds a keepalive frame.
func Heartbeat(now time.Time) Message {
	return Message{Type: TypeHeartbeat, SentAt: &now}
}

// StatusEvent builds a job status frame.
func StatusEvent(jobID, kind string, payload json.RawMessage) Message {
	return Message{Type: TypeStatusEvent, JobID: jobID, Kind: kind, Payload: payload}
}

// Assignment converts a job_assignment frame into the domain type.
func (m Message) Assignment(receivedAt time.Time) models.JobAssignment {
	return models.JobAssignment{
		ID:         m.JobID,
		Spec:       m.Spec,
		TargetDir:  m.TargetDir,
		ReceivedAt: receivedAt,
	}
}

// Encode serializes m after checking its required fields.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates one frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &ProtocolError{Err: fmt.Errorf("decode frame: %w", err)}
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) validate() error {
	missing := func(field string) error {
		return &ProtocolError{Type: m.Type, Err: fmt.Errorf("missing %s", field)}
	}
	switch m.Type {
	case TypeHandshake:
		if m.RunnerID == "" {
			return missing("runner_id")
		}
	case TypeStatusEvent:
		if m.JobID == "" {
			return missing("job_id")
		}
		if m.Kind == "" {
			return missing("kind")
		}
	case TypeJobAssignment:
		if m.JobID == "" {
			return missing("job_id")
		}
		if len(m.Spec) == 0 {
			return missing("spec")
		}
	case TypeCancelJob:
		if m.JobID == "" {
			return missing("job_id")
		}
	case TypeHeartbeat, TypeHeartbeatAck, TypeHandshakeAck, TypeHandshakeReject:
	case "":
		return &ProtocolError{Err: fmt.Errorf("missing type")}
	default:
		return &ProtocolError{Type: m.Type, Err: fmt.Errorf("unknown message type")}
	}
	return nil
}
