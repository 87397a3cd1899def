// Package models defines the wire and persistence types shared across the
// platform: the broker message envelope, task results, and the domain
// records the core reads and writes.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the status carried on response envelopes.
type MessageStatus string

const (
	StatusSuccess MessageStatus = "success"
	StatusError   MessageStatus = "error"
)

// Message is the envelope carried on the broker. Exactly one of the three
// envelope shapes is populated:
//
//   - task:     TaskID + TaskType + TargetAgentID set, EventID/EventType empty
//   - event:    EventID + EventType set, TaskID/TaskType empty
//   - response: ResponseTo set (plus Status and Result or Error)
type Message struct {
	MessageID     string         `json:"message_id"`
	TaskID        string         `json:"task_id,omitempty"`
	TaskType      string         `json:"task_type,omitempty"`
	EventID       string         `json:"event_id,omitempty"`
	EventType     string         `json:"event_type,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	SenderAgentID string         `json:"sender_agent_id"`
	TargetAgentID string         `json:"target_agent_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`

	// TraceContext is an opaque propagation carrier (W3C traceparent et al).
	TraceContext map[string]string `json:"trace_context,omitempty"`

	// Response fields. ResponseTo correlates a response to the request's
	// MessageID.
	ResponseTo string         `json:"response_to,omitempty"`
	Status     MessageStatus  `json:"status,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// NewTaskMessage builds a task envelope addressed to target.
func NewTaskMessage(sender, target, taskType string, payload map[string]any) *Message {
	return &Message{
		MessageID:     uuid.New().String(),
		TaskID:        uuid.New().String(),
		TaskType:      taskType,
		Timestamp:     time.Now().UTC(),
		SenderAgentID: sender,
		TargetAgentID: target,
		Payload:       payload,
	}
}

// NewEventMessage builds a fanout event envelope.
func NewEventMessage(sender, eventType string, payload map[string]any) *Message {
	return &Message{
		MessageID:     uuid.New().String(),
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		SenderAgentID: sender,
		Payload:       payload,
	}
}

// NewResponseMessage builds a response envelope correlated to req.
// The result sum type is flattened here and nowhere else.
func NewResponseMessage(sender string, req *Message, result Result) *Message {
	msg := &Message{
		MessageID:     uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		SenderAgentID: sender,
		TargetAgentID: req.SenderAgentID,
		ResponseTo:    req.MessageID,
	}
	if result.IsOK() {
		msg.Status = StatusSuccess
		msg.Result = result.Value
	} else {
		msg.Status = StatusError
		msg.Error = result.Err.Error()
	}
	return msg
}

// MessageKind classifies the envelope shape.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindTask
	KindEvent
	KindResponse
)

// Kind returns the envelope kind, or KindInvalid when the exclusivity
// invariant is violated (e.g. both task and event fields set).
func (m *Message) Kind() MessageKind {
	isTask := m.TaskID != "" || m.TaskType != ""
	isEvent := m.EventID != "" || m.EventType != ""
	isResponse := m.ResponseTo != ""

	switch {
	case isResponse && !isTask && !isEvent:
		return KindResponse
	case isTask && !isEvent && !isResponse:
		return KindTask
	case isEvent && !isTask && !isResponse:
		return KindEvent
	default:
		return KindInvalid
	}
}

// Validate checks the envelope exclusivity invariant and required fields.
func (m *Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if m.SenderAgentID == "" {
		return fmt.Errorf("sender_agent_id is required")
	}
	switch m.Kind() {
	case KindTask:
		if m.TargetAgentID == "" {
			return fmt.Errorf("task message requires target_agent_id")
		}
	case KindEvent, KindResponse:
		// nothing further
	default:
		return fmt.Errorf("message must carry exactly one of task, event or response envelope")
	}
	return nil
}

// Marshal serializes the envelope to UTF-8 JSON for the broker.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", m.MessageID, err)
	}
	return data, nil
}

// UnmarshalMessage parses a broker body back into an envelope.
func UnmarshalMessage(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}
