// Package protocol defines the WebSocket message types for droid control.
// Messages are flat JSON objects discriminated by a "type" field; response
// timestamps are Unix seconds as a float.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Client → Server messages
	TypeServoCommand    MessageType = "servo_command"
	TypeSequenceCommand MessageType = "sequence_command"
	TypeEmergencyStop   MessageType = "emergency_stop"
	TypeConfigCommand   MessageType = "config_command"
	TypeGetStatus       MessageType = "get_status"

	// Server → Client messages
	TypeCommandResponse  MessageType = "command_response"
	TypeSequenceResponse MessageType = "sequence_response"
	TypeEmergencyResp    MessageType = "emergency_response"
	TypeConfigResponse   MessageType = "config_response"
	TypeStatusUpdate     MessageType = "status_update"
	TypeError            MessageType = "error"

	// Broadcast to every client when the stop trips, regardless of origin
	TypeEmergencyStopActivated MessageType = "emergency_stop_activated"
)

// Config command actions.
const (
	ConfigActionGet  = "get"
	ConfigActionSet  = "set"
	ConfigActionSave = "save"
)

// PeekType reads only the type discriminator so the full message can be
// decoded into the right struct.
func PeekType(data []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("failed to parse message: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("message has no type field")
	}
	return head.Type, nil
}

// Now returns the protocol timestamp for this instant.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// =============================================================================
// Client → Server
// =============================================================================

// ServoCommand moves one channel to a position over a duration.
type ServoCommand struct {
	Type     MessageType `json:"type"`
	Channel  int         `json:"channel"`
	Position float64     `json:"position"`
	Duration int         `json:"duration,omitempty"` // milliseconds
	Delay    int         `json:"delay,omitempty"`    // milliseconds
}

// SequenceCommand submits an ordered batch of servo commands.
type SequenceCommand struct {
	Type      MessageType    `json:"type"`
	Name      string         `json:"name,omitempty"`
	Behavior  string         `json:"behavior,omitempty"` // resolved externally when commands is empty
	Loop      bool           `json:"loop,omitempty"`
	LoopCount int            `json:"loop_count,omitempty"`
	Commands  []SequenceStep `json:"commands,omitempty"`
}

// SequenceStep is one command inside a sequence submission.
type SequenceStep struct {
	Channel  int     `json:"channel"`
	Position float64 `json:"position"`
	Duration int     `json:"duration,omitempty"` // milliseconds
	Delay    int     `json:"delay,omitempty"`    // milliseconds
}

// EmergencyStop halts all motion immediately.
type EmergencyStop struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

// ConfigCommand reads or mutates servo configuration.
type ConfigCommand struct {
	Type     MessageType     `json:"type"`
	Action   string          `json:"action"` // get, set, save
	Channel  *int            `json:"channel,omitempty"`
	Servo    json.RawMessage `json:"servo,omitempty"`
	Filename string          `json:"filename,omitempty"`
}

// GetStatus requests an immediate status snapshot.
type GetStatus struct {
	Type MessageType `json:"type"`
}

// =============================================================================
// Server → Client
// =============================================================================

// CommandResponse acknowledges a single servo command.
type CommandResponse struct {
	Type      MessageType `json:"type"`
	Success   bool        `json:"success"`
	CommandID string      `json:"command_id,omitempty"`
	Clamped   bool        `json:"clamped,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp float64     `json:"timestamp"`
}

// SequenceResponse acknowledges a sequence submission.
type SequenceResponse struct {
	Type       MessageType `json:"type"`
	Success    bool        `json:"success"`
	SequenceID string      `json:"sequence_id,omitempty"`
	Commands   int         `json:"commands,omitempty"`
	Message    string      `json:"message,omitempty"`
	Timestamp  float64     `json:"timestamp"`
}

// EmergencyResponse acknowledges an emergency stop to its sender.
type EmergencyResponse struct {
	Type      MessageType `json:"type"`
	Success   bool        `json:"success"`
	Timestamp float64     `json:"timestamp"`
}

// ConfigResponse answers a config command.
type ConfigResponse struct {
	Type      MessageType     `json:"type"`
	Success   bool            `json:"success"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp float64         `json:"timestamp"`
}

// ServoStatus is one channel's state inside a status update.
type ServoStatus struct {
	Channel  int     `json:"channel"`
	Name     string  `json:"name"`
	Position float64 `json:"position"`
	Enabled  bool    `json:"enabled"`
}

// ActiveChoreography describes the running choreography, if any.
type ActiveChoreography struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LoopsLeft int    `json:"loops_left"`
}

// StatusUpdate is the periodic system snapshot broadcast to all clients.
type StatusUpdate struct {
	Type            MessageType         `json:"type"`
	EmergencyStop   bool                `json:"emergency_stop"`
	SafetyTier      string              `json:"safety_tier"`
	Servos          []ServoStatus       `json:"servos"`
	PendingCommands int                 `json:"pending_commands"`
	Choreography    *ActiveChoreography `json:"choreography,omitempty"`
	Clients         int                 `json:"clients"`
	Violations      int                 `json:"violations"`
	Timestamp       float64             `json:"timestamp"`
}

// ErrorMessage reports a malformed or failed request to its sender. It
// never closes the connection.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// EmergencyStopActivated tells every client the stop tripped.
type EmergencyStopActivated struct {
	Type      MessageType `json:"type"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp float64     `json:"timestamp"`
}

// =============================================================================
// Constructors
// =============================================================================

// NewError builds an error message.
func NewError(format string, args ...any) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

// NewCommandResponse builds a command acknowledgement.
func NewCommandResponse(success bool, commandID string, clamped bool, message string) CommandResponse {
	return CommandResponse{
		Type:      TypeCommandResponse,
		Success:   success,
		CommandID: commandID,
		Clamped:   clamped,
		Message:   message,
		Timestamp: Now(),
	}
}

// NewSequenceResponse builds a sequence acknowledgement.
func NewSequenceResponse(success bool, sequenceID string, commands int, message string) SequenceResponse {
	return SequenceResponse{
		Type:       TypeSequenceResponse,
		Success:    success,
		SequenceID: sequenceID,
		Commands:   commands,
		Message:    message,
		Timestamp:  Now(),
	}
}

// NewEmergencyResponse builds an emergency stop acknowledgement.
func NewEmergencyResponse(success bool) EmergencyResponse {
	return EmergencyResponse{Type: TypeEmergencyResp, Success: success, Timestamp: Now()}
}

// NewEmergencyStopActivated builds the broadcast sent when the stop trips.
func NewEmergencyStopActivated(reason string) EmergencyStopActivated {
	return EmergencyStopActivated{Type: TypeEmergencyStopActivated, Reason: reason, Timestamp: Now()}
}

// Marshal encodes any protocol message for the wire.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
