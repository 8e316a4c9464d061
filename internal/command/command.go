// Package command defines the remote command model shared by the producer
// endpoint, the stores, and the desktop relay.
//
// A remote command is a row in the remote_commands table. It is inserted as
// pending by the producer (the mobile client, through the relay server) and
// moves through exactly one claim:
//
//	pending --claim--> executing --handler ok--> completed
//	                             --handler err-> failed
package command

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the kind of work a command asks for. The set is closed.
type Type string

const (
	TypeChat   Type = "chat"
	TypeAI     Type = "ai"
	TypeAgent  Type = "agent"
	TypeManual Type = "manual"
	TypeScript Type = "script"
)

// Types lists every valid command type in display order.
var Types = []Type{TypeChat, TypeAI, TypeAgent, TypeManual, TypeScript}

// ParseType validates a wire value.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", &ValidationError{Code: "invalid_command_type", Message: fmt.Sprintf("invalid command_type %q", s)}
}

// Status is the lifecycle state of a command row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true once no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RemoteCommand is one row of remote_commands. JSON tags match column names so
// rows decoded from change notifications and from the REST endpoint are the
// same shape.
type RemoteCommand struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Type              Type            `json:"command_type"`
	Text              string          `json:"command_text,omitempty"`
	ScriptID          string          `json:"script_id,omitempty"`
	Mode              string          `json:"mode,omitempty"`
	DesktopInstanceID string          `json:"desktop_instance_id,omitempty"` // empty: any instance of the user
	Status            Status          `json:"status"`
	DeviceInfo        json.RawMessage `json:"device_info,omitempty"`
	ClaimedBy         string          `json:"claimed_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ResultMessage     string          `json:"result_message,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ResultData        json.RawMessage `json:"result_data,omitempty"`
}

// TargetsInstance reports whether the given desktop instance may claim the
// command. Untargeted commands are open to every instance of the owner.
func (c *RemoteCommand) TargetsInstance(instanceID string) bool {
	return c.DesktopInstanceID == "" || c.DesktopInstanceID == instanceID
}

// EffectiveMode is the mode passed to the automation backend.
func (c *RemoteCommand) EffectiveMode() string {
	if c.Mode != "" {
		return c.Mode
	}
	return string(c.Type)
}

// Outcome is the terminal payload written together with a status.
type Outcome struct {
	Message string          // result_message, completed only
	Error   string          // error_message, failed only
	Data    json.RawMessage // result_data, may be nil
}

// ChatResponse mirrors the text answer of a chat command so the mobile
// origin can display it.
type ChatResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CommandID string    `json:"command_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationError explains why a request or row is malformed.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}
