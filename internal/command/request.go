package command

import (
	"encoding/json"
	"strings"
)

// Request is the body accepted by the producer endpoint.
type Request struct {
	CommandType       string          `json:"command_type"`
	CommandText       string          `json:"command_text,omitempty"`
	ScriptID          string          `json:"script_id,omitempty"`
	Mode              string          `json:"mode,omitempty"`
	DeviceInfo        json.RawMessage `json:"device_info,omitempty"`
	DesktopInstanceID string          `json:"desktop_instance_id,omitempty"`
}

// Validate checks the enum and that exactly one of command_text and
// script_id is present for the given type.
func (r *Request) Validate() error {
	t, err := ParseType(r.CommandType)
	if err != nil {
		return err
	}
	hasText := strings.TrimSpace(r.CommandText) != ""
	hasScript := strings.TrimSpace(r.ScriptID) != ""

	if t == TypeScript {
		if !hasScript {
			return &ValidationError{Code: "missing_script_id", Message: "script_id is required for script commands"}
		}
		if hasText {
			return &ValidationError{Code: "unexpected_command_text", Message: "command_text must be empty for script commands"}
		}
		return nil
	}
	if !hasText {
		return &ValidationError{Code: "missing_command_text", Message: "command_text is required for " + string(t) + " commands"}
	}
	if hasScript {
		return &ValidationError{Code: "unexpected_script_id", Message: "script_id is only allowed for script commands"}
	}
	return nil
}

// NewPending builds the row the producer inserts. ID and CreatedAt are left
// to the store.
func (r *Request) NewPending(userID string) *RemoteCommand {
	return &RemoteCommand{
		UserID:            userID,
		Type:              Type(r.CommandType),
		Text:              strings.TrimSpace(r.CommandText),
		ScriptID:          strings.TrimSpace(r.ScriptID),
		Mode:              r.Mode,
		DesktopInstanceID: strings.TrimSpace(r.DesktopInstanceID),
		Status:            StatusPending,
		DeviceInfo:        r.DeviceInfo,
	}
}
