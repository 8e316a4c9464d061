package command

import "strings"

// Action is the closed set of things a claimed command can do. Only
// ScriptAction and TextAction implement it.
type Action interface {
	action()
}

// ScriptAction runs a stored script.
type ScriptAction struct {
	ScriptID string
}

// TextAction sends free-form text to the automation backend.
type TextAction struct {
	Type Type
	Text string
	Mode string
}

func (ScriptAction) action() {}
func (TextAction) action()   {}

// Action converts the row into its typed form. Rows that break the
// command_text XOR script_id rule are rejected here instead of failing deep
// inside an executor.
func (c *RemoteCommand) Action() (Action, error) {
	switch c.Type {
	case TypeScript:
		if strings.TrimSpace(c.ScriptID) == "" {
			return nil, &ValidationError{Code: "missing_script_id", Message: "script command requires script_id"}
		}
		return ScriptAction{ScriptID: c.ScriptID}, nil
	case TypeChat, TypeAI, TypeAgent, TypeManual:
		if strings.TrimSpace(c.Text) == "" {
			return nil, &ValidationError{Code: "missing_command_text", Message: string(c.Type) + " command requires command_text"}
		}
		return TextAction{Type: c.Type, Text: c.Text, Mode: c.EffectiveMode()}, nil
	default:
		return nil, &ValidationError{Code: "invalid_command_type", Message: "invalid command_type " + string(c.Type)}
	}
}
