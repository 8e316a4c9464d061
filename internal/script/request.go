package script

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/markus-barta/deskrelay/internal/command"
)

// StepRequest is one step in a save request.
type StepRequest struct {
	Text        string `json:"text"`
	Description string `json:"description,omitempty"`
	IsEnabled   *bool  `json:"is_enabled,omitempty"`
}

// Request is the body accepted when creating or replacing a script. Steps
// run in the order they are listed.
type Request struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Commands    []StepRequest `json:"commands"`
	IsActive    *bool         `json:"is_active,omitempty"`
}

// Validate checks the name and that every step has text.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &command.ValidationError{Code: "missing_name", Message: "name is required"}
	}
	for i, step := range r.Commands {
		if strings.TrimSpace(step.Text) == "" {
			return &command.ValidationError{
				Code:    "missing_step_text",
				Message: fmt.Sprintf("commands[%d].text is required", i),
			}
		}
	}
	return nil
}

// Apply writes the request onto sc. Identity, owner and usage counters are
// left alone; steps are replaced and numbered by position.
func (r *Request) Apply(sc *Script) {
	sc.Name = strings.TrimSpace(r.Name)
	sc.Description = strings.TrimSpace(r.Description)
	if r.IsActive != nil {
		sc.IsActive = *r.IsActive
	}

	sc.Commands = make([]Step, 0, len(r.Commands))
	for i, step := range r.Commands {
		sc.Commands = append(sc.Commands, Step{
			ID:          uuid.New().String(),
			Text:        strings.TrimSpace(step.Text),
			Description: strings.TrimSpace(step.Description),
			Order:       i + 1,
			IsEnabled:   step.IsEnabled == nil || *step.IsEnabled,
		})
	}
}

// NewScript builds a new active script owned by userID.
func (r *Request) NewScript(userID string) *Script {
	sc := &Script{UserID: userID, IsActive: true}
	r.Apply(sc)
	return sc
}
