// Package script holds the stored-script model executed by script commands.
package script

import (
	"encoding/json"
	"sort"
	"time"
)

// Step is one command line of a script.
type Step struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
	IsEnabled   bool   `json:"is_enabled"`
}

// UnmarshalJSON treats a missing is_enabled as enabled, so steps written by
// clients that never set the flag still run.
func (s *Step) UnmarshalJSON(data []byte) error {
	type plain Step
	aux := struct {
		*plain
		IsEnabled *bool `json:"is_enabled"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.IsEnabled = aux.IsEnabled == nil || *aux.IsEnabled
	return nil
}

// Script is a named, ordered list of steps owned by a user.
type Script struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Commands     []Step     `json:"commands"`
	IsActive     bool       `json:"is_active"`
	UsageCount   int        `json:"usage_count"`
	LastExecuted *time.Time `json:"last_executed,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Ordered returns the steps sorted by their stored order. Ties keep their
// slice position.
func (s *Script) Ordered() []Step {
	steps := make([]Step, len(s.Commands))
	copy(steps, s.Commands)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
	return steps
}
