// Package executor adapts claimed commands to the automation backend: a
// stored script runs step by step, anything else is one direct call.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/markus-barta/deskrelay/internal/backend"
	"github.com/markus-barta/deskrelay/internal/script"
	"github.com/rs/zerolog"
)

// ScriptMode is the backend mode used for script steps. Script steps are
// literal instructions and never go through the AI interpreter.
const ScriptMode = "manual"

// StepResult records one executed script step.
type StepResult struct {
	CommandID     string          `json:"command_id"`
	CommandText   string          `json:"command_text"`
	Description   string          `json:"command_description,omitempty"`
	Order         int             `json:"order"`
	Success       bool            `json:"success"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data,omitempty"`
	ExecutionTime float64         `json:"execution_time"`
}

// Result aggregates a script run. Success is the AND of all executed steps.
type Result struct {
	ScriptID         string       `json:"script_id"`
	ScriptName       string       `json:"script_name"`
	Success          bool         `json:"success"`
	TotalCommands    int          `json:"total_commands"`
	ExecutedCommands int          `json:"executed_commands"`
	FailedCommands   int          `json:"failed_commands"`
	Results          []StepResult `json:"results"`
	ExecutionTime    float64      `json:"execution_time"`
}

// ScriptExecutor runs stored scripts.
type ScriptExecutor struct {
	log zerolog.Logger
}

// NewScriptExecutor creates a script executor.
func NewScriptExecutor(log zerolog.Logger) *ScriptExecutor {
	return &ScriptExecutor{log: log.With().Str("component", "script-executor").Logger()}
}

// Execute runs every enabled step in stored order. A failing step does not
// stop the sequence.
func (e *ScriptExecutor) Execute(ctx context.Context, sc *script.Script, b backend.Backend, userID string) *Result {
	start := time.Now()
	log := e.log.With().Str("script_id", sc.ID).Str("user_id", userID).Logger()
	log.Info().Str("name", sc.Name).Msg("executing script")

	res := &Result{
		ScriptID:      sc.ID,
		ScriptName:    sc.Name,
		Success:       true,
		TotalCommands: len(sc.Commands),
		Results:       []StepResult{},
	}

	steps := sc.Ordered()
	for i, step := range steps {
		if !step.IsEnabled {
			log.Debug().Str("step", step.Text).Msg("skipping disabled step")
			continue
		}

		sr := StepResult{
			CommandID:   step.ID,
			CommandText: step.Text,
			Description: step.Description,
			Order:       step.Order,
		}

		resp, err := b.Execute(ctx, step.Text, ScriptMode)
		switch {
		case err != nil:
			sr.Message = err.Error()
		default:
			sr.Success = resp.Success
			sr.Message = resp.Message
			sr.Data = resp.Data
		}
		sr.ExecutionTime = time.Since(start).Seconds()

		res.ExecutedCommands++
		if !sr.Success {
			res.FailedCommands++
			res.Success = false
			log.Warn().Int("step", i+1).Str("message", sr.Message).Msg("script step failed")
		}
		res.Results = append(res.Results, sr)
	}

	res.ExecutionTime = time.Since(start).Seconds()
	if res.Success {
		log.Info().Float64("seconds", res.ExecutionTime).Msg("script executed successfully")
	} else {
		log.Warn().
			Int("failed", res.FailedCommands).
			Float64("seconds", res.ExecutionTime).
			Msg("script completed with errors")
	}
	return res
}

// DirectExecutor passes one instruction to the backend.
type DirectExecutor struct{}

// Execute calls the backend once. There is no retry at this layer; a reply
// with success=false becomes a *backend.Error carrying the backend message.
func (DirectExecutor) Execute(ctx context.Context, text, mode string, b backend.Backend) (*backend.Response, error) {
	resp, err := b.Execute(ctx, text, mode)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "command failed: " + text
		}
		return resp, &backend.Error{Op: "execute", Message: msg}
	}
	return resp, nil
}
