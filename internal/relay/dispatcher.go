package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-barta/deskrelay/internal/backend"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/executor"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

// Hooks let the host render live status. They are notifications only and
// never influence the outcome of a command. Any of them may be nil.
type Hooks struct {
	OnCommandReceived func(cmd *command.RemoteCommand)
	OnCommandExecuted func(cmd *command.RemoteCommand, out command.Outcome)
	// OnError receives handler, transport and persistence failures. cmd is
	// nil when the failure is not tied to one command.
	OnError func(cmd *command.RemoteCommand, err error)
}

// DispatcherConfig configures one dispatcher.
type DispatcherConfig struct {
	UserID     string
	InstanceID string
	// MaxConcurrent is how many claimed commands run at once. 1 keeps
	// side effects on the automation backend from overlapping.
	MaxConcurrent int
	QueueSize     int
	SeenCapacity  int
	Hooks         Hooks
}

// Dispatcher is the relay core: it admits candidates, claims them, runs
// them and writes the terminal status.
type Dispatcher struct {
	cfg      DispatcherConfig
	commands store.Commands
	scripts  store.Scripts
	backend  backend.Backend
	scriptEx *executor.ScriptExecutor
	direct   executor.DirectExecutor
	seen     *SeenSet
	detached *Detached
	log      zerolog.Logger
}

// NewDispatcher creates a dispatcher with its own dedup set.
func NewDispatcher(cfg DispatcherConfig, commands store.Commands, scripts store.Scripts, b backend.Backend, log zerolog.Logger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Dispatcher{
		cfg:      cfg,
		commands: commands,
		scripts:  scripts,
		backend:  b,
		scriptEx: executor.NewScriptExecutor(log),
		seen:     NewSeenSet(cfg.SeenCapacity),
		detached: NewDetached(log),
		log:      log.With().Str("component", "dispatcher").Str("instance_id", cfg.InstanceID).Logger(),
	}
}

// Seen returns the dedup set, shared read-only with the delivery paths.
func (d *Dispatcher) Seen() *SeenSet {
	return d.seen
}

// Detached returns the side-effect runner.
func (d *Dispatcher) Detached() *Detached {
	return d.detached
}

// Run consumes candidates until ctx is done or in is closed, then waits for
// in-flight commands and side effects. Queued but unclaimed commands are
// left pending for the next run.
func (d *Dispatcher) Run(ctx context.Context, in <-chan Candidate) {
	queue := make(chan *command.RemoteCommand, d.cfg.QueueSize)

	// In-flight commands finish even after shutdown starts, otherwise the
	// row would stay executing.
	execCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cmd := range queue {
				if ctx.Err() != nil {
					d.seen.Remove(cmd.ID)
					continue
				}
				d.process(execCtx, cmd)
			}
		}()
	}

	defer func() {
		close(queue)
		wg.Wait()
		d.detached.Wait()
		d.log.Debug().Msg("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			if !d.admit(c) {
				continue
			}
			select {
			case queue <- c.Command:
			case <-ctx.Done():
				d.seen.Remove(c.Command.ID)
				return
			}
		}
	}
}

// admit is the only eligibility check. It runs on the intake goroutine, so
// check-and-add on the dedup set cannot interleave.
func (d *Dispatcher) admit(c Candidate) bool {
	cmd := c.Command
	if cmd == nil || cmd.ID == "" {
		return false
	}
	log := d.log.With().Str("command_id", cmd.ID).Str("source", string(c.Source)).Logger()

	if d.seen.Contains(cmd.ID) {
		log.Debug().Msg("duplicate sighting dropped")
		return false
	}
	if cmd.UserID != "" && cmd.UserID != d.cfg.UserID {
		return false
	}
	if !cmd.TargetsInstance(d.cfg.InstanceID) {
		log.Debug().Str("target", cmd.DesktopInstanceID).Msg("targeted at another instance")
		return false
	}
	if cmd.Status != command.StatusPending {
		log.Debug().Str("status", string(cmd.Status)).Msg("stale sighting dropped")
		return false
	}
	d.seen.Add(cmd.ID)
	return true
}

// process claims and runs one admitted command.
func (d *Dispatcher) process(ctx context.Context, candidate *command.RemoteCommand) {
	log := d.log.With().Str("command_id", candidate.ID).Logger()

	cmd, err := d.commands.Claim(ctx, candidate.ID, d.cfg.InstanceID)
	if err != nil {
		// Unknown outcome; let a later sighting try again.
		d.seen.Remove(candidate.ID)
		log.Error().Err(err).Msg("claim failed")
		d.onError(candidate, &PersistenceError{Op: "claim", Err: err})
		return
	}
	if cmd == nil {
		log.Debug().Msg("already claimed elsewhere")
		return
	}

	log.Info().Str("type", string(cmd.Type)).Msg("command claimed")
	d.notify(func() {
		if d.cfg.Hooks.OnCommandReceived != nil {
			d.cfg.Hooks.OnCommandReceived(cmd)
		}
	})

	out, runErr := d.run(ctx, cmd)
	if runErr != nil {
		d.seen.Remove(cmd.ID)
		out.Message = ""
		out.Error = runErr.Error()
		d.record(ctx, cmd, command.StatusFailed, out, log)
		log.Warn().Err(runErr).Msg("command failed")
		d.onError(cmd, runErr)
		return
	}

	if !d.record(ctx, cmd, command.StatusCompleted, out, log) {
		return
	}
	log.Info().Str("message", out.Message).Msg("command completed")
	d.notify(func() {
		if d.cfg.Hooks.OnCommandExecuted != nil {
			d.cfg.Hooks.OnCommandExecuted(cmd, out)
		}
	})
}

// record writes the terminal status under this instance's claim. A lost
// lease means the row was already finalized elsewhere and is left alone.
func (d *Dispatcher) record(ctx context.Context, cmd *command.RemoteCommand, status command.Status, out command.Outcome, log zerolog.Logger) bool {
	err := d.commands.UpdateStatus(ctx, cmd.ID, d.cfg.InstanceID, status, out)
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn().Str("status", string(status)).Msg("lease lost, outcome discarded")
	} else {
		log.Error().Err(err).Str("status", string(status)).Msg("failed to record outcome, command stays executing")
	}
	d.onError(cmd, &PersistenceError{Op: "update_status", Err: err})
	return false
}

// run dispatches by action. Handler panics become errors.
func (d *Dispatcher) run(ctx context.Context, cmd *command.RemoteCommand) (out command.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	action, err := cmd.Action()
	if err != nil {
		return out, err
	}
	switch a := action.(type) {
	case command.ScriptAction:
		return d.runScript(ctx, cmd, a)
	case command.TextAction:
		return d.runText(ctx, cmd, a)
	default:
		return out, fmt.Errorf("unsupported action %T", action)
	}
}

func (d *Dispatcher) runScript(ctx context.Context, cmd *command.RemoteCommand, a command.ScriptAction) (command.Outcome, error) {
	sc, err := d.scripts.GetScript(ctx, a.ScriptID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sc.UserID != cmd.UserID) {
		return command.Outcome{}, fmt.Errorf("script %s: %w", a.ScriptID, store.ErrNotFound)
	}
	if err != nil {
		return command.Outcome{}, fmt.Errorf("load script %s: %w", a.ScriptID, err)
	}
	if !sc.IsActive {
		// The command was queued while the script was active; honor it.
		d.log.Warn().Str("script_id", sc.ID).Msg("running inactive script")
	}

	res := d.scriptEx.Execute(ctx, sc, d.backend, cmd.UserID)

	scriptID := sc.ID
	d.detached.Go("record-script-run", func() error {
		return d.scripts.RecordScriptRun(ctx, scriptID, time.Now())
	})

	data, err := json.Marshal(res)
	if err != nil {
		return command.Outcome{}, fmt.Errorf("encode script result: %w", err)
	}
	if !res.Success {
		return command.Outcome{Data: data}, fmt.Errorf("script %q: %d of %d steps failed",
			sc.Name, res.FailedCommands, res.ExecutedCommands)
	}
	return command.Outcome{
		Message: fmt.Sprintf("Script %q executed successfully (%d/%d commands)", sc.Name, res.ExecutedCommands, res.TotalCommands),
		Data:    data,
	}, nil
}

func (d *Dispatcher) runText(ctx context.Context, cmd *command.RemoteCommand, a command.TextAction) (command.Outcome, error) {
	resp, err := d.direct.Execute(ctx, a.Text, a.Mode, d.backend)
	if err != nil {
		return command.Outcome{}, err
	}

	out := command.Outcome{Message: resp.Message, Data: resp.Data}
	if len(resp.Warnings) > 0 {
		envelope, err := json.Marshal(struct {
			Data     json.RawMessage `json:"data,omitempty"`
			Warnings []string        `json:"warnings"`
		}{resp.Data, resp.Warnings})
		if err == nil {
			out.Data = envelope
		}
	}

	if a.Type == command.TypeChat {
		mirror := &command.ChatResponse{UserID: cmd.UserID, CommandID: cmd.ID, Message: resp.Message}
		d.detached.Go("chat-mirror", func() error {
			return d.commands.InsertChatResponse(ctx, mirror)
		})
	}
	return out, nil
}

func (d *Dispatcher) onError(cmd *command.RemoteCommand, err error) {
	d.notify(func() {
		if d.cfg.Hooks.OnError != nil {
			d.cfg.Hooks.OnError(cmd, err)
		}
	})
}

// notify shields the relay from misbehaving hooks.
func (d *Dispatcher) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("lifecycle hook panicked")
		}
	}()
	fn()
}
