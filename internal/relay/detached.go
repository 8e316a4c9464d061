package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Detached runs side effects that must never block or fail the primary
// path (chat mirror, usage counters, deactivation). Failures are logged and
// counted so they stay observable.
type Detached struct {
	log      zerolog.Logger
	wg       sync.WaitGroup
	failures atomic.Int64
}

// NewDetached creates a runner.
func NewDetached(log zerolog.Logger) *Detached {
	return &Detached{log: log.With().Str("component", "detached").Logger()}
}

// Go runs fn in the background. Panics count as failures.
func (d *Detached) Go(name string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.fail(name, fmt.Errorf("panic: %v", r))
			}
		}()
		if err := fn(); err != nil {
			d.fail(name, err)
		}
	}()
}

// Wait blocks until every started task returned.
func (d *Detached) Wait() {
	d.wg.Wait()
}

// Failures returns how many tasks failed since creation.
func (d *Detached) Failures() int64 {
	return d.failures.Load()
}

func (d *Detached) fail(name string, err error) {
	d.failures.Add(1)
	d.log.Warn().Err(err).Str("task", name).Msg("side effect failed")
}
