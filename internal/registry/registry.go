// Package registry keeps this desktop's row in desktop_instances current:
// registration on sign-in, a periodic heartbeat while running, and
// deactivation on sign-out or shutdown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/markus-barta/deskrelay/internal/auth"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is how often last_seen_at is refreshed.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrUnauthenticated is returned by Register when nobody is signed in.
var ErrUnauthenticated = errors.New("registry: not authenticated")

// IdentitySource resolves the instance id.
type IdentitySource interface {
	GetOrCreate() (string, error)
}

// SessionSource reports the signed-in user.
type SessionSource interface {
	Current() (auth.Identity, error)
}

// Client registers and heartbeats one desktop instance.
type Client struct {
	instances store.Instances
	identity  IdentitySource
	session   SessionSource
	version   string
	log       zerolog.Logger
}

// New creates a registry client.
func New(instances store.Instances, identity IdentitySource, session SessionSource, version string, log zerolog.Logger) *Client {
	return &Client{
		instances: instances,
		identity:  identity,
		session:   session,
		version:   version,
		log:       log.With().Str("component", "registry").Logger(),
	}
}

// Register upserts this instance as active. deviceName defaults to the
// hostname.
func (c *Client) Register(ctx context.Context, deviceName string) (*store.Instance, error) {
	who, err := c.session.Current()
	if err != nil {
		return nil, ErrUnauthenticated
	}
	id, err := c.identity.GetOrCreate()
	if err != nil {
		return nil, fmt.Errorf("resolve instance id: %w", err)
	}

	if deviceName == "" {
		deviceName, _ = os.Hostname()
	}

	inst, err := c.instances.UpsertInstance(ctx, &store.Instance{
		InstanceID: id,
		UserID:     who.UserID,
		DeviceName: deviceName,
		Platform:   runtime.GOOS,
		Arch:       runtime.GOARCH,
		Version:    c.version,
	})
	if err != nil {
		return nil, fmt.Errorf("register instance: %w", err)
	}

	c.log.Info().
		Str("instance_id", id).
		Str("device", deviceName).
		Msg("instance registered")
	return inst, nil
}

// Heartbeat refreshes last_seen_at. It does nothing when signed out.
func (c *Client) Heartbeat(ctx context.Context) error {
	if _, err := c.session.Current(); err != nil {
		return nil
	}
	id, err := c.identity.GetOrCreate()
	if err != nil {
		return fmt.Errorf("resolve instance id: %w", err)
	}
	if err := c.instances.TouchInstance(ctx, id); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	c.log.Debug().Str("instance_id", id).Msg("heartbeat sent")
	return nil
}

// Deactivate marks this instance inactive. Failures are logged, never
// returned, so shutdown is never blocked on them.
func (c *Client) Deactivate(ctx context.Context) {
	id, err := c.identity.GetOrCreate()
	if err != nil {
		c.log.Warn().Err(err).Msg("deactivate: resolve instance id")
		return
	}
	if err := c.instances.DeactivateInstance(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("instance_id", id).Msg("deactivate instance failed")
		return
	}
	c.log.Info().Str("instance_id", id).Msg("instance deactivated")
}

// Run sends heartbeats every interval until ctx is done. A failed heartbeat
// is logged and retried on the next tick.
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
