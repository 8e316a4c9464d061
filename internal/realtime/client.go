package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/rs/zerolog"
)

// Connection parameters for the desktop side.
const (
	pingInterval     = 30 * time.Second
	clientPongWait   = 45 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	handshakeTimeout = 10 * time.Second
)

// ErrUnauthorized is reported when the server rejects the token. The
// client does not dial again until the token source hands out a different
// token.
var ErrUnauthorized = errors.New("realtime: unauthorized")

// TokenFunc returns the access token to present on connect.
type TokenFunc func() (string, error)

// Client subscribes to command inserts over a websocket and reconnects with
// exponential backoff.
type Client struct {
	url   string
	token TokenFunc
	log   zerolog.Logger

	mu        sync.Mutex
	connected bool

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClient creates a client for the websocket endpoint at rawURL.
func NewClient(rawURL string, token TokenFunc, log zerolog.Logger) *Client {
	return &Client{
		url:            rawURL,
		token:          token,
		log:            log.With().Str("component", "websocket").Logger(),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

// Subscribe delivers inserted rows of userID until ctx is cancelled. It
// only returns when ctx is done.
func (c *Client) Subscribe(ctx context.Context, userID string, deliver func(*command.RemoteCommand), onErr func(error)) error {
	backoff := c.initialBackoff
	var rejected string
	for {
		wait := backoff
		dialed := false

		token, err := c.token()
		switch {
		case err != nil:
			err = fmt.Errorf("access token: %w", err)
			onErr(err)
			c.log.Error().Err(err).Dur("backoff", backoff).Msg("no access token, retrying")
			dialed = true
		case rejected != "" && token == rejected:
			// Same credentials would be refused again.
			wait = c.initialBackoff
		default:
			dialed = true
			conn, err := c.connect(ctx, token)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, ErrUnauthorized) {
					rejected = token
					c.log.Warn().Msg("token rejected, waiting for a new one")
				} else {
					c.log.Error().Err(err).Dur("backoff", backoff).Msg("connection failed, retrying")
				}
				onErr(err)
			} else {
				rejected = ""
				backoff = c.initialBackoff
				wait = backoff
				err = c.readLoop(ctx, conn, userID, deliver)
				if ctx.Err() != nil {
					return nil
				}
				onErr(err)
				c.log.Warn().Err(err).Dur("backoff", backoff).Msg("disconnected, reconnecting")
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if dialed {
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
	}
}

// IsConnected reports whether a subscription is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) connect(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	c.log.Debug().Str("url", c.url).Msg("connecting")
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return conn, nil
}

// readLoop reads until the connection breaks or ctx is done.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, userID string, deliver func(*command.RemoteCommand)) error {
	c.setConnected(true)
	defer c.setConnected(false)

	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)

	// ReadMessage does not observe ctx; closing the conn unblocks it.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
					time.Now().Add(writeWait))
				writeMu.Unlock()
				_ = conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					c.log.Debug().Err(err).Msg("ping failed")
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(clientPongWait))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(clientPongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		switch msg.Type {
		case TypeSubscribed:
			c.log.Info().Str("user_id", userID).Msg("subscribed to command inserts")
		case TypeInsert:
			var cmd command.RemoteCommand
			if err := msg.ParsePayload(&cmd); err != nil {
				c.log.Warn().Err(err).Msg("undecodable insert")
				continue
			}
			if cmd.UserID != userID {
				continue
			}
			deliver(&cmd)
		default:
			c.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		}
	}
}
