package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/rs/zerolog"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(zerolog.Nop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		hub.ServeWS(w, r, "user-1")
	}))
	t.Cleanup(srv.Close)

	return hub, srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClientReceivesPublishedInsert(t *testing.T) {
	hub, _, wsURL := newTestHub(t)

	client := NewClient(wsURL, func() (string, error) { return "good-token", nil }, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *command.RemoteCommand, 4)
	done := make(chan error, 1)
	go func() {
		done <- client.Subscribe(ctx, "user-1", func(c *command.RemoteCommand) { got <- c }, func(error) {})
	}()

	waitFor(t, func() bool { return hub.Subscribers("user-1") == 1 })

	hub.Publish(&command.RemoteCommand{ID: "other", UserID: "user-2", Status: command.StatusPending})
	hub.Publish(&command.RemoteCommand{ID: "cmd-1", UserID: "user-1", Type: command.TypeText, Text: "hi", Status: command.StatusPending})

	select {
	case c := <-got:
		if c.ID != "cmd-1" {
			t.Errorf("got %q, want cmd-1", c.ID)
		}
		if c.Text != "hi" {
			t.Errorf("Text = %q", c.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("insert not delivered")
	}

	if !client.IsConnected() {
		t.Error("expected client to report connected")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Subscribe returned %v after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}

	waitFor(t, func() bool { return hub.Subscribers("user-1") == 0 })
}

func TestClientWaitsForNewTokenAfterUnauthorized(t *testing.T) {
	hub, _, wsURL := newTestHub(t)

	var mu sync.Mutex
	token := "bad-token"
	var errs []error

	client := NewClient(wsURL, func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		return token, nil
	}, zerolog.Nop())
	client.initialBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- client.Subscribe(ctx, "user-1", func(*command.RemoteCommand) {}, func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		})
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	})
	// Several retry periods pass without a second dial on the same token.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if len(errs) != 1 || !errors.Is(errs[0], ErrUnauthorized) {
		t.Errorf("errors = %v, want a single ErrUnauthorized", errs)
	}
	token = "good-token"
	mu.Unlock()

	waitFor(t, func() bool { return hub.Subscribers("user-1") == 1 && client.IsConnected() })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Subscribe returned %v after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestClientReconnectsAfterServerDrop(t *testing.T) {
	hub, _, wsURL := newTestHub(t)

	client := NewClient(wsURL, func() (string, error) { return "good-token", nil }, zerolog.Nop())
	client.initialBackoff = 20 * time.Millisecond

	var mu sync.Mutex
	var errs []error
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = client.Subscribe(ctx, "user-1", func(*command.RemoteCommand) {}, func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		})
	}()

	waitFor(t, func() bool { return hub.Subscribers("user-1") == 1 })

	hub.Disconnect("user-1")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	})
	waitFor(t, func() bool { return hub.Subscribers("user-1") == 1 && client.IsConnected() })
}

func TestClientTokenError(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", func() (string, error) { return "", errors.New("signed out") }, zerolog.Nop())
	client.initialBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	reported := make(chan error, 1)
	go func() {
		_ = client.Subscribe(ctx, "user-1", func(*command.RemoteCommand) {}, func(err error) {
			select {
			case reported <- err:
			default:
			}
		})
	}()

	select {
	case err := <-reported:
		if !strings.Contains(err.Error(), "signed out") {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("token error not reported")
	}
	cancel()
}

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeSubscribed, SubscribedPayload{UserID: "u", Table: "remote_commands"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	var p SubscribedPayload
	if err := msg.ParsePayload(&p); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if p.UserID != "u" || p.Table != "remote_commands" {
		t.Errorf("payload = %+v", p)
	}
}
