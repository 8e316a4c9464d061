package agent_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/deskrelay/internal/agent"
	"github.com/markus-barta/deskrelay/internal/auth"
	"github.com/markus-barta/deskrelay/internal/backend"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/realtime"
	"github.com/markus-barta/deskrelay/internal/relay"
	"github.com/markus-barta/deskrelay/internal/script"
	"github.com/markus-barta/deskrelay/internal/server"
	"github.com/markus-barta/deskrelay/internal/store/sqlite"
	"github.com/rs/zerolog"
)

// countingBackend records which desktop ran which instruction.
type countingBackend struct {
	desktop string
	mu      *sync.Mutex
	runs    map[string][]string
}

func (b countingBackend) Execute(ctx context.Context, text, mode string) (*backend.Response, error) {
	b.mu.Lock()
	b.runs[text] = append(b.runs[text], b.desktop)
	b.mu.Unlock()
	return &backend.Response{Success: true, Message: b.desktop + " did " + text}, nil
}

func (b countingBackend) Config(ctx context.Context) (map[string]any, error) { return nil, nil }

type staticID string

func (s staticID) GetOrCreate() (string, error) { return string(s), nil }

// TestRelayEndToEnd runs the server and two desktops of one user against a
// shared store. Push arrives over the websocket, polling runs alongside.
func TestRelayEndToEnd(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	verifier := auth.NewVerifier("e2e-secret")
	srv := server.New(server.Config{}, st, verifier, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime/v1/websocket"

	token, err := verifier.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	var mu sync.Mutex
	runs := map[string][]string{}

	var wg sync.WaitGroup
	for _, desktop := range []string{"desktop-a", "desktop-b"} {
		session := auth.NewSession()
		session.SignIn(auth.Identity{UserID: "user-1", Token: token})
		feeds := func(id auth.Identity) relay.Feed {
			return realtime.NewClient(wsURL, func() (string, error) { return id.Token, nil }, zerolog.Nop())
		}
		a := agent.New(agent.Config{
			HeartbeatInterval: time.Hour,
			PollInterval:      50 * time.Millisecond,
		}, session, staticID(desktop), st,
			countingBackend{desktop: desktop, mu: &mu, runs: runs}, feeds, zerolog.Nop())

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Run(ctx)
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.Hub().Subscribers("user-1") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("desktops did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := server.NewClient(ts.URL, token)
	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()

	var ids []string
	for i := 0; i < 10; i++ {
		created, err := client.CreateCommand(waitCtx, &command.Request{CommandType: "manual", CommandText: fmt.Sprintf("step-%d", i)})
		if err != nil {
			t.Fatalf("CreateCommand: %v", err)
		}
		ids = append(ids, created.CommandID)
	}
	targeted, err := client.CreateCommand(waitCtx, &command.Request{CommandType: "ai", CommandText: "only-b", DesktopInstanceID: "desktop-b"})
	if err != nil {
		t.Fatalf("CreateCommand targeted: %v", err)
	}
	ids = append(ids, targeted.CommandID)

	sc, err := client.SaveScript(waitCtx, "", &script.Request{
		Name:     "morning",
		Commands: []script.StepRequest{{Text: "script-open-mail"}, {Text: "script-open-calendar"}},
	})
	if err != nil {
		t.Fatalf("SaveScript: %v", err)
	}
	scripted, err := client.CreateCommand(waitCtx, &command.Request{CommandType: "script", ScriptID: sc.ID})
	if err != nil {
		t.Fatalf("CreateCommand script: %v", err)
	}
	ids = append(ids, scripted.CommandID)

	for _, id := range ids {
		done, err := client.WaitCommand(waitCtx, id, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("WaitCommand %s: %v", id, err)
		}
		if done.Status != command.StatusCompleted {
			t.Errorf("%s: status %s (%s)", id, done.Status, done.ErrorMessage)
		}
	}

	mu.Lock()
	for text, who := range runs {
		if len(who) != 1 {
			t.Errorf("%q executed %d times by %v", text, len(who), who)
		}
	}
	if who := runs["only-b"]; len(who) != 1 || who[0] != "desktop-b" {
		t.Errorf("targeted command ran on %v", who)
	}
	if len(runs) != 13 {
		t.Errorf("executed %d distinct instructions, want 13", len(runs))
	}
	mu.Unlock()

	cancel()
	wg.Wait()

	instances, err := st.ListInstances(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	for _, inst := range instances {
		if inst.IsActive {
			t.Errorf("%s still active after shutdown", inst.InstanceID)
		}
	}
}
