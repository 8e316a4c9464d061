package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/markus-barta/deskrelay/internal/auth"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/realtime"
	"github.com/markus-barta/deskrelay/internal/script"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/markus-barta/deskrelay/internal/store/sqlite"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	store    *sqlite.Store
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	verifier := auth.NewVerifier(testSecret)
	srv := New(Config{}, st, verifier, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, http: ts, store: st, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.verifier.Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateCommand_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/functions/v1/remote-command", "", map[string]string{"command_type": "chat", "command_text": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	forged, _ := auth.NewVerifier("other-secret").Issue("user-1", time.Hour)
	resp = env.do(t, http.MethodPost, "/functions/v1/remote-command", forged, map[string]string{"command_type": "chat", "command_text": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("forged token: status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateCommand_InsertsPendingRow(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "user-1")

	resp := env.do(t, http.MethodPost, "/functions/v1/remote-command", tok, map[string]any{
		"command_type":        "chat",
		"command_text":        "  open the calendar ",
		"desktop_instance_id": "desktop-a",
		"device_info":         map[string]string{"model": "phone"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	body := decode[CreateResponse](t, resp)
	if !body.Success || body.CommandID == "" || body.Status != command.StatusPending {
		t.Fatalf("body = %+v", body)
	}

	cmd, err := env.store.GetCommand(context.Background(), body.CommandID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if cmd.UserID != "user-1" {
		t.Errorf("UserID = %q", cmd.UserID)
	}
	if cmd.Text != "open the calendar" {
		t.Errorf("Text = %q", cmd.Text)
	}
	if cmd.DesktopInstanceID != "desktop-a" {
		t.Errorf("DesktopInstanceID = %q", cmd.DesktopInstanceID)
	}
}

func TestCreateCommand_Validation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "user-1")

	tests := []struct {
		name string
		body map[string]string
		code string
	}{
		{"bad type", map[string]string{"command_type": "shell", "command_text": "ls"}, "invalid_command_type"},
		{"chat without text", map[string]string{"command_type": "chat"}, "missing_command_text"},
		{"script without id", map[string]string{"command_type": "script"}, "missing_script_id"},
		{"script with text", map[string]string{"command_type": "script", "script_id": "s", "command_text": "x"}, "unexpected_command_text"},
		{"text with script id", map[string]string{"command_type": "ai", "command_text": "x", "script_id": "s"}, "unexpected_script_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/functions/v1/remote-command", tok, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if got := decode[ErrorResponse](t, resp); got.Code != tt.code {
				t.Errorf("code = %q, want %q", got.Code, tt.code)
			}
		})
	}
}

func TestCreateCommand_UnknownScriptIsQueued(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/functions/v1/remote-command", env.token(t, "user-1"), map[string]string{
		"command_type": "script",
		"script_id":    "missing",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	cmd, err := env.store.GetCommand(context.Background(), decode[CreateResponse](t, resp).CommandID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if cmd.ScriptID != "missing" || cmd.Status != command.StatusPending {
		t.Errorf("row = %s/%s", cmd.ScriptID, cmd.Status)
	}
}

func TestRequeueCommand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.token(t, "user-1")

	resp := env.do(t, http.MethodPost, "/functions/v1/remote-command", tok, map[string]string{
		"command_type": "ai", "command_text": "open browser",
	})
	id := decode[CreateResponse](t, resp).CommandID

	resp = env.do(t, http.MethodPost, "/functions/v1/remote-command/"+id+"/requeue", tok, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("pending row: status = %d, want 409", resp.StatusCode)
	}

	if _, err := env.store.Claim(ctx, id, "desktop-a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := env.store.UpdateStatus(ctx, id, "desktop-a", command.StatusFailed, command.Outcome{Error: "backend busy"}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	resp = env.do(t, http.MethodPost, "/functions/v1/remote-command/"+id+"/requeue", env.token(t, "user-2"), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("other user: status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/functions/v1/remote-command/"+id+"/requeue", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner: status = %d, want 200", resp.StatusCode)
	}
	if got := decode[command.RemoteCommand](t, resp); got.Status != command.StatusPending || got.ErrorMessage != "" {
		t.Errorf("requeued = %s/%q", got.Status, got.ErrorMessage)
	}
}

func TestScripts_CRUD(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.token(t, "user-1")

	resp := env.do(t, http.MethodPost, "/functions/v1/scripts", tok, map[string]any{"commands": []map[string]string{{"text": "x"}}})
	if resp.StatusCode != http.StatusBadRequest || decode[ErrorResponse](t, resp).Code != "missing_name" {
		t.Fatalf("nameless script: status = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/functions/v1/scripts", tok, map[string]any{
		"name": "morning",
		"commands": []map[string]any{
			{"text": "open calendar"},
			{"text": "open mail", "is_enabled": false},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, want 201", resp.StatusCode)
	}
	created := decode[script.Script](t, resp)
	if created.ID == "" || created.UserID != "user-1" || !created.IsActive {
		t.Fatalf("created = %+v", created)
	}

	stored, err := env.store.GetScript(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	steps := stored.Ordered()
	if len(steps) != 2 || steps[0].Text != "open calendar" || !steps[0].IsEnabled || steps[1].IsEnabled {
		t.Errorf("stored steps = %+v", steps)
	}

	resp = env.do(t, http.MethodPut, "/functions/v1/scripts/"+created.ID, env.token(t, "user-2"), map[string]any{"name": "stolen"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("update by other user: status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPut, "/functions/v1/scripts/"+created.ID, tok, map[string]any{
		"name":     "morning v2",
		"commands": []map[string]string{{"text": "open notes"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status = %d", resp.StatusCode)
	}
	if got := decode[script.Script](t, resp); got.Name != "morning v2" || len(got.Commands) != 1 || got.ID != created.ID {
		t.Errorf("updated = %+v", got)
	}

	resp = env.do(t, http.MethodGet, "/functions/v1/scripts", tok, nil)
	if list := decode[[]script.Script](t, resp); len(list) != 1 {
		t.Errorf("list = %+v", list)
	}
	resp = env.do(t, http.MethodGet, "/functions/v1/scripts", env.token(t, "user-2"), nil)
	if list := decode[[]script.Script](t, resp); len(list) != 0 {
		t.Errorf("other user sees %d scripts", len(list))
	}

	resp = env.do(t, http.MethodDelete, "/functions/v1/scripts/"+created.ID, tok, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d, want 204", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/functions/v1/scripts/"+created.ID, tok, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestGetCommand_OwnerOnly(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/functions/v1/remote-command", env.token(t, "user-1"), map[string]string{
		"command_type": "manual", "command_text": "lock screen",
	})
	id := decode[CreateResponse](t, resp).CommandID

	resp = env.do(t, http.MethodGet, "/functions/v1/remote-command/"+id, env.token(t, "user-1"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner: status = %d", resp.StatusCode)
	}
	if got := decode[command.RemoteCommand](t, resp); got.ID != id || got.Status != command.StatusPending {
		t.Errorf("got %+v", got)
	}

	resp = env.do(t, http.MethodGet, "/functions/v1/remote-command/"+id, env.token(t, "user-2"), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("other user: status = %d, want 404", resp.StatusCode)
	}
}

func TestChatResponsesAndInstances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.token(t, "user-1")

	resp := env.do(t, http.MethodGet, "/functions/v1/chat-responses", tok, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing command_id: status = %d", resp.StatusCode)
	}

	if err := env.store.InsertChatResponse(ctx, &command.ChatResponse{UserID: "user-1", CommandID: "cmd-1", Message: "hello"}); err != nil {
		t.Fatalf("InsertChatResponse: %v", err)
	}
	resp = env.do(t, http.MethodGet, "/functions/v1/chat-responses?command_id=cmd-1", tok, nil)
	if got := decode[[]command.ChatResponse](t, resp); len(got) != 1 || got[0].Message != "hello" {
		t.Errorf("chat responses = %+v", got)
	}

	if _, err := env.store.UpsertInstance(ctx, &store.Instance{InstanceID: "desktop-a", UserID: "user-1", DeviceName: "studio"}); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}
	resp = env.do(t, http.MethodGet, "/functions/v1/instances", tok, nil)
	got := decode[[]store.Instance](t, resp)
	if len(got) != 1 || got[0].InstanceID != "desktop-a" || !got[0].IsActive {
		t.Errorf("instances = %+v", got)
	}

	resp = env.do(t, http.MethodGet, "/functions/v1/instances", env.token(t, "user-2"), nil)
	if got := decode[[]store.Instance](t, resp); len(got) != 0 {
		t.Errorf("other user sees %d instances", len(got))
	}
}

func TestCreateCommand_PushesToSubscribedDesktop(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "user-1")

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/realtime/v1/websocket"
	client := realtime.NewClient(wsURL, func() (string, error) { return tok, nil }, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *command.RemoteCommand, 1)
	go func() {
		_ = client.Subscribe(ctx, "user-1", func(c *command.RemoteCommand) { got <- c }, func(error) {})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for env.srv.Hub().Subscribers("user-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("desktop never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := env.do(t, http.MethodPost, "/functions/v1/remote-command", tok, map[string]string{
		"command_type": "ai", "command_text": "summarize inbox",
	})
	id := decode[CreateResponse](t, resp).CommandID

	select {
	case c := <-got:
		if c.ID != id || c.Status != command.StatusPending {
			t.Errorf("pushed %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("insert not pushed")
	}
}

func TestWebSocket_TokenQueryParam(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/realtime/v1/websocket", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	// A valid token in the query passes auth; the plain GET then fails the
	// websocket handshake instead.
	resp = env.do(t, http.MethodGet, "/realtime/v1/websocket?token="+env.token(t, "user-1"), "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("query token: status = %d, want 400 from upgrader", resp.StatusCode)
	}
}

func TestReaper_FailsOrphanedAndPurges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inserted, err := env.store.InsertCommand(ctx, &command.RemoteCommand{
		UserID: "user-1", Type: command.TypeManual, Text: "x", Status: command.StatusPending,
	})
	if err != nil {
		t.Fatalf("InsertCommand: %v", err)
	}
	if _, err := env.store.Claim(ctx, inserted.ID, "desktop-gone"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	r := NewReaper(env.store, time.Minute, 0, zerolog.Nop())

	if n, _ := r.Sweep(ctx); n != 0 {
		t.Fatalf("fresh claim reaped: %d", n)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	orphaned, purged := r.Sweep(ctx)
	if orphaned != 1 || purged != 0 {
		t.Fatalf("orphaned=%d purged=%d", orphaned, purged)
	}
	cmd, err := env.store.GetCommand(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if cmd.Status != command.StatusFailed || cmd.ErrorMessage != OrphanReason {
		t.Errorf("status=%s error=%q", cmd.Status, cmd.ErrorMessage)
	}

	purger := NewReaper(env.store, 0, time.Hour, zerolog.Nop())
	purger.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, purged := purger.Sweep(ctx); purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if _, err := env.store.GetCommand(ctx, inserted.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCommand after purge: %v", err)
	}
}

func TestReaper_DisabledByDefault(t *testing.T) {
	r := NewReaper(nil, 0, 0, zerolog.Nop())
	if r.Enabled() {
		t.Fatal("expected disabled reaper")
	}
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled reaper did not return")
	}
}
