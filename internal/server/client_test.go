package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/script"
)

func TestClient_CreateAndWait(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := NewClient(env.http.URL, env.token(t, "user-1"))

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	created, err := c.CreateCommand(ctx, &command.Request{CommandType: "chat", CommandText: "hello"})
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}

	// Play the desktop: claim and complete, then mirror the answer.
	if _, err := env.store.Claim(ctx, created.CommandID, "desktop-a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := env.store.UpdateStatus(ctx, created.CommandID, "desktop-a", command.StatusCompleted, command.Outcome{Message: "hi there"}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := env.store.InsertChatResponse(ctx, &command.ChatResponse{UserID: "user-1", CommandID: created.CommandID, Message: "hi there"}); err != nil {
		t.Fatalf("InsertChatResponse: %v", err)
	}

	done, err := c.WaitCommand(ctx, created.CommandID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitCommand: %v", err)
	}
	if done.Status != command.StatusCompleted || done.ResultMessage != "hi there" || done.ClaimedBy != "desktop-a" {
		t.Errorf("done = %+v", done)
	}

	answers, err := c.ChatResponses(ctx, created.CommandID)
	if err != nil || len(answers) != 1 {
		t.Fatalf("ChatResponses = %v, %v", answers, err)
	}

	instances, err := c.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("instances = %d", len(instances))
	}
}

func TestClient_APIError(t *testing.T) {
	env := newTestEnv(t)
	c := NewClient(env.http.URL, env.token(t, "user-1"))

	_, err := c.CreateCommand(context.Background(), &command.Request{CommandType: "script"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "missing_script_id" {
		t.Errorf("apiErr = %+v", apiErr)
	}

	_, err = NewClient(env.http.URL, "").GetCommand(context.Background(), "x")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated err = %v", err)
	}
}

func TestClient_ScriptsAndRequeue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := NewClient(env.http.URL, env.token(t, "user-1"))

	sc, err := c.SaveScript(ctx, "", &script.Request{Name: "tidy", Commands: []script.StepRequest{{Text: "close windows"}}})
	if err != nil {
		t.Fatalf("SaveScript: %v", err)
	}
	if _, err := c.SaveScript(ctx, sc.ID, &script.Request{Name: "tidy up"}); err != nil {
		t.Fatalf("SaveScript update: %v", err)
	}
	list, err := c.ListScripts(ctx)
	if err != nil || len(list) != 1 || list[0].Name != "tidy up" || len(list[0].Commands) != 0 {
		t.Fatalf("ListScripts = %+v, %v", list, err)
	}
	if err := c.DeleteScript(ctx, sc.ID); err != nil {
		t.Fatalf("DeleteScript: %v", err)
	}
	var apiErr *APIError
	if err := c.DeleteScript(ctx, sc.ID); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("second delete err = %v, want 404", err)
	}

	created, err := c.CreateCommand(ctx, &command.Request{CommandType: "manual", CommandText: "click"})
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	if _, err := c.RequeueCommand(ctx, created.CommandID); !errors.As(err, &apiErr) || apiErr.Code != "not_failed" {
		t.Errorf("requeue of pending err = %v, want not_failed", err)
	}
}
