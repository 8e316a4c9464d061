package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

var _ store.Store = (*Store)(nil)

// openTestStore connects to DESKRELAY_TEST_DATABASE_URL. Every test works
// under a fresh user id so runs never see each other's rows.
func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	url, ok := os.LookupEnv("DESKRELAY_TEST_DATABASE_URL")
	if !ok || url == "" {
		t.Skip("DESKRELAY_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), url, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, "user-" + uuid.New().String()
}

func TestClaim_ExactlyOneWinner(t *testing.T) {
	s, user := openTestStore(t)
	ctx := context.Background()

	cmd, err := s.InsertCommand(ctx, &command.RemoteCommand{UserID: user, Type: command.TypeAI, Text: "open calculator"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	const contenders = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			got, err := s.Claim(ctx, cmd.ID, fmt.Sprintf("desktop-%d", idx))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if got != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func TestListPending_Targeting(t *testing.T) {
	s, user := openTestStore(t)
	ctx := context.Background()

	open, _ := s.InsertCommand(ctx, &command.RemoteCommand{UserID: user, Type: command.TypeManual, Text: "a"})
	_, _ = s.InsertCommand(ctx, &command.RemoteCommand{UserID: user, Type: command.TypeManual, Text: "b", DesktopInstanceID: "other-instance"})
	mine, _ := s.InsertCommand(ctx, &command.RemoteCommand{UserID: user, Type: command.TypeManual, Text: "c", DesktopInstanceID: "this-instance"})

	pending, err := s.ListPending(ctx, user, "this-instance")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != open.ID || pending[1].ID != mine.ID {
		t.Errorf("unexpected pending list: %+v", pending)
	}
}

func TestInsert_LargeCommandText(t *testing.T) {
	s, user := openTestStore(t)
	ctx := context.Background()

	text := strings.Repeat("x", 10*1024)
	cmd, err := s.InsertCommand(ctx, &command.RemoteCommand{UserID: user, Type: command.TypeAgent, Text: text})
	if err != nil {
		t.Fatalf("insert of a 10 KiB command: %v", err)
	}
	got, err := s.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Text) != len(text) {
		t.Errorf("text length = %d, want %d", len(got.Text), len(text))
	}
}

func TestUpdateStatus_ReapedCommandStaysFailed(t *testing.T) {
	s, user := openTestStore(t)
	ctx := context.Background()

	cmd, err := s.InsertCommand(ctx, &command.RemoteCommand{UserID: user, Type: command.TypeManual, Text: "slow"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	instance := "desktop-" + uuid.New().String()
	if _, err := s.Claim(ctx, cmd.ID, instance); err != nil {
		t.Fatalf("claim: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if _, err := s.FailOrphaned(ctx, future, future, "orphaned"); err != nil {
		t.Fatalf("fail orphaned: %v", err)
	}

	err = s.UpdateStatus(ctx, cmd.ID, instance, command.StatusCompleted, command.Outcome{Message: "done"})
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("late completion: %v, want ErrLeaseLost", err)
	}
	got, _ := s.GetCommand(ctx, cmd.ID)
	if got.Status != command.StatusFailed || got.ErrorMessage != "orphaned" {
		t.Errorf("command = %s/%q", got.Status, got.ErrorMessage)
	}
}

func TestListener_DeliversInsertedRows(t *testing.T) {
	s, user := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Larger than a NOTIFY payload may be; the listener loads the row itself.
	big := strings.Repeat("hello ", 2000)

	got := make(chan *command.RemoteCommand, 1)
	l := NewListener(s, zerolog.Nop())
	go func() {
		_ = l.Subscribe(ctx, user, func(c *command.RemoteCommand) { got <- c }, func(error) {})
	}()

	// LISTEN is asynchronous; keep inserting until one notification arrives.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case c := <-got:
			if c.UserID != user || c.Status != command.StatusPending || c.Text != big {
				t.Errorf("unexpected row %+v", c)
			}
			return
		case <-ticker.C:
			if _, err := s.InsertCommand(ctx, &command.RemoteCommand{UserID: user, Type: command.TypeChat, Text: big}); err != nil {
				t.Fatalf("insert: %v", err)
			}
		case <-ctx.Done():
			t.Fatal("no notification received")
		}
	}
}
