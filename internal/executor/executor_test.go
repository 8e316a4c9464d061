package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/markus-barta/deskrelay/internal/backend"
	"github.com/markus-barta/deskrelay/internal/script"
	"github.com/rs/zerolog"
)

// MockBackend answers from a table keyed by instruction text.
type MockBackend struct {
	mu      sync.Mutex
	replies map[string]*backend.Response
	errs    map[string]error
	calls   []string
	modes   []string
}

func NewMockBackend() *MockBackend {
	return &MockBackend{replies: map[string]*backend.Response{}, errs: map[string]error{}}
}

func (m *MockBackend) Execute(ctx context.Context, text, mode string) (*backend.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, text)
	m.modes = append(m.modes, mode)
	if err, ok := m.errs[text]; ok {
		return nil, err
	}
	if r, ok := m.replies[text]; ok {
		return r, nil
	}
	return &backend.Response{Success: true, Message: "ok: " + text}, nil
}

func (m *MockBackend) Config(ctx context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

func (m *MockBackend) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.calls...)
}

func TestScriptExecutor_AggregatesAllSteps(t *testing.T) {
	b := NewMockBackend()
	b.replies["step two"] = &backend.Response{Success: false, Message: "window not found"}

	sc := &script.Script{
		ID:   "s1",
		Name: "three steps",
		Commands: []script.Step{
			{ID: "a", Text: "step one", Order: 1, IsEnabled: true},
			{ID: "b", Text: "step two", Order: 2, IsEnabled: true},
			{ID: "c", Text: "step three", Order: 3, IsEnabled: true},
		},
	}

	res := NewScriptExecutor(zerolog.Nop()).Execute(context.Background(), sc, b, "u1")

	if res.Success {
		t.Error("one failing step must fail the script")
	}
	if res.TotalCommands != 3 || res.ExecutedCommands != 3 || res.FailedCommands != 1 {
		t.Errorf("counts = total %d executed %d failed %d", res.TotalCommands, res.ExecutedCommands, res.FailedCommands)
	}
	if got := b.Calls(); len(got) != 3 || got[2] != "step three" {
		t.Errorf("every step must run after a failure, calls = %v", got)
	}
	if res.Results[1].Message != "window not found" || res.Results[1].Success {
		t.Errorf("step result = %+v", res.Results[1])
	}
}

func TestScriptExecutor_OrderAndDisabledSteps(t *testing.T) {
	b := NewMockBackend()
	sc := &script.Script{
		ID: "s1",
		Commands: []script.Step{
			{ID: "late", Text: "third", Order: 3, IsEnabled: true},
			{ID: "off", Text: "disabled", Order: 2, IsEnabled: false},
			{ID: "early", Text: "first", Order: 1, IsEnabled: true},
		},
	}

	res := NewScriptExecutor(zerolog.Nop()).Execute(context.Background(), sc, b, "u1")

	calls := b.Calls()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "third" {
		t.Errorf("calls = %v, want [first third]", calls)
	}
	if !res.Success || res.TotalCommands != 3 || res.ExecutedCommands != 2 {
		t.Errorf("result = %+v", res)
	}
	for _, m := range b.modes {
		if m != ScriptMode {
			t.Errorf("script steps must run in %q mode, got %q", ScriptMode, m)
		}
	}
}

func TestScriptExecutor_StepsWithoutEnabledFlagRun(t *testing.T) {
	var sc script.Script
	raw := `{"id":"s1","name":"stored","commands":[
		{"id":"1","text":"open calculator","order":1},
		{"id":"2","text":"skip me","order":2,"is_enabled":false},
		{"id":"3","text":"type 2+2","order":3,"is_enabled":true}
	]}`
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		t.Fatalf("decode script: %v", err)
	}

	b := NewMockBackend()
	res := NewScriptExecutor(zerolog.Nop()).Execute(context.Background(), &sc, b, "u1")

	calls := b.Calls()
	if len(calls) != 2 || calls[0] != "open calculator" || calls[1] != "type 2+2" {
		t.Errorf("calls = %v, want [open calculator type 2+2]", calls)
	}
	if !res.Success || res.ExecutedCommands != 2 || res.TotalCommands != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestScriptExecutor_TransportErrorFailsStep(t *testing.T) {
	b := NewMockBackend()
	b.errs["boom"] = &backend.Error{Op: "execute", Err: errors.New("connection refused")}
	sc := &script.Script{Commands: []script.Step{
		{Text: "boom", Order: 1, IsEnabled: true},
		{Text: "fine", Order: 2, IsEnabled: true},
	}}

	res := NewScriptExecutor(zerolog.Nop()).Execute(context.Background(), sc, b, "u1")
	if res.Success || res.FailedCommands != 1 || res.ExecutedCommands != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestDirectExecutor(t *testing.T) {
	b := NewMockBackend()
	b.replies["open calculator"] = &backend.Response{Success: true, Message: "Calculator opened"}
	b.replies["open nothing"] = &backend.Response{Success: false, Message: "no such program"}

	resp, err := DirectExecutor{}.Execute(context.Background(), "open calculator", "ai", b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Message != "Calculator opened" {
		t.Errorf("message = %q", resp.Message)
	}

	_, err = DirectExecutor{}.Execute(context.Background(), "open nothing", "ai", b)
	var berr *backend.Error
	if !errors.As(err, &berr) {
		t.Fatalf("expected *backend.Error, got %v", err)
	}
	if err.Error() != "no such program" {
		t.Errorf("backend message must be verbatim, got %q", err.Error())
	}
}
