package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
)

const (
	TodoStatusPending    = "pending"
	TodoStatusInProgress = "in_progress"
	TodoStatusCompleted  = "completed"
	TodoStatusCancelled  = "cancelled"

	maxTodosPerWrite = 40
)

type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type TodoSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
}

// TodoList is the payload of a todos event.
type TodoList struct {
	Version int64       `json:"version"`
	Items   []TodoItem  `json:"items"`
	Summary TodoSummary `json:"summary"`
}

// Todos is the planning checklist tool. Each write replaces the list.
type Todos struct {
	mu      sync.Mutex
	items   []TodoItem
	version int64
}

func (t *Todos) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "write_todos",
		Description: "Replace the research checklist. Keep at most one item in_progress.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"todos":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"},"content":{"type":"string"},"status":{"type":"string","enum":["pending","in_progress","completed","cancelled"]}},"required":["content","status"]}}},"required":["todos"]}`),
	}
}

func (t *Todos) Execute(_ context.Context, inv Invocation) (Result, error) {
	raw, err := json.Marshal(inv.Args["todos"])
	if err != nil {
		return Result{}, NewError(ErrorCodeInvalidArgs, "invalid todos", false)
	}
	var items []TodoItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return Result{}, NewError(ErrorCodeInvalidArgs, "todos must be a list", false)
	}
	items, err = normalizeTodoItems(items)
	if err != nil {
		return Result{}, NewError(ErrorCodeInvalidArgs, err.Error(), false)
	}

	t.mu.Lock()
	t.items = items
	t.version++
	version := t.version
	t.mu.Unlock()

	sum := summarizeTodos(items)
	inv.Emit(events.Event{Type: events.TypeTodos, Data: TodoList{
		Version: version,
		Items:   append([]TodoItem(nil), items...),
		Summary: sum,
	}})
	return Result{
		Content: fmt.Sprintf("Checklist v%d saved: %d total, %d pending, %d in progress, %d completed.", version, sum.Total, sum.Pending, sum.InProgress, sum.Completed),
		Data:    sum,
	}, nil
}

// Items returns a copy of the current list.
func (t *Todos) Items() []TodoItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TodoItem(nil), t.items...)
}

func normalizeTodoItems(items []TodoItem) ([]TodoItem, error) {
	if len(items) > maxTodosPerWrite {
		return nil, fmt.Errorf("too many todos (max %d)", maxTodosPerWrite)
	}
	out := make([]TodoItem, 0, len(items))
	seenID := make(map[string]struct{}, len(items))
	inProgress := 0
	for i, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			return nil, fmt.Errorf("todo[%d]: missing content", i)
		}
		status := strings.ToLower(strings.TrimSpace(item.Status))
		switch status {
		case TodoStatusPending, TodoStatusInProgress, TodoStatusCompleted, TodoStatusCancelled:
		default:
			return nil, fmt.Errorf("todo[%d]: invalid status %q", i, strings.TrimSpace(item.Status))
		}
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = fmt.Sprintf("todo_%d", i+1)
		}
		if _, exists := seenID[id]; exists {
			return nil, fmt.Errorf("duplicate todo id %q", id)
		}
		seenID[id] = struct{}{}
		if status == TodoStatusInProgress {
			inProgress++
			if inProgress > 1 {
				return nil, errors.New("only one todo can be in_progress")
			}
		}
		out = append(out, TodoItem{ID: id, Content: content, Status: status})
	}
	return out, nil
}

func summarizeTodos(items []TodoItem) TodoSummary {
	out := TodoSummary{Total: len(items)}
	for _, item := range items {
		switch item.Status {
		case TodoStatusPending:
			out.Pending++
		case TodoStatusInProgress:
			out.InProgress++
		case TodoStatusCompleted:
			out.Completed++
		case TodoStatusCancelled:
			out.Cancelled++
		}
	}
	return out
}
