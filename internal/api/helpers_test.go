package api

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/threadgate/internal/chat"
	"github.com/kalambet/threadgate/internal/langgraph"
	"github.com/kalambet/threadgate/internal/storage"
	"github.com/kalambet/threadgate/internal/threads"
)

// --- mocks ---

type mockBackend struct {
	mu        sync.Mutex
	nextID    string
	state     langgraph.ThreadState
	deleteErr error
	listing   []langgraph.Thread
	sse       string
	runs      []string
}

func (m *mockBackend) CreateThread(context.Context, map[string]any) (langgraph.Thread, error) {
	return langgraph.Thread{ThreadID: m.nextID}, nil
}

func (m *mockBackend) GetThreadState(context.Context, string) (langgraph.ThreadState, error) {
	return m.state, nil
}

func (m *mockBackend) DeleteThread(context.Context, string) error {
	return m.deleteErr
}

func (m *mockBackend) StreamRun(_ context.Context, threadID, _ string, _ langgraph.RunRequest) (*langgraph.Stream, error) {
	m.mu.Lock()
	m.runs = append(m.runs, threadID)
	m.mu.Unlock()
	return langgraph.NewStream(io.NopCloser(strings.NewReader(m.sse))), nil
}

func (m *mockBackend) SearchThreads(context.Context, langgraph.SearchRequest) ([]langgraph.Thread, error) {
	if m.listing == nil {
		return nil, errors.New("listing unavailable")
	}
	return m.listing, nil
}

// --- helpers ---

func newTestSession(t *testing.T, backend *mockBackend) (*threads.Manager, *chat.Orchestrator) {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:", "test")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := threads.NewManager(store, backend)
	t.Cleanup(func() { m.Close() })
	return m, chat.New(backend, m, "agent", nil)
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}
