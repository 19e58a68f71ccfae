package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/threadgate/internal/langgraph"
	"github.com/kalambet/threadgate/internal/storage"
	"github.com/kalambet/threadgate/internal/threads"
)

type runCall struct {
	threadID    string
	assistantID string
	req         langgraph.RunRequest
}

type fakeBackend struct {
	nextID    string
	createErr error
	state     langgraph.ThreadState
	stateErr  error
	deleteErr error
	sse       string

	created    int
	stateCalls []string
	deleted    []string
	runs       []runCall
}

func (f *fakeBackend) CreateThread(context.Context, map[string]any) (langgraph.Thread, error) {
	f.created++
	if f.createErr != nil {
		return langgraph.Thread{}, f.createErr
	}
	return langgraph.Thread{ThreadID: f.nextID}, nil
}

func (f *fakeBackend) GetThreadState(_ context.Context, id string) (langgraph.ThreadState, error) {
	f.stateCalls = append(f.stateCalls, id)
	return f.state, f.stateErr
}

func (f *fakeBackend) DeleteThread(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeBackend) StreamRun(_ context.Context, threadID, assistantID string, req langgraph.RunRequest) (*langgraph.Stream, error) {
	f.runs = append(f.runs, runCall{threadID, assistantID, req})
	return langgraph.NewStream(io.NopCloser(strings.NewReader(f.sse))), nil
}

type emptyRemote struct{}

func (emptyRemote) SearchThreads(context.Context, langgraph.SearchRequest) ([]langgraph.Thread, error) {
	return nil, errors.New("offline")
}

func newTestOrchestrator(t *testing.T, backend *fakeBackend) (*Orchestrator, *threads.Manager) {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:", "test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	m := threads.NewManager(store, emptyRemote{})
	t.Cleanup(func() { m.Close() })
	return New(backend, m, "agent", nil), m
}

func TestSendMessage_CreatesThreadWhenNoneCurrent(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{nextID: "new-thread"}
	o, m := newTestOrchestrator(t, backend)

	stream, err := o.SendMessage(ctx, []langgraph.Message{langgraph.HumanMessage("hi")}, nil)
	require.NoError(t, err)
	stream.Close()

	assert.Equal(t, 1, backend.created)
	require.Len(t, backend.runs, 1)
	assert.Equal(t, "new-thread", backend.runs[0].threadID)
	assert.Equal(t, "agent", backend.runs[0].assistantID)

	st, err := m.State(ctx)
	require.NoError(t, err)
	require.Len(t, st.Threads, 1)
	assert.Equal(t, "new-thread", st.Threads[0].ID)
	assert.Equal(t, "new-thread", st.CurrentThreadID)
}

func TestSendMessage_UsesCurrentThreadAndForwardsCommand(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{nextID: "unused"}
	o, m := newTestOrchestrator(t, backend)
	require.NoError(t, m.AddThread(ctx, "existing", ""))

	cmd := &langgraph.Command{Resume: json.RawMessage(`{"approved":true}`)}
	stream, err := o.SendMessage(ctx, nil, cmd)
	require.NoError(t, err)
	stream.Close()

	assert.Equal(t, 0, backend.created)
	require.Len(t, backend.runs, 1)
	assert.Equal(t, "existing", backend.runs[0].threadID)
	assert.Same(t, cmd, backend.runs[0].req.Command)
	assert.Empty(t, backend.runs[0].req.Messages)
}

func TestSendMessage_CreateFailure(t *testing.T) {
	backend := &fakeBackend{createErr: errors.New("upstream down")}
	o, _ := newTestOrchestrator(t, backend)

	_, err := o.SendMessage(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
	assert.Empty(t, backend.runs)
}

func TestSwitchToNewThread(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{nextID: "fresh-1"}
	o, m := newTestOrchestrator(t, backend)
	require.NoError(t, m.AddThread(ctx, "older", ""))

	id, err := o.SwitchToNewThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", id)

	st, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", st.CurrentThreadID)
	assert.Equal(t, "fresh-1", st.Threads[0].ID)
	assert.Equal(t, "Thread(fresh-1)", st.Threads[0].Title)
}

func TestSwitchToThread_Shapes(t *testing.T) {
	tests := []struct {
		name   string
		values string
		want   []string
	}{
		{"array form", `[{"messages":[{"type":"human","content":"a"},{"type":"ai","content":"b"}]}]`, []string{"a", "b"}},
		{"object form", `{"messages":[{"type":"human","content":"only"}]}`, []string{"only"}},
		{"unknown", `{"foo":1}`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
			backend := &fakeBackend{state: langgraph.ThreadState{Values: json.RawMessage(tt.values), CreatedAt: &at}}
			o, m := newTestOrchestrator(t, backend)
			require.NoError(t, m.AddThread(ctx, "abc", ""))
			require.NoError(t, m.AddThread(ctx, "other", ""))

			msgs := o.SwitchToThread(ctx, "abc")
			texts := make([]string, len(msgs))
			for i, msg := range msgs {
				texts[i] = msg.Text()
			}
			assert.Equal(t, tt.want, texts)

			st, err := m.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, "abc", st.CurrentThreadID)
			assert.Equal(t, at, st.Threads[1].LastActive)
		})
	}
}

func TestSwitchToThread_InvalidIDSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	o, m := newTestOrchestrator(t, backend)
	require.NoError(t, m.AddThread(ctx, "keep", ""))

	for _, id := range []string{"", "ab"} {
		msgs := o.SwitchToThread(ctx, id)
		assert.NotNil(t, msgs)
		assert.Empty(t, msgs)
	}
	assert.Empty(t, backend.stateCalls)

	cur, err := m.CurrentThreadID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "keep", cur)
}

func TestSwitchToThread_FetchFailure(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{stateErr: &langgraph.StatusError{Code: 404, Body: "not found"}}
	o, m := newTestOrchestrator(t, backend)
	require.NoError(t, m.AddThread(ctx, "keep", ""))

	msgs := o.SwitchToThread(ctx, "missing")
	assert.Empty(t, msgs)
	assert.Equal(t, []string{"missing"}, backend.stateCalls)

	cur, err := m.CurrentThreadID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "keep", cur)
}

func TestDeleteThread_RemovesLocallyEvenOnRemoteFailure(t *testing.T) {
	tests := []struct {
		name      string
		deleteErr error
	}{
		{"remote ok", nil},
		{"remote fails", errors.New("500 from upstream")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend := &fakeBackend{deleteErr: tt.deleteErr}
			o, m := newTestOrchestrator(t, backend)
			require.NoError(t, m.AddThread(ctx, "gone", ""))

			err := o.DeleteThread(ctx, "gone")
			if tt.deleteErr != nil {
				assert.ErrorIs(t, err, tt.deleteErr)
			} else {
				assert.NoError(t, err)
			}

			st, err := m.State(ctx)
			require.NoError(t, err)
			assert.Empty(t, st.Threads)
			assert.Equal(t, "", st.CurrentThreadID)
			assert.Equal(t, []string{"gone"}, backend.deleted)
		})
	}
}

func sse(events ...string) string {
	return strings.Join(events, "\n\n") + "\n\n"
}

func TestCollect(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr string
	}{
		{
			name: "tuple chunks",
			body: sse(
				"event: metadata\ndata: {\"run_id\":\"r1\"}",
				"event: messages\ndata: [{\"type\":\"AIMessageChunk\",\"content\":\"Hel\"},{}]",
				"event: messages\ndata: [{\"type\":\"AIMessageChunk\",\"content\":\"lo\"},{}]",
				"event: updates\ndata: {\"agent\":{}}",
				"event: end\ndata: null",
			),
			want: "Hello",
		},
		{
			name: "partial snapshots",
			body: sse(
				"event: messages/partial\ndata: [{\"type\":\"ai\",\"content\":\"Hi\"}]",
				"event: messages/partial\ndata: [{\"type\":\"ai\",\"content\":\"Hi there\"}]",
				"event: messages/complete\ndata: [{\"type\":\"human\",\"content\":\"q\"},{\"type\":\"ai\",\"content\":[{\"type\":\"text\",\"text\":\"Hi there!\"}]}]",
			),
			want: "Hi there!",
		},
		{
			name:    "error event",
			body:    sse("event: error\ndata: {\"error\":\"GraphRecursionError\",\"message\":\"too deep\"}"),
			wantErr: "too deep",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Collect(langgraph.NewStream(io.NopCloser(strings.NewReader(tt.body))))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
