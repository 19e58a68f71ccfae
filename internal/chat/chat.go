// Package chat turns conversational actions (send, new thread, switch,
// delete) into calls on the remote backend and the session's thread cache.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kalambet/threadgate/internal/langgraph"
	"github.com/kalambet/threadgate/internal/threads"
)

// Backend is the subset of the LangGraph API the orchestrator drives.
type Backend interface {
	CreateThread(ctx context.Context, metadata map[string]any) (langgraph.Thread, error)
	GetThreadState(ctx context.Context, threadID string) (langgraph.ThreadState, error)
	DeleteThread(ctx context.Context, threadID string) error
	StreamRun(ctx context.Context, threadID, assistantID string, req langgraph.RunRequest) (*langgraph.Stream, error)
}

// ThreadCache is the subset of threads.Manager the orchestrator mutates.
type ThreadCache interface {
	CurrentThreadID(ctx context.Context) (string, error)
	AddThread(ctx context.Context, id, title string) error
	RemoveThread(ctx context.Context, id string) error
	UpdateThreadActivity(ctx context.Context, id string, at time.Time) error
}

// Orchestrator bridges chat actions to the backend and the thread cache.
type Orchestrator struct {
	backend     Backend
	cache       ThreadCache
	assistantID string
	logger      *slog.Logger
}

// New creates an Orchestrator that runs assistantID on every send.
func New(backend Backend, cache ThreadCache, assistantID string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		backend:     backend,
		cache:       cache,
		assistantID: assistantID,
		logger:      logger,
	}
}

// SendMessage streams a run on the current thread, creating and selecting a
// thread first when none is current. cmd is forwarded unchanged. The caller
// must Close the returned stream.
func (o *Orchestrator) SendMessage(ctx context.Context, messages []langgraph.Message, cmd *langgraph.Command) (*langgraph.Stream, error) {
	threadID, err := o.cache.CurrentThreadID(ctx)
	if err != nil {
		return nil, err
	}
	if threadID == "" {
		if threadID, err = o.createThread(ctx); err != nil {
			return nil, err
		}
	}

	stream, err := o.backend.StreamRun(ctx, threadID, o.assistantID, langgraph.RunRequest{
		Messages: messages,
		Command:  cmd,
	})
	if err != nil {
		o.logger.Error("failed to send message", "thread_id", threadID, "error", err)
		return nil, fmt.Errorf("streaming run on thread %s: %w", threadID, err)
	}
	return stream, nil
}

// SwitchToNewThread creates a remote thread and makes it current.
func (o *Orchestrator) SwitchToNewThread(ctx context.Context) (string, error) {
	return o.createThread(ctx)
}

// SwitchToThread selects threadID and returns its history. Invalid ids,
// fetch failures and unreadable state all yield an empty history; the
// selection is only changed when the state was fetched.
func (o *Orchestrator) SwitchToThread(ctx context.Context, threadID string) []langgraph.Message {
	if err := threads.ValidateID(threadID); err != nil {
		o.logger.Warn("refusing to switch thread", "error", err)
		return []langgraph.Message{}
	}

	state, err := o.backend.GetThreadState(ctx, threadID)
	if err != nil {
		o.logger.Error("failed to get thread state", "thread_id", threadID, "error", err)
		return []langgraph.Message{}
	}
	messages := langgraph.ExtractMessages(state)

	var at time.Time
	if state.CreatedAt != nil {
		at = *state.CreatedAt
	}
	if err := o.cache.UpdateThreadActivity(ctx, threadID, at); err != nil {
		o.logger.Error("failed to update thread activity", "thread_id", threadID, "error", err)
	}
	return messages
}

// DeleteThread deletes threadID remotely and then removes it locally. The
// local removal happens even when the remote call fails; that error is
// returned afterwards.
func (o *Orchestrator) DeleteThread(ctx context.Context, threadID string) error {
	remoteErr := o.backend.DeleteThread(ctx, threadID)
	if remoteErr != nil {
		o.logger.Error("failed to delete remote thread", "thread_id", threadID, "error", remoteErr)
		remoteErr = fmt.Errorf("deleting thread %s: %w", threadID, remoteErr)
	}
	if err := o.cache.RemoveThread(ctx, threadID); err != nil {
		return errors.Join(remoteErr, err)
	}
	return remoteErr
}

func (o *Orchestrator) createThread(ctx context.Context) (string, error) {
	t, err := o.backend.CreateThread(ctx, nil)
	if err != nil {
		o.logger.Error("failed to create thread", "error", err)
		return "", fmt.Errorf("creating thread: %w", err)
	}
	if err := o.cache.AddThread(ctx, t.ThreadID, ""); err != nil {
		return "", err
	}
	return t.ThreadID, nil
}

// Collect drains stream and returns the assistant's reply text, then closes
// the stream. It understands the "messages" tuple events as well as the
// "messages/partial" and "messages/complete" snapshots.
func Collect(stream *langgraph.Stream) (string, error) {
	defer stream.Close()

	var chunks strings.Builder
	var snapshot string
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading run stream: %w", err)
		}

		data := gjson.ParseBytes(ev.Data)
		switch {
		case ev.Event == "error":
			msg := data.Get("message").String()
			if msg == "" {
				msg = data.String()
			}
			return "", fmt.Errorf("run failed: %s", msg)
		case ev.Event == "messages":
			// [chunk, metadata]
			chunk := data.Get("0")
			if isAssistant(chunk) {
				chunks.WriteString(messageText(chunk))
			}
		case strings.HasPrefix(ev.Event, "messages/"):
			items := data.Array()
			for i := len(items) - 1; i >= 0; i-- {
				if isAssistant(items[i]) {
					snapshot = messageText(items[i])
					break
				}
			}
		}
	}

	if snapshot != "" {
		return snapshot, nil
	}
	return chunks.String(), nil
}

func isAssistant(msg gjson.Result) bool {
	switch msg.Get("type").String() {
	case "ai", "AIMessageChunk":
		return true
	}
	return false
}

func messageText(msg gjson.Result) string {
	var m langgraph.Message
	if err := m.UnmarshalJSON([]byte(msg.Raw)); err != nil {
		return ""
	}
	return m.Text()
}
