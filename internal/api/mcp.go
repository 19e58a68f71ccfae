package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/threadgate/internal/chat"
	"github.com/kalambet/threadgate/internal/langgraph"
	"github.com/kalambet/threadgate/internal/threads"
)

const maxPreviewRunes = 500

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Threads *threads.Manager
	Chat    *chat.Orchestrator
	Now     func() time.Time // defaults to time.Now
}

func (d MCPDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server exposing the thread session as tools and
// resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"threadgate",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("threadgate: conversation threads on a LangGraph assistant. List, switch and message threads."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_threads",
			mcp.WithDescription("List known conversation threads, most recently active first."),
			mcp.WithBoolean("refresh", mcp.Description("Reload the listing from the backend first")),
		),
		mcpListThreads(deps),
	)

	s.AddTool(
		mcp.NewTool("new_thread",
			mcp.WithDescription("Create a new conversation thread and make it current."),
		),
		mcpNewThread(deps),
	)

	s.AddTool(
		mcp.NewTool("switch_thread",
			mcp.WithDescription("Make a thread current and return its message history."),
			mcp.WithString("thread_id", mcp.Description("Thread to switch to"), mcp.Required()),
		),
		mcpSwitchThread(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_thread",
			mcp.WithDescription("Delete a thread from the backend and the local list."),
			mcp.WithString("thread_id", mcp.Description("Thread to delete"), mcp.Required()),
		),
		mcpDeleteThread(deps),
	)

	s.AddTool(
		mcp.NewTool("rename_thread",
			mcp.WithDescription("Change the display title of a thread."),
			mcp.WithString("thread_id", mcp.Description("Thread to rename"), mcp.Required()),
			mcp.WithString("title", mcp.Description("New title"), mcp.Required()),
		),
		mcpRenameThread(deps),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message on the current thread (creating one if needed) and return the assistant's reply."),
			mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"threads://current",
			"Current Thread",
			mcp.WithResourceDescription("The currently selected thread as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCurrent(deps),
	)

	return s
}

func mcpListThreads(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if req.GetBool("refresh", false) {
			if err := deps.Threads.LoadFromRemote(ctx); err != nil {
				return mcpError(fmt.Sprintf("refresh failed: %v", err)), nil
			}
		}

		st, err := deps.Threads.State(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list threads: %v", err)), nil
		}

		b, err := json.Marshal(viewState(st, deps.now()).Threads)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal threads: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpNewThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := deps.Chat.SwitchToNewThread(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create thread: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Created thread %s", id)), nil
	}
}

func mcpSwitchThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}
		if err := threads.ValidateID(id); err != nil {
			return mcpError(err.Error()), nil
		}

		messages := deps.Chat.SwitchToThread(ctx, id)

		type messagePreview struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		previews := make([]messagePreview, len(messages))
		for i, m := range messages {
			previews[i] = messagePreview{Type: m.Type, Text: truncate(m.Text(), maxPreviewRunes)}
		}

		b, err := json.Marshal(previews)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal messages: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDeleteThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}
		if err := deps.Chat.DeleteThread(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("removed locally, remote delete failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted thread %s", id)), nil
	}
}

func mcpRenameThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		if err := deps.Threads.UpdateThreadTitle(ctx, id, title); err != nil {
			return mcpError(fmt.Sprintf("failed to rename thread: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Renamed %s to %q", id, title)), nil
	}
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		stream, err := deps.Chat.SendMessage(ctx, []langgraph.Message{langgraph.HumanMessage(text)}, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("send failed: %v", err)), nil
		}
		reply, err := chat.Collect(stream)
		if err != nil {
			return mcpError(fmt.Sprintf("run failed: %v", err)), nil
		}
		return mcpText(reply), nil
	}
}

func mcpResourceCurrent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Threads.State(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read thread state: %w", err)
		}

		var current *ThreadView
		for _, v := range viewState(st, deps.now()).Threads {
			if v.Current {
				current = &v
				break
			}
		}

		b, err := json.Marshal(map[string]any{
			"thread_id": st.CurrentThreadID,
			"thread":    current,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal current thread: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
