package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/threadgate/internal/langgraph"
	"github.com/kalambet/threadgate/internal/threads"
)

// ThreadView is a thread as shown to API and MCP clients.
type ThreadView struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Age        string    `json:"age"`
	Current    bool      `json:"current"`
}

// ThreadList is the response of GET /v1/threads.
type ThreadList struct {
	Threads         []ThreadView `json:"threads"`
	CurrentThreadID string       `json:"current_thread_id,omitempty"`
	Loading         bool         `json:"loading"`
}

// SendRequest is the body of POST /v1/chat.
type SendRequest struct {
	Messages []langgraph.Message `json:"messages"`
	Command  *langgraph.Command  `json:"command,omitempty"`
}

func viewState(st threads.State, now time.Time) ThreadList {
	out := ThreadList{
		Threads:         make([]ThreadView, len(st.Threads)),
		CurrentThreadID: st.CurrentThreadID,
		Loading:         st.Loading,
	}
	for i, r := range st.Threads {
		out.Threads[i] = ThreadView{
			ID:         r.ID,
			Title:      r.Title,
			CreatedAt:  r.CreatedAt,
			LastActive: r.LastActive,
			Age:        threads.RelativeTime(r.LastActive, now),
			Current:    r.ID == st.CurrentThreadID,
		}
	}
	return out
}

func newThreadsHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/threads", handleListThreads(deps))
	r.Post("/threads", handleNewThread(deps))
	r.Post("/threads/refresh", handleRefreshThreads(deps))
	r.Put("/threads/current", handleSwitchThread(deps))
	r.Patch("/threads/{id}", handleRenameThread(deps))
	r.Delete("/threads/{id}", handleDeleteThread(deps))
	r.Post("/chat", handleSend(deps))

	return r
}

func handleListThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Threads.State(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "thread cache unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewState(st, time.Now()))
	}
}

func handleNewThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := deps.Chat.SwitchToNewThread(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"thread_id": id})
	}
}

func handleRefreshThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Threads.LoadFromRemote(r.Context()); err != nil {
			httpError(w, http.StatusBadGateway, "%v", err)
			return
		}
		handleListThreads(deps)(w, r)
	}
}

func handleSwitchThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		messages := deps.Chat.SwitchToThread(r.Context(), body.ThreadID)
		writeJSON(w, http.StatusOK, map[string]any{
			"thread_id": body.ThreadID,
			"messages":  messages,
		})
	}
}

func handleRenameThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if body.Title == "" {
			httpError(w, http.StatusBadRequest, "title is required")
			return
		}
		if err := deps.Threads.UpdateThreadTitle(r.Context(), id, body.Title); err != nil {
			httpError(w, http.StatusServiceUnavailable, "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDeleteThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Chat.DeleteThread(r.Context(), id); err != nil {
			// The local record is gone either way.
			httpError(w, http.StatusBadGateway, "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 && req.Command == nil {
			httpError(w, http.StatusBadRequest, "messages or command is required")
			return
		}

		stream, err := deps.Chat.SendMessage(r.Context(), req.Messages, req.Command)
		if err != nil {
			httpError(w, http.StatusBadGateway, "%v", err)
			return
		}
		defer stream.Close()

		streamEvents(w, stream)
	}
}

// streamEvents relays run events to the client as server-sent events.
func streamEvents(w http.ResponseWriter, stream *langgraph.Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		ev, err := stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("run stream read error", "error", err)
				fmt.Fprint(w, "event: error\ndata: {\"message\":\"upstream read error\"}\n\n")
			}
			fmt.Fprint(w, "event: end\ndata: null\n\n")
			flusher.Flush()
			return
		}
		data := string(ev.Data)
		if data == "" {
			data = "null"
		}
		if ev.Event != "" {
			fmt.Fprintf(w, "event: %s\n", ev.Event)
		}
		for _, line := range strings.Split(data, "\n") {
			fmt.Fprintf(w, "data: %s\n", line)
		}
		fmt.Fprint(w, "\n")
		flusher.Flush()
	}
}
