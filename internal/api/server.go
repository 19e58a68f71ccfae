package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/threadgate/internal/chat"
	"github.com/kalambet/threadgate/internal/proxy"
	"github.com/kalambet/threadgate/internal/threads"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds what the HTTP surface serves.
type Deps struct {
	Proxy   *proxy.Handler
	Threads *threads.Manager
	Chat    *chat.Orchestrator
	// Token guards /v1 when set.
	Token string
}

// NewHandler returns the server's router: health, the upstream proxy under
// its namespace and, when a thread session is wired, the local thread API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	if deps.Proxy != nil {
		ns := deps.Proxy.Namespace()
		r.Handle(ns, deps.Proxy)
		r.Handle(ns+"/*", deps.Proxy)
	}

	if deps.Threads != nil && deps.Chat != nil {
		r.Mount("/v1", newThreadsHandler(deps))
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
