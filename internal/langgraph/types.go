package langgraph

import (
	"encoding/json"
	"time"
)

// Thread is a thread summary as returned by create and search.
type Thread struct {
	ThreadID  string         `json:"thread_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Status    string         `json:"status,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Title returns metadata.title when the backend carries one.
func (t Thread) Title() string {
	if s, ok := t.Metadata["title"].(string); ok {
		return s
	}
	return ""
}

// ThreadState is the checkpointed state of a thread. Values is kept raw and
// decoded by DecodeValues.
type ThreadState struct {
	Values    json.RawMessage `json:"values"`
	Next      []string        `json:"next,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

// SearchRequest filters POST /threads/search.
type SearchRequest struct {
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is a LangChain message. Fields not explicitly modeled are preserved
// in Extra so history round-trips unchanged.
type Message struct {
	ID      string                     `json:"id,omitempty"`
	Type    string                     `json:"type"`
	Content json.RawMessage            `json:"content"`
	Extra   map[string]json.RawMessage `json:"-"`
}

// HumanMessage builds a plain-text user message.
func HumanMessage(text string) Message {
	b, _ := json.Marshal(text)
	return Message{Type: "human", Content: b}
}

// Text returns the message content when it is a plain string, or the
// concatenated "text" parts when it is a content-block array.
func (m Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.ID != "" {
		b, _ := json.Marshal(m.ID)
		out["id"] = b
	}
	if _, kept := out["type"]; !kept || m.Type != "" {
		b, _ := json.Marshal(m.Type)
		out["type"] = b
	}
	if m.Content != nil {
		out["content"] = m.Content
	} else {
		out["content"] = json.RawMessage(`""`)
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	// Non-string id or type values stay in Extra.
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &m.ID); err == nil {
			delete(raw, "id")
		}
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &m.Type); err == nil {
			delete(raw, "type")
		}
	}
	if v, ok := raw["content"]; ok {
		m.Content = v
		delete(raw, "content")
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// Command is a control payload that resumes or redirects an interrupted run.
type Command struct {
	Resume json.RawMessage `json:"resume,omitempty"`
	Update json.RawMessage `json:"update,omitempty"`
	Goto   json.RawMessage `json:"goto,omitempty"`
}

// RunRequest is the body of POST /threads/{id}/runs/stream.
type RunRequest struct {
	Messages   []Message
	Command    *Command
	StreamMode []string
}

// DefaultStreamMode is used when RunRequest.StreamMode is empty.
var DefaultStreamMode = []string{"messages", "updates"}

type runBody struct {
	AssistantID string          `json:"assistant_id"`
	Input       json.RawMessage `json:"input"`
	Command     *Command        `json:"command,omitempty"`
	StreamMode  []string        `json:"stream_mode"`
}

func (r RunRequest) body(assistantID string) (runBody, error) {
	input := json.RawMessage("null")
	if len(r.Messages) > 0 {
		b, err := json.Marshal(map[string]any{"messages": r.Messages})
		if err != nil {
			return runBody{}, err
		}
		input = b
	}
	mode := r.StreamMode
	if len(mode) == 0 {
		mode = DefaultStreamMode
	}
	return runBody{
		AssistantID: assistantID,
		Input:       input,
		Command:     r.Command,
		StreamMode:  mode,
	}, nil
}
