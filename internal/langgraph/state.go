package langgraph

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"
)

// Values is the decoded form of ThreadState.Values. Exactly one of the
// concrete variants below is returned by DecodeValues.
type Values interface {
	isValues()
}

// MessageListDirect is the object form: {"messages": [...], ...}.
type MessageListDirect struct {
	Messages []Message
}

// MessageListWrapped is the array form: [{...}, {"messages": [...]}, ...].
// Entries holds the message list of every element that has one, in order.
type MessageListWrapped struct {
	Entries [][]Message
}

// ValuesUnknown is anything else: missing, null, scalar, an object without a
// messages array, or an array with no element carrying one.
type ValuesUnknown struct {
	Reason string
}

func (MessageListDirect) isValues()  {}
func (MessageListWrapped) isValues() {}
func (ValuesUnknown) isValues()      {}

// DecodeValues classifies a raw values payload. The array form is checked
// before the object form.
func DecodeValues(raw json.RawMessage) Values {
	if len(raw) == 0 {
		return ValuesUnknown{Reason: "values missing"}
	}
	v := gjson.ParseBytes(raw)

	if v.IsArray() {
		var entries [][]Message
		for _, item := range v.Array() {
			if !item.IsObject() {
				continue
			}
			msgs := item.Get("messages")
			if !msgs.IsArray() {
				continue
			}
			decoded, ok := decodeMessages(msgs.Raw)
			if !ok {
				continue
			}
			entries = append(entries, decoded)
		}
		if len(entries) == 0 {
			return ValuesUnknown{Reason: "no messages found in values array"}
		}
		return MessageListWrapped{Entries: entries}
	}

	if v.IsObject() {
		msgs := v.Get("messages")
		if !msgs.Exists() {
			return ValuesUnknown{Reason: "values object has no messages property"}
		}
		if !msgs.IsArray() {
			return ValuesUnknown{Reason: "messages property is not an array"}
		}
		decoded, ok := decodeMessages(msgs.Raw)
		if !ok {
			return ValuesUnknown{Reason: "messages array is malformed"}
		}
		return MessageListDirect{Messages: decoded}
	}

	return ValuesUnknown{Reason: "values is neither an array nor an object"}
}

func decodeMessages(raw string) ([]Message, bool) {
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, false
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, true
}

// ExtractMessages returns the conversation history held in state. Shapes it
// cannot interpret yield an empty list and a warning, never an error.
func ExtractMessages(state ThreadState) []Message {
	switch v := DecodeValues(state.Values).(type) {
	case MessageListWrapped:
		return v.Entries[0]
	case MessageListDirect:
		return v.Messages
	case ValuesUnknown:
		slog.Warn("could not extract messages from thread state", "reason", v.Reason)
	}
	return []Message{}
}
