package langgraph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValues_Variants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"object form", `{"messages":[{"type":"human","content":"a"}]}`, "direct"},
		{"array form", `[{"other":1},{"messages":[{"type":"ai","content":"b"}]}]`, "wrapped"},
		{"empty object", `{}`, "unknown"},
		{"messages not array", `{"messages":"nope"}`, "unknown"},
		{"array without messages", `[{"a":1},2]`, "unknown"},
		{"scalar", `42`, "unknown"},
		{"null", `null`, "unknown"},
		{"missing", ``, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			switch DecodeValues(json.RawMessage(tt.raw)).(type) {
			case MessageListDirect:
				got = "direct"
			case MessageListWrapped:
				got = "wrapped"
			case ValuesUnknown:
				got = "unknown"
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractMessages(t *testing.T) {
	m1 := `{"type":"human","content":"m1","id":"1"}`
	m2 := `{"type":"ai","content":"m2","id":"2","response_metadata":{"model":"x"}}`

	direct := ExtractMessages(ThreadState{Values: json.RawMessage(`{"messages":[` + m1 + `,` + m2 + `]}`)})
	require.Len(t, direct, 2)
	assert.Equal(t, "1", direct[0].ID)
	assert.Equal(t, "2", direct[1].ID)

	wrapped := ExtractMessages(ThreadState{Values: json.RawMessage(`[{"other":1},{"messages":[` + m1 + `]}]`)})
	require.Len(t, wrapped, 1)
	assert.Equal(t, "m1", wrapped[0].Text())

	for _, raw := range []string{``, `{}`, `[]`, `"str"`} {
		got := ExtractMessages(ThreadState{Values: json.RawMessage(raw)})
		assert.NotNil(t, got, "raw=%q", raw)
		assert.Empty(t, got, "raw=%q", raw)
	}
}

func TestExtractMessages_FirstArrayEntryWins(t *testing.T) {
	raw := `[{"messages":[{"type":"human","content":"first"}]},{"messages":[{"type":"human","content":"second"}]}]`
	got := ExtractMessages(ThreadState{Values: json.RawMessage(raw)})
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Text())
}

func TestMessage_PreservesUnknownFields(t *testing.T) {
	raw := `{"type":"ai","content":[{"type":"text","text":"hi "},{"type":"text","text":"there"}],"id":"x","tool_calls":[],"response_metadata":{"k":"v"}}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "hi there", m.Text())
	assert.Contains(t, m.Extra, "tool_calls")

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestMessage_KeepsNonStringIDAndType(t *testing.T) {
	raw := `{"id":42,"type":["ai"],"content":"hi"}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Empty(t, m.ID)
	assert.Empty(t, m.Type)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}
