package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/pkg/schema"
)

var anthropicEvents = []struct{ name, data string }{
	{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":9,"output_tokens":1}}}`},
	{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":0}`},
	{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"current_time","input":{}}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"timezone\":\"UTC\"}"}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":1}`},
	{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":14}}`},
	{"message_stop", `{"type":"message_stop"}`},
}

func TestAnthropicProvider_StreamTranslatesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range anthropicEvents {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
		}
	}))
	defer srv.Close()

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	events := collect(p.Stream(context.Background(), userRequest("time?")))

	require.Equal(t, []EventKind{
		EventTurnStart, EventContent, EventToolCall, EventToolCall, EventTurnEnd, EventUsage,
	}, kinds(events))
	assert.Equal(t, "claude-test", events[0].Model)
	assert.Equal(t, "msg_1", events[0].TurnID)
	assert.Equal(t, "Checking", events[1].Text)
	assert.Equal(t, 0, events[2].ToolCall.Index)
	assert.Equal(t, "toolu_1", events[2].ToolCall.ID)
	assert.Equal(t, `{"timezone":"UTC"}`, events[3].ToolCall.Arguments)
	assert.Equal(t, "tool_use", events[4].FinishReason)
	assert.Equal(t, int64(9), events[5].Usage.InputTokens)
	assert.Equal(t, int64(14), events[5].Usage.OutputTokens)
}

func TestAnthropicProvider_HTTPErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	events := collect(p.Stream(context.Background(), userRequest("hi")))

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Kind)
	assert.True(t, last.Err.RateLimited)
}

func TestToAnthropicMessages_GroupsToolResults(t *testing.T) {
	msgs, err := toAnthropicMessages([]schema.GenericChatMessage{
		{Role: schema.RoleSystem, Content: "sys"},
		{Role: schema.RoleUser, Content: "q"},
		{Role: schema.RoleAssistant, ToolCalls: []schema.ToolCallRequest{
			{ID: "a", Name: "t1", Arguments: []byte(`{}`)},
			{ID: "b", Name: "t2", Arguments: []byte(`{"x":1}`)},
		}},
		{Role: schema.RoleTool, ToolCallID: "a", Content: "1"},
		{Role: schema.RoleTool, ToolCallID: "b", Content: "boom", IsError: true},
	})
	require.NoError(t, err)
	// user, assistant, one user message carrying both results
	assert.Len(t, msgs, 3)
}

func TestToAnthropicMessages_InvalidArguments(t *testing.T) {
	_, err := toAnthropicMessages([]schema.GenericChatMessage{
		{Role: schema.RoleAssistant, ToolCalls: []schema.ToolCallRequest{{ID: "a", Name: "t", Arguments: []byte(`{`)}}},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
