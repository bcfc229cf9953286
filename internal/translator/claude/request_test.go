package claude

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func marshalPayload(t *testing.T, p *CodeWhispererPayload) gjson.Result {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return gjson.ParseBytes(raw)
}

func TestBuildPayloadSimple(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"messages": [{"role":"user","content":"Hello"}]
	}`)
	p, err := BuildCodeWhispererPayload(body, "arn:aws:codewhisperer:us-east-1:000000000000:profile/test")
	require.NoError(t, err)

	got := marshalPayload(t, p)
	assert.Equal(t, "MANUAL", got.Get("conversationState.chatTriggerType").String())
	assert.NotEmpty(t, got.Get("conversationState.conversationId").String())
	assert.Equal(t, "Hello", got.Get("conversationState.currentMessage.userInputMessage.content").String())
	assert.Equal(t, "CLAUDE_SONNET_4_20250514_V1_0", got.Get("conversationState.currentMessage.userInputMessage.modelId").String())
	assert.Equal(t, "AI_EDITOR", got.Get("conversationState.currentMessage.userInputMessage.origin").String())
	assert.False(t, got.Get("conversationState.history").Exists())
	assert.Equal(t, int64(1024), got.Get("inferenceConfig.maxTokens").Int())
	assert.Contains(t, got.Get("profileArn").String(), "profile/test")
}

func TestBuildPayloadHistorySplit(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4.5",
		"messages": [
			{"role":"user","content":"q1"},
			{"role":"assistant","content":"a1"},
			{"role":"user","content":"q2"}
		]
	}`)
	p, err := BuildCodeWhispererPayload(body, "")
	require.NoError(t, err)

	got := marshalPayload(t, p)
	history := got.Get("conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "q1", history[0].Get("userInputMessage.content").String())
	assert.Equal(t, "a1", history[1].Get("assistantResponseMessage.content").String())
	assert.Equal(t, "q2", got.Get("conversationState.currentMessage.userInputMessage.content").String())
}

func TestBuildPayloadTrailingAssistant(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"messages": [
			{"role":"user","content":"q1"},
			{"role":"assistant","content":"partial answer"}
		]
	}`)
	p, err := BuildCodeWhispererPayload(body, "")
	require.NoError(t, err)

	got := marshalPayload(t, p)
	assert.Equal(t, "Continue", got.Get("conversationState.currentMessage.userInputMessage.content").String())
	history := got.Get("conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "partial answer", history[1].Get("assistantResponseMessage.content").String())
}

func TestBuildPayloadSystemPrompt(t *testing.T) {
	t.Run("no history goes to current", func(t *testing.T) {
		body := []byte(`{
			"model": "claude-sonnet-4",
			"system": "Be terse.",
			"messages": [{"role":"user","content":"hi"}]
		}`)
		p, err := BuildCodeWhispererPayload(body, "")
		require.NoError(t, err)
		got := marshalPayload(t, p)
		assert.Equal(t, "Be terse.\n\nhi", got.Get("conversationState.currentMessage.userInputMessage.content").String())
	})

	t.Run("with history goes to first user turn", func(t *testing.T) {
		body := []byte(`{
			"model": "claude-sonnet-4",
			"system": [{"type":"text","text":"Be terse."}],
			"messages": [
				{"role":"user","content":"q1"},
				{"role":"assistant","content":"a1"},
				{"role":"user","content":"q2"}
			]
		}`)
		p, err := BuildCodeWhispererPayload(body, "")
		require.NoError(t, err)
		got := marshalPayload(t, p)
		assert.Equal(t, "Be terse.\n\nq1", got.Get("conversationState.history.0.userInputMessage.content").String())
		assert.Equal(t, "q2", got.Get("conversationState.currentMessage.userInputMessage.content").String())
	})
}

func TestBuildPayloadTools(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"tools": [{
			"name": "get_weather",
			"description": "Look up weather",
			"input_schema": {"type":"object","properties":{"city":{"type":"string"}}}
		}],
		"messages": [{"role":"user","content":"weather in Oslo?"}]
	}`)
	p, err := BuildCodeWhispererPayload(body, "")
	require.NoError(t, err)

	got := marshalPayload(t, p)
	tools := got.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.tools").Array()
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].Get("toolSpecification.name").String())
	assert.Equal(t, "string", tools[0].Get("toolSpecification.inputSchema.json.properties.city.type").String())
}

func TestBuildPayloadToolResults(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"messages": [
			{"role":"user","content":"weather?"},
			{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"get_weather","input":{"city":"Oslo"}}]},
			{"role":"user","content":[
				{"type":"tool_result","tool_use_id":"tu_1","content":"sunny"},
				{"type":"tool_result","tool_use_id":"tu_1","content":"duplicate"}
			]}
		]
	}`)
	p, err := BuildCodeWhispererPayload(body, "")
	require.NoError(t, err)

	got := marshalPayload(t, p)
	current := got.Get("conversationState.currentMessage.userInputMessage")
	assert.Equal(t, "Tool results provided.", current.Get("content").String())

	results := current.Get("userInputMessageContext.toolResults").Array()
	require.Len(t, results, 1, "duplicate toolUseId must collapse to the first occurrence")
	assert.Equal(t, "tu_1", results[0].Get("toolUseId").String())
	assert.Equal(t, "success", results[0].Get("status").String())
	assert.Equal(t, "sunny", results[0].Get("content.0.text").String())

	uses := got.Get("conversationState.history.1.assistantResponseMessage.toolUses").Array()
	require.Len(t, uses, 1)
	assert.Equal(t, "Oslo", uses[0].Get("input.city").String())
}

func TestBuildPayloadErrorToolResult(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"messages": [
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_9","is_error":true,"content":[{"type":"text","text":"boom"}]}]}
		]
	}`)
	p, err := BuildCodeWhispererPayload(body, "")
	require.NoError(t, err)

	got := marshalPayload(t, p)
	result := got.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults.0")
	assert.Equal(t, "error", result.Get("status").String())
	assert.Equal(t, "boom", result.Get("content.0.text").String())
}

func TestBuildPayloadImages(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"messages": [{"role":"user","content":[
			{"type":"text","text":"what is this"},
			{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGVsbG8="}}
		]}]
	}`)
	p, err := BuildCodeWhispererPayload(body, "")
	require.NoError(t, err)

	got := marshalPayload(t, p)
	img := got.Get("conversationState.currentMessage.userInputMessage.images.0")
	assert.Equal(t, "png", img.Get("format").String())
	assert.Equal(t, "aGVsbG8=", img.Get("source.bytes").String())
}

func TestBuildPayloadNoMessages(t *testing.T) {
	_, err := BuildCodeWhispererPayload([]byte(`{"model":"claude-sonnet-4","messages":[]}`), "")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "messages", reqErr.Field)
}

func TestModelID(t *testing.T) {
	assert.Equal(t, "CLAUDE_SONNET_4_20250514_V1_0", ModelID("claude-sonnet-4"))
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", ModelID("claude-sonnet-4.5"))
	assert.Equal(t, "SOMETHING_NEW", ModelID("SOMETHING_NEW"))
}
