package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/qgate-proxy/qgate/internal/auth"
	"github.com/qgate-proxy/qgate/internal/auth/codewhisperer"
	"github.com/qgate-proxy/qgate/internal/config"
	"github.com/qgate-proxy/qgate/internal/eventstream"
	"github.com/qgate-proxy/qgate/internal/registry"
	"github.com/qgate-proxy/qgate/internal/translator/claude"
)

type staticRefresher struct {
	calls int32
}

func (s *staticRefresher) Refresh(ctx context.Context, creds codewhisperer.Credentials) (*codewhisperer.Token, error) {
	atomic.AddInt32(&s.calls, 1)
	return &codewhisperer.Token{
		AccessToken: "access-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func frames(events ...[2]string) []byte {
	var out []byte
	for _, ev := range events {
		out = append(out, eventstream.EncodeEvent(ev[0], []byte(ev[1]))...)
	}
	return out
}

func newTestExecutor(t *testing.T, upstreamURL string) (*Executor, *staticRefresher) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Upstream.Endpoint = upstreamURL
	cfg.Upstream.IdleTimeoutSeconds = 2
	cfg.Streaming.KeepAliveSeconds = 0

	store := registry.NewStore(filepath.Join(t.TempDir(), "account.json"))
	reg, err := registry.New(store)
	require.NoError(t, err)
	_, err = reg.Add(registry.Account{RefreshToken: "refresh-token-aaaaaaaaaa", ClientID: "cid", ClientSecret: "cs"})
	require.NoError(t, err)

	refresher := &staticRefresher{}
	tokens := auth.NewManager(refresher, reg, auth.NewTokenCache(""))
	return New(cfg, reg, tokens), refresher
}

func collect(t *testing.T, e *Executor, body string) ([]claude.ServerEvent, error) {
	t.Helper()
	var events []claude.ServerEvent
	err := e.ExecuteStream(context.Background(), []byte(body), func(ev claude.ServerEvent) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

const simpleRequest = `{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}],"stream":true}`

func TestExecuteStreamTextTurn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		assert.Equal(t, amzTarget, r.Header.Get("X-Amz-Target"))
		assert.Equal(t, "application/x-amz-json-1.0", r.Header.Get("Content-Type"))

		w.Write(frames(
			[2]string{"assistantResponseEvent", `{"content":"Hello"}`},
			[2]string{"assistantResponseEvent", `{"content":" world"}`},
			[2]string{"messageMetadataEvent", `{"usage":{"inputTokens":9,"outputTokens":2}}`},
		))
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL)
	events, err := collect(t, e, simpleRequest)
	require.NoError(t, err)

	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	md := gjson.ParseBytes(events[5].Data)
	assert.Equal(t, "end_turn", md.Get("delta.stop_reason").String())
	assert.Equal(t, int64(9), md.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(2), md.Get("usage.output_tokens").Int())
}

func TestExecuteStreamToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(frames(
			[2]string{"toolUseEvent", `{"toolUseId":"tu_1","name":"get_weather","input":"{\"city\":"}`},
			[2]string{"toolUseEvent", `{"toolUseId":"tu_1","input":"\"Oslo\"}"}`},
			[2]string{"toolUseEvent", `{"toolUseId":"tu_1","stop":true}`},
		))
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL)
	events, err := collect(t, e, simpleRequest)
	require.NoError(t, err)

	var sawToolStart bool
	for _, ev := range events {
		if ev.Event == "content_block_start" &&
			gjson.ParseBytes(ev.Data).Get("content_block.type").String() == "tool_use" {
			sawToolStart = true
		}
	}
	assert.True(t, sawToolStart)

	// No inline stop reason plus an emitted tool block means tool_use.
	last := events[len(events)-2]
	assert.Equal(t, "message_delta", last.Event)
	assert.Equal(t, "tool_use", gjson.ParseBytes(last.Data).Get("delta.stop_reason").String())
}

func TestExecuteStreamSingleFrameToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(frames(
			[2]string{"toolUseEvent", `{"toolUseId":"t1","name":"get_weather","input":"{\"city\":\"SF\"}","stop":true}`},
		))
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL)
	events, err := collect(t, e, simpleRequest)
	require.NoError(t, err)

	var names []string
	var input string
	for _, ev := range events {
		names = append(names, ev.Event)
		if ev.Event == "content_block_delta" {
			input += gjson.ParseBytes(ev.Data).Get("delta.partial_json").String()
		}
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)
	assert.Equal(t, `{"city":"SF"}`, input)
}

func TestExecuteStreamUsesAccountProfileArn(t *testing.T) {
	var upstreamBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamBody, _ = io.ReadAll(r.Body)
		w.Write(frames([2]string{"assistantResponseEvent", `{"content":"ok"}`}))
	}))
	defer server.Close()

	const arn = "arn:aws:codewhisperer:us-east-1:123456789012:profile/ABCDEF"

	cfg := config.DefaultConfig()
	cfg.Upstream.Endpoint = server.URL
	cfg.Streaming.KeepAliveSeconds = 0
	store := registry.NewStore(filepath.Join(t.TempDir(), "account.json"))
	reg, err := registry.New(store)
	require.NoError(t, err)
	_, err = reg.Add(registry.Account{RefreshToken: "refresh-token-aaaaaaaaaa", ProfileArn: arn})
	require.NoError(t, err)
	tokens := auth.NewManager(&staticRefresher{}, reg, auth.NewTokenCache(""))
	e := New(cfg, reg, tokens)

	_, err = collect(t, e, simpleRequest)
	require.NoError(t, err)
	assert.Equal(t, arn, gjson.GetBytes(upstreamBody, "profileArn").String())
}

func TestExecuteStreamRetriesOnForbidden(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(frames([2]string{"assistantResponseEvent", `{"content":"ok"}`}))
	}))
	defer server.Close()

	e, refresher := newTestExecutor(t, server.URL)
	events, err := collect(t, e, simpleRequest)
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&requests))
	// Initial token plus the forced refresh.
	assert.EqualValues(t, 2, atomic.LoadInt32(&refresher.calls))
	assert.NotEmpty(t, events)
}

func TestExecuteStreamUpstreamRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"throttled"}`))
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL)
	events, err := collect(t, e, simpleRequest)

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusTooManyRequests, upErr.StatusCode)
	// Nothing was streamed, so the HTTP layer can still answer with JSON.
	assert.Empty(t, events)
}

func TestExecuteStreamExceptionFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(frames([2]string{"assistantResponseEvent", `{"content":"partial"}`}))
		w.Write(eventstream.Encode(map[string]eventstream.HeaderValue{
			":message-type":   {Type: eventstream.TypeString, String: "exception"},
			":exception-type": {Type: eventstream.TypeString, String: "ThrottlingException"},
		}, []byte(`{"message":"slow down"}`)))
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL)
	events, err := collect(t, e, simpleRequest)
	require.Error(t, err)

	last := events[len(events)-1]
	assert.Equal(t, "error", last.Event)
	assert.Contains(t, gjson.ParseBytes(last.Data).Get("error.message").String(), "ThrottlingException")
}

func TestExecuteStreamEstimatesUsageWithoutMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(frames([2]string{"assistantResponseEvent", `{"content":"The capital of Norway is Oslo."}`}))
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL)
	events, err := collect(t, e, simpleRequest)
	require.NoError(t, err)

	md := events[len(events)-2]
	require.Equal(t, "message_delta", md.Event)
	usage := gjson.ParseBytes(md.Data).Get("usage")
	assert.Greater(t, usage.Get("input_tokens").Int(), int64(0))
	assert.Greater(t, usage.Get("output_tokens").Int(), int64(0))
}

func TestExecuteStreamIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	e, _ := newTestExecutor(t, server.URL)
	e.cfg.Upstream.IdleTimeoutSeconds = 1

	events, err := collect(t, e, simpleRequest)
	require.ErrorIs(t, err, ErrStreamIdle)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, "error", last.Event)
	assert.Contains(t, gjson.ParseBytes(last.Data).Get("error.message").String(), "stalled")
}

func TestExecuteStreamKeepalivePings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(1300 * time.Millisecond)
		w.Write(frames([2]string{"assistantResponseEvent", `{"content":"late reply"}`}))
	}))
	defer server.Close()

	e, _ := newTestExecutor(t, server.URL)
	e.cfg.Streaming.KeepAliveSeconds = 1

	events, err := collect(t, e, simpleRequest)
	require.NoError(t, err)

	var pings int
	for _, ev := range events {
		if ev.Event == "ping" {
			pings++
		}
	}
	assert.GreaterOrEqual(t, pings, 1)
	assert.Equal(t, "message_stop", events[len(events)-1].Event)
}

func TestExecuteStreamInvalidRequest(t *testing.T) {
	e, _ := newTestExecutor(t, "http://127.0.0.1:1")
	_, err := collect(t, e, `{"model":"claude-sonnet-4","messages":[]}`)
	var reqErr *claude.RequestError
	assert.ErrorAs(t, err, &reqErr)
}
