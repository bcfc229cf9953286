// Package executor runs Claude message requests against the CodeWhisperer
// streaming API: it builds the upstream payload, attaches credentials,
// decodes the binary event-stream response, and feeds the translated
// events to the client as Claude SSE.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/qgate-proxy/qgate/internal/auth"
	"github.com/qgate-proxy/qgate/internal/config"
	"github.com/qgate-proxy/qgate/internal/eventstream"
	"github.com/qgate-proxy/qgate/internal/metrics"
	"github.com/qgate-proxy/qgate/internal/registry"
	"github.com/qgate-proxy/qgate/internal/translator/claude"
	"github.com/qgate-proxy/qgate/internal/util"
)

const amzTarget = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"

// UpstreamError is returned when the upstream rejects a request before
// any stream bytes reach the client, so the HTTP layer can answer with a
// plain error response instead of SSE.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// ErrStreamIdle is reported when the upstream stops sending frames for
// longer than the configured idle timeout.
var ErrStreamIdle = errors.New("executor: upstream stream idle timeout")

// Executor is safe for concurrent use; each request gets its own decoder,
// interpreter, and sequencer.
type Executor struct {
	cfg        *config.Config
	accounts   *registry.Registry
	tokens     *auth.Manager
	httpClient *http.Client
}

// New wires an executor over the account pool and token manager.
func New(cfg *config.Config, accounts *registry.Registry, tokens *auth.Manager) *Executor {
	return &Executor{
		cfg:      cfg,
		accounts: accounts,
		tokens:   tokens,
		// Streaming responses can run for minutes; the idle timeout guards
		// stalls instead of a client timeout.
		httpClient: &http.Client{},
	}
}

// ExecuteStream runs one Claude Messages request and emits the resulting
// SSE events through emit, in order. Failures before the first emitted
// event return an error and emit nothing; failures after that surface as
// an error SSE event.
func (e *Executor) ExecuteStream(ctx context.Context, body []byte, emit func(claude.ServerEvent) error) error {
	model := gjson.GetBytes(body, "model").String()

	account, err := e.accounts.Active()
	if err != nil {
		return err
	}

	// Organization accounts carry their own profile ARN; the config value
	// covers accounts that do not.
	profileArn := account.ProfileArn
	if profileArn == "" {
		profileArn = e.cfg.Upstream.ProfileArn
	}
	payload, err := claude.BuildCodeWhispererPayload(body, profileArn)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if timeout := e.cfg.RequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := e.send(ctx, account, payloadJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	metrics.StreamStarted()
	defer metrics.StreamFinished()

	inputTokens := util.EstimateRequestTokens(body)
	return e.pump(ctx, resp.Body, model, inputTokens, emit)
}

// send posts the payload with the active account's token. A 401 or 403
// forces one token refresh and a single retry; tokens can be revoked
// upstream before their recorded expiry.
func (e *Executor) send(ctx context.Context, account registry.Account, payload []byte) (*http.Response, error) {
	token, err := e.tokens.AccessToken(ctx, account)
	if err != nil {
		return nil, err
	}

	resp, err := e.post(ctx, token, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		log.Warnf("executor: upstream rejected token for account %s (status %d), refreshing", account.ID, resp.StatusCode)
		if token, err = e.tokens.ForceRefresh(ctx, account); err != nil {
			return nil, err
		}
		if resp, err = e.post(ctx, token, payload); err != nil {
			return nil, err
		}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		metrics.RecordUpstreamError(fmt.Sprintf("http_%d", resp.StatusCode))
		log.Debugf("executor: upstream status %d body %s", resp.StatusCode, util.RedactSensitiveJSON(errBody))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}
	return resp, nil
}

func (e *Executor) post(ctx context.Context, token string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Upstream.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("X-Amz-Target", amzTarget)
	req.Header.Set("User-Agent", "aws-sdk-rust/1.3.9 ua/2.1 api/codewhispererstreaming/0.1.11582 os/macos lang/rust/1.87.0 md/appVersion-1.19.3 app/AmazonQ-For-CLI")
	req.Header.Set("X-Amz-User-Agent", "aws-sdk-rust/1.3.9 ua/2.1 api/codewhispererstreaming/0.1.11582 os/macos lang/rust/1.87.0 m/F app/AmazonQ-For-CLI")
	req.Header.Set("X-Amzn-Codewhisperer-Optout", "true")
	req.Header.Set("Amz-Sdk-Request", "attempt=1; max=3")
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
	req.Header.Set("Accept", "*/*")
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("executor: POST %s auth=%s payload=%s",
			e.cfg.Upstream.Endpoint,
			util.MaskAuthorization(req.Header.Get("Authorization")),
			util.RedactSensitiveJSON(payload))
	}
	return e.httpClient.Do(req)
}

type readChunk struct {
	data []byte
	err  error
}

// pump decodes the response stream and drives the sequencer. Reading
// happens on its own goroutine so the select can multiplex frames with
// keepalives, the idle timer, and cancellation.
func (e *Executor) pump(ctx context.Context, upstream io.Reader, model string, inputTokens int64, emit func(claude.ServerEvent) error) error {
	decoder := eventstream.NewDecoder()
	interpreter := claude.NewInterpreter()
	sequencer := claude.NewSequencer(model, inputTokens)

	// Emitted assistant text, kept for usage estimation when the upstream
	// never reports token totals.
	var emittedText strings.Builder

	// Unbuffered so the reader applies backpressure to the upstream socket
	// when the client consumes slowly.
	chunks := make(chan readChunk)
	go func() {
		defer close(chunks)
		buf := make([]byte, 32<<10)
		for {
			n, err := upstream.Read(buf)
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case chunks <- readChunk{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idleTimeout := e.cfg.IdleTimeout()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	var keepalive <-chan time.Time
	if interval := e.cfg.KeepAliveInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idle.C:
			metrics.RecordUpstreamError("idle_timeout")
			events, _ := sequencer.Push(&claude.SemanticEvent{
				Kind:       claude.KindError,
				ErrKind:    claude.ErrorUpstream,
				ErrMessage: "upstream stream stalled",
			})
			if err := emitAll(emit, events); err != nil {
				return err
			}
			return ErrStreamIdle

		case <-keepalive:
			if err := emitAll(emit, sequencer.Ping()); err != nil {
				return err
			}

		case chunk, ok := <-chunks:
			if !ok {
				return e.finish(interpreter, sequencer, model, emittedText.String(), emit)
			}
			if len(chunk.data) > 0 {
				idle.Stop()
				idle.Reset(idleTimeout)
				if err := e.consume(chunk.data, decoder, interpreter, sequencer, &emittedText, emit); err != nil {
					return err
				}
			}
			if chunk.err != nil {
				if chunk.err == io.EOF {
					return e.finish(interpreter, sequencer, model, emittedText.String(), emit)
				}
				metrics.RecordUpstreamError("read_error")
				events, _ := sequencer.Push(&claude.SemanticEvent{
					Kind:       claude.KindError,
					ErrKind:    claude.ErrorUpstream,
					ErrMessage: "upstream connection lost",
				})
				if err := emitAll(emit, events); err != nil {
					return err
				}
				return fmt.Errorf("reading upstream stream: %w", chunk.err)
			}
		}
	}
}

// consume feeds bytes to the decoder and pushes every completed frame
// through the interpreter and sequencer.
func (e *Executor) consume(data []byte, decoder *eventstream.Decoder, interpreter *claude.Interpreter, sequencer *claude.Sequencer, emittedText *strings.Builder, emit func(claude.ServerEvent) error) error {
	decoder.Feed(data)
	for {
		frame, err := decoder.Next()
		if err != nil {
			metrics.RecordUpstreamError("decode_error")
			events, _ := sequencer.Push(&claude.SemanticEvent{
				Kind:       claude.KindError,
				ErrKind:    claude.ErrorUpstream,
				ErrMessage: fmt.Sprintf("corrupt upstream stream: %v", err),
			})
			if emitErr := emitAll(emit, events); emitErr != nil {
				return emitErr
			}
			return fmt.Errorf("decoding upstream stream: %w", err)
		}
		if frame == nil {
			return nil
		}
		metrics.RecordFrame(frame.EventType())

		semantic := interpreter.Interpret(frame)
		if semantic == nil {
			continue
		}
		if semantic.Kind == claude.KindTextDelta {
			emittedText.WriteString(semantic.Text)
		}
		events, pushErr := sequencer.Push(semantic)
		if err := emitAll(emit, events); err != nil {
			return err
		}
		if pushErr != nil {
			metrics.RecordUpstreamError("stream_error")
			return pushErr
		}
	}
}

// finish synthesizes the message stop. The upstream closes the connection
// instead of sending an explicit end-of-turn frame, so the stop reason and
// usage come from what the interpreter accumulated, falling back to a
// tokenizer estimate over the emitted text.
func (e *Executor) finish(interpreter *claude.Interpreter, sequencer *claude.Sequencer, model, emittedText string, emit func(claude.ServerEvent) error) error {
	if sequencer.Finished() {
		return nil
	}
	stop := &claude.SemanticEvent{
		Kind:       claude.KindMessageStop,
		StopReason: interpreter.StopReason(),
	}
	if usage, ok := interpreter.Usage(); ok {
		stop.Usage = usage
		metrics.RecordTokenUsage(model, usage.InputTokens, usage.OutputTokens)
	} else if emittedText != "" {
		sequencer.SetOutputTokens(util.CountTokens(emittedText))
	}
	events, err := sequencer.Push(stop)
	if emitErr := emitAll(emit, events); emitErr != nil {
		return emitErr
	}
	return err
}

func emitAll(emit func(claude.ServerEvent) error, events []claude.ServerEvent) error {
	for _, ev := range events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}
