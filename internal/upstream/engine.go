// Package upstream drives calls against the code-assist API: credential
// selection, the retry/rotate/refresh/disable decision per status code, and
// relaying unary or SSE responses back to the client.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gwpool/gemini-gateway/internal/credentials"
	"github.com/gwpool/gemini-gateway/internal/httputil"
	"github.com/gwpool/gemini-gateway/internal/monitoring"
	"github.com/gwpool/gemini-gateway/internal/payload"
)

const (
	ActionGenerate       = "generateContent"
	ActionStreamGenerate = "streamGenerateContent"

	internalAPIPath = "/v1internal"

	// Pause between disabling a credential and trying the next one.
	rotateDelay = 500 * time.Millisecond

	// Upper bound on error bodies read for diagnostics.
	maxErrorBodyBytes = 64 * 1024
)

// Options is the engine's call policy, derived from UpstreamConfig.
type Options struct {
	BaseEndpoint       string
	UserAgent          string
	Retry429Enabled    bool
	Retry429MaxRetries int
	Retry429Interval   time.Duration
	AutoBanEnabled     bool
	AutoBanCodes       map[int]bool
}

// Call is one client request after payload preparation.
type Call struct {
	ID        string
	Model     string
	Streaming bool
	Request   payload.Request
}

// NewCall assigns a fresh request ID.
func NewCall(model string, streaming bool, req payload.Request) Call {
	return Call{
		ID:        uuid.NewString(),
		Model:     model,
		Streaming: streaming,
		Request:   req,
	}
}

func (c Call) action() string {
	if c.Streaming {
		return ActionStreamGenerate
	}
	return ActionGenerate
}

// Engine executes calls against the upstream with automatic credential
// management. Unary calls share one pooled client; each streaming call gets
// a dedicated client so teardown can drop its connection.
type Engine struct {
	pool    *credentials.Pool
	opts    Options
	client  *http.Client
	logger  *slog.Logger
	metrics *monitoring.Metrics

	// Overridable in tests.
	newStreamClient func() *http.Client
	sleep           func(ctx context.Context, d time.Duration)
}

func NewEngine(pool *credentials.Pool, opts Options, metrics *monitoring.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		pool:            pool,
		opts:            opts,
		client:          httputil.NewHTTPClient(nil),
		logger:          logger,
		metrics:         metrics,
		newStreamClient: func() *http.Client { return httputil.NewHTTPClient(nil) },
		sleep:           sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Do runs the full call cycle and writes the response (or an error
// envelope) to w. The returned error is for logging only; the client
// response has already been written.
func (e *Engine) Do(ctx context.Context, w http.ResponseWriter, call Call) error {
	started := time.Now()

	var (
		retries          int
		refreshAttempted bool
		lastStatus       int
	)

	for {
		if err := ctx.Err(); err != nil {
			e.writeError(w, call, http.StatusRequestTimeout, "request cancelled")
			return err
		}

		lease, ok := e.pool.Borrow()
		if !ok {
			status := lastStatus
			if status == 0 {
				status = http.StatusServiceUnavailable
			}
			e.writeError(w, call, status, "no credentials available")
			return fmt.Errorf("%w: last upstream status %d", ErrCredentialsExhausted, status)
		}

		resp, client, err := e.attempt(ctx, call, lease)
		if err != nil {
			// Transport failure: nothing reached the upstream handler,
			// so no call is recorded against the credential.
			e.logger.Warn("Upstream transport error", "request_id", call.ID, "credential", lease.ID, "error", err)
			if retries < e.opts.Retry429MaxRetries {
				e.metrics.RecordRetry("transport")
				e.sleep(ctx, e.backoff(retries))
				retries++
				continue
			}
			e.writeError(w, call, http.StatusBadGateway, "upstream unreachable")
			return fmt.Errorf("upstream transport failed: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			e.metrics.RecordRequest(lease.ID, call.action(), resp.StatusCode, time.Since(started))
			if call.Streaming {
				return e.relayStream(ctx, w, call, lease, resp, client)
			}
			e.pool.Record(lease.ID, true, resp.StatusCode)
			return e.relayUnary(w, call, lease, resp)
		}

		// Error responses are small; read them for diagnostics before
		// releasing the connection.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		if call.Streaming {
			client.CloseIdleConnections()
		}

		lastStatus = resp.StatusCode
		e.pool.Record(lease.ID, false, resp.StatusCode)
		e.metrics.RecordRequest(lease.ID, call.action(), resp.StatusCode, time.Since(started))
		message := upstreamErrorMessage(body, resp.StatusCode)

		e.logger.Warn("Upstream error response",
			"request_id", call.ID,
			"credential", lease.ID,
			"status", resp.StatusCode,
			"message", httputil.SafeStringPreview([]byte(message), 200),
		)

		switch decision := e.decide(resp.StatusCode, retries, refreshAttempted); decision {
		case decisionRetryRotated:
			e.pool.Rotate()
			e.metrics.RecordRetry("429")
			e.sleep(ctx, e.backoff(retries))
			retries++

		case decisionRetrySame:
			e.metrics.RecordRetry("5xx")
			e.sleep(ctx, e.backoff(retries))
			retries++

		case decisionRefresh:
			refreshAttempted = true
			if e.pool.Refresh(ctx, lease.ID) {
				e.logger.Info("Retrying with refreshed token", "request_id", call.ID, "credential", lease.ID)
				e.metrics.RecordRetry("refresh")
				e.sleep(ctx, rotateDelay)
				retries++
				continue
			}
			fallthrough

		case decisionDisable:
			e.pool.Disable(lease.ID)
			e.pool.Rotate()
			e.metrics.RecordCredentialDisabled(lease.ID, resp.StatusCode)
			e.metrics.UpdateActiveCredentials(e.pool.ActiveCount())
			// The disable-rotate cascade consumes the shared retry
			// budget; without this a single bad request could walk the
			// whole pool and disable every credential.
			if retries >= e.opts.Retry429MaxRetries {
				e.writeError(w, call, resp.StatusCode, message)
				return fmt.Errorf("upstream failed with status %d", resp.StatusCode)
			}
			retries++
			e.sleep(ctx, rotateDelay)

		case decisionFail:
			e.writeError(w, call, resp.StatusCode, message)
			return fmt.Errorf("upstream failed with status %d", resp.StatusCode)
		}
	}
}

type decision int

const (
	decisionFail decision = iota
	decisionRetryRotated
	decisionRetrySame
	decisionRefresh
	decisionDisable
)

// decide maps an upstream status to the next step. Codes in the auto-ban
// set disable the credential, except that token-shaped failures get one
// refresh attempt per request first.
func (e *Engine) decide(statusCode, retries int, refreshAttempted bool) decision {
	switch {
	case statusCode == http.StatusTooManyRequests:
		if e.opts.Retry429Enabled && retries < e.opts.Retry429MaxRetries {
			return decisionRetryRotated
		}
		return decisionFail

	case statusCode >= 500:
		if retries < e.opts.Retry429MaxRetries {
			return decisionRetrySame
		}
		return decisionFail

	case e.opts.AutoBanEnabled && e.opts.AutoBanCodes[statusCode]:
		switch statusCode {
		case http.StatusUnauthorized, http.StatusBadRequest, http.StatusNotFound:
			if !refreshAttempted {
				return decisionRefresh
			}
		}
		return decisionDisable

	default:
		return decisionFail
	}
}

func (e *Engine) backoff(retries int) time.Duration {
	return e.opts.Retry429Interval * time.Duration(1<<retries)
}

// attempt serializes the envelope for the leased credential and performs
// one upstream request. The envelope is rebuilt per credential because the
// project binding changes with rotation.
func (e *Engine) attempt(ctx context.Context, call Call, lease credentials.Lease) (*http.Response, *http.Client, error) {
	envelope := map[string]any{
		"model":   call.Model,
		"project": lease.Project,
		"request": call.Request,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	url := e.opts.BaseEndpoint + internalAPIPath + ":" + call.action()
	if call.Streaming {
		url += "?alt=sse"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+lease.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.opts.UserAgent)

	client := e.client
	if call.Streaming {
		client = e.newStreamClient()
	}

	resp, err := client.Do(req)
	if err != nil {
		if call.Streaming {
			client.CloseIdleConnections()
		}
		return nil, nil, err
	}
	return resp, client, nil
}

// relayUnary forwards a successful non-streaming response. The upstream
// wraps the actual answer in a "response" key which is unwrapped here.
func (e *Engine) relayUnary(w http.ResponseWriter, call Call, lease credentials.Lease, resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.writeError(w, call, http.StatusBadGateway, "failed to read upstream response")
		return fmt.Errorf("failed to read upstream body: %w", err)
	}

	body = bytes.TrimSpace(body)
	body = bytes.TrimPrefix(body, []byte("data: "))
	body = unwrapResponse(body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(body)
	if err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	e.logger.Info("Request completed", "request_id", call.ID, "credential", lease.ID, "model", call.Model)
	return nil
}

// unwrapResponse strips the upstream's {"response": ...} envelope. Bodies
// without the envelope pass through unchanged.
func unwrapResponse(body []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	if inner, ok := envelope["response"]; ok {
		return inner
	}
	return body
}

func (e *Engine) writeError(w http.ResponseWriter, call Call, statusCode int, message string) {
	if call.Streaming {
		WriteSSEError(w, statusCode, message)
		return
	}
	WriteJSONError(w, statusCode, message)
}
