package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/gwpool/gemini-gateway/internal/credentials"
)

// Stream scanner line limit. Upstream frames carry whole model responses,
// so lines can be large.
const maxStreamLineBytes = 4 * 1024 * 1024

// relayStream forwards an SSE response frame by frame. The response body
// and the per-stream client are torn down on every exit path, including
// client disconnect mid-stream. The credential's success is recorded once,
// on the first relayed frame.
func (e *Engine) relayStream(ctx context.Context, w http.ResponseWriter, call Call, lease credentials.Lease, resp *http.Response, client *http.Client) error {
	defer func() {
		_ = resp.Body.Close()
		client.CloseIdleConnections()
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		e.logger.Error("Streaming not supported by response writer", "request_id", call.ID)
		WriteJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)

	recorded := false
	frames := 0

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("Client disconnected during streaming", "request_id", call.ID, "frames", frames)
			return err
		}

		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		frame := bytes.TrimPrefix(line, []byte("data: "))

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(frame, &envelope); err != nil {
			// Malformed frames are dropped rather than poisoning the
			// client stream.
			e.logger.Debug("Dropping malformed stream frame", "request_id", call.ID, "error", err)
			continue
		}
		out := frame
		if inner, ok := envelope["response"]; ok {
			out = inner
		}

		if !recorded {
			e.pool.Record(lease.ID, true, http.StatusOK)
			recorded = true
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", out); err != nil {
			if isClientDisconnectError(err) {
				e.logger.Warn("Client disconnected during streaming", "request_id", call.ID, "frames", frames)
			} else {
				e.logger.Error("Failed to write stream frame", "request_id", call.ID, "error", err)
			}
			return err
		}
		flusher.Flush()
		frames++
	}

	if err := scanner.Err(); err != nil {
		e.logger.Error("Stream read error", "request_id", call.ID, "frames", frames, "error", err)
		return fmt.Errorf("stream read failed: %w", err)
	}

	e.logger.Info("Stream completed", "request_id", call.ID, "credential", lease.ID, "model", call.Model, "frames", frames)
	return nil
}

func isClientDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}
