package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrCredentialsExhausted is returned when every credential in the pool is
// disabled and no further attempt can be made.
var ErrCredentialsExhausted = errors.New("all credentials exhausted")

// APIError is the error object written to clients.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// APIErrorResponse wraps APIError in the envelope clients expect.
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

// errorTypeForStatus maps HTTP status codes to error type strings.
func errorTypeForStatus(statusCode int) string {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return "rate_limit_error"
	case statusCode == http.StatusUnauthorized:
		return "authentication_error"
	case statusCode == http.StatusForbidden:
		return "permission_denied"
	case statusCode == http.StatusNotFound:
		return "not_found_error"
	case statusCode >= 500:
		return "server_error"
	case statusCode >= 400:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// WriteJSONError writes an error envelope as a plain JSON response.
func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(APIErrorResponse{
		Error: APIError{
			Message: message,
			Type:    errorTypeForStatus(statusCode),
			Code:    statusCode,
		},
	})
}

// WriteSSEError writes an error envelope as a single SSE data frame. Used
// when a streaming request fails before any upstream frame was relayed.
func WriteSSEError(w http.ResponseWriter, statusCode int, message string) {
	payload, err := json.Marshal(APIErrorResponse{
		Error: APIError{
			Message: message,
			Type:    errorTypeForStatus(statusCode),
			Code:    statusCode,
		},
	})
	if err != nil {
		http.Error(w, message, statusCode)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// upstreamErrorMessage pulls a human-readable message out of an upstream
// error body. Falls back to a bounded preview of the raw body.
func upstreamErrorMessage(body []byte, statusCode int) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(body) > 0 {
		const previewLen = 256
		if len(body) > previewLen {
			body = body[:previewLen]
		}
		return string(body)
	}
	return fmt.Sprintf("upstream returned status %d", statusCode)
}
