package router

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gwpool/gemini-gateway/internal/ipcontrol"
	"github.com/gwpool/gemini-gateway/internal/upstream"
)

// serveAdmin dispatches /admin/* behind the master key.
func (r *Router) serveAdmin(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		r.logger.Warn("Unauthorized admin request", "ip", ClientIP(req), "path", req.URL.Path)
		upstream.WriteJSONError(w, http.StatusUnauthorized, "invalid or missing master key")
		return
	}

	switch {
	case req.URL.Path == "/admin/ips":
		r.handleIPRanking(w, req)
	case req.URL.Path == "/admin/ips/summary":
		r.handleIPSummary(w, req)
	case strings.HasPrefix(req.URL.Path, "/admin/ips/"):
		r.handleIPDetail(w, req)
	default:
		upstream.WriteJSONError(w, http.StatusNotFound, "unknown admin endpoint")
	}
}

func (r *Router) authorized(req *http.Request) bool {
	key := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if key == "" {
		key = req.Header.Get("X-Master-Key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(r.cfg.Server.MasterKey)) == 1
}

// handleIPRanking serves GET /admin/ips with pagination query parameters.
func (r *Router) handleIPRanking(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		upstream.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := req.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	includeBanned := q.Get("include_banned") == "true"

	ranking := r.ips.Ranking(q.Get("rank_by"), page, pageSize, includeBanned)
	writeJSON(w, http.StatusOK, ranking)
}

func (r *Router) handleIPSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		upstream.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, r.ips.Summarize())
}

// handleIPDetail serves GET and POST /admin/ips/{ip}. GET returns the full
// record; POST changes the status, with the requester as the operator for
// ban accounting.
func (r *Router) handleIPDetail(w http.ResponseWriter, req *http.Request) {
	ip := strings.TrimPrefix(req.URL.Path, "/admin/ips/")
	if ip == "" {
		upstream.WriteJSONError(w, http.StatusBadRequest, "missing IP")
		return
	}

	switch req.Method {
	case http.MethodGet:
		stats, ok := r.ips.Stats(ip)
		if !ok {
			upstream.WriteJSONError(w, http.StatusNotFound, "no record for IP")
			return
		}
		writeJSON(w, http.StatusOK, stats)

	case http.MethodPost:
		var body struct {
			Status           string `json:"status"`
			RateLimitSeconds int    `json:"rate_limit_seconds"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			upstream.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		operatorIP := ClientIP(req)
		err := r.ips.SetStatus(req.Context(), ip, body.Status, body.RateLimitSeconds, operatorIP)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"ip": ip, "status": body.Status})
		case errors.Is(err, ipcontrol.ErrInvalidStatus):
			upstream.WriteJSONError(w, http.StatusBadRequest, err.Error())
		default:
			var rejected *ipcontrol.BanRejectedError
			var throttled *ipcontrol.BanThrottledError
			if errors.As(err, &rejected) || errors.As(err, &throttled) {
				upstream.WriteJSONError(w, http.StatusConflict, err.Error())
				return
			}
			upstream.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		}

	default:
		upstream.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
