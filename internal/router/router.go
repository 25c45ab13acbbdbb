// Package router maps the HTTP surface: the model generate endpoints with
// IP admission in front, the admin surface for IP management, and health.
package router

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gwpool/gemini-gateway/internal/config"
	"github.com/gwpool/gemini-gateway/internal/ipcontrol"
	"github.com/gwpool/gemini-gateway/internal/monitoring"
	"github.com/gwpool/gemini-gateway/internal/payload"
	"github.com/gwpool/gemini-gateway/internal/upstream"
)

const modelsPathPrefix = "/v1beta/models/"

type Router struct {
	engine     *upstream.Engine
	ips        *ipcontrol.Manager
	cfg        *config.Config
	metrics    *monitoring.Metrics
	logger     *slog.Logger
	publicAPI  map[string]bool
	maxBodyLen int64
}

func New(engine *upstream.Engine, ips *ipcontrol.Manager, cfg *config.Config, metrics *monitoring.Metrics, logger *slog.Logger) *Router {
	publicAPI := make(map[string]bool, len(cfg.Upstream.PublicAPIModels))
	for _, m := range cfg.Upstream.PublicAPIModels {
		publicAPI[m] = true
	}

	return &Router{
		engine:     engine,
		ips:        ips,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		publicAPI:  publicAPI,
		maxBodyLen: int64(cfg.Server.MaxBodySizeMB) * 1024 * 1024,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == r.cfg.Monitoring.HealthCheckPath {
		r.handleHealth(w, req)
		return
	}

	if strings.HasPrefix(req.URL.Path, "/admin/") {
		r.serveAdmin(w, req)
		return
	}

	if strings.HasPrefix(req.URL.Path, modelsPathPrefix) {
		r.handleGenerate(w, req)
		return
	}

	http.Error(w, "Not Found", http.StatusNotFound)
}

// handleGenerate serves POST /v1beta/models/{model}:{action}. Admission
// runs before anything is sent upstream; a refused IP never consumes a
// credential.
func (r *Router) handleGenerate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		upstream.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	model, action, ok := parseModelAction(req.URL.Path)
	if !ok {
		upstream.WriteJSONError(w, http.StatusNotFound, "unknown endpoint")
		return
	}
	streaming := action == upstream.ActionStreamGenerate ||
		req.URL.Query().Get("alt") == "sse"

	clientIP := ClientIP(req)
	if !r.ips.Record(req.Context(), clientIP, action, req.Header.Get("User-Agent"), model) {
		r.metrics.RecordAdmissionRejected("blocked")
		r.logger.Warn("Request refused at admission", "ip", clientIP, "model", model)
		upstream.WriteJSONError(w, http.StatusForbidden, "access denied")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBodyLen))
	if err != nil {
		upstream.WriteJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	pReq, err := payload.Parse(body)
	if err != nil {
		upstream.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	payload.MergeSafetySettings(pReq, r.cfg.Upstream.DefaultSafetySettings)
	payload.ApplyThinkingDefaults(pReq, model)
	payload.ApplySearchTool(pReq, model)

	baseModel := payload.BaseModelName(model)
	if r.publicAPI[baseModel] {
		payload.StripGenerationConfigForPublicAPI(pReq)
	}

	call := upstream.NewCall(baseModel, streaming, pReq)
	r.logger.Info("Dispatching request",
		"request_id", call.ID,
		"ip", clientIP,
		"model", model,
		"streaming", streaming,
	)

	if err := r.engine.Do(req.Context(), w, call); err != nil {
		r.logger.Error("Request failed", "request_id", call.ID, "error", err)
	}
}

// parseModelAction splits "/v1beta/models/gemini-2.5-pro:generateContent"
// into its model and action parts.
func parseModelAction(path string) (model, action string, ok bool) {
	rest := strings.TrimPrefix(path, modelsPathPrefix)
	model, action, found := strings.Cut(rest, ":")
	if !found || model == "" {
		return "", "", false
	}
	switch action {
	case upstream.ActionGenerate, upstream.ActionStreamGenerate:
		return model, action, true
	}
	return "", "", false
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ClientIP extracts the originating client address, honoring proxy headers
// in order of trust.
func ClientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := req.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
