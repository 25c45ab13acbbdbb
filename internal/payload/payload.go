// Package payload prepares client request bodies for the upstream API:
// safety-setting defaults, thinking-budget handling for model name
// variants, search tool injection, and field stripping for models served
// through the public API surface.
package payload

import (
	"encoding/json"
	"strings"

	"github.com/gwpool/gemini-gateway/internal/config"
)

// Model name suffixes that select a behavior variant. They are stripped
// before the name is sent upstream.
const (
	suffixSearch      = "-search"
	suffixNoThinking  = "-nothinking"
	suffixMaxThinking = "-maxthinking"

	maxThinkingBudget     = 32768
	dynamicThinkingBudget = -1
)

// Request is a raw JSON object body. Only the fields this package touches
// are ever decoded; everything else passes through byte-identical.
type Request map[string]json.RawMessage

// Parse decodes a request body into a Request.
func Parse(body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req == nil {
		req = Request{}
	}
	return req, nil
}

// BaseModelName strips the variant suffixes off a model name.
func BaseModelName(model string) string {
	for _, suffix := range []string{suffixSearch, suffixNoThinking, suffixMaxThinking} {
		model = strings.TrimSuffix(model, suffix)
	}
	return model
}

// IsSearchModel reports whether the model name requests the search variant.
func IsSearchModel(model string) bool {
	return strings.HasSuffix(model, suffixSearch)
}

// MergeSafetySettings fills in default safety settings for categories the
// client did not set. Client-specified categories always win.
func MergeSafetySettings(req Request, defaults []config.SafetySetting) {
	if len(defaults) == 0 {
		return
	}

	var settings []config.SafetySetting
	if raw, ok := req["safetySettings"]; ok {
		// Unparseable client settings are left untouched.
		if err := json.Unmarshal(raw, &settings); err != nil {
			return
		}
	}

	seen := make(map[string]bool, len(settings))
	for _, s := range settings {
		seen[s.Category] = true
	}
	for _, d := range defaults {
		if !seen[d.Category] {
			settings = append(settings, d)
		}
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return
	}
	req["safetySettings"] = raw
}

// ApplyThinkingDefaults fills in the thinking configuration implied by the
// model name variant. Each key defaults independently, so a client that
// sets only the budget still gets the includeThoughts default and vice
// versa.
func ApplyThinkingDefaults(req Request, model string) {
	genCfg := generationConfig(req)

	thinking := map[string]json.RawMessage{}
	if raw, ok := genCfg["thinkingConfig"]; ok {
		if err := json.Unmarshal(raw, &thinking); err != nil {
			return
		}
	}

	var budget int
	var includeThoughts bool
	switch {
	case strings.HasSuffix(model, suffixNoThinking):
		budget, includeThoughts = 0, false
	case strings.HasSuffix(model, suffixMaxThinking):
		budget, includeThoughts = maxThinkingBudget, true
	default:
		budget, includeThoughts = dynamicThinkingBudget, true
	}

	if _, ok := thinking["thinkingBudget"]; !ok {
		thinking["thinkingBudget"] = mustMarshal(budget)
	}
	if _, ok := thinking["includeThoughts"]; !ok {
		thinking["includeThoughts"] = mustMarshal(includeThoughts)
	}

	genCfg["thinkingConfig"] = mustMarshal(thinking)
	req["generationConfig"] = mustMarshal(genCfg)
}

// ApplySearchTool appends the googleSearch tool for search-variant models.
// Nothing is added when the client already declared tools of its own.
func ApplySearchTool(req Request, model string) {
	if !IsSearchModel(model) {
		return
	}

	var tools []map[string]json.RawMessage
	if raw, ok := req["tools"]; ok {
		if err := json.Unmarshal(raw, &tools); err != nil {
			return
		}
	}
	for _, tool := range tools {
		if _, ok := tool["googleSearch"]; ok {
			return
		}
		if _, ok := tool["functionDeclarations"]; ok {
			return
		}
	}

	tools = append(tools, map[string]json.RawMessage{
		"googleSearch": json.RawMessage(`{}`),
	})
	req["tools"] = mustMarshal(tools)
}

// StripGenerationConfigForPublicAPI removes every generationConfig field the
// public endpoint rejects, keeping only imageConfig. An emptied config is
// dropped entirely.
func StripGenerationConfigForPublicAPI(req Request) {
	genCfg := generationConfig(req)
	if len(genCfg) == 0 {
		return
	}

	if img, ok := genCfg["imageConfig"]; ok {
		req["generationConfig"] = mustMarshal(map[string]json.RawMessage{"imageConfig": img})
	} else {
		delete(req, "generationConfig")
	}
}

func generationConfig(req Request) map[string]json.RawMessage {
	cfg := map[string]json.RawMessage{}
	if raw, ok := req["generationConfig"]; ok {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return map[string]json.RawMessage{}
		}
	}
	return cfg
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Inputs are maps of already-valid JSON; this cannot fail.
		panic(err)
	}
	return raw
}
