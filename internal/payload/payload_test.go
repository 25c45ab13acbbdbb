package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwpool/gemini-gateway/internal/config"
)

func TestParse(t *testing.T) {
	req, err := Parse([]byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`))
	require.NoError(t, err)
	assert.Contains(t, req, "contents")

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestBaseModelName(t *testing.T) {
	assert.Equal(t, "gemini-2.5-pro", BaseModelName("gemini-2.5-pro"))
	assert.Equal(t, "gemini-2.5-pro", BaseModelName("gemini-2.5-pro-search"))
	assert.Equal(t, "gemini-2.5-pro", BaseModelName("gemini-2.5-pro-nothinking"))
	assert.Equal(t, "gemini-2.5-pro", BaseModelName("gemini-2.5-pro-maxthinking"))
}

func TestIsSearchModel(t *testing.T) {
	assert.True(t, IsSearchModel("gemini-2.5-flash-search"))
	assert.False(t, IsSearchModel("gemini-2.5-flash"))
}

func TestMergeSafetySettings_DefaultsFillGaps(t *testing.T) {
	req, err := Parse([]byte(`{"safetySettings":[{"category":"HARM_CATEGORY_HARASSMENT","threshold":"BLOCK_ONLY_HIGH"}]}`))
	require.NoError(t, err)

	defaults := []config.SafetySetting{
		{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
		{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	}
	MergeSafetySettings(req, defaults)

	var settings []config.SafetySetting
	require.NoError(t, json.Unmarshal(req["safetySettings"], &settings))
	require.Len(t, settings, 2)
	assert.Equal(t, "BLOCK_ONLY_HIGH", settings[0].Threshold, "client setting wins for its category")
	assert.Equal(t, "HARM_CATEGORY_HATE_SPEECH", settings[1].Category)
}

func TestMergeSafetySettings_NoClientSettings(t *testing.T) {
	req := Request{}
	MergeSafetySettings(req, []config.SafetySetting{
		{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	})

	var settings []config.SafetySetting
	require.NoError(t, json.Unmarshal(req["safetySettings"], &settings))
	assert.Len(t, settings, 1)
}

func TestApplyThinkingDefaults(t *testing.T) {
	tests := []struct {
		model           string
		wantBudget      int
		wantIncludeTrue bool
	}{
		{"gemini-2.5-pro", -1, true},
		{"gemini-2.5-pro-nothinking", 0, false},
		{"gemini-2.5-pro-maxthinking", 32768, true},
	}

	for _, tt := range tests {
		req := Request{}
		ApplyThinkingDefaults(req, tt.model)

		var genCfg struct {
			ThinkingConfig struct {
				ThinkingBudget  int  `json:"thinkingBudget"`
				IncludeThoughts bool `json:"includeThoughts"`
			} `json:"thinkingConfig"`
		}
		require.NoError(t, json.Unmarshal(req["generationConfig"], &genCfg), tt.model)
		assert.Equal(t, tt.wantBudget, genCfg.ThinkingConfig.ThinkingBudget, tt.model)
		assert.Equal(t, tt.wantIncludeTrue, genCfg.ThinkingConfig.IncludeThoughts, tt.model)
	}
}

func TestApplyThinkingDefaults_ClientKeysWinIndependently(t *testing.T) {
	req, err := Parse([]byte(`{"generationConfig":{"temperature":0.7,"thinkingConfig":{"thinkingBudget":128}}}`))
	require.NoError(t, err)

	ApplyThinkingDefaults(req, "gemini-2.5-pro-maxthinking")

	var genCfg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(req["generationConfig"], &genCfg))
	assert.JSONEq(t, `{"thinkingBudget":128,"includeThoughts":true}`,
		string(genCfg["thinkingConfig"]), "client budget kept, missing includeThoughts defaulted")
	assert.Contains(t, genCfg, "temperature", "unrelated fields survive")
}

func TestApplyThinkingDefaults_BudgetDefaultedAroundClientThoughts(t *testing.T) {
	req, err := Parse([]byte(`{"generationConfig":{"thinkingConfig":{"includeThoughts":false}}}`))
	require.NoError(t, err)

	ApplyThinkingDefaults(req, "gemini-2.5-pro")

	var genCfg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(req["generationConfig"], &genCfg))
	assert.JSONEq(t, `{"thinkingBudget":-1,"includeThoughts":false}`,
		string(genCfg["thinkingConfig"]))
}

func TestApplyThinkingDefaults_FullClientConfigUntouched(t *testing.T) {
	req, err := Parse([]byte(`{"generationConfig":{"thinkingConfig":{"thinkingBudget":64,"includeThoughts":false}}}`))
	require.NoError(t, err)

	ApplyThinkingDefaults(req, "gemini-2.5-pro-maxthinking")

	var genCfg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(req["generationConfig"], &genCfg))
	assert.JSONEq(t, `{"thinkingBudget":64,"includeThoughts":false}`,
		string(genCfg["thinkingConfig"]))
}

func TestApplySearchTool(t *testing.T) {
	req := Request{}
	ApplySearchTool(req, "gemini-2.5-pro-search")

	var tools []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(req["tools"], &tools))
	require.Len(t, tools, 1)
	assert.Contains(t, tools[0], "googleSearch")
}

func TestApplySearchTool_SkipsWhenClientHasTools(t *testing.T) {
	raw := `{"tools":[{"functionDeclarations":[{"name":"lookup"}]}]}`
	req, err := Parse([]byte(raw))
	require.NoError(t, err)

	ApplySearchTool(req, "gemini-2.5-pro-search")

	var tools []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(req["tools"], &tools))
	require.Len(t, tools, 1)
	assert.NotContains(t, tools[0], "googleSearch")
}

func TestApplySearchTool_NonSearchModelUntouched(t *testing.T) {
	req := Request{}
	ApplySearchTool(req, "gemini-2.5-pro")
	assert.NotContains(t, req, "tools")
}

func TestStripGenerationConfigForPublicAPI(t *testing.T) {
	req, err := Parse([]byte(`{"generationConfig":{"temperature":0.7,"imageConfig":{"aspectRatio":"16:9"},"thinkingConfig":{"thinkingBudget":-1}}}`))
	require.NoError(t, err)

	StripGenerationConfigForPublicAPI(req)
	assert.JSONEq(t, `{"imageConfig":{"aspectRatio":"16:9"}}`, string(req["generationConfig"]))
}

func TestStripGenerationConfigForPublicAPI_DropsEmptyConfig(t *testing.T) {
	req, err := Parse([]byte(`{"generationConfig":{"temperature":0.7},"contents":[]}`))
	require.NoError(t, err)

	StripGenerationConfigForPublicAPI(req)
	assert.NotContains(t, req, "generationConfig")
	assert.Contains(t, req, "contents")
}
