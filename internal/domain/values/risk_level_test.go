package values

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRiskLevel(t *testing.T) {
	level, err := ParseRiskLevel(" high ")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, level)

	_, err = ParseRiskLevel("severe")
	assert.Error(t, err)
}

func TestRiskLevel_AtLeast(t *testing.T) {
	assert.True(t, RiskCritical.AtLeast(RiskHigh))
	assert.True(t, RiskHigh.AtLeast(RiskHigh))
	assert.False(t, RiskMedium.AtLeast(RiskHigh))
	assert.False(t, RiskLow.AtLeast(RiskMedium))
}

func TestRiskLevel_JSON(t *testing.T) {
	var level RiskLevel
	require.NoError(t, json.Unmarshal([]byte(`"critical"`), &level))
	assert.Equal(t, RiskCritical, level)

	data, err := json.Marshal(RiskMedium)
	require.NoError(t, err)
	assert.Equal(t, `"MEDIUM"`, string(data))
}

func TestRiskLevel_JSONZeroValue(t *testing.T) {
	type row struct {
		Level RiskLevel `json:"risk_level"`
	}
	data, err := json.Marshal(row{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"risk_level":""}`, string(data))

	decoded := row{Level: RiskHigh}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, RiskLevel(""), decoded.Level)

	assert.Error(t, json.Unmarshal([]byte(`{"risk_level":"severe"}`), &decoded))
}
