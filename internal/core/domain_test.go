package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRiskLevelBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  RiskLevel
	}{
		{0.0, RiskMinimal},
		{0.19, RiskMinimal},
		{0.2, RiskLow},
		{0.39, RiskLow},
		{0.4, RiskMedium},
		{0.59, RiskMedium},
		{0.6, RiskHigh},
		{0.79, RiskHigh},
		{0.8, RiskCritical},
		{1.0, RiskCritical},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, RiskLevelFor(tc.score), "score %v", tc.score)
	}
}

func TestSeverityFactor(t *testing.T) {
	assert.Equal(t, 0.0, SeverityInfo.Factor())
	assert.Equal(t, 0.25, SeverityLow.Factor())
	assert.Equal(t, 0.5, SeverityMedium.Factor())
	assert.Equal(t, 0.75, SeverityHigh.Factor())
	assert.Equal(t, 1.0, SeverityCritical.Factor())

	// Unknown severities score as medium rather than failing.
	assert.Equal(t, 0.5, Severity("catastrophic").Factor())
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, ReasonThreatDetected.Valid())
	assert.True(t, ReasonManualOverride.Valid())
	assert.False(t, KillReason("vibes").Valid())

	assert.True(t, SeverityInfo.Valid())
	assert.False(t, Severity("").Valid())
}

func TestNoopSIEMResultIsNeutral(t *testing.T) {
	r := NoopSIEMResult()
	assert.Equal(t, 0.5, r.RiskScore)
	assert.Equal(t, 0, r.FalsePositiveHistory)
}
