package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestNormalizeFillsZeroFields(t *testing.T) {
	var th Thresholds
	th.Normalize()
	assert.Equal(t, DefaultThresholds(), th)
}

func TestNormalizeKeepsOverrides(t *testing.T) {
	th := Thresholds{GapVolume: 25, StuffingRate: 40}
	th.Normalize()

	assert.Equal(t, 25.0, th.GapVolume)
	assert.Equal(t, 40, th.StuffingRate)
	// Everything unnamed falls back to the default.
	assert.Equal(t, DefaultThresholds().SpoofBuildRatio, th.SpoofBuildRatio)
	assert.Equal(t, DefaultThresholds().IcebergMinFills, th.IcebergMinFills)
}

func TestThresholdsYAMLOverlay(t *testing.T) {
	src := []byte("gap_volume: 80\nmomentum_run_length: 5\n")
	var th Thresholds
	assert.NoError(t, yaml.Unmarshal(src, &th))
	th.Normalize()

	assert.Equal(t, 80.0, th.GapVolume)
	assert.Equal(t, 5, th.MomentumRunLength)
	assert.Equal(t, DefaultThresholds().WashUniformity, th.WashUniformity)
}
