package procinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitySet(t *testing.T) {
	features := []RenderFeature{FeatureZoom}
	cs := NewCapabilitySet(Spec{
		Platform:         "test",
		DefaultScaling:   ScalingBicubic,
		ScalingMethods:   []ScalingMethod{ScalingLinear, ScalingBicubic},
		Features:         features,
		HardwareDecoders: []string{"vaapi"},
	})

	features[0] = FeatureHDR
	assert.True(t, cs.HasFeature(FeatureZoom), "set is a copy")
	assert.False(t, cs.HasFeature(FeatureHDR))

	assert.True(t, cs.Supports(ScalingLinear))
	assert.False(t, cs.Supports(ScalingSinc8))
	assert.True(t, cs.HasHardwareDecoder("VAAPI"))

	got := cs.ScalingMethods()
	got[0] = ScalingSinc8
	assert.False(t, cs.Supports(ScalingSinc8))
}

func TestResolveScaling(t *testing.T) {
	cs := NewCapabilitySet(Spec{
		DefaultScaling: ScalingLanczos3,
		ScalingMethods: []ScalingMethod{ScalingLinear, ScalingLanczos3},
	})

	tests := []struct {
		in     ScalingMethod
		want   ScalingMethod
		wantOK bool
	}{
		{"", ScalingLanczos3, true},
		{ScalingAuto, ScalingLanczos3, true},
		{ScalingLinear, ScalingLinear, true},
		{ScalingSinc8, ScalingLanczos3, false},
	}
	for _, tt := range tests {
		got, ok := cs.ResolveScaling(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
	}
}

func TestDefaultScalingFallback(t *testing.T) {
	cs := NewCapabilitySet(Spec{DefaultScaling: ScalingSinc8, ScalingMethods: []ScalingMethod{ScalingNearest}})
	assert.Equal(t, ScalingNearest, cs.DefaultScaling())

	empty := NewCapabilitySet(Spec{})
	assert.Equal(t, ScalingLinear, empty.DefaultScaling())
}
