// Package procinfo describes what the running platform can render, and picks
// the platform at startup from a registry of platform modules.
package procinfo

import (
	"slices"
	"strings"
)

// ScalingMethod is a video scaler the renderer may be asked to use.
type ScalingMethod string

const (
	ScalingAuto     ScalingMethod = "auto"
	ScalingNearest  ScalingMethod = "nearest"
	ScalingLinear   ScalingMethod = "linear"
	ScalingBicubic  ScalingMethod = "bicubic"
	ScalingLanczos2 ScalingMethod = "lanczos2"
	ScalingLanczos3 ScalingMethod = "lanczos3"
	ScalingSpline36 ScalingMethod = "spline36"
	ScalingSinc8    ScalingMethod = "sinc8"
	ScalingHardware ScalingMethod = "hardware"
)

// RenderFeature is an optional renderer capability.
type RenderFeature string

const (
	FeatureZoom             RenderFeature = "zoom"
	FeatureStretch          RenderFeature = "stretch"
	FeatureNonLinearStretch RenderFeature = "nonlinear-stretch"
	FeaturePixelRatio       RenderFeature = "pixel-ratio"
	FeatureVerticalShift    RenderFeature = "vertical-shift"
	FeatureRotation         RenderFeature = "rotation"
	FeatureHDR              RenderFeature = "hdr"
	FeatureToneMap          RenderFeature = "tone-map"
)

// CapabilitySet is fixed once built and safe to read from any goroutine.
type CapabilitySet struct {
	platform       string
	defaultScaling ScalingMethod
	scaling        []ScalingMethod
	features       []RenderFeature
	hwDecoders     []string
}

// Spec is the input to NewCapabilitySet.
type Spec struct {
	Platform         string
	DefaultScaling   ScalingMethod
	ScalingMethods   []ScalingMethod
	Features         []RenderFeature
	HardwareDecoders []string
}

// NewCapabilitySet copies s. When DefaultScaling is empty or not listed the
// first scaling method becomes the default.
func NewCapabilitySet(s Spec) *CapabilitySet {
	cs := &CapabilitySet{
		platform:       s.Platform,
		defaultScaling: s.DefaultScaling,
		scaling:        slices.Clone(s.ScalingMethods),
		features:       slices.Clone(s.Features),
		hwDecoders:     slices.Clone(s.HardwareDecoders),
	}
	if len(cs.scaling) == 0 {
		cs.scaling = []ScalingMethod{ScalingLinear}
	}
	if !slices.Contains(cs.scaling, cs.defaultScaling) {
		cs.defaultScaling = cs.scaling[0]
	}
	return cs
}

func (c *CapabilitySet) Platform() string { return c.platform }

func (c *CapabilitySet) DefaultScaling() ScalingMethod { return c.defaultScaling }

func (c *CapabilitySet) ScalingMethods() []ScalingMethod { return slices.Clone(c.scaling) }

func (c *CapabilitySet) Features() []RenderFeature { return slices.Clone(c.features) }

func (c *CapabilitySet) HardwareDecoders() []string { return slices.Clone(c.hwDecoders) }

func (c *CapabilitySet) Supports(m ScalingMethod) bool {
	return slices.Contains(c.scaling, m)
}

func (c *CapabilitySet) HasFeature(f RenderFeature) bool {
	return slices.Contains(c.features, f)
}

// HasHardwareDecoder reports whether name (case-insensitive) is available.
func (c *CapabilitySet) HasHardwareDecoder(name string) bool {
	for _, d := range c.hwDecoders {
		if strings.EqualFold(d, name) {
			return true
		}
	}
	return false
}

// ResolveScaling maps a requested method to one the platform supports.
// Auto, empty and unsupported requests resolve to the platform default.
func (c *CapabilitySet) ResolveScaling(requested ScalingMethod) (ScalingMethod, bool) {
	if requested == "" || requested == ScalingAuto {
		return c.defaultScaling, true
	}
	if c.Supports(requested) {
		return requested, true
	}
	return c.defaultScaling, false
}
