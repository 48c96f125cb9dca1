package procinfo

import "context"

const (
	PlatformLinuxGBM     = "linux-gbm"
	PlatformLinuxX11     = "linux-x11"
	PlatformLinuxWayland = "linux-wayland"
	PlatformRaspberryPi  = "rpi"
	PlatformAndroid      = "android"
	PlatformDarwin       = "darwin"
	PlatformIOS          = "ios"
	PlatformWindows      = "windows"
	PlatformGeneric      = "generic"
)

var shaderScalers = []ScalingMethod{
	ScalingLinear, ScalingNearest, ScalingBicubic, ScalingLanczos2,
	ScalingLanczos3, ScalingSpline36, ScalingSinc8,
}

var desktopFeatures = []RenderFeature{
	FeatureZoom, FeatureStretch, FeatureNonLinearStretch, FeaturePixelRatio,
	FeatureVerticalShift, FeatureRotation,
}

func static(s Spec) Factory {
	return func(context.Context, HostInfo) (*CapabilitySet, error) {
		return NewCapabilitySet(s), nil
	}
}

func linuxDesktop(h HostInfo) bool { return h.OS == "linux" && !h.RaspberryPi() }

// DefaultModules returns the built-in platform modules. Their matchers are
// mutually exclusive so Create finds exactly one for any host.
func DefaultModules() []Module {
	return []Module{
		{
			Name:  PlatformRaspberryPi,
			Match: func(h HostInfo) bool { return h.OS == "linux" && h.RaspberryPi() },
			Factory: static(Spec{
				Platform:         PlatformRaspberryPi,
				DefaultScaling:   ScalingHardware,
				ScalingMethods:   []ScalingMethod{ScalingHardware, ScalingLinear, ScalingNearest},
				Features:         []RenderFeature{FeatureZoom, FeatureStretch, FeaturePixelRatio},
				HardwareDecoders: []string{"v4l2m2m", "drm-prime"},
			}),
		},
		{
			Name:  PlatformLinuxWayland,
			Match: func(h HostInfo) bool { return linuxDesktop(h) && h.Wayland },
			Factory: static(Spec{
				Platform:         PlatformLinuxWayland,
				DefaultScaling:   ScalingLanczos3,
				ScalingMethods:   shaderScalers,
				Features:         append(desktopFeatures, FeatureHDR, FeatureToneMap),
				HardwareDecoders: []string{"vaapi", "drm-prime"},
			}),
		},
		{
			Name:  PlatformLinuxX11,
			Match: func(h HostInfo) bool { return linuxDesktop(h) && !h.Wayland && h.X11 },
			Factory: static(Spec{
				Platform:         PlatformLinuxX11,
				DefaultScaling:   ScalingLanczos3,
				ScalingMethods:   shaderScalers,
				Features:         append(desktopFeatures, FeatureToneMap),
				HardwareDecoders: []string{"vaapi", "vdpau"},
			}),
		},
		{
			Name:  PlatformLinuxGBM,
			Match: func(h HostInfo) bool { return linuxDesktop(h) && !h.Wayland && !h.X11 },
			Factory: static(Spec{
				Platform:         PlatformLinuxGBM,
				DefaultScaling:   ScalingLinear,
				ScalingMethods:   []ScalingMethod{ScalingLinear, ScalingNearest, ScalingBicubic, ScalingHardware},
				Features:         []RenderFeature{FeatureZoom, FeatureStretch, FeaturePixelRatio, FeatureHDR},
				HardwareDecoders: []string{"drm-prime", "vaapi"},
			}),
		},
		{
			Name:  PlatformAndroid,
			Match: func(h HostInfo) bool { return h.OS == "android" },
			Factory: static(Spec{
				Platform:         PlatformAndroid,
				DefaultScaling:   ScalingHardware,
				ScalingMethods:   []ScalingMethod{ScalingHardware, ScalingLinear},
				Features:         []RenderFeature{FeatureZoom, FeatureStretch, FeatureHDR},
				HardwareDecoders: []string{"mediacodec"},
			}),
		},
		{
			Name:  PlatformDarwin,
			Match: func(h HostInfo) bool { return h.OS == "darwin" },
			Factory: static(Spec{
				Platform:         PlatformDarwin,
				DefaultScaling:   ScalingLanczos3,
				ScalingMethods:   shaderScalers,
				Features:         append(desktopFeatures, FeatureHDR, FeatureToneMap),
				HardwareDecoders: []string{"videotoolbox"},
			}),
		},
		{
			Name:  PlatformIOS,
			Match: func(h HostInfo) bool { return h.OS == "ios" },
			Factory: static(Spec{
				Platform:         PlatformIOS,
				DefaultScaling:   ScalingLinear,
				ScalingMethods:   []ScalingMethod{ScalingLinear, ScalingNearest, ScalingBicubic},
				Features:         []RenderFeature{FeatureZoom, FeatureStretch, FeatureHDR},
				HardwareDecoders: []string{"videotoolbox"},
			}),
		},
		{
			Name:  PlatformWindows,
			Match: func(h HostInfo) bool { return h.OS == "windows" },
			Factory: static(Spec{
				Platform:         PlatformWindows,
				DefaultScaling:   ScalingLanczos3,
				ScalingMethods:   append(shaderScalers, ScalingHardware),
				Features:         append(desktopFeatures, FeatureHDR, FeatureToneMap),
				HardwareDecoders: []string{"dxva2", "d3d11va"},
			}),
		},
		{
			Name: PlatformGeneric,
			Match: func(h HostInfo) bool {
				switch h.OS {
				case "linux", "android", "darwin", "ios", "windows":
					return false
				}
				return true
			},
			Factory: static(Spec{
				Platform:       PlatformGeneric,
				DefaultScaling: ScalingLinear,
				ScalingMethods: []ScalingMethod{ScalingLinear, ScalingNearest},
				Features:       []RenderFeature{FeatureZoom, FeatureStretch},
			}),
		},
	}
}

// NewDefaultRegistry returns a registry holding DefaultModules.
func NewDefaultRegistry() (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterPlatforms(reg, DefaultModules()...); err != nil {
		return nil, err
	}
	return reg, nil
}
