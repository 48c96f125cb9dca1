package procinfo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zsiec/reel/internal/errors"
)

func always(HostInfo) bool { return true }
func never(HostInfo) bool  { return false }

func fixed(name string) Factory {
	return static(Spec{Platform: name, ScalingMethods: []ScalingMethod{ScalingLinear}})
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", always, fixed("a")))

	err := reg.Register("a", never, fixed("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateRegistration))
	assert.Equal(t, []string{"a"}, reg.Platforms())
}

func TestRegisterRejectsIncomplete(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("", always, fixed("x")))
	assert.Error(t, reg.Register("x", nil, fixed("x")))
	assert.Error(t, reg.Register("x", always, nil))
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("zero matches is a config error", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register("a", never, fixed("a")))

		_, err := reg.Create(ctx, HostInfo{OS: "plan9"})
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))
	})

	t.Run("two matches is a duplicate", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register("a", always, fixed("a")))
		require.NoError(t, reg.Register("b", always, fixed("b")))

		_, err := reg.Create(ctx, HostInfo{})
		assert.True(t, errors.Is(err, ErrDuplicateRegistration))
	})

	t.Run("single match", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register("a", never, fixed("a")))
		require.NoError(t, reg.Register("b", always, fixed("b")))

		cs, err := reg.Create(ctx, HostInfo{})
		require.NoError(t, err)
		assert.Equal(t, "b", cs.Platform())
	})

	t.Run("factory error", func(t *testing.T) {
		reg := NewRegistry()
		boom := errors.New("boom")
		require.NoError(t, reg.Register("a", always, func(context.Context, HostInfo) (*CapabilitySet, error) {
			return nil, boom
		}))

		_, err := reg.Create(ctx, HostInfo{})
		assert.ErrorIs(t, err, boom)
	})
}

func TestSelect(t *testing.T) {
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	ctx := context.Background()

	cs, err := Select(ctx, reg, PlatformWindows, HostInfo{OS: "linux"})
	require.NoError(t, err)
	assert.Equal(t, PlatformWindows, cs.Platform())

	cs, err = Select(ctx, reg, "auto", HostInfo{OS: "darwin"})
	require.NoError(t, err)
	assert.Equal(t, PlatformDarwin, cs.Platform())

	_, err = Select(ctx, reg, "amiga", HostInfo{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))
}

func TestDefaultModulesAreExclusive(t *testing.T) {
	hosts := map[string]HostInfo{
		PlatformRaspberryPi:  {OS: "linux", Model: "Raspberry Pi 4 Model B Rev 1.4", X11: true},
		PlatformLinuxWayland: {OS: "linux", Wayland: true, X11: true},
		PlatformLinuxX11:     {OS: "linux", X11: true},
		PlatformLinuxGBM:     {OS: "linux"},
		PlatformAndroid:      {OS: "android"},
		PlatformDarwin:       {OS: "darwin"},
		PlatformIOS:          {OS: "ios"},
		PlatformWindows:      {OS: "windows"},
		PlatformGeneric:      {OS: "freebsd"},
	}

	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	assert.Len(t, reg.Platforms(), len(hosts))

	for want, host := range hosts {
		t.Run(want, func(t *testing.T) {
			cs, err := reg.Create(context.Background(), host)
			require.NoError(t, err)
			assert.Equal(t, want, cs.Platform())
		})
	}
}

func TestDetectHost(t *testing.T) {
	h, _ := DetectHost(context.Background())
	assert.NotEmpty(t, h.OS)
	assert.NotEmpty(t, h.Arch)
	assert.Positive(t, h.CPUs)

	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	_, err = reg.Create(context.Background(), h)
	assert.NoError(t, err)
}
