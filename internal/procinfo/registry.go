package procinfo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	apperrors "github.com/zsiec/reel/internal/errors"
)

// ErrDuplicateRegistration is returned when a platform name is registered
// twice, or when more than one platform claims the host.
var ErrDuplicateRegistration = errors.New("duplicate platform registration")

// Matcher reports whether a platform module applies to host.
type Matcher func(host HostInfo) bool

// Factory builds the capability set for a matched host.
type Factory func(ctx context.Context, host HostInfo) (*CapabilitySet, error)

type entry struct {
	name    string
	match   Matcher
	factory Factory
}

// Registry maps platform names to factories. It is populated during startup
// and only read afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(platform string, match Matcher, factory Factory) error {
	if platform == "" || match == nil || factory == nil {
		return apperrors.NewConfigError("platform registration needs a name, matcher and factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.name == platform {
			return errors.Wrapf(ErrDuplicateRegistration, "platform %q", platform)
		}
	}
	r.entries = append(r.entries, entry{name: platform, match: match, factory: factory})
	return nil
}

// Platforms lists registered names in registration order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Create invokes the single factory whose matcher accepts host.
func (r *Registry) Create(ctx context.Context, host HostInfo) (*CapabilitySet, error) {
	r.mu.RLock()
	var matched []entry
	for _, e := range r.entries {
		if e.match(host) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	switch len(matched) {
	case 0:
		return nil, apperrors.NewConfigError(fmt.Sprintf("no platform matches host %s/%s", host.OS, host.Arch))
	case 1:
		return r.build(ctx, matched[0], host)
	default:
		names := make([]string, len(matched))
		for i, e := range matched {
			names[i] = e.name
		}
		return nil, errors.Wrapf(ErrDuplicateRegistration, "platforms %s all match host", strings.Join(names, ", "))
	}
}

// CreateNamed bypasses matching and builds the named platform.
func (r *Registry) CreateNamed(ctx context.Context, platform string, host HostInfo) (*CapabilitySet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.name == platform {
			return r.build(ctx, e, host)
		}
	}
	return nil, apperrors.NewConfigError(fmt.Sprintf("unknown platform %q", platform))
}

func (r *Registry) build(ctx context.Context, e entry, host HostInfo) (*CapabilitySet, error) {
	cs, err := e.factory(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "platform %s", e.name)
	}
	if cs == nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("platform %s produced no capabilities", e.name))
	}
	return cs, nil
}

// Module is one platform's registration.
type Module struct {
	Name    string
	Match   Matcher
	Factory Factory
}

// RegisterPlatforms registers modules in order and stops at the first error.
func RegisterPlatforms(reg *Registry, modules ...Module) error {
	for _, m := range modules {
		if err := reg.Register(m.Name, m.Match, m.Factory); err != nil {
			return err
		}
	}
	return nil
}

// Select builds the capability set for host, honouring an explicit platform
// name unless it is empty or "auto".
func Select(ctx context.Context, reg *Registry, platform string, host HostInfo) (*CapabilitySet, error) {
	if platform != "" && platform != "auto" {
		return reg.CreateNamed(ctx, platform, host)
	}
	return reg.Create(ctx, host)
}
