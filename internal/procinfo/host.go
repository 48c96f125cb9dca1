package procinfo

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostInfo is what platform matchers see of the machine.
type HostInfo struct {
	OS             string
	Arch           string
	Platform       string
	PlatformFamily string
	Kernel         string
	Virtualization string
	Model          string
	CPUs           int
	MemoryBytes    uint64

	Wayland bool
	X11     bool
}

const deviceTreeModel = "/proc/device-tree/model"

// DetectHost gathers host facts. Missing details are left empty; only OS and
// Arch are guaranteed.
func DetectHost(ctx context.Context) (HostInfo, error) {
	h := HostInfo{
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Wayland: os.Getenv("WAYLAND_DISPLAY") != "",
		X11:     os.Getenv("DISPLAY") != "",
	}

	info, err := host.InfoWithContext(ctx)
	if err == nil {
		if info.OS != "" {
			h.OS = info.OS
		}
		h.Platform = info.Platform
		h.PlatformFamily = info.PlatformFamily
		h.Kernel = info.KernelVersion
		h.Virtualization = info.VirtualizationSystem
	}

	if n, cerr := cpu.CountsWithContext(ctx, true); cerr == nil {
		h.CPUs = n
	} else {
		h.CPUs = runtime.NumCPU()
	}

	if vm, merr := mem.VirtualMemoryWithContext(ctx); merr == nil {
		h.MemoryBytes = vm.Total
	}

	if h.OS == "linux" {
		if b, rerr := os.ReadFile(deviceTreeModel); rerr == nil {
			h.Model = strings.TrimRight(string(b), "\x00\n ")
		}
		if os.Getenv("ANDROID_ROOT") != "" {
			h.OS = "android"
		}
	}

	return h, err
}

// RaspberryPi reports whether the device tree names a Raspberry Pi board.
func (h HostInfo) RaspberryPi() bool {
	return strings.Contains(h.Model, "Raspberry Pi")
}
