package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/zsiec/reel/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build information of the running binary.
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("reel %s (commit %s, built %s, %s, %s)",
		i.Version, i.GitCommit, i.BuildTime, i.GoVersion, i.Platform)
}

// Short returns "reel <version>".
func (i Info) Short() string {
	return "reel " + i.Version
}

// UserAgent is sent by network inputs.
func (i Info) UserAgent() string {
	return fmt.Sprintf("reel/%s (%s)", i.Version, i.Platform)
}
