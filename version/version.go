// Package version provides build-time version information for sqlpool.
//
// Version is set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/sqlpool/version.Version=1.0.0"
//
// For development builds, the default "dev" version is used and the commit
// is taken from the VCS stamp the Go toolchain embeds, when present.
package version

import (
	"runtime"
	"runtime/debug"
)

// Version is the software version, set at build time via ldflags.
var Version = "dev"

// GitCommit is the git commit hash, set at build time via ldflags.
// Example: go build -ldflags "-X github.com/go-i2p/sqlpool/version.GitCommit=$(git rev-parse --short HEAD)"
var GitCommit = ""

// BuildTime is when the binary was built, set at build time via ldflags.
var BuildTime = ""

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Full returns the version string including commit and build time if
// available, e.g. "1.0.0-abc1234 (2026-01-29T12:00:00Z)".
func Full() string {
	v := Version
	if c := commit(); c != "" {
		v += "-" + c
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// Runtime returns the Go version and platform the binary was built for.
func Runtime() string {
	return runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH
}

func commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	info, ok := readBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return ""
}
