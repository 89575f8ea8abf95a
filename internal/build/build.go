// Package build contains build specific information.
package build

import (
	"runtime/debug"
	"strconv"
)

// Source is the canonical repository for this build.
const Source = "https://github.com/adrianosela/tecken"

// version is injected at build time via -ldflags.
var version string

var gitRevision string

func init() {
	var (
		revision string
		dirty    bool
	)

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, i := range info.Settings {
		switch {
		case i.Key == "vcs.revision":
			revision = i.Value
		case i.Key == "vcs.modified":
			dirty, _ = strconv.ParseBool(i.Value)
		}
	}

	gitRevision = revision
	if dirty {
		gitRevision += "-dirty"
	}

	if version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

// GetGitRevision retrieves the revision of the current build. If the build contains uncommitted
// changes the revision will be suffixed with "-dirty".
func GetGitRevision() string {
	return gitRevision
}

// GetVersion retrieves the release version of the current build, falling back
// to "dev" for untagged builds.
func GetVersion() string {
	if version == "" {
		return "dev"
	}
	return version
}
