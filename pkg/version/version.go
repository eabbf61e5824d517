// Package version derives the server build identity from Go build
// metadata, for log lines, user agents and the health endpoint.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes version strings.
const AppName = "fuel-code"

// commitOverride is set via -ldflags for container builds where .git is
// unavailable. Empty means no override.
var commitOverride string

// Commit returns the short git revision of this build, with a "-dirty"
// suffix when the tree was modified, or "dev" when build metadata is
// unavailable (`go test`, non-git builds).
var Commit = sync.OnceValue(func() string {
	if commitOverride != "" {
		return shortRev(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var rev, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if rev == "" {
		return "dev"
	}
	rev = shortRev(rev)
	if modified == "true" {
		rev += "-dirty"
	}
	return rev
})

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "fuel-code/<commit>".
func Full() string {
	return AppName + "/" + Commit()
}
