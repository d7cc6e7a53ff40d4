// Package version holds build-time version info injected via ldflags.
//
//	go build -ldflags "-X github.com/parley-chat/parley/pkg/version.tag=v0.3.0
//	  -X github.com/parley-chat/parley/pkg/version.commit=abc1234"
package version

// Populated by -ldflags "-X ...". Defaults are used for local dev builds.
var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns a human-readable version string.
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}
