// Package version holds build-time version metadata, injected via
// -ldflags "-X github.com/styrene-lab/styrene-meshd/version.Version=..."
// at release build time. Defaults to "dev" for local builds.
package version

var Version = "dev"
