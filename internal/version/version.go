// Package version holds the build version, set with
// -ldflags "-X github.com/aristath/rebalancer/internal/version.Version=..."
package version

// Version is the running build; "dev" for local builds
var Version = "dev"
