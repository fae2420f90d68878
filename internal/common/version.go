// Package common provides shared utilities for the sahm ingestion pipeline.
package common

// Build-time variables, set via -ldflags.
var (
	version   = "dev"
	build     = "unknown"
	gitCommit = "unknown"
)

// GetVersion returns the semantic version.
func GetVersion() string { return version }

// GetBuild returns the build identifier.
func GetBuild() string { return build }

// GetGitCommit returns the git commit hash.
func GetGitCommit() string { return gitCommit }
