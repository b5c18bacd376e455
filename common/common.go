// Package common provides shared constants and logging setup used across
// the vaultlink packages and command-line tools.
package common

// PackageName is the module identifier used in logs and metrics.
const PackageName = "github.com/primevault/vaultlink"

// Version is set at build time via -ldflags.
var Version = "dev"
