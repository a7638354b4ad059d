// Package version carries build metadata injected by the linker.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/aspect-build/notion-mcp/internal/version.Version=0.1.0
//	  -X github.com/aspect-build/notion-mcp/internal/version.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// ServerName is the MCP server identity reported by initialize.
const ServerName = "notion-mcp-remote"

// String returns a human-readable version string.
func String(binaryName string) string {
	return fmt.Sprintf("%s %s (commit=%s, go=%s, %s/%s)",
		binaryName, Version, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent on upstream API requests.
func UserAgent() string {
	return ServerName + "/" + Version
}
