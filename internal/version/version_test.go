package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	s := String("notion-mcp")
	if !strings.HasPrefix(s, "notion-mcp "+Version+" (commit="+GitCommit) {
		t.Fatalf("unexpected version string %q", s)
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent(); got != "notion-mcp-remote/"+Version {
		t.Fatalf("UserAgent = %q", got)
	}
}
