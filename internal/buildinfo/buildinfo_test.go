package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info()[%q] is empty", k)
		}
	}
	if info["go_version"] != runtime.Version() {
		t.Errorf("go_version = %q", info["go_version"])
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "furina/") || !strings.Contains(ua, runtime.GOOS) {
		t.Errorf("UserAgent() = %q", ua)
	}
}

func TestString(t *testing.T) {
	if s := String(); !strings.HasPrefix(s, "furina "+Version) {
		t.Errorf("String() = %q", s)
	}
}
