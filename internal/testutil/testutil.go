package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/shaban/audiohost/config"
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t *testing.T, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// IsCI reports whether running under common CI environments.
func IsCI() bool {
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		return true
	}
	return false
}

// SmallOptions returns engine options tuned for faster tests.
func SmallOptions(mode config.ProcessMode) config.EngineOptions {
	o := config.Default()
	o.ProcessMode = mode
	o.Audio.BufferSize = 64
	o.ReorderInterval = 5 * time.Millisecond
	return o
}
