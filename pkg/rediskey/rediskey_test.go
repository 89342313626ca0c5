package rediskey

import "testing"

func TestBuildSweepLockKey(t *testing.T) {
	if got := BuildSweepLockKey(""); got != "colony:sweep:lock" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := BuildSweepLockKey("eu"); got != "colony:sweep:lock:eu" {
		t.Fatalf("unexpected key %q", got)
	}
}
