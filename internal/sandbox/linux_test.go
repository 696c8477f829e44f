//go:build linux

package sandbox

import "testing"

// TestNewPlatformSkipsCgroupWithNoLimits verifies newPlatform doesn't attempt
// cgroup creation (and so never touches /sys/fs/cgroup) when neither MemLimit
// nor MaxProcs is set — the common case for an interactive session with no
// resource caps configured.
func TestNewPlatformSkipsCgroupWithNoLimits(t *testing.T) {
	if !hasNamespaceCapability() {
		t.Skip("no namespace capability in this environment")
	}
	sb, err := newPlatform(Config{SessionID: "no-limits"})
	if err != nil {
		t.Fatalf("newPlatform: %v", err)
	}
	ls := sb.(*linuxSandbox)
	defer ls.Destroy()
	if ls.cg != nil {
		t.Errorf("expected nil cgroupManager when MemLimit and MaxProcs are both zero")
	}
}

// TestNewPlatformPostStartAndDestroyTolerateNilCgroup exercises the
// PostStart/Destroy paths that now call through to cg (cgroupManager), which
// may be nil when cgroup setup was skipped or unavailable — both methods
// must be safe to call on a nil *cgroupManager (see cgroupManager's own
// nil-receiver tests in cgroup_linux_test.go).
func TestNewPlatformPostStartAndDestroyTolerateNilCgroup(t *testing.T) {
	if !hasNamespaceCapability() {
		t.Skip("no namespace capability in this environment")
	}
	sb, err := newPlatform(Config{SessionID: "tolerate-nil"})
	if err != nil {
		t.Fatalf("newPlatform: %v", err)
	}
	ls := sb.(*linuxSandbox)
	if err := ls.PostStart(1); err != nil {
		t.Errorf("PostStart with nil cgroup: %v", err)
	}
	if err := ls.Destroy(); err != nil {
		t.Errorf("Destroy with nil cgroup: %v", err)
	}
}
