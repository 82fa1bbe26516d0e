package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLiveGatewayPid(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "gateway.pid")

	// No pid file: nobody owns the store.
	if _, live := liveGatewayPid(dir); live {
		t.Error("missing pid file reported as live")
	}

	// Our own pid is definitely alive.
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, live := liveGatewayPid(dir)
	if !live || pid != os.Getpid() {
		t.Errorf("got pid=%d live=%v, want own pid live", pid, live)
	}

	// A pid beyond the kernel's range is never alive.
	if err := os.WriteFile(pidPath, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, live := liveGatewayPid(dir); live {
		t.Error("stale pid reported as live")
	}

	// Garbage content is treated as no owner.
	if err := os.WriteFile(pidPath, []byte("not a pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, live := liveGatewayPid(dir); live {
		t.Error("unparsable pid file reported as live")
	}
}
