//go:build !unix

package run

import (
	"os"
	"time"
)

// terminateTree on platforms without signals kills only the root
// process; callers record child pids in run metadata if they need the
// whole tree gone.
func terminateTree(pid int, grace time.Duration) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Kill() == nil
}
