//go:build unix

package run

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// terminateTree kills a process and all of its descendants: SIGTERM to
// the whole set, a grace period, then SIGKILL to whatever survived.
// Reports whether the root process received at least one signal.
func terminateTree(pid int, grace time.Duration) bool {
	pids := descendants(pid)
	pids = append(pids, pid)

	signalled := false
	for _, p := range pids {
		if syscall.Kill(p, syscall.SIGTERM) == nil && p == pid {
			signalled = true
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(pids) {
			return signalled
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, p := range pids {
		if syscall.Kill(p, syscall.SIGKILL) == nil && p == pid {
			signalled = true
		}
	}
	return signalled
}

func anyAlive(pids []int) bool {
	for _, p := range pids {
		if syscall.Kill(p, 0) == nil {
			return true
		}
	}
	return false
}

// descendants walks /proc for the transitive children of pid. On
// platforms without /proc the walk finds nothing and only the root
// process is signalled.
func descendants(root int) []int {
	children := make(map[int][]int)
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		ppid, ok := parentPID(pid)
		if !ok {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}

	var out []int
	queue := []int{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, c := range children[p] {
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// parentPID reads the ppid from /proc/<pid>/stat. Field 4, counted
// after the parenthesized comm which may itself contain spaces.
func parentPID(pid int) (int, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+2 >= len(s) {
		return 0, false
	}
	fields := strings.Fields(s[close+2:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}
