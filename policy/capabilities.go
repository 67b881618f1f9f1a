package policy

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	serrors "sandbox2/errors"
)

const (
	prCapbsetRead = 23
	prCapbsetDrop = 24
)

var (
	lastCapOnce  sync.Once
	lastCapValue = 40
)

// getLastCap returns the highest capability number the running kernel
// supports, detected from /proc/sys/kernel/cap_last_cap with a prctl
// probe fallback for kernels that somehow lack the sysctl.
func getLastCap() int {
	lastCapOnce.Do(func() {
		if data, err := os.ReadFile("/proc/sys/kernel/cap_last_cap"); err == nil {
			if val, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && val >= 0 {
				lastCapValue = val
				return
			}
		}
		for cap := 40; cap <= 63; cap++ {
			ret, _, _ := syscall.Syscall(syscall.SYS_PRCTL, prCapbsetRead, uintptr(cap), 0)
			if ret == ^uintptr(0) {
				lastCapValue = cap - 1
				return
			}
		}
		lastCapValue = 63
	})
	return lastCapValue
}

// DropAllCapabilities drops every capability from the calling process's
// bounding set. A sandboxee is exactly as privileged as the unprivileged
// uid it runs under; there is no allowlist parameter. Runs in the
// forkserver child while it still holds CAP_SETPCAP, before credentials
// are dropped.
func DropAllCapabilities() error {
	lastCap := getLastCap()
	for cap := 0; cap <= lastCap; cap++ {
		ret, _, _ := syscall.Syscall(syscall.SYS_PRCTL, prCapbsetRead, uintptr(cap), 0)
		if ret != 1 {
			continue
		}
		_, _, errno := syscall.Syscall(syscall.SYS_PRCTL, prCapbsetDrop, uintptr(cap), 0)
		if errno != 0 && errno != syscall.EINVAL {
			return serrors.Wrap(errno, serrors.ErrInternal, "policy.DropAllCapabilities")
		}
	}
	return nil
}
