//go:build linux

package unotifymon

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// seccomp(2) operation and action constants for the availability probe,
// per <linux/seccomp.h>. SECCOMP_GET_ACTION_AVAIL was added alongside
// SECCOMP_RET_USER_NOTIF support and is the kernel's sanctioned way to
// ask "would a filter returning this action ever fire?" without
// installing one.
const (
	seccompGetActionAvail = 2
	seccompRetUserNotif   = 0x7fc00000
)

var (
	probeOnce   sync.Once
	probeResult bool
)

// Supported reports whether the running kernel can deliver seccomp
// user-notifications. The first call performs the probe; the result is
// cached for the life of the process (kernel support does not come and
// go).
//
// The probe asks the kernel directly whether SECCOMP_RET_USER_NOTIF is a
// known filter action. The full end-to-end check — that a notified
// syscall actually continues after SECCOMP_USER_NOTIF_FLAG_CONTINUE — is
// completed on the first spawned sandboxee: if its notify fd never
// materializes the executor falls back to the ptrace monitor for the
// session, so a kernel that lies about availability degrades service,
// never correctness.
func Supported() bool {
	probeOnce.Do(func() {
		probeResult = probeActionAvail()
	})
	return probeResult
}

func probeActionAvail() bool {
	action := uint32(seccompRetUserNotif)
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		seccompGetActionAvail, 0, uintptr(unsafe.Pointer(&action)))
	return errno == 0
}
