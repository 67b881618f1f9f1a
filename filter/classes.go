// AllowUnrestrictedClass expansions: convenience bundles of syscall
// names a caller allows together instead of naming each one, grouped by
// purpose (plain reads, memory management, clean exit, ...).
package filter

import "strings"

// Class names one of the syscall-class convenience bundles.
type Class int

const (
	ClassRead Class = iota
	ClassWrite
	ClassOpen
	ClassStat
	ClassSystemMalloc
	ClassExit
	ClassTime
	ClassPipe
	ClassDup
	ClassSleep
	ClassGetrandom
	ClassHandleSignals
)

// classSyscalls enumerates the syscall names each class expands to. The
// list is architecture-independent at this layer; per-arch number
// resolution happens in syscalltable when the rule is compiled, so an
// unsupported name on a given arch surfaces as the usual ErrUnknownSyscall
// rather than silently being dropped here.
var classSyscalls = map[Class][]string{
	ClassRead:         {"read", "readv", "pread64", "preadv"},
	ClassWrite:        {"write", "writev", "pwrite64", "pwritev"},
	ClassOpen:         {"open", "openat", "creat", "close"},
	ClassStat:         {"stat", "fstat", "lstat", "newfstatat", "statx"},
	ClassSystemMalloc: {"brk", "mmap", "munmap", "mremap", "mprotect"},
	ClassExit:         {"exit", "exit_group"},
	ClassTime:         {"time", "gettimeofday", "clock_gettime", "clock_nanosleep"},
	ClassPipe:         {"pipe", "pipe2"},
	ClassDup:          {"dup", "dup2", "dup3"},
	ClassSleep:        {"nanosleep", "clock_nanosleep"},
	ClassGetrandom:    {"getrandom"},
	ClassHandleSignals: {
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
		"rt_sigpending", "rt_sigtimedwait", "rt_sigqueueinfo",
		"rt_sigsuspend", "sigaltstack",
	},
}

// ParseClass resolves a class by its String name, case-insensitively
// ("read", "SystemMalloc", ...).
func ParseClass(name string) (Class, bool) {
	for c := ClassRead; c <= ClassHandleSignals; c++ {
		if strings.EqualFold(c.String(), name) {
			return c, true
		}
	}
	return 0, false
}

// Syscalls returns the syscall names a Class expands to.
func (c Class) Syscalls() []string {
	return append([]string(nil), classSyscalls[c]...)
}

func (c Class) String() string {
	switch c {
	case ClassRead:
		return "Read"
	case ClassWrite:
		return "Write"
	case ClassOpen:
		return "Open"
	case ClassStat:
		return "Stat"
	case ClassSystemMalloc:
		return "SystemMalloc"
	case ClassExit:
		return "Exit"
	case ClassTime:
		return "Time"
	case ClassPipe:
		return "Pipe"
	case ClassDup:
		return "Dup"
	case ClassSleep:
		return "Sleep"
	case ClassGetrandom:
		return "Getrandom"
	case ClassHandleSignals:
		return "HandleSignals"
	default:
		return "Unknown"
	}
}
