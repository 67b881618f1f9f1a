// Package syscalltable provides the per-architecture syscall name/number
// table and argument-type metadata used by the policy builder, the BPF
// filter compiler, and the ptrace-based argument decoder.
//
// The table is grounded on the original Sandboxed API project's
// syscall_defs.h: each entry carries an ArgType per argument slot so that
// a caller (policy DSL, ptrace arg reader, disassembler) can decide how to
// render or interpret a raw uint64 register value.
package syscalltable

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arch identifies a kernel syscall ABI.
type Arch int

const (
	ArchX8664 Arch = iota
	ArchAarch64
)

// AuditArch returns the AUDIT_ARCH_* value seccomp uses to identify the
// calling convention of the process under inspection.
func (a Arch) AuditArch() uint32 {
	switch a {
	case ArchAarch64:
		return unix.AUDIT_ARCH_AARCH64
	default:
		return unix.AUDIT_ARCH_X86_64
	}
}

func (a Arch) String() string {
	switch a {
	case ArchAarch64:
		return "aarch64"
	default:
		return "x86_64"
	}
}

// Native is the Arch of the process running this code. sandbox2 only
// builds on linux/amd64 and linux/arm64, so this is a compile-time choice
// expressed as a runtime default; callers running under a different GOARCH
// must set the policy's architecture list explicitly.
var Native = detectNative()

// ArgType classifies how an argument register should be interpreted when
// rendering a syscall for logs, policy rules, or the disassembler. It
// drives how Describe renders each argument.
type ArgType int

const (
	// Gen is a generic, unclassified 64-bit value.
	Gen ArgType = iota
	// Int is a signed integer.
	Int
	// Path is a pointer to a NUL-terminated filesystem path.
	Path
	// Hex renders as a hexadecimal value (pointers, flags bitmasks).
	Hex
	// Oct renders as an octal value (file mode bits).
	Oct
	// Signal is a signal number.
	Signal
	// Str is a pointer to a NUL-terminated string that is not a path.
	Str
	// StrArray is a pointer to a NULL-terminated array of C strings
	// (e.g. execve's argv/envp).
	StrArray
	// AddressFamily is a socket address family constant (AF_*).
	AddressFamily
	// Sockaddr is a pointer to a struct sockaddr.
	Sockaddr
	// CloneFlag is the flags argument to clone(2).
	CloneFlag
)

// Entry describes one syscall: its per-architecture number and the
// ArgType of each of its (up to six) arguments.
type Entry struct {
	Name string
	Args [6]ArgType
}

// Table is a loaded, architecture-specific syscall table: bidirectional
// name<->number lookup plus argument metadata.
type Table struct {
	arch     Arch
	byName   map[string]int
	byNumber map[int]string
	entries  map[string]Entry
}

// Load returns the syscall table for the given architecture.
func Load(arch Arch) (*Table, error) {
	numbers, ok := numberTables[arch]
	if !ok {
		return nil, fmt.Errorf("syscalltable: unsupported architecture %v", arch)
	}

	t := &Table{
		arch:     arch,
		byName:   make(map[string]int, len(numbers)),
		byNumber: make(map[int]string, len(numbers)),
		entries:  entryTable,
	}
	for name, nr := range numbers {
		t.byName[name] = nr
		t.byNumber[nr] = name
	}
	return t, nil
}

// Arch returns the architecture this table was loaded for.
func (t *Table) Arch() Arch { return t.arch }

// Number returns the syscall number for a name on this architecture.
func (t *Table) Number(name string) (int, bool) {
	nr, ok := t.byName[name]
	return nr, ok
}

// Name returns the syscall name for a number on this architecture.
func (t *Table) Name(nr int) (string, bool) {
	name, ok := t.byNumber[nr]
	return name, ok
}

// ArgTypes returns the argument-type metadata for a syscall, if known.
// Syscalls without a curated Entry report all-Gen argument types: the
// caller falls back to rendering them as raw hex words.
func (t *Table) ArgTypes(name string) [6]ArgType {
	if e, ok := t.entries[name]; ok {
		return e.Args
	}
	return [6]ArgType{Gen, Gen, Gen, Gen, Gen, Gen}
}

// MustNumber is like Number but panics on an unknown name. It exists for
// package-init-time table construction (policy presets), never for
// runtime user input.
func (t *Table) MustNumber(name string) int {
	nr, ok := t.byName[name]
	if !ok {
		panic(fmt.Sprintf("syscalltable: unknown syscall %q for %v", name, t.arch))
	}
	return nr
}
