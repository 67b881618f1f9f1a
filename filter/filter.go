// Package filter compiles a sandbox2 policy into a seccomp-BPF program and
// installs it on the calling thread.
//
// The compiler is built on golang.org/x/net/bpf's instruction assembler,
// which gives us bounds checking, jump-target validation and re-usable
// comparison instructions instead of hand-computed jump offsets.
package filter

import (
	"fmt"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	serrors "sandbox2/errors"
	"sandbox2/syscalltable"
)

// Action is the terminal disposition for a matched rule.
type Action int

const (
	// ActionAllow permits the syscall to execute normally.
	ActionAllow Action = iota
	// ActionTrap delivers the syscall to the ptrace monitor via
	// PTRACE_EVENT_SECCOMP (SECCOMP_RET_TRACE).
	ActionTrap
	// ActionUserNotif delivers the syscall to the unotify monitor
	// (SECCOMP_RET_USER_NOTIF).
	ActionUserNotif
	// ActionErrno fails the syscall with a fixed errno.
	ActionErrno
	// ActionKillProcess terminates the whole sandboxee process group.
	ActionKillProcess
	// ActionLog allows the syscall but asks the kernel to audit-log it.
	ActionLog
)

// Rule matches a single syscall name on a policy and names the action to
// take when it is reached. ErrnoValue is only consulted when Action is
// ActionErrno. A rule with Predicates applies its action only when every
// predicate holds for the syscall's arguments; otherwise evaluation
// falls through to the next rule.
type Rule struct {
	Syscall    string
	Action     Action
	ErrnoValue uint16
	Predicates []Predicate
}

// seccompData mirrors the kernel's struct seccomp_data layout: the fields
// the BPF program is allowed to load via BPF_LD+BPF_ABS.
//
//	struct seccomp_data {
//	    int   nr;
//	    __u32 arch;
//	    __u64 instruction_pointer;
//	    __u64 args[6];
//	};
const (
	offNR   = 0
	offArch = 4
)

// offArgLo and offArgHi return the byte offsets of the low/high 32-bit
// halves of seccomp_data.args[i]. Classic BPF loads are 32-bit, so a
// 64-bit argument is inspected as two loads, high word first (see
// compilePredicates). Offsets assume little-endian word order, which
// holds on both supported architectures.
func offArgLo(i int) uint32 { return uint32(16 + i*8) }
func offArgHi(i int) uint32 { return uint32(16 + i*8 + 4) }

// bootstrapSyscalls is the fixed set of syscalls the forkserver child
// needs between filter install and the supervisor's first request: the
// socket I/O of the comms channel, memory for the RPC stub's buffers,
// futexes for the runtime, and a clean exit path. Names missing from an
// architecture's table are skipped.
var bootstrapSyscalls = []string{
	"read", "write", "sendmsg", "recvmsg", "close",
	"mmap", "munmap", "brk", "futex",
	"rt_sigreturn", "sigaltstack",
	"exit", "exit_group",
}

// maxFilterInstructions is the kernel's BPF_MAXINSNS: a classic-BPF
// program (seccomp filters are always classic, not eBPF) may never exceed
// this many instructions.
const maxFilterInstructions = 4096

// Program is a compiled seccomp-BPF filter, ready to install.
type Program struct {
	insns []bpf.RawInstruction
	arch  syscalltable.Arch
}

// Compile builds a seccomp-BPF program for the given architecture that
// allows or traps/denies syscalls per rules, falling back to defaultAction
// for anything not named by a rule.
func Compile(arch syscalltable.Arch, rules []Rule, defaultAction Action) (*Program, error) {
	tbl, err := syscalltable.Load(arch)
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrInvalidArgument, "filter.Compile")
	}

	var insns []bpf.Instruction

	// 1. Validate calling architecture; kill the process outright on
	// mismatch, since a mismatched arch means the syscall-number decode
	// below would be meaningless (a classic seccomp bypass vector).
	insns = append(insns,
		bpf.LoadAbsolute{Off: offArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(arch.AuditArch()), SkipTrue: 1},
		bpf.RetConstant{Val: uint32(unix.SECCOMP_RET_KILL_PROCESS)},
	)

	// 2. Load syscall number once; every rule below re-tests against it.
	insns = append(insns, bpf.LoadAbsolute{Off: offNR, Size: 4})

	// 3. Bootstrap preamble: the syscalls the forkserver child needs to
	// finish the ready handshake and serve the RPC stub are allowed ahead
	// of the default action. Without these a deny-by-default policy would
	// kill the child on its first reply to the supervisor. A syscall the
	// policy names explicitly is left to its own rule: restricting (or
	// even denying) a bootstrap syscall is the policy author's call.
	ruleNamed := make(map[string]bool, len(rules))
	for _, r := range rules {
		ruleNamed[r.Syscall] = true
	}
	for _, name := range bootstrapSyscalls {
		if ruleNamed[name] {
			continue
		}
		nr, ok := tbl.Number(name)
		if !ok {
			continue
		}
		insns = append(insns,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(nr), SkipFalse: 1},
			bpf.RetConstant{Val: unix.SECCOMP_RET_ALLOW},
		)
	}

	// Each rule becomes: compare nr, skip-if-false past the block that
	// implements its action — a single return for plain rules, or a
	// predicate block that re-tests the argument words and restores A to
	// the syscall number on its miss path.
	for _, r := range rules {
		nr, ok := tbl.Number(r.Syscall)
		if !ok {
			return nil, serrors.New(serrors.ErrNotFound, "filter.Compile",
				fmt.Sprintf("unknown syscall %q for %s", r.Syscall, arch))
		}
		ret, err := actionToRet(r)
		if err != nil {
			return nil, err
		}
		if len(r.Predicates) == 0 {
			insns = append(insns,
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(nr), SkipFalse: 1},
				bpf.RetConstant{Val: ret},
			)
			continue
		}
		block, err := compilePredicates(r.Predicates, ret)
		if err != nil {
			return nil, serrors.WrapWithDetail(err, serrors.ErrInvalidArgument, "filter.Compile", "predicate lowering failed")
		}
		if len(block) > 255 {
			return nil, serrors.ErrFilterTooLong
		}
		insns = append(insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(nr), SkipFalse: uint8(len(block))})
		insns = append(insns, block...)
	}

	defRet, err := actionToRet(Rule{Action: defaultAction})
	if err != nil {
		return nil, err
	}
	insns = append(insns, bpf.RetConstant{Val: defRet})

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrInternal, "filter.Compile")
	}
	if len(raw) > maxFilterInstructions {
		return nil, serrors.ErrFilterTooLong
	}

	return &Program{insns: raw, arch: arch}, nil
}

func actionToRet(r Rule) (uint32, error) {
	switch r.Action {
	case ActionAllow:
		return unix.SECCOMP_RET_ALLOW, nil
	case ActionTrap:
		return unix.SECCOMP_RET_TRACE, nil
	case ActionUserNotif:
		return unix.SECCOMP_RET_USER_NOTIF, nil
	case ActionErrno:
		return unix.SECCOMP_RET_ERRNO | uint32(r.ErrnoValue), nil
	case ActionKillProcess:
		return unix.SECCOMP_RET_KILL_PROCESS, nil
	case ActionLog:
		return unix.SECCOMP_RET_LOG, nil
	default:
		return 0, serrors.New(serrors.ErrInvalidArgument, "filter.actionToRet", "unknown action")
	}
}

// Len returns the number of BPF instructions in the compiled program.
func (p *Program) Len() int { return len(p.insns) }

// Arch returns the architecture this program was compiled for.
func (p *Program) Arch() syscalltable.Arch { return p.arch }

// rawInstructionWire is the fixed 8-byte wire form of a single classic-BPF
// instruction (struct sock_filter: u16 code, u8 jt, u8 jf, u32 k),
// matching the kernel's own sock_filter layout byte-for-byte so the
// forkserver can hand the decoded bytes straight to Install without a
// second compilation pass.
const rawInstructionWire = 8

// Marshal encodes p into the flat byte form carried in a
// forkserver.SpawnRequest's Policy field: the supervisor compiles once,
// and every forkserver-spawned child installs the identical program.
func (p *Program) Marshal() []byte {
	buf := make([]byte, 4+len(p.insns)*rawInstructionWire)
	buf[0] = byte(p.arch)
	for i, ins := range p.insns {
		off := 4 + i*rawInstructionWire
		buf[off+0] = byte(ins.Op)
		buf[off+1] = byte(ins.Op >> 8)
		buf[off+2] = ins.Jt
		buf[off+3] = ins.Jf
		buf[off+4] = byte(ins.K)
		buf[off+5] = byte(ins.K >> 8)
		buf[off+6] = byte(ins.K >> 16)
		buf[off+7] = byte(ins.K >> 24)
	}
	return buf
}

// UnmarshalProgram reverses Marshal. It does not recompile or revalidate
// the rules that produced data; it is the forkserver child's job to
// install exactly the bytes the supervisor compiled.
func UnmarshalProgram(data []byte) (*Program, error) {
	if len(data) < 4 || (len(data)-4)%rawInstructionWire != 0 {
		return nil, serrors.New(serrors.ErrInvalidArgument, "filter.UnmarshalProgram", "malformed program bytes")
	}
	arch := syscalltable.Arch(data[0])
	n := (len(data) - 4) / rawInstructionWire
	insns := make([]bpf.RawInstruction, n)
	for i := 0; i < n; i++ {
		off := 4 + i*rawInstructionWire
		insns[i] = bpf.RawInstruction{
			Op: uint16(data[off+0]) | uint16(data[off+1])<<8,
			Jt: data[off+2],
			Jf: data[off+3],
			K:  uint32(data[off+4]) | uint32(data[off+5])<<8 | uint32(data[off+6])<<16 | uint32(data[off+7])<<24,
		}
	}
	return &Program{insns: insns, arch: arch}, nil
}

// Install loads the program onto the calling thread via
// prctl(PR_SET_SECCOMP). The caller must have already set
// PR_SET_NO_NEW_PRIVS, or hold CAP_SYS_ADMIN; sandbox2's forkserver child
// always runs with no_new_privs set before this is called.
func (p *Program) Install() error {
	prog := unix.SockFprog{
		Len:    uint16(len(p.insns)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&p.insns[0])),
	}
	_, _, errno := unix.Syscall(unix.SYS_PRCTL,
		unix.PR_SET_SECCOMP,
		unix.SECCOMP_MODE_FILTER,
		uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return serrors.Wrap(errno, serrors.ErrInternal, "filter.Install")
	}
	return nil
}

// InstallWithListener loads the program via seccomp(2) with
// SECCOMP_FILTER_FLAG_NEW_LISTENER and returns the notification fd the
// kernel hands back. Syscalls the program resolves to ActionUserNotif
// block until the holder of that fd responds (see unotifymon). The same
// no-new-privs prerequisite as Install applies.
func (p *Program) InstallWithListener() (int, error) {
	prog := unix.SockFprog{
		Len:    uint16(len(p.insns)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&p.insns[0])),
	}
	fd, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		unix.SECCOMP_SET_MODE_FILTER,
		unix.SECCOMP_FILTER_FLAG_NEW_LISTENER,
		uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return -1, serrors.Wrap(errno, serrors.ErrInternal, "filter.InstallWithListener")
	}
	return int(fd), nil
}

// SetNoNewPrivs sets PR_SET_NO_NEW_PRIVS on the calling thread, a
// prerequisite for an unprivileged process to install a seccomp filter.
func SetNoNewPrivs() error {
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0)
	if errno != 0 {
		return serrors.Wrap(errno, serrors.ErrInternal, "filter.SetNoNewPrivs")
	}
	return nil
}
