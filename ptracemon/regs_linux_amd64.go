//go:build amd64

package ptracemon

import "syscall"

// x86-64 syscall convention: number in orig_rax (rax is clobbered by the
// kernel with the in-progress return value by the time a seccomp trap
// stops us), arguments in rdi, rsi, rdx, r10, r8, r9.

func getSyscallNr(regs syscall.PtraceRegs) uint64 { return regs.Orig_rax }

func readArgs(regs syscall.PtraceRegs) [6]uint64 {
	return [6]uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9}
}

func getInstructionPointer(regs syscall.PtraceRegs) uint64 { return regs.Rip }

func getStackPointer(regs syscall.PtraceRegs) uint64 { return regs.Rsp }

// setReturnValue rewrites the register the kernel reads the syscall's
// result from, used when the monitor synthesizes an errno for a trapped
// syscall instead of letting it run.
func setReturnValue(regs *syscall.PtraceRegs, val uint64) { regs.Rax = val }
