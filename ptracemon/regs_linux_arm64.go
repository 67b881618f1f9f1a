//go:build arm64

package ptracemon

import "syscall"

// AArch64 syscall convention: number in x8, arguments in x0-x5. The
// return value lands back in x0.

func getSyscallNr(regs syscall.PtraceRegs) uint64 { return regs.Regs[8] }

func readArgs(regs syscall.PtraceRegs) [6]uint64 {
	return [6]uint64{regs.Regs[0], regs.Regs[1], regs.Regs[2], regs.Regs[3], regs.Regs[4], regs.Regs[5]}
}

func getInstructionPointer(regs syscall.PtraceRegs) uint64 { return regs.Pc }

func getStackPointer(regs syscall.PtraceRegs) uint64 { return regs.Sp }

func setReturnValue(regs *syscall.PtraceRegs, val uint64) { regs.Regs[0] = val }
