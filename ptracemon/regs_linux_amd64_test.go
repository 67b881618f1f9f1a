//go:build amd64

package ptracemon

import (
	"syscall"
	"testing"
)

func TestRegisterAccessors(t *testing.T) {
	regs := syscall.PtraceRegs{
		Orig_rax: 59, // execve
		Rdi:      1, Rsi: 2, Rdx: 3, R10: 4, R8: 5, R9: 6,
		Rip: 0x401000,
		Rsp: 0x7ffdeadbeef0,
	}

	if nr := getSyscallNr(regs); nr != 59 {
		t.Errorf("getSyscallNr = %d, want 59", nr)
	}
	want := [6]uint64{1, 2, 3, 4, 5, 6}
	if got := readArgs(regs); got != want {
		t.Errorf("readArgs = %v, want %v", got, want)
	}
	if ip := getInstructionPointer(regs); ip != 0x401000 {
		t.Errorf("getInstructionPointer = %#x, want 0x401000", ip)
	}
	if sp := getStackPointer(regs); sp != 0x7ffdeadbeef0 {
		t.Errorf("getStackPointer = %#x, want 0x7ffdeadbeef0", sp)
	}

	setReturnValue(&regs, ^uint64(0)) // -EPERM style sentinel
	if regs.Rax != ^uint64(0) {
		t.Errorf("setReturnValue did not write rax")
	}
}
