// Disassembler for compiled filters: one line per instruction so a
// policy is auditable before it's installed. Built on
// golang.org/x/net/bpf's own instruction decoder rather than hand-rolling
// classic-BPF opcode parsing a second time.
package filter

import (
	"fmt"
	"strings"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"sandbox2/syscalltable"
)

// Disasm renders p as one line per instruction. Loads name the
// seccomp_data field they read, returns name their action, and every
// equality jump is annotated with the arch's syscall name for its
// immediate (nr=N when the table has none). That annotation does not
// track which field was loaded, so comparisons against the arch word or
// an argument word are annotated the same way.
func Disasm(p *Program) string {
	var tbl syscallNamer
	if t, err := syscalltable.Load(p.arch); err == nil {
		tbl = t
	}

	insns, ok := bpf.Disassemble(p.insns)
	var b strings.Builder
	for i, ins := range insns {
		fmt.Fprintf(&b, "%4d: %s\n", i, disasmLine(ins, tbl))
	}
	if !ok {
		b.WriteString("; warning: some instructions could not be fully disassembled\n")
	}
	return b.String()
}

func disasmLine(ins bpf.Instruction, tbl syscallNamer) string {
	switch v := ins.(type) {
	case bpf.LoadAbsolute:
		return fmt.Sprintf("ld  [%d]  ; %s", v.Off, describeOffset(v.Off))
	case bpf.JumpIf:
		if v.Cond == bpf.JumpEqual {
			return fmt.Sprintf("jeq #%d, +%d, +%d  ; %s", v.Val, v.SkipTrue, v.SkipFalse, nameForValue(v.Val, tbl))
		}
		return fmt.Sprintf("%s #%d, +%d, +%d", condName(v.Cond), v.Val, v.SkipTrue, v.SkipFalse)
	case bpf.ALUOpConstant:
		if v.Op == bpf.ALUOpAnd {
			return fmt.Sprintf("and #%#x", v.Val)
		}
		return fmt.Sprintf("alu(%d) #%#x", v.Op, v.Val)
	case bpf.RetConstant:
		return fmt.Sprintf("ret #%#x  ; %s", v.Val, describeRet(v.Val))
	default:
		return fmt.Sprintf("%v", ins)
	}
}

func condName(c bpf.JumpTest) string {
	switch c {
	case bpf.JumpNotEqual:
		return "jne"
	case bpf.JumpGreaterThan:
		return "jgt"
	case bpf.JumpGreaterOrEqual:
		return "jge"
	case bpf.JumpLessThan:
		return "jlt"
	case bpf.JumpLessOrEqual:
		return "jle"
	case bpf.JumpBitsSet:
		return "jset"
	default:
		return "jmp"
	}
}

func describeOffset(off uint32) string {
	switch {
	case off == offNR:
		return "seccomp_data.nr"
	case off == offArch:
		return "seccomp_data.arch"
	case off >= 16 && off < 16+6*8:
		arg := (off - 16) / 8
		half := "lo"
		if (off-16)%8 == 4 {
			half = "hi"
		}
		return fmt.Sprintf("seccomp_data.args[%d].%s", arg, half)
	default:
		return fmt.Sprintf("seccomp_data+%d", off)
	}
}

// syscallNamer is the minimal surface Disasm needs from a loaded table;
// named separately from syscalltable.Table so this file doesn't need to
// know about the concrete type's other methods.
type syscallNamer interface {
	Name(nr int) (string, bool)
}

func nameForValue(val uint32, tbl syscallNamer) string {
	if tbl == nil {
		return fmt.Sprintf("nr=%d", val)
	}
	if name, ok := tbl.Name(int(val)); ok {
		return name
	}
	return fmt.Sprintf("nr=%d", val)
}

func describeRet(val uint32) string {
	switch val & 0xffff0000 {
	case unix.SECCOMP_RET_ALLOW:
		return "ALLOW"
	case unix.SECCOMP_RET_TRACE:
		return "TRACE"
	case unix.SECCOMP_RET_USER_NOTIF:
		return "USER_NOTIF"
	case unix.SECCOMP_RET_ERRNO:
		return fmt.Sprintf("ERRNO(%d)", val&0xffff)
	case unix.SECCOMP_RET_KILL_PROCESS:
		return "KILL_PROCESS"
	case unix.SECCOMP_RET_LOG:
		return "LOG"
	default:
		return fmt.Sprintf("ret(%#x)", val)
	}
}
