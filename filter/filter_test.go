package filter

import (
	"strings"
	"testing"

	"sandbox2/syscalltable"
)

func TestCompileAllowsNamedSyscalls(t *testing.T) {
	rules := []Rule{
		{Syscall: "read", Action: ActionAllow},
		{Syscall: "write", Action: ActionAllow},
		{Syscall: "exit_group", Action: ActionAllow},
	}
	prog, err := Compile(syscalltable.ArchX8664, rules, ActionKillProcess)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if prog.Len() == 0 {
		t.Fatal("expected non-empty compiled program")
	}
}

func TestCompileUnknownSyscall(t *testing.T) {
	rules := []Rule{{Syscall: "not_a_real_syscall", Action: ActionAllow}}
	if _, err := Compile(syscalltable.ArchX8664, rules, ActionKillProcess); err == nil {
		t.Fatal("expected error for unknown syscall name")
	}
}

func TestCompileErrnoAction(t *testing.T) {
	rules := []Rule{{Syscall: "ptrace", Action: ActionErrno, ErrnoValue: 1}}
	prog, err := Compile(syscalltable.ArchX8664, rules, ActionAllow)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if prog.Len() == 0 {
		t.Fatal("expected non-empty compiled program")
	}
}

func TestCompileTooManyInstructions(t *testing.T) {
	rules := make([]Rule, maxFilterInstructions)
	names := []string{"read", "write", "open", "close"}
	for i := range rules {
		rules[i] = Rule{Syscall: names[i%len(names)], Action: ActionAllow}
	}
	if _, err := Compile(syscalltable.ArchX8664, rules, ActionKillProcess); err == nil {
		t.Fatal("expected ErrFilterTooLong for an oversized rule set")
	}
}

func TestActionToRetUnknown(t *testing.T) {
	if _, err := actionToRet(Rule{Action: Action(999)}); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestDisasmProducesOneLinePerInstruction(t *testing.T) {
	rules := []Rule{{Syscall: "read", Action: ActionAllow}}
	prog, err := Compile(syscalltable.ArchX8664, rules, ActionKillProcess)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	out := Disasm(prog)
	if out == "" {
		t.Fatal("expected non-empty disassembly")
	}
	lines := strings.Count(out, "\n")
	if lines < prog.Len() {
		t.Errorf("disasm produced %d lines, want at least %d", lines, prog.Len())
	}
}

func TestAllowUnrestrictedClassExpandsToKnownSyscalls(t *testing.T) {
	syscalls := ClassRead.Syscalls()
	if len(syscalls) == 0 {
		t.Fatal("expected ClassRead to expand to at least one syscall")
	}
	rules := make([]Rule, len(syscalls))
	for i, name := range syscalls {
		rules[i] = Rule{Syscall: name, Action: ActionAllow}
	}
	if _, err := Compile(syscalltable.ArchX8664, rules, ActionKillProcess); err != nil {
		t.Fatalf("Compile with ClassRead expansion: %v", err)
	}
}
