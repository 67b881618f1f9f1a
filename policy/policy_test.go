package policy

import (
	"testing"

	"sandbox2/filter"
	"sandbox2/syscalltable"
)

func TestBuilderProducesPolicy(t *testing.T) {
	b := NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("read", "write", "exit_group").
		TrapSyscall("openat").
		DenySyscall(1, "ptrace")

	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Program().Len() == 0 {
		t.Fatal("expected non-empty compiled program")
	}
}

func TestBuilderRejectsContradictoryRule(t *testing.T) {
	b := NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("ptrace").
		DenySyscall(1, "ptrace")

	if _, err := b.Build(); err == nil {
		t.Fatal("expected error for contradictory rule")
	}
}

func TestBuilderRejectsEmptyRuleSet(t *testing.T) {
	b := NewBuilder(syscalltable.ArchX8664)
	if _, err := b.Build(); err == nil {
		t.Fatal("expected ErrInvalidPolicy for an empty rule set")
	}
}

func TestBuilderDefaultAction(t *testing.T) {
	b := NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("read").
		DefaultAction(filter.ActionKillProcess)
	if _, err := b.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
}

func TestValidateCgroupKeyRejectsTraversal(t *testing.T) {
	cases := []string{"", "..", ".", "../escape", "a/b", "memory.max"}
	want := []bool{false, false, false, false, false, true}
	for i, c := range cases {
		err := validateCgroupKey(c)
		got := err == nil
		if got != want[i] {
			t.Errorf("validateCgroupKey(%q) ok=%v, want %v", c, got, want[i])
		}
	}
}

func TestDefaultLimitsRlimitPairs(t *testing.T) {
	l := DefaultLimits()
	pairs := l.rlimitPairs()
	if len(pairs) == 0 {
		t.Fatal("expected at least the core-dump rlimit pair")
	}
}

func TestNamespacesCloneFlags(t *testing.T) {
	n := DefaultNamespaces()
	if n.CloneFlags() == 0 {
		t.Fatal("expected non-zero clone flags for default namespace set")
	}
	if !n.Has(NamespaceMount) {
		t.Fatal("expected default namespaces to include mount")
	}
	if n.Has(NamespacePID) {
		t.Fatal("expected default namespaces to exclude PID")
	}
}

func TestBuilderAllowUnrestrictedClass(t *testing.T) {
	b := NewBuilder(syscalltable.ArchX8664).
		AllowUnrestrictedClass(filter.ClassRead).
		AllowUnrestrictedClass(filter.ClassExit)

	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if action, ok := p.ActionFor("read"); !ok || action != filter.ActionAllow {
		t.Errorf("ActionFor(read) = %v, %v; want ActionAllow, true", action, ok)
	}
}

func TestBuilderDangerDefaultAllowAll(t *testing.T) {
	b := NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("read").
		DangerDefaultAllowAll()

	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Program().Len() == 0 {
		t.Fatal("expected non-empty compiled program")
	}
}

func TestPolicyActionForAndErrnoFor(t *testing.T) {
	b := NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("read").
		DenySyscall(13, "ptrace")

	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := p.ActionFor("write"); ok {
		t.Error("ActionFor(write) should report no rule")
	}
	if errno, ok := p.ErrnoFor("ptrace"); !ok || errno != 13 {
		t.Errorf("ErrnoFor(ptrace) = %v, %v; want 13, true", errno, ok)
	}
}

func TestMountViewAddBindAndMask(t *testing.T) {
	m := NewMountView().AddBind("/lib", "/lib", false).Mask("/proc/kcore")
	if len(m.Binds) != 1 || m.Binds[0].Destination != "/lib" {
		t.Fatalf("unexpected binds: %+v", m.Binds)
	}
	if len(m.MaskPaths) != 1 {
		t.Fatalf("unexpected mask paths: %+v", m.MaskPaths)
	}
}

func TestAddPolicyOnSyscallComposes(t *testing.T) {
	preds := []filter.Predicate{{Arg: 2, Op: filter.MaskAnd, Value: 0x2}}
	p, err := NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("read", "exit_group").
		AddPolicyOnSyscallErrno("openat", preds, 13).
		AddPolicyOnSyscall("openat", []filter.Predicate{{Arg: 2, Op: filter.CmpEq, Value: 0}}, filter.ActionAllow).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if action, ok := p.ActionFor("openat"); !ok || action != filter.ActionErrno {
		t.Errorf("ActionFor(openat) = %v, %v; want the first predicated rule's action", action, ok)
	}
}

func TestContradictoryPredicatedRulesRejected(t *testing.T) {
	preds := []filter.Predicate{{Arg: 0, Op: filter.CmpEq, Value: 1}}
	_, err := NewBuilder(syscalltable.ArchX8664).
		AddPolicyOnSyscall("dup2", preds, filter.ActionAllow).
		AddPolicyOnSyscall("dup2", preds, filter.ActionKillProcess).
		Build()
	if err == nil {
		t.Fatal("identical predicates with different actions must not build")
	}
}

func TestBlockSyscallWithErrno(t *testing.T) {
	p, err := NewBuilder(syscalltable.ArchX8664).
		AllowSyscalls([]string{"read", "write"}).
		BlockSyscallWithErrno("ptrace", 1).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if errno, ok := p.ErrnoFor("ptrace"); !ok || errno != 1 {
		t.Errorf("ErrnoFor(ptrace) = %d, %v; want 1, true", errno, ok)
	}
}

func TestBuildValidatesMountSources(t *testing.T) {
	_, err := NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("read").
		AddFile("/definitely/not/a/real/path", true).
		Build()
	if err == nil {
		t.Fatal("expected missing mount source to fail Build")
	}

	p, err := NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("read").
		AddFile("/proc/self/exe", true).
		AddDirectoryAt("/dev/null", "/dev/null", true).
		Build()
	if err != nil {
		t.Fatalf("pseudofile sources rejected: %v", err)
	}
	if len(p.Mounts.Binds) != 2 {
		t.Errorf("binds = %d, want 2", len(p.Mounts.Binds))
	}
}

func TestWithHostnameCarriesThrough(t *testing.T) {
	p, err := NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("read").
		WithHostname("sandboxee").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Hostname != "sandboxee" {
		t.Errorf("Hostname = %q, want sandboxee", p.Hostname)
	}
}
