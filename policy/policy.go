package policy

import (
	"fmt"
	"os"
	"strings"

	serrors "sandbox2/errors"
	"sandbox2/filter"
	"sandbox2/syscalltable"
)

// Policy is the fully-resolved description of how a sandboxee is
// started, jailed, and constrained: the compiled seccomp filter, the
// namespaces it runs in, its mount view, and its resource limits.
type Policy struct {
	Arch       syscalltable.Arch
	Namespaces *Namespaces
	Mounts     *MountView
	Limits     Limits
	Cgroup     CgroupLimits
	Hostname   string

	program *filter.Program
	rules   map[string]filter.Action
	errno   map[string]uint16
}

// Program returns the compiled seccomp-BPF program. Build must be called
// first.
func (p *Policy) Program() *filter.Program { return p.program }

// ActionFor returns the configured action for a syscall name, and
// whether a rule exists for it at all. It implements ptracemon.Policy
// and unotifymon's equivalent side-channel lookup: both monitors need to
// know, for a trapped/notified syscall, what the policy actually asked
// for (e.g. synthesize a specific errno on ActionTrap) rather than just
// "this syscall was routed to me".
func (p *Policy) ActionFor(name string) (filter.Action, bool) {
	a, ok := p.rules[name]
	return a, ok
}

// ErrnoFor returns the errno value configured for a DenySyscall rule on
// name, if any.
func (p *Policy) ErrnoFor(name string) (uint16, bool) {
	e, ok := p.errno[name]
	return e, ok
}

// Builder accumulates syscall rules before compiling them into a Policy.
// Rules are added in priority order and the first matching rule for a
// syscall wins, with a configurable default action for anything
// unmatched.
type Builder struct {
	arch           syscalltable.Arch
	rules          []filter.Rule
	seen           map[string]filter.Action
	seenPredicated map[string]filter.Action
	defaultAction  filter.Action
	namespaces     *Namespaces
	mounts         *MountView
	limits         Limits
	cgroup         CgroupLimits
	hostname       string
	err            error
}

// NewBuilder starts a policy builder for the given architecture, with
// sandbox2's conservative defaults: every namespace isolated except PID
// and cgroup,
// no mounts beyond a minimal read-only root, default rlimits, and
// SECCOMP_RET_KILL_PROCESS as the default action — a sandbox2 policy is
// deny-by-default.
func NewBuilder(arch syscalltable.Arch) *Builder {
	return &Builder{
		arch:          arch,
		seen:          make(map[string]filter.Action),
		defaultAction: filter.ActionKillProcess,
		namespaces:    DefaultNamespaces(),
		mounts:        NewMountView(),
		limits:        DefaultLimits(),
	}
}

// AllowSyscall permits a syscall unconditionally.
func (b *Builder) AllowSyscall(names ...string) *Builder {
	return b.addRule(filter.ActionAllow, 0, names...)
}

// AllowSyscalls permits a set of syscalls unconditionally; it is
// AllowSyscall over a slice.
func (b *Builder) AllowSyscalls(names []string) *Builder {
	return b.AllowSyscall(names...)
}

// BlockSyscallWithErrno fails a single syscall with the given errno; it
// is the single-name form of DenySyscall.
func (b *Builder) BlockSyscallWithErrno(name string, errno uint16) *Builder {
	return b.DenySyscall(errno, name)
}

// AddPolicyOnSyscall attaches an argument-predicated rule to one
// syscall: action applies only when every predicate holds, and
// evaluation falls through otherwise. Several AddPolicyOnSyscall rules
// may target the same syscall with different predicates; two rules with
// identical predicates but different actions are contradictory and fail
// Build.
func (b *Builder) AddPolicyOnSyscall(name string, preds []filter.Predicate, action filter.Action) *Builder {
	return b.addPredicatedRule(name, preds, action, 0)
}

// AddPolicyOnSyscallErrno is AddPolicyOnSyscall with an Errno action
// carrying the errno value to fail matching invocations with.
func (b *Builder) AddPolicyOnSyscallErrno(name string, preds []filter.Predicate, errno uint16) *Builder {
	return b.addPredicatedRule(name, preds, filter.ActionErrno, errno)
}

// TrapSyscall routes a syscall to the ptrace monitor for inspection
// (SECCOMP_RET_TRACE).
func (b *Builder) TrapSyscall(names ...string) *Builder {
	return b.addRule(filter.ActionTrap, 0, names...)
}

// NotifySyscall routes a syscall to the seccomp-unotify monitor
// (SECCOMP_RET_USER_NOTIF).
func (b *Builder) NotifySyscall(names ...string) *Builder {
	return b.addRule(filter.ActionUserNotif, 0, names...)
}

// DenySyscall fails a syscall with errno immediately, without involving
// either monitor.
func (b *Builder) DenySyscall(errno uint16, names ...string) *Builder {
	return b.addRule(filter.ActionErrno, errno, names...)
}

// LogSyscall allows a syscall but asks the kernel to audit-log the event.
func (b *Builder) LogSyscall(names ...string) *Builder {
	return b.addRule(filter.ActionLog, 0, names...)
}

// AllowUnrestrictedClass allows every syscall in one of the named
// convenience bundles (filter.ClassRead, filter.ClassSystemMalloc, ...)
// instead of naming each syscall individually.
func (b *Builder) AllowUnrestrictedClass(class filter.Class) *Builder {
	return b.AllowSyscall(class.Syscalls()...)
}

// DangerDefaultAllowAll sets the default action to ActionAllow. Named
// distinctly from DefaultAction(filter.ActionAllow) so a reviewer
// scanning policy-construction code for "allow everything by default"
// can grep for it directly; sandbox2 otherwise defaults to
// ActionKillProcess (see NewBuilder).
func (b *Builder) DangerDefaultAllowAll() *Builder {
	return b.DefaultAction(filter.ActionAllow)
}

func (b *Builder) addRule(action filter.Action, errno uint16, names ...string) *Builder {
	for _, name := range names {
		if existing, ok := b.seen[name]; ok && existing != action {
			b.err = serrors.WrapWithDetail(b.err, serrors.ErrInvalidArgument, "policy.Builder",
				fmt.Sprintf("contradictory rule for syscall %q", name))
			continue
		}
		b.seen[name] = action
		b.rules = append(b.rules, filter.Rule{Syscall: name, Action: action, ErrnoValue: errno})
	}
	return b
}

// addPredicatedRule records a predicate-restricted rule. Contradiction
// detection is keyed on the (syscall, predicates) pair: the same
// predicate prefix may not map to two different actions, but distinct
// predicates on one syscall compose freely.
func (b *Builder) addPredicatedRule(name string, preds []filter.Predicate, action filter.Action, errno uint16) *Builder {
	key := name
	for _, p := range preds {
		key += "|" + p.String()
	}
	if existing, ok := b.seenPredicated[key]; ok && existing != action {
		b.err = serrors.WrapWithDetail(b.err, serrors.ErrInvalidArgument, "policy.Builder",
			fmt.Sprintf("contradictory predicated rule for syscall %q", name))
		return b
	}
	if b.seenPredicated == nil {
		b.seenPredicated = make(map[string]filter.Action)
	}
	b.seenPredicated[key] = action
	b.rules = append(b.rules, filter.Rule{Syscall: name, Action: action, ErrnoValue: errno, Predicates: preds})
	return b
}

// DefaultAction sets the action applied to any syscall with no explicit
// rule. Defaults to ActionKillProcess.
func (b *Builder) DefaultAction(action filter.Action) *Builder {
	b.defaultAction = action
	return b
}

// AddFile bind-mounts a single host file at the same path inside the
// sandboxee's mount view.
func (b *Builder) AddFile(path string, ro bool) *Builder {
	b.mounts.AddBind(path, path, !ro)
	return b
}

// AddDirectory bind-mounts a host directory at the same path inside the
// sandboxee's mount view.
func (b *Builder) AddDirectory(path string, ro bool) *Builder {
	b.mounts.AddBind(path, path, !ro)
	return b
}

// AddDirectoryAt bind-mounts src on the host at dst inside the
// sandboxee's mount view.
func (b *Builder) AddDirectoryAt(src, dst string, ro bool) *Builder {
	b.mounts.AddBind(src, dst, !ro)
	return b
}

// WithHostname sets the UTS hostname the sandboxee sees; empty leaves
// the namespace's default.
func (b *Builder) WithHostname(name string) *Builder {
	b.hostname = name
	return b
}

// WithNamespaces overrides the default namespace set.
func (b *Builder) WithNamespaces(n *Namespaces) *Builder {
	b.namespaces = n
	return b
}

// WithMounts overrides the default mount view.
func (b *Builder) WithMounts(m *MountView) *Builder {
	b.mounts = m
	return b
}

// WithLimits overrides the default rlimits/deadline.
func (b *Builder) WithLimits(l Limits) *Builder {
	b.limits = l
	return b
}

// WithCgroup sets supplementary cgroup limits; a zero value means no
// cgroup is created.
func (b *Builder) WithCgroup(c CgroupLimits) *Builder {
	b.cgroup = c
	return b
}

// pseudofilePrefixes are mount sources that need not exist as regular
// files on the host at build time: kernel-backed paths materialize at
// mount time inside the namespace.
var pseudofilePrefixes = []string{"/proc/", "/sys/", "/dev/"}

func isPseudofile(path string) bool {
	for _, p := range pseudofilePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Build compiles the accumulated rules into a Policy, validating that
// every bind-mount source exists on the host (or is a well-known
// pseudofile).
func (b *Builder) Build() (*Policy, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.rules) == 0 {
		return nil, serrors.ErrInvalidPolicy
	}

	for _, bind := range b.mounts.Binds {
		if isPseudofile(bind.Source) {
			continue
		}
		if _, err := os.Stat(bind.Source); err != nil {
			return nil, serrors.WrapWithDetail(err, serrors.ErrInvalidArgument, "policy.Build",
				fmt.Sprintf("mount source %q does not exist", bind.Source))
		}
	}

	prog, err := filter.Compile(b.arch, b.rules, b.defaultAction)
	if err != nil {
		return nil, err
	}

	errnos := make(map[string]uint16, len(b.rules))
	for _, r := range b.rules {
		if r.Action == filter.ActionErrno {
			errnos[r.Syscall] = r.ErrnoValue
		}
		// Predicated rules also answer ActionFor lookups: a monitor
		// classifying a trapped syscall needs to see that some rule
		// routed it, even when the rule is argument-restricted.
		if len(r.Predicates) > 0 {
			if _, ok := b.seen[r.Syscall]; !ok {
				b.seen[r.Syscall] = r.Action
			}
		}
	}

	return &Policy{
		Arch:       b.arch,
		Namespaces: b.namespaces,
		Mounts:     b.mounts,
		Limits:     b.limits,
		Cgroup:     b.cgroup,
		Hostname:   b.hostname,
		program:    prog,
		rules:      b.seen,
		errno:      errnos,
	}, nil
}
