package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"sandbox2/filter"
	"sandbox2/policy"
	"sandbox2/syscalltable"
)

// policyFlags is the shared policy-construction surface of the run and
// disasm commands: each command registers its own copies so flag state
// never leaks between them.
type policyFlags struct {
	allowClasses  []string
	allowSyscalls []string
	denySyscalls  []string // name=errno
	trapSyscalls  []string
	allowAll      bool
}

// register installs the policy flags on a command's flag set.
func (pf *policyFlags) register(flags *pflag.FlagSet) {
	flags.StringSliceVar(&pf.allowClasses, "allow", nil,
		"syscall classes to allow (read, write, open, stat, systemmalloc, exit, time, pipe, dup, sleep, getrandom, handlesignals)")
	flags.StringSliceVar(&pf.allowSyscalls, "allow-syscalls", nil, "individual syscall names to allow")
	flags.StringSliceVar(&pf.denySyscalls, "deny", nil, "syscalls to fail, as name or name=errno")
	flags.StringSliceVar(&pf.trapSyscalls, "trap", nil, "syscalls to route to the monitor for inspection")
	flags.BoolVar(&pf.allowAll, "danger-default-allow-all", false,
		"allow any syscall with no matching rule instead of killing the sandboxee")
}

// buildPolicy compiles the flag state into a Policy for the native
// architecture.
func (pf *policyFlags) buildPolicy() (*policy.Policy, error) {
	b := policy.NewBuilder(syscalltable.Native)

	for _, name := range pf.allowClasses {
		class, ok := filter.ParseClass(name)
		if !ok {
			return nil, fmt.Errorf("unknown syscall class %q", name)
		}
		b.AllowUnrestrictedClass(class)
	}
	if len(pf.allowSyscalls) > 0 {
		b.AllowSyscall(pf.allowSyscalls...)
	}
	for _, spec := range pf.denySyscalls {
		name, errnoStr, found := strings.Cut(spec, "=")
		errno := uint64(1) // EPERM
		if found {
			v, err := strconv.ParseUint(errnoStr, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("bad errno in %q: %w", spec, err)
			}
			errno = v
		}
		b.DenySyscall(uint16(errno), name)
	}
	if len(pf.trapSyscalls) > 0 {
		b.TrapSyscall(pf.trapSyscalls...)
	}
	if pf.allowAll {
		b.DangerDefaultAllowAll()
	}

	return b.Build()
}
