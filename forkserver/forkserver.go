// Package forkserver implements sandbox2's forkserver protocol: a
// helper embedded in the candidate sandboxee binary that loads the target
// native library once, then hands out fresh, policy-confined children to
// the supervisor on demand without paying library-load cost per session.
//
// The helper process is started once (Start); every subsequent Spawn
// forks from it instead of re-execing, so whatever the helper
// initialized before serving is already present in each child.
//
// A real fork(2) without an intervening exec is required to keep that
// preloaded state in the child; the Go runtime's threads/GC make such a
// fork unsafe in general, so Serve (child.go) locks its goroutine to its
// OS thread and limits the child-side code between the raw clone syscall
// and the seccomp-filter install to a small set of setup syscalls issued
// from that one surviving thread.
package forkserver

import (
	"sandbox2/policy"
)

// FdMapping places a supervisor-visible local fd into a specific
// descriptor number inside the forkserver-spawned child. Mappings form
// an ordered list with unique RemoteFds, handed to the forkserver
// before the new child is un-paused.
type FdMapping struct {
	LocalFd  int
	RemoteFd int
	Name     string
}

// SpawnRequest is everything the forkserver's child-side setup needs to
// bring up one sandboxee: the compiled filter bytes (already serialized
// by filter.Program.Marshal, see policy.Policy.Program), the namespace/
// mount/limit configuration from a Policy, and the process-level
// env/cwd/fd-mapping a single session additionally specifies.
type SpawnRequest struct {
	PolicyBytes    []byte
	NamespaceKinds []policy.NamespaceKind
	Mounts         policy.MountView
	Rootfs         string
	Limits         policy.Limits
	Cgroup         policy.CgroupLimits
	CgroupPath     string
	FdMappings     []FdMapping
	Env            []string
	Cwd            string
	UID            uint32
	GID            uint32
	UIDMappings    []policy.IDMapping
	GIDMappings    []policy.IDMapping
	Hostname       string
	// WantNotifyFd asks the child to install its filter with
	// SECCOMP_FILTER_FLAG_NEW_LISTENER and pass the resulting
	// notification fd back on its ready frame, for the unotify monitor.
	WantNotifyFd bool
}

// NewSpawnRequest builds a SpawnRequest from an assembled Policy plus the
// per-session fd mappings, environment and working directory a single
// Executor.Init call supplies. The serialization lives here rather than
// in package policy so that package policy never needs to import
// forkserver.
func NewSpawnRequest(pol *policy.Policy, fdMappings []FdMapping, env []string, cwd string, uid, gid uint32) (SpawnRequest, error) {
	if err := validateFdMappings(fdMappings); err != nil {
		return SpawnRequest{}, err
	}
	var mounts policy.MountView
	if pol.Mounts != nil {
		mounts = *pol.Mounts
	}
	var kinds []policy.NamespaceKind
	if pol.Namespaces != nil {
		kinds = pol.Namespaces.Kinds()
	}
	return SpawnRequest{
		PolicyBytes:    pol.Program().Marshal(),
		NamespaceKinds: kinds,
		Mounts:         mounts,
		Limits:         pol.Limits,
		Cgroup:         pol.Cgroup,
		FdMappings:     fdMappings,
		Env:            env,
		Cwd:            cwd,
		UID:            uid,
		GID:            gid,
		Hostname:       pol.Hostname,
	}, nil
}

func validateFdMappings(mappings []FdMapping) error {
	seen := make(map[int]struct{}, len(mappings))
	for _, m := range mappings {
		if _, ok := seen[m.RemoteFd]; ok {
			return errDuplicateRemoteFd
		}
		seen[m.RemoteFd] = struct{}{}
	}
	return nil
}
