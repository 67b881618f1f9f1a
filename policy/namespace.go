// Package policy assembles a sandbox2 policy: the seccomp-BPF syscall
// filter (see sandbox2/filter), the Linux namespaces and mount view the
// sandboxee starts in, and the resource limits (rlimits, a supplementary
// cgroup, and a wall-clock deadline) the monitor enforces.
package policy

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	serrors "sandbox2/errors"
)

// NamespaceKind identifies one of the Linux namespaces sandbox2 can
// isolate the sandboxee into.
type NamespaceKind int

const (
	NamespaceMount NamespaceKind = iota
	NamespaceUTS
	NamespaceIPC
	NamespacePID
	NamespaceNetwork
	NamespaceUser
	NamespaceCgroup
)

// cloneFlags maps each namespace kind to its CLONE_NEW* flag.
var cloneFlags = map[NamespaceKind]uintptr{
	NamespaceMount:   syscall.CLONE_NEWNS,
	NamespaceUTS:     syscall.CLONE_NEWUTS,
	NamespaceIPC:     syscall.CLONE_NEWIPC,
	NamespacePID:     syscall.CLONE_NEWPID,
	NamespaceNetwork: syscall.CLONE_NEWNET,
	NamespaceUser:    syscall.CLONE_NEWUSER,
	NamespaceCgroup:  0x02000000,
}

func (k NamespaceKind) String() string {
	switch k {
	case NamespaceMount:
		return "mount"
	case NamespaceUTS:
		return "uts"
	case NamespaceIPC:
		return "ipc"
	case NamespacePID:
		return "pid"
	case NamespaceNetwork:
		return "network"
	case NamespaceUser:
		return "user"
	case NamespaceCgroup:
		return "cgroup"
	default:
		return "unknown"
	}
}

// Namespaces lists which namespaces a sandboxee is isolated into.
// The default set (DefaultNamespaces) leaves out PID and cgroup.
type Namespaces struct {
	kinds map[NamespaceKind]bool
}

// NewNamespaces builds a Namespaces set isolating every kind passed in.
func NewNamespaces(kinds ...NamespaceKind) *Namespaces {
	n := &Namespaces{kinds: make(map[NamespaceKind]bool, len(kinds))}
	for _, k := range kinds {
		n.kinds[k] = true
	}
	return n
}

// DefaultNamespaces isolates mount, UTS, IPC, network, and user
// namespaces — sandbox2's baseline jail. PID namespace isolation is left
// to the caller since it affects which monitor implementation can be used.
func DefaultNamespaces() *Namespaces {
	return NewNamespaces(NamespaceMount, NamespaceUTS, NamespaceIPC, NamespaceNetwork, NamespaceUser)
}

// Has reports whether a namespace kind is isolated.
func (n *Namespaces) Has(k NamespaceKind) bool { return n.kinds[k] }

// Kinds returns the isolated namespace kinds as a slice, for callers
// (forkserver's SpawnRequest encoding) that need a serializable form
// instead of the unexported map.
func (n *Namespaces) Kinds() []NamespaceKind {
	kinds := make([]NamespaceKind, 0, len(n.kinds))
	for k := range n.kinds {
		kinds = append(kinds, k)
	}
	return kinds
}

// CloneFlags ORs together the CLONE_NEW* flags for every isolated
// namespace, suitable for passing to clone(2)/unshare(2).
func (n *Namespaces) CloneFlags() uintptr {
	var flags uintptr
	for k := range n.kinds {
		flags |= cloneFlags[k]
	}
	return flags
}

// Unshare isolates the calling thread into new instances of every
// namespace kind configured. It must run on the forkserver child after
// clone/fork, before the seccomp filter is installed:
// unshare(2) itself needs to be allowed by the not-yet-installed filter.
func Unshare(n *Namespaces) error {
	flags := n.CloneFlags()
	if flags == 0 {
		return nil
	}
	if err := syscall.Unshare(int(flags)); err != nil {
		return serrors.Wrap(err, serrors.ErrInternal, "policy.Unshare")
	}
	return nil
}

// joinNamespace attaches the calling thread to an existing namespace file
// (e.g. /proc/<pid>/ns/net), used when sandbox2 is configured to share a
// namespace across sessions instead of creating a fresh one.
func joinNamespace(path string, kind NamespaceKind) error {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open namespace file %s: %w", path, err)
	}
	defer syscall.Close(fd)

	// unix.SYS_SETNS is architecture-independent, unlike a hardcoded
	// syscall number.
	_, _, errno := syscall.Syscall(unix.SYS_SETNS, uintptr(fd), cloneFlags[kind], 0)
	if errno != 0 {
		return fmt.Errorf("setns %s (%s): %w", kind, path, errno)
	}
	return nil
}

// IDMapping is one line of a /proc/<pid>/{uid,gid}_map: Size container
// IDs starting at ContainerID map to host IDs starting at HostID.
type IDMapping struct {
	ContainerID int64
	HostID      int64
	Size        int64
}

// SysProcAttr builds the syscall.SysProcAttr controlling clone flags and
// (when a user namespace is isolated) ID mappings for a forkserver child.
func (n *Namespaces) SysProcAttr(uidMappings, gidMappings []IDMapping) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Cloneflags: n.CloneFlags(),
		Setsid:     true,
	}

	// Unshareflags re-privatizes the mount namespace so bind mounts set
	// up for the sandboxee's rootfs don't leak back to the host. Setting
	// it alongside CLONE_NEWUSER fails with EPERM, so it's only applied
	// when no user namespace is being created in the same clone.
	if !n.Has(NamespaceUser) {
		attr.Unshareflags = syscall.CLONE_NEWNS
	}

	if n.Has(NamespaceUser) {
		attr.UidMappings = toSysProcIDMap(uidMappings)
		attr.GidMappings = toSysProcIDMap(gidMappings)
		attr.GidMappingsEnableSetgroups = false
	}

	return attr
}

func toSysProcIDMap(mappings []IDMapping) []syscall.SysProcIDMap {
	result := make([]syscall.SysProcIDMap, len(mappings))
	for i, m := range mappings {
		result[i] = syscall.SysProcIDMap{
			ContainerID: int(m.ContainerID),
			HostID:      int(m.HostID),
			Size:        int(m.Size),
		}
	}
	return result
}
