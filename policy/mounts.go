package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	serrors "sandbox2/errors"
)

// Mount propagation/option flags, named directly from syscall constants.
const (
	msPrivate = syscall.MS_PRIVATE
	msRec     = syscall.MS_REC
	msBind    = syscall.MS_BIND
	msRdonly  = syscall.MS_RDONLY
	msRemount = syscall.MS_REMOUNT
)

// BindMount maps a path on the host into the sandboxee's mount
// namespace. This is sandbox2's primary mechanism for giving a
// sandboxee access to the one file it actually needs (a shared library,
// an input file) without granting it the rest of the filesystem.
type BindMount struct {
	Source      string
	Destination string
	Writable    bool
}

// MountView describes the filesystem a sandboxee sees after its mount
// namespace is set up: a set of explicit bind mounts placed under the
// root directory passed to Apply, and a list of paths to mask with an
// empty/inaccessible node (/proc internals, credentials files, and
// whatever else the policy wants hidden). No tmpfs is mounted.
type MountView struct {
	Root      string // informational only; Apply uses its rootfs argument
	Binds     []BindMount
	MaskPaths []string
	ReadOnly  bool
}

// NewMountView returns an empty view: a read-only root with no bind
// mounts, the most restrictive starting point.
func NewMountView() *MountView {
	return &MountView{ReadOnly: true}
}

// AddBind appends a bind mount to the view.
func (m *MountView) AddBind(source, destination string, writable bool) *MountView {
	m.Binds = append(m.Binds, BindMount{Source: source, Destination: destination, Writable: writable})
	return m
}

// Mask appends a path to blank out after the view is otherwise assembled.
func (m *MountView) Mask(path string) *MountView {
	m.MaskPaths = append(m.MaskPaths, path)
	return m
}

// Apply constructs the mount namespace described by m. It must run after
// Unshare(NamespaceMount) and before the seccomp filter is installed,
// since pivot_root/mount are themselves syscalls the not-yet-installed
// filter must still allow.
func (m *MountView) Apply(rootfs string) error {
	if err := syscall.Mount("", "/", "", msRec|msPrivate, ""); err != nil {
		return serrors.WrapWithDetail(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.Apply", "make mount tree private")
	}

	if err := syscall.Mount(rootfs, rootfs, "", msBind|msRec, ""); err != nil {
		return serrors.WrapWithDetail(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.Apply", "bind mount rootfs onto itself")
	}

	for _, b := range m.Binds {
		if err := m.applyBind(rootfs, b); err != nil {
			return err
		}
	}

	if err := pivotRoot(rootfs); err != nil {
		return serrors.Wrap(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.Apply")
	}

	if m.ReadOnly {
		if err := syscall.Mount("", "/", "", msRemount|msBind|msRdonly, ""); err != nil {
			return serrors.WrapWithDetail(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.Apply", "remount root read-only")
		}
	}

	for _, p := range m.MaskPaths {
		if err := maskPath(p); err != nil {
			return serrors.WrapWithDetail(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.Apply", fmt.Sprintf("mask %s", p))
		}
	}

	return nil
}

func (m *MountView) applyBind(rootfs string, b BindMount) error {
	dest := filepath.Join(rootfs, b.Destination)

	info, err := os.Stat(b.Source)
	if err != nil {
		return serrors.WrapWithDetail(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.applyBind",
			fmt.Sprintf("bind source %s not found", b.Source))
	}

	if info.IsDir() {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return serrors.Wrap(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.applyBind")
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return serrors.Wrap(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.applyBind")
		}
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return serrors.Wrap(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.applyBind")
			}
			f.Close()
		}
	}

	flags := uintptr(msBind)
	if !b.Writable {
		flags |= msRdonly
	}
	if err := syscall.Mount(b.Source, dest, "", flags, ""); err != nil {
		return serrors.WrapWithDetail(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.applyBind",
			fmt.Sprintf("bind mount %s", dest))
	}
	// A read-only bind mount needs a second remount pass: MS_BIND and
	// MS_RDONLY cannot be combined into a read-only bind in one mount(2)
	// call, the kernel silently ignores MS_RDONLY on the first pass.
	if !b.Writable {
		if err := syscall.Mount("", dest, "", msRemount|msBind|msRdonly, ""); err != nil {
			return serrors.WrapWithDetail(err, serrors.ErrRootfsSetup.Kind, "policy.MountView.applyBind",
				fmt.Sprintf("remount %s read-only", dest))
		}
	}
	return nil
}

// pivotRoot replaces the calling process's root filesystem with rootfs,
// falling back to chroot when pivot_root is unavailable (e.g. inside an
// already-pivoted environment without CAP_SYS_ADMIN on the new root).
func pivotRoot(rootfs string) error {
	oldRoot := filepath.Join(rootfs, ".old_root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("mkdir old root: %w", err)
	}

	if err := syscall.PivotRoot(rootfs, oldRoot); err != nil {
		return chrootFallback(rootfs)
	}

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := syscall.Unmount("/.old_root", syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	os.RemoveAll("/.old_root")
	return nil
}

func chrootFallback(rootfs string) error {
	if err := syscall.Chroot(rootfs); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	return os.Chdir("/")
}

// maskPath bind-mounts /dev/null (or an empty directory, for directory
// targets) over path, hiding its real contents from the sandboxee without
// needing to delete anything — used for /proc/kcore, /proc/sysrq-trigger
// and similar sensitive procfs nodes.
func maskPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return syscall.Mount("tmpfs", path, "tmpfs", syscall.MS_RDONLY, "")
	}
	return syscall.Mount("/dev/null", path, "", msBind, "")
}
