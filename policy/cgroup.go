package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	serrors "sandbox2/errors"
)

// validCgroupKey matches valid cgroup v2 controller file names, e.g.
// cpu.max, memory.max, pids.max.
var validCgroupKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)*$`)

const cgroupRoot = "/sys/fs/cgroup"

// Cgroup is a cgroup v2 control group applying resource limits to a
// sandboxee as a supplementary backstop behind the policy's rlimits:
// rlimits bound a single process, while the cgroup bounds the whole
// process tree a sandboxed call might fork.
type Cgroup struct {
	path string
}

// NewCgroup creates (or reuses) a cgroup at cgroupRoot/relPath.
func NewCgroup(relPath string) (*Cgroup, error) {
	if err := validateCgroupKey(filepath.Base(relPath)); err != nil {
		return nil, serrors.WrapWithDetail(err, serrors.ErrInvalidArgument, "policy.NewCgroup", "invalid cgroup path component")
	}
	full := filepath.Join(cgroupRoot, relPath)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return nil, serrors.Wrap(err, serrors.ErrCgroupSetup.Kind, "policy.NewCgroup")
	}
	return &Cgroup{path: full}, nil
}

// Path returns the cgroup's filesystem path.
func (c *Cgroup) Path() string { return c.path }

// AddProcess moves pid into this cgroup.
func (c *Cgroup) AddProcess(pid int) error {
	path := filepath.Join(c.path, "cgroup.procs")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return serrors.Wrap(err, serrors.ErrCgroupSetup.Kind, "policy.Cgroup.AddProcess")
	}
	return nil
}

// CgroupLimits are the resource caps sandbox2 applies to the cgroup
// holding a sandboxee's process tree.
type CgroupLimits struct {
	// MemoryMaxBytes caps total resident memory across the tree; 0 means
	// no limit is set.
	MemoryMaxBytes int64
	// PidsMax caps the number of tasks (processes/threads) the tree may
	// create in total — the cgroup-level complement to RLIMIT_NPROC,
	// which only bounds a single uid.
	PidsMax int64
	// CPUWeight sets cpu.weight directly (1-10000); 0 leaves the default.
	CPUWeight uint64
}

// Apply writes the configured limits to the cgroup's controller files.
func (c *Cgroup) Apply(limits CgroupLimits) error {
	if limits.MemoryMaxBytes > 0 {
		if err := c.write("memory.max", strconv.FormatInt(limits.MemoryMaxBytes, 10)); err != nil {
			return err
		}
	}
	if limits.PidsMax > 0 {
		if err := c.write("pids.max", strconv.FormatInt(limits.PidsMax, 10)); err != nil {
			return err
		}
	}
	if limits.CPUWeight > 0 {
		weight := limits.CPUWeight
		if weight > 10000 {
			weight = 10000
		}
		if err := c.write("cpu.weight", strconv.FormatUint(weight, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cgroup) write(key, value string) error {
	if err := validateCgroupKey(key); err != nil {
		return serrors.WrapWithDetail(err, serrors.ErrInvalidArgument, "policy.Cgroup.write", fmt.Sprintf("invalid key %q", key))
	}
	path := filepath.Join(c.path, key)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return serrors.Wrap(err, serrors.ErrCgroupSetup.Kind, "policy.Cgroup.write")
	}
	return nil
}

// MemoryCurrent reads memory.current.
func (c *Cgroup) MemoryCurrent() (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.current"))
	if err != nil {
		return 0, serrors.Wrap(err, serrors.ErrInternal, "policy.Cgroup.MemoryCurrent")
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Destroy removes the cgroup directory; it must be empty (no live
// processes) or the kernel will refuse.
func (c *Cgroup) Destroy() error {
	if err := os.Remove(c.path); err != nil {
		return serrors.Wrap(err, serrors.ErrCgroupSetup.Kind, "policy.Cgroup.Destroy")
	}
	return nil
}

// validateCgroupKey prevents a crafted controller-file key from escaping
// the cgroup directory via a path-traversal write.
func validateCgroupKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty cgroup key")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("cgroup key contains path separator")
	}
	if key == "." || key == ".." {
		return fmt.Errorf("cgroup key is a relative path component")
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("cgroup key starts with a dot")
	}
	if !validCgroupKey.MatchString(key) {
		return fmt.Errorf("cgroup key %q does not match the expected pattern", key)
	}
	return nil
}
