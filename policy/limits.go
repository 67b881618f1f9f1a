package policy

import (
	"time"

	"golang.org/x/sys/unix"

	serrors "sandbox2/errors"
)

// Limits bounds what a single sandboxee process may consume: rlimits
// applied in the forkserver child before the filter goes on, plus a
// WallTime value carried alongside them.
type Limits struct {
	// AddressSpaceBytes caps RLIMIT_AS: the total virtual address space
	// the sandboxee may map. 0 leaves the rlimit untouched.
	AddressSpaceBytes uint64
	// CPUSeconds caps RLIMIT_CPU: cumulative CPU time.
	CPUSeconds uint64
	// FileSizeBytes caps RLIMIT_FSIZE: the largest file the sandboxee may
	// write.
	FileSizeBytes uint64
	// OpenFiles caps RLIMIT_NOFILE.
	OpenFiles uint64
	// Processes caps RLIMIT_NPROC for the sandboxee's uid.
	Processes uint64
	// CoreDumpBytes caps RLIMIT_CORE; 0 disables core dumps entirely,
	// which is sandbox2's default (a sandboxee's memory should never
	// land on disk for the host to inspect).
	CoreDumpBytes uint64
	// WallTime is not applied as an rlimit and the executor does not read
	// it; the session deadline comes from executor.Config.WallTimeLimit
	// (or SetWallTimeLimit), on expiry of which the monitor kills the
	// sandboxee and reports StatusTimedOut.
	WallTime time.Duration
}

// DefaultLimits returns a conservative baseline: no core dumps, a
// generous but finite file descriptor and process count, and no wall
// time or memory bound (callers handling untrusted code should always
// override AddressSpaceBytes).
func DefaultLimits() Limits {
	return Limits{
		OpenFiles: 256,
		Processes: 1,
	}
}

type rlimitPair struct {
	resource int
	value    uint64
}

// rlimitPairs enumerates the (resource, value) pairs to apply, skipping
// any field left at its zero value except CoreDumpBytes, which is always
// applied (zero is itself the intended, restrictive default).
func (l Limits) rlimitPairs() []rlimitPair {
	var pairs []rlimitPair
	add := func(resource int, v uint64) {
		pairs = append(pairs, rlimitPair{resource, v})
	}

	if l.AddressSpaceBytes > 0 {
		add(unix.RLIMIT_AS, l.AddressSpaceBytes)
	}
	if l.CPUSeconds > 0 {
		add(unix.RLIMIT_CPU, l.CPUSeconds)
	}
	if l.FileSizeBytes > 0 {
		add(unix.RLIMIT_FSIZE, l.FileSizeBytes)
	}
	if l.OpenFiles > 0 {
		add(unix.RLIMIT_NOFILE, l.OpenFiles)
	}
	if l.Processes > 0 {
		add(unix.RLIMIT_NPROC, l.Processes)
	}
	add(unix.RLIMIT_CORE, l.CoreDumpBytes)

	return pairs
}

// Apply installs every configured rlimit on the calling process. It must
// run in the forkserver child, after fork and before the filter is
// installed.
func (l Limits) Apply() error {
	for _, p := range l.rlimitPairs() {
		rl := unix.Rlimit{Cur: p.value, Max: p.value}
		if err := unix.Setrlimit(p.resource, &rl); err != nil {
			return serrors.Wrap(err, serrors.ErrInternal, "policy.Limits.Apply")
		}
	}
	return nil
}
