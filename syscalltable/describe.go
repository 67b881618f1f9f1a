package syscalltable

import (
	"bytes"
	"fmt"
)

// MemReader is the capped remote-memory read surface Describe needs to
// render path/string arguments. rpc.Client satisfies this structurally;
// syscalltable does not import rpc to avoid a dependency in the wrong
// direction (rpc is a lower layer than diagnostics).
type MemReader interface {
	ReadAt(addr uint64, p []byte) (int, error)
}

// maxDescribeReadLen caps how many bytes Describe will read from the
// sandboxee to render a path/string argument, capping reads at a fixed
// safety length.
const maxDescribeReadLen = 200

// Describe renders a syscall invocation for diagnostics: the syscall's
// name and one formatted string per argument. path/string arguments are
// read from the sandboxee's memory through reader, capped and escaped;
// a nil reader or a failed read degrades to "[unreadable]" rather than
// aborting.
func Describe(t *Table, nr int, args [6]uint64, reader MemReader) (name string, argv []string) {
	var types [6]ArgType
	if t != nil {
		if n, ok := t.Name(nr); ok {
			name = n
			types = t.ArgTypes(n)
		}
	}
	if name == "" {
		name = fmt.Sprintf("UNKNOWN[%d]", nr)
		types = [6]ArgType{Gen, Gen, Gen, Gen, Gen, Gen}
	}

	argv = make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		argv = append(argv, formatArg(types[i], args[i], reader))
	}
	return name, argv
}

func formatArg(t ArgType, v uint64, reader MemReader) string {
	switch t {
	case Path, Str:
		return readRemoteString(v, reader)
	case Hex:
		return fmt.Sprintf("0x%x", v)
	case Oct:
		return fmt.Sprintf("0%o", v)
	case Int:
		return fmt.Sprintf("%d", int64(v))
	case Signal:
		return signalName(int(v))
	case AddressFamily:
		return addressFamilyName(int(v))
	case Sockaddr:
		return fmt.Sprintf("sockaddr(0x%x)", v)
	case CloneFlag:
		return fmt.Sprintf("flags(0x%x)", v)
	case StrArray:
		return fmt.Sprintf("argv(0x%x)", v)
	default:
		return fmt.Sprintf("0x%x", v)
	}
}

func readRemoteString(addr uint64, reader MemReader) string {
	if addr == 0 {
		return "NULL"
	}
	if reader == nil {
		return "[unreadable]"
	}
	buf := make([]byte, maxDescribeReadLen)
	n, err := reader.ReadAt(addr, buf)
	if err != nil || n == 0 {
		return "[unreadable]"
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return fmt.Sprintf("%q", escapeNonPrintable(buf))
}

func escapeNonPrintable(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c < 0x20 || c >= 0x7f {
			out = append(out, '.')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

func signalName(n int) string {
	if name, ok := signalNames[n]; ok {
		return name
	}
	return fmt.Sprintf("signal(%d)", n)
}

func addressFamilyName(n int) string {
	if name, ok := addressFamilyNames[n]; ok {
		return name
	}
	return fmt.Sprintf("AF(%d)", n)
}

var signalNames = map[int]string{
	1: "SIGHUP", 2: "SIGINT", 3: "SIGQUIT", 4: "SIGILL", 6: "SIGABRT",
	8: "SIGFPE", 9: "SIGKILL", 11: "SIGSEGV", 13: "SIGPIPE", 14: "SIGALRM",
	15: "SIGTERM", 17: "SIGCHLD", 18: "SIGCONT", 19: "SIGSTOP",
}

var addressFamilyNames = map[int]string{
	0: "AF_UNSPEC", 1: "AF_UNIX", 2: "AF_INET", 10: "AF_INET6", 16: "AF_NETLINK",
}
