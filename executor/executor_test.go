package executor

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"sandbox2/comms"
	serrors "sandbox2/errors"
	"sandbox2/rpc"
	"sandbox2/rvar"
)

func socketpair(t *testing.T) (*comms.Channel, *comms.Channel) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	fa := os.NewFile(uintptr(fds[0]), "a")
	fb := os.NewFile(uintptr(fds[1]), "b")
	defer fa.Close()
	defer fb.Close()

	ca, err := net.FileConn(fa)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	cb, err := net.FileConn(fb)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	return comms.NewChannel(ca.(*net.UnixConn)), comms.NewChannel(cb.(*net.UnixConn))
}

// fakeSandboxee stands in for a forkserver child's RPC stub: a flat
// bump-allocated memory model plus a handful of callable functions.
type fakeSandboxee struct {
	mu      sync.Mutex
	next    uint64
	mem     map[uint64][]byte
	symbols map[string]uint64
}

func newFakeSandboxee() *fakeSandboxee {
	return &fakeSandboxee{
		next:    0x7f0000000000,
		mem:     make(map[uint64][]byte),
		symbols: map[string]uint64{"sum": 0x401000},
	}
}

func (f *fakeSandboxee) Allocate(size uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := f.next
	f.next += size + 16
	f.mem[addr] = make([]byte, size)
	return addr, nil
}

func (f *fakeSandboxee) Reallocate(addr, newSize uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.mem[addr]
	if !ok {
		return 0, errors.New("bad address")
	}
	delete(f.mem, addr)
	na := f.next
	f.next += newSize + 16
	buf := make([]byte, newSize)
	copy(buf, old)
	f.mem[na] = buf
	return na, nil
}

func (f *fakeSandboxee) Free(addr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mem[addr]; !ok {
		return errors.New("double free or bad address")
	}
	delete(f.mem, addr)
	return nil
}

func (f *fakeSandboxee) Symbol(name string) (uint64, error) {
	if addr, ok := f.symbols[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("undefined symbol %q", name)
}

func (f *fakeSandboxee) Strlen(addr uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, buf, ok := f.find(addr)
	if !ok {
		return 0, errors.New("bad address")
	}
	for i := addr - base; i < uint64(len(buf)); i++ {
		if buf[i] == 0 {
			return i - (addr - base), nil
		}
	}
	return 0, errors.New("unterminated string")
}

func (f *fakeSandboxee) MarkMemoryInitialized(addr, size uint64) error { return nil }

func (f *fakeSandboxee) find(addr uint64) (uint64, []byte, bool) {
	for base, buf := range f.mem {
		if addr >= base && addr < base+uint64(len(buf)) {
			return base, buf, true
		}
	}
	return 0, nil, false
}

func (f *fakeSandboxee) ReadMem(addr uint64, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, buf, ok := f.find(addr)
	if !ok {
		return nil, errors.New("bad address")
	}
	off := addr - base
	if off+uint64(length) > uint64(len(buf)) {
		return nil, errors.New("read past allocation")
	}
	return append([]byte(nil), buf[off:off+uint64(length)]...), nil
}

func (f *fakeSandboxee) WriteMem(addr uint64, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, buf, ok := f.find(addr)
	if !ok {
		return 0, errors.New("bad address")
	}
	off := addr - base
	if off+uint64(len(data)) > uint64(len(buf)) {
		return 0, errors.New("write past allocation")
	}
	copy(buf[off:], data)
	return len(data), nil
}

func (f *fakeSandboxee) SendFd(fd int) (int, error) { return 100 + fd, nil }

func (f *fakeSandboxee) RecvFd(remoteFd int) (int, error) {
	return 0, errors.New("not supported by fake")
}

func (f *fakeSandboxee) CloseFd(remoteFd int) error { return nil }

func (f *fakeSandboxee) Dispatch(call rpc.Call) (uint64, error) {
	switch call.Symbol {
	case "sum":
		var total uint64
		for _, a := range call.Args {
			total += a
		}
		return total, nil
	case "reverse":
		// In-place byte reverse of a LengthValue: header, then payload.
		f.mu.Lock()
		defer f.mu.Unlock()
		base, buf, ok := f.find(call.Args[0])
		if !ok {
			return 0, errors.New("bad address")
		}
		off := call.Args[0] - base
		n := uint64(buf[off]) | uint64(buf[off+1])<<8 | uint64(buf[off+2])<<16 | uint64(buf[off+3])<<24 |
			uint64(buf[off+4])<<32 | uint64(buf[off+5])<<40 | uint64(buf[off+6])<<48 | uint64(buf[off+7])<<56
		payload := buf[off+8 : off+8+n]
		for i, j := 0, len(payload)-1; i < j; i, j = i+1, j-1 {
			payload[i], payload[j] = payload[j], payload[i]
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("undefined symbol %q", call.Symbol)
	}
}

// testExecutor wires an Executor to a fakeSandboxee over a socketpair,
// skipping the forkserver entirely.
func testExecutor(t *testing.T) (*Executor, *fakeSandboxee) {
	t.Helper()
	clientCh, serverCh := socketpair(t)
	t.Cleanup(func() {
		clientCh.Close()
		serverCh.Close()
	})

	fake := newFakeSandboxee()
	srv := rpc.NewServer(serverCh, fake).WithMemHandler(fake)
	go func() {
		for srv.ServeOne() == nil {
		}
	}()

	e := New(Config{})
	e.state = StateRunning
	e.ch = clientCh
	e.client = rpc.NewClient(clientCh)
	e.gen.Add(1)
	return e, fake
}

func TestAllocateTransferRoundTrip(t *testing.T) {
	e, _ := testExecutor(t)

	payload := []byte("the quick brown fox")
	lv, err := e.AllocateAndTransferToSandboxee(payload)
	if err != nil {
		t.Fatalf("AllocateAndTransferToSandboxee: %v", err)
	}

	// Clobber the local copy, then read it back from the sandboxee.
	for i := range lv.Payload {
		lv.Payload[i] = 0
	}
	if err := e.TransferFromSandboxee(lv); err != nil {
		t.Fatalf("TransferFromSandboxee: %v", err)
	}
	if !bytes.Equal(lv.Payload, payload) {
		t.Errorf("round trip = %q, want %q", lv.Payload, payload)
	}
}

func TestFreeTwiceFailsPrecondition(t *testing.T) {
	e, _ := testExecutor(t)

	v := &rvar.IntLike{Width: 8, Value: 7}
	if err := e.Allocate(v, false); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := e.Free(v); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	err := e.Free(v)
	if err == nil {
		t.Fatal("second Free succeeded")
	}
	if !serrors.IsKind(err, serrors.ErrFailedPrecondition) {
		t.Errorf("second Free kind = %v, want FailedPrecondition", err)
	}
}

func TestStaleGenerationRejected(t *testing.T) {
	e, _ := testExecutor(t)

	v := &rvar.IntLike{Width: 8}
	if err := e.Allocate(v, false); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	e.gen.Add(1) // as Restart would

	if err := e.TransferToSandboxee(v); !errors.Is(err, serrors.ErrStaleGeneration) {
		t.Errorf("TransferToSandboxee after restart = %v, want ErrStaleGeneration", err)
	}
	if err := e.Free(v); !errors.Is(err, serrors.ErrStaleGeneration) {
		t.Errorf("Free after restart = %v, want ErrStaleGeneration", err)
	}
}

func TestCallSum(t *testing.T) {
	e, _ := testExecutor(t)

	ret := &rvar.IntLike{Width: 8}
	if err := e.Call("sum", ret, 1000, 337); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if ret.Value != 1337 {
		t.Errorf("sum(1000, 337) = %d, want 1337", ret.Value)
	}
}

func TestCallSyncsPointerArguments(t *testing.T) {
	e, _ := testExecutor(t)

	lv := &rvar.LengthValue{Payload: []byte("Hello")}
	if err := e.Allocate(lv, true); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	ptr := &rvar.Ptr{Variable: lv, Dir: rvar.PtrBoth}
	if err := e.Call("reverse", nil, ptr); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(lv.Payload) != "olleH" {
		t.Errorf("reverse synced back %q, want %q", lv.Payload, "olleH")
	}
}

func TestCallUnknownSymbol(t *testing.T) {
	e, _ := testExecutor(t)

	err := e.Call("no_such_function", nil)
	if err == nil {
		t.Fatal("expected error for undefined symbol")
	}
}

func TestSymbolResolution(t *testing.T) {
	e, _ := testExecutor(t)

	addr, err := e.Symbol("sum")
	if err != nil {
		t.Fatalf("Symbol: %v", err)
	}
	if addr != 0x401000 {
		t.Errorf("Symbol(sum) = %#x, want 0x401000", addr)
	}

	if _, err := e.Symbol("missing"); err == nil {
		t.Error("expected error for unresolved symbol")
	}
}

func TestOperationsRequireRunningSession(t *testing.T) {
	e := New(Config{})

	if err := e.Allocate(&rvar.IntLike{Width: 8}, false); !errors.Is(err, serrors.ErrSessionNotRunning) {
		t.Errorf("Allocate on idle session = %v, want ErrSessionNotRunning", err)
	}
	if err := e.Call("sum", nil); !errors.Is(err, serrors.ErrSessionNotRunning) {
		t.Errorf("Call on idle session = %v, want ErrSessionNotRunning", err)
	}
	if e.IsActive() {
		t.Error("idle session reports active")
	}
}

func TestEnvKnobs(t *testing.T) {
	t.Setenv(EnvUseUnotify, "")
	if UseUnotify() {
		t.Error("UseUnotify default should be false")
	}
	t.Setenv(EnvUseUnotify, "1")
	if !UseUnotify() {
		t.Error("UseUnotify not honoring opt-in")
	}

	t.Setenv(EnvGraceWindow, "")
	if GraceWindow() != defaultGraceWindow {
		t.Errorf("GraceWindow default = %v, want %v", GraceWindow(), defaultGraceWindow)
	}
	t.Setenv(EnvGraceWindow, "7")
	if GraceWindow() != 7*time.Second {
		t.Errorf("GraceWindow = %v, want 7s", GraceWindow())
	}
	t.Setenv(EnvGraceWindow, "bogus")
	if GraceWindow() != defaultGraceWindow {
		t.Errorf("GraceWindow with bad value = %v, want default", GraceWindow())
	}
}
