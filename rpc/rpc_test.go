package rpc

import (
	"net"
	"os"
	"syscall"
	"testing"

	"sandbox2/comms"
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

type fakeDispatcher struct {
	val uint64
	err error
}

func (f fakeDispatcher) Dispatch(Call) (uint64, error) { return f.val, f.err }

func TestInvokeRoundTrip(t *testing.T) {
	clientCh, serverCh := socketpair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	client := NewClient(clientCh)
	server := NewServer(serverCh, fakeDispatcher{val: 42})

	done := make(chan error, 1)
	go func() { done <- server.ServeOne() }()

	res, err := client.Invoke(Call{Symbol: "double", Args: []uint64{21}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Value != 42 {
		t.Fatalf("Value = %d, want 42", res.Value)
	}
	if err := <-done; err != nil {
		t.Fatalf("ServeOne: %v", err)
	}
}

func TestInvokeMalformedCall(t *testing.T) {
	clientCh, serverCh := socketpair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	client := NewClient(clientCh)
	if _, err := client.Invoke(Call{}); err == nil {
		t.Fatal("expected error for call with no symbol and no address")
	}
}

func TestInvokeTooManyArgs(t *testing.T) {
	clientCh, serverCh := socketpair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	client := NewClient(clientCh)
	call := Call{Symbol: "f", Args: make([]uint64, maxCallArgs+1)}
	if _, err := client.Invoke(call); err == nil {
		t.Fatal("expected ErrTooManyArgs")
	}
}

func TestInvokePropagatesDispatchError(t *testing.T) {
	clientCh, serverCh := socketpair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	client := NewClient(clientCh)
	server := NewServer(serverCh, fakeDispatcher{err: errSymbolNotFound{}})

	go server.ServeOne()

	_, err := client.Invoke(Call{Symbol: "missing"})
	if err == nil {
		t.Fatal("expected error from failed dispatch")
	}
}

type errSymbolNotFound struct{}

func (errSymbolNotFound) Error() string { return "symbol not found" }
