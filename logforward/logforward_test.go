package logforward

import (
	"bytes"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
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

// syncBuffer guards a bytes.Buffer the slog handler writes from the
// forwarder goroutine while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestForwarderReplaysRecords(t *testing.T) {
	sinkCh, fwdCh := socketpair(t)
	defer sinkCh.Close()
	defer fwdCh.Close()

	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	fwd := NewForwarder(fwdCh, logger, 1234)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.Run()
	}()

	sink := NewSink(sinkCh)
	if err := sink.Info("library loaded", "version=3"); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if err := sink.Error("allocation failed"); err != nil {
		t.Fatalf("Error: %v", err)
	}

	sinkCh.Close()
	<-done

	got := out.String()
	for _, want := range []string{"library loaded", "version=3", "allocation failed", "sandboxee_pid=1234"} {
		if !strings.Contains(got, want) {
			t.Errorf("forwarded output missing %q:\n%s", want, got)
		}
	}
	if !strings.Contains(got, "level=ERROR") {
		t.Errorf("error record lost its level:\n%s", got)
	}
}

func TestForwarderIgnoresForeignFrames(t *testing.T) {
	sinkCh, fwdCh := socketpair(t)
	defer sinkCh.Close()
	defer fwdCh.Close()

	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))

	fwd := NewForwarder(fwdCh, logger, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.Run()
	}()

	// Garbage tag, then garbage payload under the right tag, then one
	// good record.
	if err := sinkCh.Send(comms.TagBytes, []byte("noise")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sinkCh.Send(TagLog, []byte{0xff, 0x00, 0x13}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sink := NewSink(sinkCh)
	if err := sink.Warn("still alive"); err != nil {
		t.Fatalf("Warn: %v", err)
	}

	sinkCh.Close()
	<-done

	if !strings.Contains(out.String(), "still alive") {
		t.Errorf("forwarder died on garbage before the good record:\n%s", out.String())
	}
}
