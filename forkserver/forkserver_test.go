package forkserver

import (
	"net"
	"os"
	"strings"
	"syscall"
	"testing"

	"sandbox2/comms"
	serrors "sandbox2/errors"
	"sandbox2/policy"
	"sandbox2/syscalltable"
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

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.NewBuilder(syscalltable.ArchX8664).
		AllowSyscall("read", "write", "exit_group").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return p
}

func TestValidateFdMappings(t *testing.T) {
	ok := []FdMapping{{LocalFd: 10, RemoteFd: 1}, {LocalFd: 11, RemoteFd: 2, Name: "errlog"}}
	if err := validateFdMappings(ok); err != nil {
		t.Fatalf("unique mappings rejected: %v", err)
	}

	dup := []FdMapping{{LocalFd: 10, RemoteFd: 2}, {LocalFd: 11, RemoteFd: 2}}
	if err := validateFdMappings(dup); err == nil {
		t.Fatal("expected error for duplicate remote_fd")
	} else if !serrors.IsKind(err, serrors.ErrInvalidArgument) {
		t.Errorf("kind = %v, want InvalidArgument", err)
	}
}

func TestNewSpawnRequestCarriesPolicy(t *testing.T) {
	pol := testPolicy(t)
	req, err := NewSpawnRequest(pol, []FdMapping{{LocalFd: 5, RemoteFd: 2}}, []string{"A=1"}, "/tmp", 1000, 1000)
	if err != nil {
		t.Fatalf("NewSpawnRequest: %v", err)
	}
	if len(req.PolicyBytes) == 0 {
		t.Fatal("SpawnRequest has no compiled policy bytes")
	}
	if req.Cwd != "/tmp" || req.UID != 1000 || req.GID != 1000 {
		t.Errorf("process fields not carried: %+v", req)
	}
}

func TestNewSpawnRequestRejectsDuplicateRemoteFd(t *testing.T) {
	pol := testPolicy(t)
	_, err := NewSpawnRequest(pol, []FdMapping{{LocalFd: 5, RemoteFd: 2}, {LocalFd: 6, RemoteFd: 2}}, nil, "", 0, 0)
	if err == nil {
		t.Fatal("expected duplicate remote_fd to be rejected at build time")
	}
}

func TestSpawnRequestGobRoundTrip(t *testing.T) {
	pol := testPolicy(t)
	req, err := NewSpawnRequest(pol, []FdMapping{{LocalFd: 5, RemoteFd: 2, Name: "stderr"}}, []string{"HOME=/"}, "/", 0, 0)
	if err != nil {
		t.Fatalf("NewSpawnRequest: %v", err)
	}
	req.Hostname = "sandboxee"

	payload, err := encodeGob(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got SpawnRequest
	if err := decodeGob(payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Hostname != "sandboxee" || got.Cwd != "/" || len(got.FdMappings) != 1 {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if len(got.PolicyBytes) != len(req.PolicyBytes) {
		t.Errorf("policy bytes length = %d, want %d", len(got.PolicyBytes), len(req.PolicyBytes))
	}
}

// fakeHelper answers exactly one spawn request the way a real helper
// parent would: reply with a PID, then have the "child" signal ready (or
// a setup failure) on the session channel it received.
func fakeHelper(t *testing.T, ch *comms.Channel, childFrame comms.Tag, childPayload []byte) {
	t.Helper()
	frame, err := ch.RecvWithFDs(1)
	if err != nil {
		t.Errorf("helper recv: %v", err)
		return
	}
	if frame.Tag != TagSpawnRequest {
		t.Errorf("helper got tag %v, want TagSpawnRequest", frame.Tag)
		return
	}
	var req SpawnRequest
	if err := decodeGob(frame.Payload, &req); err != nil {
		t.Errorf("helper decode: %v", err)
		return
	}
	if len(frame.FDs) != 1 {
		t.Errorf("helper got %d fds, want 1", len(frame.FDs))
		return
	}

	payload, _ := encodeGob(SpawnResponse{PID: 4242})
	if err := ch.Send(TagSpawnResponse, payload); err != nil {
		t.Errorf("helper send response: %v", err)
		return
	}

	sf := os.NewFile(uintptr(frame.FDs[0]), "session")
	conn, err := net.FileConn(sf)
	sf.Close()
	if err != nil {
		t.Errorf("helper session FileConn: %v", err)
		return
	}
	sess := comms.NewChannel(conn.(*net.UnixConn))
	defer sess.Close()
	if err := sess.Send(childFrame, childPayload); err != nil {
		t.Errorf("helper session send: %v", err)
	}
}

func TestSpawnHandshake(t *testing.T) {
	supCh, helperCh := socketpair(t)
	defer supCh.Close()
	defer helperCh.Close()

	go fakeHelper(t, helperCh, TagChildReady, nil)

	fs := &ForkServer{ch: supCh}
	req, err := NewSpawnRequest(testPolicy(t), nil, nil, "", 0, 0)
	if err != nil {
		t.Fatalf("NewSpawnRequest: %v", err)
	}

	sbx, err := fs.Spawn(req)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer sbx.Channel.Close()
	if sbx.PID != 4242 {
		t.Errorf("pid = %d, want 4242", sbx.PID)
	}
	if sbx.NotifyFd != -1 {
		t.Errorf("NotifyFd = %d, want -1 when none was requested", sbx.NotifyFd)
	}
}

func TestSpawnReportsSetupError(t *testing.T) {
	supCh, helperCh := socketpair(t)
	defer supCh.Close()
	defer helperCh.Close()

	go fakeHelper(t, helperCh, TagSetupError, []byte("mount view failed"))

	fs := &ForkServer{ch: supCh}
	req, err := NewSpawnRequest(testPolicy(t), nil, nil, "", 0, 0)
	if err != nil {
		t.Fatalf("NewSpawnRequest: %v", err)
	}

	_, err = fs.Spawn(req)
	if err == nil {
		t.Fatal("expected setup error")
	}
	if !strings.Contains(err.Error(), "mount view failed") {
		t.Errorf("error %q does not carry the child's setup report", err)
	}
}
