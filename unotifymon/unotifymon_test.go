package unotifymon

import (
	"encoding/binary"
	"testing"
)

func TestDecodeNotifRoundTrip(t *testing.T) {
	buf := make([]byte, sizeofSeccompNotif)
	binary.LittleEndian.PutUint64(buf[0:8], 42)
	binary.LittleEndian.PutUint32(buf[8:12], 1234)
	wantNr := int32(-1)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(wantNr))
	binary.LittleEndian.PutUint32(buf[20:24], 0xc000003e)
	argsOff := 16 + 16
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint64(buf[argsOff+i*8:argsOff+i*8+8], uint64(i+1))
	}

	req := decodeNotif(buf)
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.PID != 1234 {
		t.Errorf("PID = %d, want 1234", req.PID)
	}
	if req.Nr != -1 {
		t.Errorf("Nr = %d, want -1", req.Nr)
	}
	for i := 0; i < 6; i++ {
		if req.Args[i] != uint64(i+1) {
			t.Errorf("Args[%d] = %d, want %d", i, req.Args[i], i+1)
		}
	}
}

func TestIoctlNumbersAreDistinct(t *testing.T) {
	if ioctlNotifRecv == ioctlNotifSend {
		t.Fatal("NOTIF_RECV and NOTIF_SEND ioctl numbers collide")
	}
	// Both must encode the read|write direction since both copy a
	// struct into and out of the kernel.
	if ioctlNotifRecv>>iocDirShift&0x3 != iocRead|iocWrite {
		t.Errorf("ioctlNotifRecv direction bits = %#x, want read|write", ioctlNotifRecv>>iocDirShift&0x3)
	}
}

func TestSupportedIsStable(t *testing.T) {
	// Kernel support cannot appear or vanish mid-process; the cached
	// probe must answer identically every time.
	first := Supported()
	for i := 0; i < 3; i++ {
		if Supported() != first {
			t.Fatal("Supported() changed answer between calls")
		}
	}
}
