package rvar

import "testing"

func TestIntLikeRoundTrip(t *testing.T) {
	for _, width := range []int{1, 2, 4, 8} {
		v := &IntLike{Width: width, Value: -42}
		buf, err := v.Marshal()
		if err != nil {
			t.Fatalf("width %d: Marshal: %v", width, err)
		}
		if uint64(len(buf)) != v.Size() {
			t.Fatalf("width %d: len(buf) = %d, want %d", width, len(buf), v.Size())
		}
		got := &IntLike{Width: width}
		if err := got.Unmarshal(buf); err != nil {
			t.Fatalf("width %d: Unmarshal: %v", width, err)
		}
		if got.Value != -42 {
			t.Fatalf("width %d: got.Value = %d, want -42", width, got.Value)
		}
	}
}

func TestIntLikeUnsupportedWidth(t *testing.T) {
	v := &IntLike{Width: 3, Value: 1}
	if _, err := v.Marshal(); err == nil {
		t.Fatal("expected error for unsupported width")
	}
}

func TestFloatLikeRoundTrip(t *testing.T) {
	for _, width := range []int{4, 8} {
		v := &FloatLike{Width: width, Value: 3.5}
		buf, err := v.Marshal()
		if err != nil {
			t.Fatalf("width %d: Marshal: %v", width, err)
		}
		got := &FloatLike{Width: width}
		if err := got.Unmarshal(buf); err != nil {
			t.Fatalf("width %d: Unmarshal: %v", width, err)
		}
		if got.Value != 3.5 {
			t.Fatalf("width %d: got.Value = %v, want 3.5", width, got.Value)
		}
	}
}

func TestFixedArrayRoundTrip(t *testing.T) {
	v := &FixedArray{Data: make([]byte, 4)}
	if err := v.Unmarshal([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	buf, err := v.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(buf) != "\x01\x02\x03\x04" {
		t.Fatalf("buf = %v, want [1 2 3 4]", buf)
	}
}

func TestFixedArrayShortBuffer(t *testing.T) {
	v := &FixedArray{Data: make([]byte, 4)}
	if err := v.Unmarshal([]byte{1, 2}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestLengthValueRoundTrip(t *testing.T) {
	v := &LengthValue{Payload: []byte("hello")}
	buf, err := v.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := &LengthValue{}
	if err := got.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("got.Payload = %q, want hello", got.Payload)
	}
}

func TestLengthValueHeaderThenPayload(t *testing.T) {
	v := &LengthValue{Payload: []byte("abc")}
	header := v.Header()

	got := &LengthValue{}
	if err := got.SetLengthFromHeader(header); err != nil {
		t.Fatalf("SetLengthFromHeader: %v", err)
	}
	if len(got.Payload) != 3 {
		t.Fatalf("len(got.Payload) = %d, want 3", len(got.Payload))
	}
}

func TestProtoRoundTrip(t *testing.T) {
	v := &Proto{TypeID: 7, LengthValue: LengthValue{Payload: []byte("msg")}}
	buf, err := v.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := &Proto{}
	if err := got.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.TypeID != 7 || string(got.Payload) != "msg" {
		t.Fatalf("got = %+v, want TypeID=7 Payload=msg", got)
	}
}

func TestFdMarshalUnmarshal(t *testing.T) {
	v := &Fd{Remote: 99}
	buf, err := v.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := &Fd{}
	if err := got.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Remote != 99 {
		t.Fatalf("got.Remote = %d, want 99", got.Remote)
	}
}

func TestPtrSyncDirection(t *testing.T) {
	cases := []struct {
		dir    SyncDir
		before bool
		after  bool
	}{
		{PtrNone, false, false},
		{PtrBefore, true, false},
		{PtrAfter, false, true},
		{PtrBoth, true, true},
	}
	for _, c := range cases {
		p := Ptr{Variable: &IntLike{Width: 4}, Dir: c.dir}
		if p.SyncsBefore() != c.before || p.SyncsAfter() != c.after {
			t.Fatalf("dir %v: before=%v after=%v, want before=%v after=%v",
				c.dir, p.SyncsBefore(), p.SyncsAfter(), c.before, c.after)
		}
	}
}
