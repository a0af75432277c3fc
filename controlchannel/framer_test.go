package controlchannel

import (
	"testing"

	"github.com/davidcawork/openflow/ofp10"
)

func TestFrameFinishPatchesLength(t *testing.T) {
	f := newFrame(ofp10.TypeFeaturesReply, 99, 32)
	f.append([]byte{1, 2, 3, 4})

	buf, err := f.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	hdr, err := ofp10.ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if int(hdr.Length) != len(buf) {
		t.Fatalf("header length = %d, want %d (actual buffer size)", hdr.Length, len(buf))
	}
	if hdr.Xid != 99 {
		t.Fatalf("header xid = %d, want 99", hdr.Xid)
	}
	if hdr.Type != ofp10.TypeFeaturesReply {
		t.Fatalf("header type = %v, want TypeFeaturesReply", hdr.Type)
	}
}

func TestFrameReserveFillsInPlace(t *testing.T) {
	f := newFrame(ofp10.TypeStatsReply, 1, 16)

	rec := f.reserve(4)
	rec[0], rec[1], rec[2], rec[3] = 0xde, 0xad, 0xbe, 0xef

	buf, err := f.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	got := buf[ofp10.HeaderLen:]
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reserved bytes = % x, want % x", got, want)
		}
	}
}

func TestFrameFinishTooLarge(t *testing.T) {
	f := newFrame(ofp10.TypeStatsReply, 1, 0)
	f.append(make([]byte, MaxMessage))

	if _, err := f.finish(); err != ErrTooLarge {
		t.Fatalf("finish of an oversized frame = %v, want ErrTooLarge", err)
	}
}

func TestFrameSizeTracksAppends(t *testing.T) {
	f := newFrame(ofp10.TypeHello, 0, 0)
	if f.size() != ofp10.HeaderLen {
		t.Fatalf("initial size = %d, want %d", f.size(), ofp10.HeaderLen)
	}
	f.append([]byte{1, 2, 3})
	if f.size() != ofp10.HeaderLen+3 {
		t.Fatalf("size after append = %d, want %d", f.size(), ofp10.HeaderLen+3)
	}
}
