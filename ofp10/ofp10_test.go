package ofp10

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPutHeaderParseHeaderRoundTrip(t *testing.T) {
	want := Header{Version: Version, Type: TypeFlowMod, Length: 72, Xid: 0xdeadbeef}

	buf := make([]byte, HeaderLen)
	PutHeader(buf, want)

	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("header round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPutHeaderWireBytes(t *testing.T) {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, Header{Version: Version, Type: TypeHello, Length: 8, Xid: 1})

	want := []byte{0x01, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Fatalf("wire bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHeaderShort(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderLen-1))
	if err == nil {
		t.Fatal("ParseHeader: want error on short buffer, got nil")
	}
	if !strings.Contains(err.Error(), "short header") {
		t.Fatalf("ParseHeader error = %q, want it to mention a short header", err.Error())
	}
}

func TestReservedPortsDistinct(t *testing.T) {
	ports := []uint16{PortMax, PortInPort, PortTable, PortNormal, PortFlood, PortAll, PortController, PortLocal, PortNone}
	seen := make(map[uint16]bool, len(ports))
	for _, p := range ports {
		if seen[p] {
			t.Fatalf("reserved port 0x%04x listed more than once", p)
		}
		seen[p] = true
	}
}

func TestStatsReplyFlagMoreIsLowBit(t *testing.T) {
	if StatsReplyFlagMore != 1 {
		t.Fatalf("StatsReplyFlagMore = %d, want 1", StatsReplyFlagMore)
	}
}
