package controlchannel

import (
	"net"
	"testing"

	"github.com/davidcawork/openflow/datapath"
	"github.com/davidcawork/openflow/netif"
	"github.com/davidcawork/openflow/ofp10"
	"github.com/davidcawork/openflow/pipeline"
)

func newStatsTestDatapath(t *testing.T) *datapath.Datapath {
	t.Helper()
	mgr := netif.NewFake()
	reg := datapath.NewRegistry(mgr, datapath.Config{}, nil)
	t.Cleanup(reg.Shutdown)

	local := netif.NewFakeInterface("dp0-local", net.HardwareAddr{2, 0, 0, 0, 0, 1})
	dp, err := reg.Create(-1, "dp0", local)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return dp
}

func drainFrame(t *testing.T, f *frame) []byte {
	t.Helper()
	buf, err := f.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return buf[ofp10.HeaderLen:]
}

func TestNewDumperUnknownStatsType(t *testing.T) {
	dp := newStatsTestDatapath(t)
	_, err := newDumper(dp, datapath.ModuleParams{}, ofp10.StatsType(0xff), nil)
	if err != errUnknownStatsType {
		t.Fatalf("newDumper(unknown) = %v, want errUnknownStatsType", err)
	}
}

func TestDescDumperSingleFragmentThenDone(t *testing.T) {
	dp := newStatsTestDatapath(t)
	params := datapath.ModuleParams{Manufacturer: "acme", Hardware: "hw", Software: "sw", Serial: "1"}
	d, err := newDumper(dp, params, ofp10.StatsTypeDesc, nil)
	if err != nil {
		t.Fatalf("newDumper: %v", err)
	}

	f := newFrame(ofp10.TypeStatsReply, 1, 1024)
	more, err := d.fill(f, statsFragmentBudget)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if more {
		t.Fatal("first fill of descDumper: want more == false")
	}

	more, err = d.fill(f, statsFragmentBudget)
	if err != nil || more {
		t.Fatalf("second fill = (%v, %v), want (false, nil)", more, err)
	}
}

func TestFlowDumperNoSpaceOnOversizedSingleRecord(t *testing.T) {
	dp := newStatsTestDatapath(t)
	fl := pipeline.Flow{
		Table:    0,
		Priority: 1,
		Actions:  []pipeline.Action{{Kind: pipeline.ActionOutput, Port: 1}},
	}
	if err := dp.Pipeline.Insert(fl); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	body := make([]byte, 1+1+matchLen+2+2)
	body[matchLen+2], body[matchLen+3] = 0xff, 0xff // out_port = OFPP_NONE
	d, err := newDumper(dp, datapath.ModuleParams{}, ofp10.StatsTypeFlow, body)
	if err != nil {
		t.Fatalf("newDumper: %v", err)
	}

	f := newFrame(ofp10.TypeStatsReply, 1, 1024)
	if _, err := d.fill(f, 1); err != errNoSpace {
		t.Fatalf("fill with a 1-byte budget = %v, want errNoSpace", err)
	}
}

func TestFlowDumperFillsThenDone(t *testing.T) {
	dp := newStatsTestDatapath(t)
	for i := uint16(1); i <= 3; i++ {
		fl := pipeline.Flow{
			Table:    0,
			Priority: i,
			Match:    pipeline.Match{InPort: i},
			Actions:  []pipeline.Action{{Kind: pipeline.ActionOutput, Port: i}},
		}
		if err := dp.Pipeline.Insert(fl); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	sel := pipeline.Selector{Table: ofp10.TableAll, OutPort: ofp10.PortNone}
	d := &flowDumper{dp: dp, sel: sel}

	f := newFrame(ofp10.TypeStatsReply, 1, 4096)
	more, err := d.fill(f, statsFragmentBudget)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if more {
		t.Fatal("fill with a generous budget and 3 small flows: want more == false")
	}

	// A second fill on an already-exhausted dumper is a no-op.
	more, err = d.fill(f, statsFragmentBudget)
	if err != nil || more {
		t.Fatalf("fill after done = (%v, %v), want (false, nil)", more, err)
	}
}

func TestAggregateDumperFoldsCounters(t *testing.T) {
	dp := newStatsTestDatapath(t)
	for i := uint16(1); i <= 2; i++ {
		fl := pipeline.Flow{
			Table:    0,
			Priority: i,
			Match:    pipeline.Match{InPort: i},
			Packets:  10,
			Bytes:    100,
		}
		if err := dp.Pipeline.Insert(fl); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	d := &aggregateDumper{dp: dp, sel: pipeline.Selector{Table: ofp10.TableAll, OutPort: ofp10.PortNone}}
	f := newFrame(ofp10.TypeStatsReply, 1, 1024)
	more, err := d.fill(f, statsFragmentBudget)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if more {
		t.Fatal("aggregateDumper.fill: want more == false (single fragment)")
	}

	body := drainFrame(t, f)
	if len(body) != 24 {
		t.Fatalf("aggregate record length = %d, want 24", len(body))
	}
}

func TestTableDumperOneRecordPerTable(t *testing.T) {
	dp := newStatsTestDatapath(t)
	d := &tableDumper{dp: dp}

	f := newFrame(ofp10.TypeStatsReply, 1, 1024)
	more, err := d.fill(f, statsFragmentBudget)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if more {
		t.Fatal("tableDumper.fill with a generous budget: want more == false")
	}

	body := drainFrame(t, f)
	wantTables := dp.Pipeline.Tables()
	if len(body) != wantTables*tableRecordLen {
		t.Fatalf("table stats body length = %d, want %d (%d tables)", len(body), wantTables*tableRecordLen, wantTables)
	}
}

func TestTableDumperNoSpaceWhenBudgetTooSmall(t *testing.T) {
	dp := newStatsTestDatapath(t)
	d := &tableDumper{dp: dp}
	f := newFrame(ofp10.TypeStatsReply, 1, 1024)
	if _, err := d.fill(f, tableRecordLen-1); err != errNoSpace {
		t.Fatalf("fill with a too-small budget = %v, want errNoSpace", err)
	}
}

func TestPortDumperAllPortsIncludesLocal(t *testing.T) {
	dp := newStatsTestDatapath(t)
	d := &portDumper{dp: dp, portNo: ofp10.PortNone}

	f := newFrame(ofp10.TypeStatsReply, 1, 1024)
	more, err := d.fill(f, statsFragmentBudget)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if more {
		t.Fatal("portDumper.fill: want more == false")
	}

	body := drainFrame(t, f)
	if len(body) != portRecordLen {
		t.Fatalf("port stats body length = %d, want %d (local port only, no attached ports)", len(body), portRecordLen)
	}
}

func TestPortDumperUnknownPortYieldsNoRecords(t *testing.T) {
	dp := newStatsTestDatapath(t)
	d := &portDumper{dp: dp, portNo: 99}

	f := newFrame(ofp10.TypeStatsReply, 1, 1024)
	more, err := d.fill(f, statsFragmentBudget)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if more {
		t.Fatal("portDumper.fill for an unknown port: want more == false")
	}
	if body := drainFrame(t, f); len(body) != 0 {
		t.Fatalf("body length = %d, want 0", len(body))
	}
}

func TestVendorDumperAlwaysErrors(t *testing.T) {
	dp := newStatsTestDatapath(t)
	d := &vendorDumper{dp: dp, body: []byte{0, 0, 0, 1}}
	f := newFrame(ofp10.TypeStatsReply, 1, 1024)
	if _, err := d.fill(f, statsFragmentBudget); err != errUnknownVendor {
		t.Fatalf("vendorDumper.fill = %v, want errUnknownVendor", err)
	}
}

func TestParseSelectorTooShort(t *testing.T) {
	if _, err := parseSelector(make([]byte, 4)); err == nil {
		t.Fatal("parseSelector on a too-short body: want error")
	}
}

func TestParseSelectorDecodesTableAndOutPort(t *testing.T) {
	body := make([]byte, matchLen+1+1+2)
	body[matchLen] = 3
	body[matchLen+2] = 0x00
	body[matchLen+3] = 0x05

	sel, err := parseSelector(body)
	if err != nil {
		t.Fatalf("parseSelector: %v", err)
	}
	if sel.Table != 3 {
		t.Fatalf("Table = %d, want 3", sel.Table)
	}
	if sel.OutPort != 5 {
		t.Fatalf("OutPort = %d, want 5", sel.OutPort)
	}
}
