package controlchannel

import (
	"encoding/binary"
	"errors"

	"github.com/davidcawork/openflow/datapath"
	"github.com/davidcawork/openflow/ofp10"
	"github.com/davidcawork/openflow/pipeline"
)

// statsReqHeaderLen is the fixed ofp_stats_request/reply header: a
// 16-bit stats type plus 16-bit flags, immediately following the
// OpenFlow header.
const statsReqHeaderLen = 4

// errNoSpace signals the per-flow dumper's live-lock guard of §4.8: "A
// flow larger than the reply buffer with no prior output yields
// NO_SPACE."
var errNoSpace = errors.New("controlchannel: record larger than reply buffer")

// statsFragmentBudget bounds how large this engine tries to make each
// reply fragment before starting a new one. It is comfortably under
// MaxMessage so the fixed ofp_stats_reply header and OpenFlow header
// always fit alongside at least one record.
const statsFragmentBudget = 4096

// dumper is the uniform interface of §4.8: init happens in
// newDumper, fill appends as much of the dump as fits within budget
// bytes to f (returning more == true if additional fragments remain),
// and done releases any held state. Concrete dumpers hold their own
// iteration position so resuming is just calling fill again.
type dumper interface {
	fill(f *frame, budget int) (more bool, err error)
	statsType() ofp10.StatsType
	done()
}

// newDumper constructs the concrete dumper for a STATS_REQUEST,
// per §4.8's dumper table.
func newDumper(dp *datapath.Datapath, params datapath.ModuleParams, statType ofp10.StatsType, body []byte) (dumper, error) {
	switch statType {
	case ofp10.StatsTypeDesc:
		return &descDumper{dp: dp, params: params}, nil
	case ofp10.StatsTypeFlow:
		sel, err := parseSelector(body)
		if err != nil {
			return nil, err
		}
		return &flowDumper{dp: dp, sel: sel}, nil
	case ofp10.StatsTypeAggregate:
		sel, err := parseSelector(body)
		if err != nil {
			return nil, err
		}
		return &aggregateDumper{dp: dp, sel: sel}, nil
	case ofp10.StatsTypeTable:
		return &tableDumper{dp: dp}, nil
	case ofp10.StatsTypePort:
		var portNo uint16 = ofp10.PortNone
		if len(body) >= 2 {
			portNo = binary.BigEndian.Uint16(body[0:2])
		}
		return &portDumper{dp: dp, portNo: portNo}, nil
	case ofp10.StatsTypeVendor:
		return &vendorDumper{dp: dp, body: body}, nil
	default:
		return nil, errUnknownStatsType
	}
}

var errUnknownStatsType = errors.New("controlchannel: unknown stats type")

// parseSelector decodes the common (match, table, out_port) body
// shared by the per-flow and aggregate stats requests: ofp_match (40
// bytes) + 1 byte table id + 1 byte pad + 2 bytes out_port.
func parseSelector(body []byte) (pipeline.Selector, error) {
	const selLen = matchLen + 1 + 1 + 2
	if len(body) < selLen {
		return pipeline.Selector{}, errors.New("controlchannel: stats request body too short")
	}
	return pipeline.Selector{
		Table:   body[matchLen],
		Match:   parseMatch(body[0:matchLen]),
		OutPort: binary.BigEndian.Uint16(body[matchLen+2 : matchLen+4]),
	}, nil
}

// descDumper implements the single-fragment OFPST_DESC reply.
type descDumper struct {
	dp     *datapath.Datapath
	params datapath.ModuleParams
	sent   bool
}

func (d *descDumper) statsType() ofp10.StatsType { return ofp10.StatsTypeDesc }
func (d *descDumper) done()                      {}

func (d *descDumper) fill(f *frame, _ int) (bool, error) {
	if d.sent {
		return false, nil
	}
	buf := f.reserve(ofp10.DescLen*4 + ofp10.SerialNumLen)
	putFixedString(buf[0:ofp10.DescLen], d.params.Manufacturer)
	putFixedString(buf[ofp10.DescLen:2*ofp10.DescLen], d.params.Hardware)
	putFixedString(buf[2*ofp10.DescLen:3*ofp10.DescLen], d.params.Software)
	putFixedString(buf[3*ofp10.DescLen:3*ofp10.DescLen+ofp10.SerialNumLen], d.params.Serial)
	putFixedString(buf[3*ofp10.DescLen+ofp10.SerialNumLen:], d.dp.Description)
	d.sent = true
	return false, nil
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// flowRecordLen reports the wire size of fl's ofp_flow_stats record:
// the fixed head plus 8 bytes per ActionOutput (this core does not
// serialize other action kinds, since pipeline.Action carries no body
// for them).
func flowRecordLen(fl pipeline.Flow) int {
	const fixedHead = 2 + 1 + 1 + matchLen + 4 + 4 + 2 + 2 + 2 + 6 + 8 + 8 + 8
	n := fixedHead
	for _, a := range fl.Actions {
		if a.Kind == pipeline.ActionOutput {
			n += 8
		}
	}
	return n
}

func putFlowRecord(buf []byte, fl pipeline.Flow, duration uint32, durationNsec uint32) {
	const fixedHead = 2 + 1 + 1 + matchLen + 4 + 4 + 2 + 2 + 2 + 6 + 8 + 8 + 8
	binary.BigEndian.PutUint16(buf[0:2], uint16(flowRecordLen(fl)))
	buf[2] = fl.Table
	buf[3] = 0
	putMatch(buf[4:4+matchLen], fl.Match)
	rest := buf[4+matchLen:]
	binary.BigEndian.PutUint32(rest[0:4], duration)
	binary.BigEndian.PutUint32(rest[4:8], durationNsec)
	binary.BigEndian.PutUint16(rest[8:10], fl.Priority)
	binary.BigEndian.PutUint16(rest[10:12], fl.IdleTimeout)
	binary.BigEndian.PutUint16(rest[12:14], fl.HardTimeout)
	// rest[14:20] pad
	binary.BigEndian.PutUint64(rest[20:28], 0) // cookie, not modelled
	binary.BigEndian.PutUint64(rest[28:36], fl.Packets)
	binary.BigEndian.PutUint64(rest[36:44], fl.Bytes)

	actions := buf[fixedHead:]
	i := 0
	for _, a := range fl.Actions {
		if a.Kind != pipeline.ActionOutput {
			continue
		}
		binary.BigEndian.PutUint16(actions[i:i+2], 0) // OFPAT_OUTPUT == 0
		binary.BigEndian.PutUint16(actions[i+2:i+4], 8)
		binary.BigEndian.PutUint16(actions[i+4:i+6], a.Port)
		binary.BigEndian.PutUint16(actions[i+6:i+8], a.MaxLen)
		i += 8
	}
}

// flowDumper implements the resumable per-flow OFPST_FLOW dumper.
type flowDumper struct {
	dp     *datapath.Datapath
	sel    pipeline.Selector
	cursor pipeline.Cursor
	done_  bool
}

func (d *flowDumper) statsType() ofp10.StatsType { return ofp10.StatsTypeFlow }
func (d *flowDumper) done()                      {}

func (d *flowDumper) fill(f *frame, budget int) (bool, error) {
	if d.done_ {
		return false, nil
	}

	wrote := 0
	more := false
	var fillErr error

	d.dp.Pipeline.Dump(d.sel, d.cursor, func(fl pipeline.Flow, next pipeline.Cursor) bool {
		recLen := flowRecordLen(fl)
		if wrote == 0 && recLen > budget {
			fillErr = errNoSpace
			return false
		}
		if wrote+recLen > budget {
			more = true
			return false
		}

		putFlowRecord(f.reserve(recLen), fl, 0, 0)
		wrote += recLen
		d.cursor = next
		return true
	})

	if fillErr != nil {
		return false, fillErr
	}
	if !more {
		d.done_ = true
	}
	return more, nil
}

// aggregateDumper implements the single-fragment OFPST_AGGREGATE
// dumper: it folds every matching flow's counters into one reply
// record, per §4.8.
type aggregateDumper struct {
	dp   *datapath.Datapath
	sel  pipeline.Selector
	sent bool
}

func (d *aggregateDumper) statsType() ofp10.StatsType { return ofp10.StatsTypeAggregate }
func (d *aggregateDumper) done()                      {}

func (d *aggregateDumper) fill(f *frame, _ int) (bool, error) {
	if d.sent {
		return false, nil
	}

	var packets, bytes uint64
	var count uint32
	d.dp.Pipeline.Dump(d.sel, pipeline.Cursor{}, func(fl pipeline.Flow, _ pipeline.Cursor) bool {
		packets += fl.Packets
		bytes += fl.Bytes
		count++
		return true
	})

	buf := f.reserve(24)
	binary.BigEndian.PutUint64(buf[0:8], packets)
	binary.BigEndian.PutUint64(buf[8:16], bytes)
	binary.BigEndian.PutUint32(buf[16:20], count)
	d.sent = true
	return false, nil
}

// tableDumper implements the per-table OFPST_TABLE dumper: one
// fixed-size record per table. This core's Pipeline interface (§1, an
// external collaborator) does not expose per-table names or wildcard
// support masks, so those fields are emitted as documented
// placeholders rather than fabricated data.
type tableDumper struct {
	dp   *datapath.Datapath
	next int
}

func (d *tableDumper) statsType() ofp10.StatsType { return ofp10.StatsTypeTable }
func (d *tableDumper) done()                      {}

const tableRecordLen = 1 + 3 + 32 + 4 + 4 + 4 + 8 + 8

func (d *tableDumper) fill(f *frame, budget int) (bool, error) {
	total := d.dp.Pipeline.Tables()
	wrote := 0
	for d.next < total {
		if wrote+tableRecordLen > budget {
			if wrote == 0 {
				return false, errNoSpace
			}
			return true, nil
		}
		buf := f.reserve(tableRecordLen)
		buf[0] = uint8(d.next)
		putFixedString(buf[4:36], "table")
		binary.BigEndian.PutUint32(buf[36:40], 0) // wildcards supported, not modelled
		binary.BigEndian.PutUint32(buf[40:44], 0) // max_entries, not modelled
		binary.BigEndian.PutUint32(buf[44:48], 0) // active_count, not modelled
		binary.BigEndian.PutUint64(buf[48:56], 0) // lookup_count
		binary.BigEndian.PutUint64(buf[56:64], 0) // matched_count
		wrote += tableRecordLen
		d.next++
	}
	return false, nil
}

// portDumper implements the per-port OFPST_PORT dumper. A selector of
// PortNone iterates every numeric port then the local port, per §4.8;
// otherwise it emits a single record.
type portDumper struct {
	dp     *datapath.Datapath
	portNo uint16
	ports  []*datapath.Port
	idx    int
	listed bool
}

func (d *portDumper) statsType() ofp10.StatsType { return ofp10.StatsTypePort }
func (d *portDumper) done()                      {}

const portRecordLen = 2 + 6 + 8*12

func (d *portDumper) fill(f *frame, budget int) (bool, error) {
	if !d.listed {
		if d.portNo == ofp10.PortNone {
			d.ports = append(d.dp.Ports(), d.dp.LocalPort())
		} else if p, ok := d.dp.Port(datapath.PortNo(d.portNo)); ok {
			d.ports = []*datapath.Port{p}
		}
		d.listed = true
	}

	wrote := 0
	for d.idx < len(d.ports) {
		if wrote+portRecordLen > budget {
			if wrote == 0 {
				return false, errNoSpace
			}
			return true, nil
		}
		putPortStats(f.reserve(portRecordLen), d.ports[d.idx])
		wrote += portRecordLen
		d.idx++
	}
	return false, nil
}

func putPortStats(buf []byte, p *datapath.Port) {
	c := p.Counters()
	binary.BigEndian.PutUint16(buf[0:2], uint16(p.PortNo))
	rest := buf[8:]
	binary.BigEndian.PutUint64(rest[0:8], c.RxPackets)
	binary.BigEndian.PutUint64(rest[8:16], c.TxPackets)
	binary.BigEndian.PutUint64(rest[16:24], c.RxBytes)
	binary.BigEndian.PutUint64(rest[24:32], c.TxBytes)
	binary.BigEndian.PutUint64(rest[32:40], c.RxDropped)
	binary.BigEndian.PutUint64(rest[40:48], c.TxDropped)
	binary.BigEndian.PutUint64(rest[48:56], c.RxErrors)
	binary.BigEndian.PutUint64(rest[56:64], c.TxErrors)
	// rx_frame_err/rx_over_err/rx_crc_err/collisions: not modelled by
	// netif.Interface, left zero.
}

// vendorDumper demultiplexes on a 32-bit vendor id at the head of the
// request body, per §4.8. No vendor extensions are registered by this
// core, so every request fails with BadStat — the dispatcher turns
// that into an OFPET_BAD_REQUEST/OFPBRC_BAD_STAT error reply.
type vendorDumper struct {
	dp   *datapath.Datapath
	body []byte
}

func (d *vendorDumper) statsType() ofp10.StatsType { return ofp10.StatsTypeVendor }
func (d *vendorDumper) done()                      {}

func (d *vendorDumper) fill(*frame, int) (bool, error) {
	return false, errUnknownVendor
}

var errUnknownVendor = errors.New("controlchannel: unknown vendor id")
