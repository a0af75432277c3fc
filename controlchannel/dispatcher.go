package controlchannel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log"
	"net"
	"time"

	"github.com/davidcawork/openflow/controlchannel/internal/wire"
	"github.com/davidcawork/openflow/datapath"
	"github.com/davidcawork/openflow/forwarding"
	"github.com/davidcawork/openflow/netif"
	"github.com/davidcawork/openflow/ofp10"
	"github.com/davidcawork/openflow/pipeline"
)

// ofpffSendFlowRem is the OFPFF_SEND_FLOW_REM flag of ofp_flow_mod.
const ofpffSendFlowRem uint16 = 1 << 0

// FLOW_MOD commands, per OFPFC_*.
const (
	flowModAdd uint16 = iota
	flowModModify
	flowModModifyStrict
	flowModDelete
	flowModDeleteStrict
)

// Dispatcher implements §4.7: it accepts control-channel requests and
// routes them by operation code, enforcing the elevated-privilege
// requirement on administrative operations and the OpenFlow version
// check on embedded OpenFlow messages.
type Dispatcher struct {
	Registry *datapath.Registry
	Engine   *forwarding.Engine
	Notify   *Notifications
	NetMgr   netif.Manager
	Params   datapath.ModuleParams
	Logger   *log.Logger
}

// Dispatch routes one envelope arriving on sess, per §4.7's table.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session, env wire.Envelope) {
	switch env.Op {
	case wire.OpAddDP:
		d.handleAddDP(sess, env)
	case wire.OpDelDP:
		d.handleDelDP(sess, env)
	case wire.OpQueryDP:
		d.handleQueryDP(sess, env)
	case wire.OpAddPort:
		d.handleAddPort(sess, env)
	case wire.OpDelPort:
		d.handleDelPort(sess, env)
	case wire.OpOpenFlow:
		d.handleOpenFlow(ctx, sess, env)
	default:
		d.logf("controlchannel: unknown envelope op %d from %s", env.Op, sess.id)
	}
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// requireAdmin enforces §4.7: "Administrative operations require an
// elevated-privilege credential at the transport layer."
func (d *Dispatcher) requireAdmin(sess *session, env wire.Envelope) bool {
	if sess.privileged {
		return true
	}
	d.replyEnvelopeError(sess, env, ofp10.ErrTypeHelloFailed, ofp10.HelloFailedEperm)
	return false
}

func (d *Dispatcher) replyEnvelopeError(sess *session, env wire.Envelope, errType, code uint16) {
	dpIdx := int(env.DPIdx)
	var dp *datapath.Datapath
	if dp, _ = d.Registry.Lookup(dpIdx, ""); dp == nil {
		return
	}
	d.Notify.NotifyError(dp, unicast(sess, env.Xid), env.Xid, errType, code, nil)
}

// autoAssignDPIdx is the sentinel value of envelope.DPIdx meaning
// "pick the lowest free slot", since the wire format has no separate
// presence bit for this field. Valid dp_idx values never reach this
// high (datapath.DPMax == 256).
const autoAssignDPIdx = 0xffffffff

func (d *Dispatcher) handleAddDP(sess *session, env wire.Envelope) {
	if !d.requireAdmin(sess, env) {
		return
	}

	dpIdx := -1
	if env.DPIdx != autoAssignDPIdx {
		dpIdx = int(env.DPIdx)
	}

	iface, err := d.NetMgr.Open(env.PortName)
	if err != nil {
		return
	}

	dp, err := d.Registry.Create(dpIdx, env.DPName, iface)
	if err != nil {
		return
	}

	reply := wire.Envelope{Op: wire.OpReply, DPIdx: uint32(dp.DPIdx), DPName: dp.Name, Xid: env.Xid}
	_ = sess.send(reply)
}

func (d *Dispatcher) handleDelDP(sess *session, env wire.Envelope) {
	if !d.requireAdmin(sess, env) {
		return
	}
	_ = d.Registry.Destroy(int(env.DPIdx), env.DPName)
	_ = sess.send(wire.Envelope{Op: wire.OpReply, Xid: env.Xid})
}

// handleQueryDP replies with dp_idx, name, and notification group id,
// per §4.7.
func (d *Dispatcher) handleQueryDP(sess *session, env wire.Envelope) {
	dp, err := d.Registry.Lookup(int(env.DPIdx), env.DPName)
	if err != nil {
		_ = sess.send(wire.Envelope{Op: wire.OpErrorReply, Xid: env.Xid})
		return
	}
	sess.lastDPIdx = dp.DPIdx

	reply := wire.Envelope{
		Op:      wire.OpReply,
		DPIdx:   uint32(dp.DPIdx),
		DPName:  dp.Name,
		GroupID: groupOf(dp.DPIdx),
		Xid:     env.Xid,
	}
	_ = sess.send(reply)
}

func (d *Dispatcher) handleAddPort(sess *session, env wire.Envelope) {
	if !d.requireAdmin(sess, env) {
		return
	}

	dp, err := d.Registry.Lookup(int(env.DPIdx), "")
	if err != nil {
		return
	}

	p, err := dp.AttachPort(env.PortName)
	if err != nil {
		return
	}

	d.Notify.NotifyPortStatus(dp, p, portReasonAdd)
	_ = sess.send(wire.Envelope{Op: wire.OpReply, Xid: env.Xid})
}

func (d *Dispatcher) handleDelPort(sess *session, env wire.Envelope) {
	if !d.requireAdmin(sess, env) {
		return
	}

	dp, err := d.Registry.Lookup(int(env.DPIdx), "")
	if err != nil {
		return
	}

	p, ok := findPortByName(dp, env.PortName)
	if !ok {
		return
	}
	if err := dp.DetachPort(env.PortName); err != nil {
		return
	}

	d.Notify.NotifyPortStatus(dp, p, portReasonDelete)
	_ = sess.send(wire.Envelope{Op: wire.OpReply, Xid: env.Xid})
}

func findPortByName(dp *datapath.Datapath, name string) (*datapath.Port, bool) {
	for _, p := range dp.Ports() {
		if p.Iface.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// handleOpenFlow implements the OPENFLOW row of §4.7: validate the
// embedded header's version, build the sender from sess + xid, and
// dispatch by OpenFlow message type.
func (d *Dispatcher) handleOpenFlow(ctx context.Context, sess *session, env wire.Envelope) {
	dp, err := d.Registry.Lookup(int(env.DPIdx), "")
	if err != nil {
		return
	}
	sess.lastDPIdx = dp.DPIdx

	hdr, err := ofp10.ParseHeader(env.Payload)
	if err != nil {
		return
	}
	if hdr.Version != ofp10.Version {
		d.Notify.NotifyError(dp, unicast(sess, hdr.Xid), hdr.Xid, ofp10.ErrTypeHelloFailed, ofp10.HelloFailedIncompatible, env.Payload[:min(len(env.Payload), 64)])
		return
	}

	body := env.Payload[ofp10.HeaderLen:]
	sender := unicast(sess, hdr.Xid)

	switch hdr.Type {
	case ofp10.TypeHello:
		d.Notify.NotifyHello(sess, hdr.Xid)
	case ofp10.TypeEchoRequest:
		d.Notify.NotifyEchoReply(sess, hdr.Xid, body)
	case ofp10.TypeFeaturesRequest:
		d.replyFeatures(sess, dp, hdr.Xid)
	case ofp10.TypeGetConfigRequest:
		d.replyConfig(sess, dp, hdr.Xid)
	case ofp10.TypeSetConfig:
		d.handleSetConfig(dp, body)
	case ofp10.TypePacketOut:
		d.handlePacketOut(ctx, dp, body)
	case ofp10.TypeFlowMod:
		d.handleFlowMod(dp, body)
	case ofp10.TypePortMod:
		d.handlePortMod(sess, dp, hdr.Xid, body)
	case ofp10.TypeStatsRequest:
		d.handleStatsRequest(sess, dp, hdr.Xid, body)
	case ofp10.TypeBarrierRequest:
		d.Notify.NotifyBarrierReply(sess, hdr.Xid)
	default:
		d.Notify.NotifyError(dp, sender, hdr.Xid, ofp10.ErrTypeBadRequest, ofp10.BadRequestBadType, env.Payload[:min(len(env.Payload), 64)])
	}
}

func (d *Dispatcher) replyFeatures(sess *session, dp *datapath.Datapath, xid uint32) {
	ports := dp.Ports()
	ports = append(ports, dp.LocalPort())

	f := newFrame(ofp10.TypeFeaturesReply, xid, ofp10.HeaderLen+24+portDescLen*len(ports))
	body := f.reserve(24)
	binary.BigEndian.PutUint64(body[0:8], dp.DatapathID)
	binary.BigEndian.PutUint32(body[8:12], 256) // n_buffers: matches the NewRing(256) pool Registry.Create installs by default
	body[12] = 1                                // n_tables: this core reports the pipeline as single-table from the wire's perspective
	binary.BigEndian.PutUint32(body[16:20], ofp10.CapFlowStats|ofp10.CapTableStats|ofp10.CapPortStats)
	binary.BigEndian.PutUint32(body[20:24], 1<<0) // actions: OFPAT_OUTPUT only

	for _, p := range ports {
		putPortDesc(f.reserve(portDescLen), p)
	}

	bytes, err := f.finish()
	if err != nil {
		return
	}
	_ = sess.send(wire.Envelope{Op: wire.OpReply, Payload: bytes})
}

func (d *Dispatcher) replyConfig(sess *session, dp *datapath.Datapath, xid uint32) {
	f := newFrame(ofp10.TypeGetConfigReply, xid, ofp10.HeaderLen+4)
	body := f.reserve(4)
	binary.BigEndian.PutUint16(body[0:2], uint16(dp.Flags))
	binary.BigEndian.PutUint16(body[2:4], uint16(dp.MissSendLen))
	bytes, err := f.finish()
	if err != nil {
		return
	}
	_ = sess.send(wire.Envelope{Op: wire.OpReply, Payload: bytes})
}

func (d *Dispatcher) handleSetConfig(dp *datapath.Datapath, body []byte) {
	if len(body) < 4 {
		return
	}
	dp.Flags = uint32(binary.BigEndian.Uint16(body[0:2]))
	dp.MissSendLen = uint32(binary.BigEndian.Uint16(body[2:4]))
}

func (d *Dispatcher) handlePacketOut(ctx context.Context, dp *datapath.Datapath, body []byte) {
	if len(body) < 8 {
		return
	}
	bufferID := binary.BigEndian.Uint32(body[0:4])
	inPort := binary.BigEndian.Uint16(body[4:6])
	actionsLen := binary.BigEndian.Uint16(body[6:8])
	if int(8+actionsLen) > len(body) {
		return
	}
	actions := parseActions(body[8 : 8+actionsLen])

	var frame []byte
	if bufferID == 0xffffffff {
		frame = body[8+actionsLen:]
	} else {
		buffered, ok := dp.Pool.Take(bufferID)
		if !ok {
			return
		}
		frame = buffered
	}

	for _, a := range actions {
		if a.Kind != pipeline.ActionOutput {
			continue
		}
		_ = d.Engine.Output(ctx, dp, datapath.PortNo(inPort), a.Port, frame, true)
	}
}

func (d *Dispatcher) handleFlowMod(dp *datapath.Datapath, body []byte) {
	fl, command, err := parseFlowMod(body)
	if err != nil {
		return
	}

	switch command {
	case flowModAdd, flowModModify, flowModModifyStrict:
		_ = dp.Pipeline.Insert(fl)
	case flowModDelete, flowModDeleteStrict:
		sel := pipeline.Selector{Table: fl.Table, Match: fl.Match, OutPort: ofp10.PortNone}
		_ = dp.Pipeline.Delete(sel, func(ev pipeline.RemovedEvent) {
			d.Notify.NotifyFlowRemoved(dp, ev)
		})
	}
}

// handlePortMod applies an OFPT_PORT_MOD, per §4.2: a hw_addr that
// doesn't match the port's current address is rejected with
// OFPBRC_BAD_HW_ADDR rather than applied, since the controller is
// operating on stale port state.
func (d *Dispatcher) handlePortMod(sess *session, dp *datapath.Datapath, xid uint32, body []byte) {
	const portModLen = 2 + 6 + 4 + 4 + 4 + 4
	if len(body) < portModLen {
		return
	}
	portNo := binary.BigEndian.Uint16(body[0:2])
	hwAddr := net.HardwareAddr(body[2:8])
	config := binary.BigEndian.Uint32(body[8:12])
	mask := binary.BigEndian.Uint32(body[12:16])

	p, ok := dp.Port(datapath.PortNo(portNo))
	if !ok {
		return
	}
	if !bytes.Equal(hwAddr, p.Iface.HardwareAddr()) {
		d.Notify.NotifyError(dp, unicast(sess, xid), xid, ofp10.ErrTypeBadRequest, ofp10.BadRequestBadHWAddr, body[:min(len(body), 64)])
		return
	}
	p.ApplyConfig(datapath.PortConfig(mask), datapath.PortConfig(config))
}

// handleStatsRequest drives the statistics engine of §4.8: it builds a
// dumper, then synchronously emits fragments until done, re-resolving
// dp on every iteration so a concurrent destroy ends the dump cleanly
// rather than panicking or looping forever: once Lookup reports
// NOT_FOUND, no further fragment (and no error) is sent.
func (d *Dispatcher) handleStatsRequest(sess *session, dp *datapath.Datapath, xid uint32, body []byte) {
	if len(body) < statsReqHeaderLen {
		return
	}
	statType := ofp10.StatsType(binary.BigEndian.Uint16(body[0:2]))

	dmp, err := newDumper(dp, d.Params, statType, body[statsReqHeaderLen:])
	if err != nil {
		d.Notify.NotifyError(dp, unicast(sess, xid), xid, ofp10.ErrTypeBadRequest, ofp10.BadRequestBadStat, nil)
		return
	}
	defer dmp.done()

	dpIdx, name := dp.DPIdx, dp.Name
	for {
		if _, err := d.Registry.Lookup(dpIdx, name); err != nil {
			return
		}

		f := newFrame(ofp10.TypeStatsReply, xid, ofp10.HeaderLen+statsReqHeaderLen+statsFragmentBudget)
		hdr := f.reserve(statsReqHeaderLen)
		binary.BigEndian.PutUint16(hdr[0:2], uint16(statType))

		more, err := dmp.fill(f, statsFragmentBudget)
		if err != nil {
			d.Notify.NotifyError(dp, unicast(sess, xid), xid, ofp10.ErrTypeBadRequest, ofp10.BadRequestBadStat, nil)
			return
		}
		if more {
			binary.BigEndian.PutUint16(hdr[2:4], ofp10.StatsReplyFlagMore)
		}

		bytes, err := f.finish()
		if err != nil {
			return
		}
		if err := sess.send(wire.Envelope{Op: wire.OpReply, Payload: bytes}); err != nil {
			return
		}

		if !more {
			return
		}
	}
}

// parseActions decodes a run of fixed/variable-length ofp_action
// headers. Only OFPAT_OUTPUT (type 0) carries enough of a body for
// this core's Action model; every other action type is preserved as
// an opaque ActionOther so it still counts toward a flow's action
// list without being individually interpreted.
func parseActions(buf []byte) []pipeline.Action {
	var actions []pipeline.Action
	i := 0
	for i+4 <= len(buf) {
		typ := binary.BigEndian.Uint16(buf[i : i+2])
		length := int(binary.BigEndian.Uint16(buf[i+2 : i+4]))
		if length < 4 || i+length > len(buf) {
			break
		}

		if typ == 0 && length >= 8 {
			actions = append(actions, pipeline.Action{
				Kind:   pipeline.ActionOutput,
				Port:   binary.BigEndian.Uint16(buf[i+4 : i+6]),
				MaxLen: binary.BigEndian.Uint16(buf[i+6 : i+8]),
			})
		} else {
			actions = append(actions, pipeline.Action{Kind: pipeline.ActionOther})
		}
		i += length
	}
	return actions
}

// parseFlowMod decodes ofp_flow_mod's fixed head (everything up to the
// action list) plus its trailing actions.
func parseFlowMod(body []byte) (pipeline.Flow, uint16, error) {
	const fixedLen = matchLen + 8 + 2 + 2 + 2 + 2 + 4 + 2 + 2
	if len(body) < fixedLen {
		return pipeline.Flow{}, 0, errShortFlowMod
	}

	var fl pipeline.Flow
	fl.Match = parseMatch(body[0:matchLen])
	rest := body[matchLen:]

	command := binary.BigEndian.Uint16(rest[8:10])
	fl.IdleTimeout = binary.BigEndian.Uint16(rest[10:12])
	fl.HardTimeout = binary.BigEndian.Uint16(rest[12:14])
	fl.Priority = binary.BigEndian.Uint16(rest[14:16])
	flags := binary.BigEndian.Uint16(rest[22:24])
	fl.NotifyRemoval = flags&ofpffSendFlowRem != 0
	fl.Created = time.Now()
	fl.Actions = parseActions(body[fixedLen:])

	return fl, command, nil
}

var errShortFlowMod = errors.New("controlchannel: flow_mod body too short")
