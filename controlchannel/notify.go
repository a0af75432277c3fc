package controlchannel

import (
	"encoding/binary"
	"time"

	"github.com/davidcawork/openflow/controlchannel/internal/wire"
	"github.com/davidcawork/openflow/datapath"
	"github.com/davidcawork/openflow/forwarding"
	"github.com/davidcawork/openflow/ofp10"
	"github.com/davidcawork/openflow/pipeline"
)

// portDescLen is the fixed wire size of ofp_phy_port.
const portDescLen = 48

// Port status reasons, per OFPT_PORT_STATUS.
const (
	portReasonAdd uint8 = iota
	portReasonDelete
	portReasonModify
)

// putPortDesc encodes p as an ofp_phy_port record into buf (which must
// be portDescLen bytes).
func putPortDesc(buf []byte, p *datapath.Port) {
	_ = buf[portDescLen-1]

	binary.BigEndian.PutUint16(buf[0:2], uint16(p.PortNo))
	putMAC(buf[2:8], p.Iface.HardwareAddr())
	copy(buf[8:24], []byte(p.Iface.Name()))
	binary.BigEndian.PutUint32(buf[24:28], uint32(p.Config()))
	binary.BigEndian.PutUint32(buf[28:32], uint32(p.State()))
	// curr/advertised/supported/peer (feature bitmaps): this core does
	// not model link speed/media negotiation, so these are left zero.
}

// Notifications implements forwarding.Notifier and builds every
// asynchronous message of §4.9, multicasting each on its datapath's
// pre-allocated notification group (§4.6).
type Notifications struct {
	Transport *Transport
}

var _ forwarding.Notifier = (*Notifications)(nil)

// NotifyPacketIn builds and multicasts an OFPT_PACKET_IN for a
// forwarding-engine escalation (§4.5 step 4).
func (n *Notifications) NotifyPacketIn(dp *datapath.Datapath, pi forwarding.PacketIn) {
	f := newFrame(ofp10.TypePacketIn, 0, ofp10.HeaderLen+10+len(pi.Data))

	body := f.reserve(10 + len(pi.Data))
	binary.BigEndian.PutUint32(body[0:4], pi.BufferID)
	binary.BigEndian.PutUint16(body[4:6], pi.TotalLen)
	binary.BigEndian.PutUint16(body[6:8], pi.InPort)
	body[8] = byte(pi.Reason)
	body[9] = 0 // pad
	copy(body[10:], pi.Data)

	n.send(dp, f)
}

// NotifyPortStatus builds and multicasts an OFPT_PORT_STATUS.
func (n *Notifications) NotifyPortStatus(dp *datapath.Datapath, p *datapath.Port, reason uint8) {
	f := newFrame(ofp10.TypePortStatus, 0, ofp10.HeaderLen+8+portDescLen)

	body := f.reserve(8 + portDescLen)
	body[0] = reason
	// bytes 1-7 are padding.
	putPortDesc(body[8:], p)

	n.send(dp, f)
}

// NotifyFlowRemoved builds and multicasts an OFPT_FLOW_REMOVED,
// skipping emergency flows and flows with NotifyRemoval == false per
// §4.9: "Emergency flows and flows with the 'don't notify' bit are NOT
// reported."
func (n *Notifications) NotifyFlowRemoved(dp *datapath.Datapath, ev pipeline.RemovedEvent) {
	if ev.Flow.Emergency || !ev.Flow.NotifyRemoval {
		return
	}

	f := newFrame(ofp10.TypeFlowRemoved, 0, ofp10.HeaderLen+matchLen+40)

	body := f.reserve(matchLen + 40)
	putMatch(body[0:matchLen], ev.Flow.Match)

	rest := body[matchLen:]
	binary.BigEndian.PutUint64(rest[0:8], 0) // cookie, not modelled by pipeline.Flow
	binary.BigEndian.PutUint16(rest[8:10], ev.Flow.Priority)
	rest[10] = byte(ev.Reason)
	rest[11] = 0
	sec := uint32(ev.Duration / time.Second)
	nsec := uint32(ev.Duration % time.Second)
	binary.BigEndian.PutUint32(rest[12:16], sec)
	binary.BigEndian.PutUint32(rest[16:20], nsec)
	binary.BigEndian.PutUint16(rest[20:22], ev.Flow.IdleTimeout)
	rest[22], rest[23] = 0, 0
	binary.BigEndian.PutUint64(rest[24:32], ev.Flow.Packets)
	binary.BigEndian.PutUint64(rest[32:40], ev.Flow.Bytes)

	n.send(dp, f)
}

// NotifyError builds an OFPT_ERROR. If sender is the zero value
// (multicast, no specific peer — §4.9's error path is usually a
// unicast reply to a bad request, but the type supports both), it
// multicasts on dp's group; otherwise it replies directly to sender.
func (n *Notifications) NotifyError(dp *datapath.Datapath, sender Sender, xid uint32, errType, code uint16, data []byte) {
	f := newFrame(ofp10.TypeError, xid, ofp10.HeaderLen+4+len(data))

	body := f.reserve(4 + len(data))
	binary.BigEndian.PutUint16(body[0:2], errType)
	binary.BigEndian.PutUint16(body[2:4], code)
	copy(body[4:], data)

	if sender.Conn == nil {
		sender = multicast(dp.DPIdx)
	}
	n.deliver(dp, sender, f)
}

// NotifyHello sends OFPT_HELLO to sess with the given xid, announcing
// the version this datapath core speaks (§4.9). The dispatcher calls it
// in reply to a peer's OFPT_HELLO; no hello is sent unprompted when a
// connection opens.
func (n *Notifications) NotifyHello(sess *session, xid uint32) {
	f := newFrame(ofp10.TypeHello, xid, ofp10.HeaderLen)
	n.deliverSession(sess, f)
}

// NotifyEchoReply echoes body back with xid, per OFPT_ECHO_REPLY.
func (n *Notifications) NotifyEchoReply(sess *session, xid uint32, body []byte) {
	f := newFrame(ofp10.TypeEchoReply, xid, ofp10.HeaderLen+len(body))
	f.append(body)
	n.deliverSession(sess, f)
}

// NotifyBarrierReply acknowledges completion of every request the
// dispatcher has processed for sess up to and including xid, per
// §4.9's ordering fence (see also spec.md §5).
func (n *Notifications) NotifyBarrierReply(sess *session, xid uint32) {
	f := newFrame(ofp10.TypeBarrierReply, xid, ofp10.HeaderLen)
	n.deliverSession(sess, f)
}

func (n *Notifications) send(dp *datapath.Datapath, f *frame) {
	n.deliver(dp, multicast(dp.DPIdx), f)
}

func (n *Notifications) deliver(dp *datapath.Datapath, sender Sender, f *frame) {
	body, err := f.finish()
	if err != nil {
		return
	}

	env := wire.Envelope{Op: wire.OpNotify, DPIdx: uint32(dp.DPIdx), GroupID: sender.Group, Payload: body}

	if sender.Conn != nil {
		_ = sender.Conn.send(env)
		return
	}
	if n.Transport == nil {
		return // no transport wired yet: the notification is dropped
	}
	n.Transport.multicast(sender.Group, env)
}

func (n *Notifications) deliverSession(sess *session, f *frame) {
	body, err := f.finish()
	if err != nil {
		return
	}
	_ = sess.send(wire.Envelope{Op: wire.OpReply, Payload: body})
}
