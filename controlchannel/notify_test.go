package controlchannel

import (
	"net"
	"testing"

	"github.com/davidcawork/openflow/controlchannel/internal/wire"
	"github.com/davidcawork/openflow/datapath"
	"github.com/davidcawork/openflow/forwarding"
	"github.com/davidcawork/openflow/netif"
	"github.com/davidcawork/openflow/ofp10"
	"github.com/davidcawork/openflow/pipeline"
)

func newNotifyTestDatapath(t *testing.T) *datapath.Datapath {
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

func TestNotifyHelloEchoBarrierReplyOverSession(t *testing.T) {
	sess, peer := newTestSession(t)
	n := &Notifications{}

	n.NotifyHello(sess, 11)
	env, err := peer.Receive()
	if err != nil {
		t.Fatalf("Receive Hello: %v", err)
	}
	hdr, err := ofp10.ParseHeader(env.Payload)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != ofp10.TypeHello || hdr.Xid != 11 {
		t.Fatalf("Hello header = %+v, want type=Hello xid=11", hdr)
	}

	n.NotifyEchoReply(sess, 12, []byte{0xaa, 0xbb})
	env, err = peer.Receive()
	if err != nil {
		t.Fatalf("Receive EchoReply: %v", err)
	}
	hdr, _ = ofp10.ParseHeader(env.Payload)
	if hdr.Type != ofp10.TypeEchoReply || hdr.Xid != 12 {
		t.Fatalf("EchoReply header = %+v, want type=EchoReply xid=12", hdr)
	}
	if got := env.Payload[ofp10.HeaderLen:]; len(got) != 2 || got[0] != 0xaa || got[1] != 0xbb {
		t.Fatalf("EchoReply body = % x, want aa bb", got)
	}

	n.NotifyBarrierReply(sess, 13)
	env, err = peer.Receive()
	if err != nil {
		t.Fatalf("Receive BarrierReply: %v", err)
	}
	hdr, _ = ofp10.ParseHeader(env.Payload)
	if hdr.Type != ofp10.TypeBarrierReply || hdr.Xid != 13 {
		t.Fatalf("BarrierReply header = %+v, want type=BarrierReply xid=13", hdr)
	}
}

func TestNotifyErrorUnicastToSender(t *testing.T) {
	sess, peer := newTestSession(t)
	dp := newNotifyTestDatapath(t)
	n := &Notifications{}

	n.NotifyError(dp, unicast(sess, 5), 5, ofp10.ErrTypeBadRequest, ofp10.BadRequestBadType, nil)

	env, err := peer.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	hdr, err := ofp10.ParseHeader(env.Payload)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != ofp10.TypeError || hdr.Xid != 5 {
		t.Fatalf("Error header = %+v, want type=Error xid=5", hdr)
	}
}

func TestNotifyPacketInMulticastsToSubscribers(t *testing.T) {
	dp := newNotifyTestDatapath(t)
	transport := NewTransport(nil, nil)
	n := &Notifications{Transport: transport}

	sess, peer := newTestSession(t)
	transport.sessions[sess] = struct{}{}
	sess.subscribe(groupOf(dp.DPIdx))

	n.NotifyPacketIn(dp, forwarding.PacketIn{BufferID: 1, TotalLen: 64, InPort: 1, Data: []byte{1, 2, 3}})

	env, err := peer.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if env.Op != wire.OpNotify {
		t.Fatalf("op = %v, want OpNotify", env.Op)
	}
	hdr, err := ofp10.ParseHeader(env.Payload)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != ofp10.TypePacketIn {
		t.Fatalf("header type = %v, want TypePacketIn", hdr.Type)
	}
}

func TestNotifyFlowRemovedSkipsEmergencyAndNoNotify(t *testing.T) {
	dp := newNotifyTestDatapath(t)
	transport := NewTransport(nil, nil)
	n := &Notifications{Transport: transport}

	sess, peer := newTestSession(t)
	transport.sessions[sess] = struct{}{}
	sess.subscribe(groupOf(dp.DPIdx))

	n.NotifyFlowRemoved(dp, pipeline.RemovedEvent{Flow: pipeline.Flow{Emergency: true, NotifyRemoval: true}})
	n.NotifyFlowRemoved(dp, pipeline.RemovedEvent{Flow: pipeline.Flow{NotifyRemoval: false}})

	n.NotifyFlowRemoved(dp, pipeline.RemovedEvent{Flow: pipeline.Flow{NotifyRemoval: true}})

	env, err := peer.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	hdr, err := ofp10.ParseHeader(env.Payload)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != ofp10.TypeFlowRemoved {
		t.Fatalf("first delivered notification type = %v, want TypeFlowRemoved (emergency/no-notify flows skipped)", hdr.Type)
	}
}
