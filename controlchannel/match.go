package controlchannel

import (
	"encoding/binary"
	"net"

	"github.com/davidcawork/openflow/pipeline"
)

// matchLen is the fixed wire size of ofp_match.
const matchLen = 40

// putMatch encodes m into buf (which must be matchLen bytes) as
// ofp_match. pipeline.Match carries no VLAN priority field, so that
// byte is always written zero; nothing in this core reads it back.
func putMatch(buf []byte, m pipeline.Match) {
	_ = buf[matchLen-1]

	binary.BigEndian.PutUint32(buf[0:4], m.Wildcards)
	binary.BigEndian.PutUint16(buf[4:6], m.InPort)
	putMAC(buf[6:12], m.DataLinkSrc)
	putMAC(buf[12:18], m.DataLinkDst)
	binary.BigEndian.PutUint16(buf[18:20], m.DataLinkVLAN)
	buf[20] = 0 // dl_vlan_pcp, not modelled
	buf[21] = 0 // pad
	binary.BigEndian.PutUint16(buf[22:24], m.DataLinkType)
	buf[24] = m.NetworkTOS
	buf[25] = m.NetworkProto
	buf[26] = 0
	buf[27] = 0
	putIP4(buf[28:32], m.NetworkSrc)
	putIP4(buf[32:36], m.NetworkDst)
	binary.BigEndian.PutUint16(buf[36:38], m.TransportSrc)
	binary.BigEndian.PutUint16(buf[38:40], m.TransportDst)
}

// parseMatch is putMatch's inverse, used by the per-flow stats
// dumper's selector filter and by FLOW_MOD handling.
func parseMatch(buf []byte) pipeline.Match {
	var m pipeline.Match
	m.Wildcards = binary.BigEndian.Uint32(buf[0:4])
	m.InPort = binary.BigEndian.Uint16(buf[4:6])
	m.DataLinkSrc = append(net.HardwareAddr(nil), buf[6:12]...)
	m.DataLinkDst = append(net.HardwareAddr(nil), buf[12:18]...)
	m.DataLinkVLAN = binary.BigEndian.Uint16(buf[18:20])
	m.DataLinkType = binary.BigEndian.Uint16(buf[22:24])
	m.NetworkTOS = buf[24]
	m.NetworkProto = buf[25]
	m.NetworkSrc = net.IPv4(buf[28], buf[29], buf[30], buf[31])
	m.NetworkDst = net.IPv4(buf[32], buf[33], buf[34], buf[35])
	m.TransportSrc = binary.BigEndian.Uint16(buf[36:38])
	m.TransportDst = binary.BigEndian.Uint16(buf[38:40])
	return m
}

func putMAC(dst []byte, mac net.HardwareAddr) {
	if len(mac) >= 6 {
		copy(dst, mac[:6])
	}
}

func putIP4(dst []byte, ip net.IP) {
	v4 := ip.To4()
	if v4 != nil {
		copy(dst, v4)
	}
}
