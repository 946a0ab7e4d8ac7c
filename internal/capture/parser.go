package capture

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"Go2NetSentry/internal/model"
)

// ParsePacket decodes a raw frame into packet metadata. Parsing is
// permissive: fields that cannot be decoded stay at their zero value and no
// error is returned, so one malformed packet never fails the pipeline.
func ParsePacket(pkt *model.RawPacket) *model.PacketInfo {
	info := &model.PacketInfo{
		Timestamp: pkt.Timestamp,
		Length:    len(pkt.Data),
	}

	packet := gopacket.NewPacket(pkt.Data, layers.LayerTypeEthernet, gopacket.NoCopy)

	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		info.FiveTuple.SrcIP = ip.SrcIP
		info.FiveTuple.DstIP = ip.DstIP
		info.FiveTuple.Protocol = uint8(ip.Protocol)
	} else {
		return info
	}

	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		info.FiveTuple.SrcPort = uint16(tcp.SrcPort)
		info.FiveTuple.DstPort = uint16(tcp.DstPort)
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		info.FiveTuple.SrcPort = uint16(udp.SrcPort)
		info.FiveTuple.DstPort = uint16(udp.DstPort)
	}
	// ICMP and other transports keep zero ports.

	return info
}

const (
	etherHeaderLen = 14
	etherTypeIPv4  = 0x0800
	ipv4SrcOffset  = etherHeaderLen + 12
)

// sourceIPv4 reads the IPv4 source address straight from the frame without a
// full decode. Returns nil for non-IPv4 or truncated frames.
func sourceIPv4(data []byte) net.IP {
	if len(data) < ipv4SrcOffset+4 {
		return nil
	}
	if binary.BigEndian.Uint16(data[12:14]) != etherTypeIPv4 {
		return nil
	}
	return net.IPv4(data[ipv4SrcOffset], data[ipv4SrcOffset+1], data[ipv4SrcOffset+2], data[ipv4SrcOffset+3])
}
