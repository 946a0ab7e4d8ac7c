package model

import (
	"net"
	"time"
)

// RawPacket is a single captured frame. The capture source fills it once and
// the pipeline invocation that consumes it is its only owner; nothing retains
// a RawPacket after the stage chain has run.
type RawPacket struct {
	Data      []byte
	Timestamp time.Time
	Interface string
	// Outbound is true when the parsed source address belongs to the capture
	// interface. Packets whose headers cannot be parsed keep the default.
	Outbound bool
}

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// PacketInfo holds the metadata parsed from a single packet.
// Ports stay zero for protocols without them (ICMP and friends).
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int
}

// CaptureStats are cumulative counters for a capture source.
type CaptureStats struct {
	Received uint64
	// Dropped counts packets discarded because the packet channel was full
	// plus drops reported by the kernel.
	Dropped   uint64
	IfDropped uint64
}
