package model

// PacketSource produces captured packets on a bounded channel. The pipeline
// depends only on this interface so that live interfaces, pcap files and test
// feeds are interchangeable.
type PacketSource interface {
	// Start begins asynchronous delivery on the Packets channel.
	Start() error

	// Stop halts delivery, joins the producer and closes the Packets
	// channel. No packet is emitted after Stop returns.
	Stop()

	// Packets returns the channel packets are delivered on.
	Packets() <-chan *RawPacket

	// Stats returns cumulative capture counters.
	Stats() CaptureStats
}
