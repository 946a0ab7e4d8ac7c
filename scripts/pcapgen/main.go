// pcapgen writes synthetic capture files for exercising the pipeline:
// benign background traffic plus recognizable attack bursts.
package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	attackerIP = net.IP{198, 51, 100, 99}
	victimIP   = net.IP{10, 0, 0, 5}
)

type generator struct {
	w   *pcapgo.Writer
	rng *rand.Rand
	now time.Time
	n   int
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	packetCount := flag.Int("c", 1000, "Number of packets to generate")
	scenario := flag.String("scenario", "mixed", "Traffic shape: benign, syn_flood, port_scan, udp_flood or mixed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	g := &generator{
		w:   pcapWriter,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now(),
	}

	log.Printf("Generating %d %s packets into %s...", *packetCount, *scenario, *outputFile)

	switch *scenario {
	case "benign":
		g.benign(*packetCount)
	case "syn_flood":
		g.synFlood(*packetCount)
	case "port_scan":
		g.portScan(*packetCount)
	case "udp_flood":
		g.udpFlood(*packetCount)
	case "mixed":
		// Background first, then the bursts the detector should flag.
		g.benign(*packetCount * 7 / 10)
		g.synFlood(*packetCount / 10)
		g.portScan(*packetCount / 10)
		g.udpFlood(*packetCount / 10)
	default:
		log.Fatalf("Unknown scenario %q", *scenario)
	}

	log.Printf("Wrote %d packets to %s.", g.n, *outputFile)
}

// benign emits moderate two-way TCP traffic between hosts on 10.0.0.0/24.
func (g *generator) benign(count int) {
	for i := 0; i < count; i++ {
		src := net.IP{10, 0, 0, byte(g.rng.Intn(250) + 1)}
		dst := net.IP{10, 0, 0, byte(g.rng.Intn(250) + 1)}
		sport := uint16(g.rng.Intn(65535-1024) + 1024)
		dport := uint16([]int{80, 443, 22, 8080}[g.rng.Intn(4)])

		payload := make([]byte, g.rng.Intn(512)+64)
		g.rng.Read(payload)

		g.tcp(src, dst, sport, dport, false, true, payload)
		g.advance(10 * time.Millisecond)
	}
}

// synFlood emits a one-way SYN burst from the attacker to one service.
func (g *generator) synFlood(count int) {
	for i := 0; i < count; i++ {
		sport := uint16(g.rng.Intn(65535-1024) + 1024)
		g.tcp(attackerIP, victimIP, sport, 80, true, false, nil)
		g.advance(500 * time.Microsecond)
	}
}

// portScan walks the victim's low ports with single SYNs.
func (g *generator) portScan(count int) {
	for i := 0; i < count; i++ {
		dport := uint16(i%1024 + 1)
		g.tcp(attackerIP, victimIP, 40000, dport, true, false, nil)
		g.advance(2 * time.Millisecond)
	}
}

// udpFlood hammers the victim's DNS port with small datagrams.
func (g *generator) udpFlood(count int) {
	for i := 0; i < count; i++ {
		payload := make([]byte, 48)
		g.rng.Read(payload)

		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			SrcIP:    attackerIP,
			DstIP:    victimIP,
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
		}
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(uint16(g.rng.Intn(65535-1024) + 1024)),
			DstPort: 53,
		}
		udp.SetNetworkLayerForChecksum(ip)

		g.write(eth, ip, udp, gopacket.Payload(payload))
		g.advance(time.Millisecond)
	}
}

func (g *generator) tcp(src, dst net.IP, sport, dport uint16, syn, ack bool, payload []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		SrcIP:    src,
		DstIP:    dst,
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     g.rng.Uint32(),
		SYN:     syn,
		ACK:     ack,
		Window:  14600,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	if payload == nil {
		g.write(eth, ip, tcp)
	} else {
		g.write(eth, ip, tcp, gopacket.Payload(payload))
	}
}

func (g *generator) write(ls ...gopacket.SerializableLayer) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		log.Fatalf("Failed to serialize layers: %v", err)
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     g.now,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	if err := g.w.WritePacket(ci, buf.Bytes()); err != nil {
		log.Fatalf("Failed to write packet: %v", err)
	}
	g.n++
}

func (g *generator) advance(d time.Duration) {
	g.now = g.now.Add(d)
}
