package feature

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

// frameSpec hand-packs one ethernet+IPv4 frame so every offset the extractor
// reads is under test control.
type frameSpec struct {
	proto      byte
	srcIP      [4]byte
	dstIP      [4]byte
	srcPort    uint16
	dstPort    uint16
	tcpFlags   byte
	payload    []byte
	noTranshdr bool // stop after the IP header
}

func (s frameSpec) build() []byte {
	frame := make([]byte, 0, 64+len(s.payload))

	// Ethernet: MACs are irrelevant, EtherType IPv4.
	frame = append(frame, make([]byte, 12)...)
	frame = append(frame, 0x08, 0x00)

	// IPv4 header, IHL 5. The extractor never validates lengths or
	// checksums, so those fields stay zero.
	ip := make([]byte, 20)
	ip[0] = 0x45
	ip[8] = 64
	ip[9] = s.proto
	copy(ip[12:16], s.srcIP[:])
	copy(ip[16:20], s.dstIP[:])
	frame = append(frame, ip...)

	if s.noTranshdr {
		return append(frame, s.payload...)
	}

	switch s.proto {
	case 6: // TCP
		tcp := make([]byte, 20)
		tcp[0] = byte(s.srcPort >> 8)
		tcp[1] = byte(s.srcPort)
		tcp[2] = byte(s.dstPort >> 8)
		tcp[3] = byte(s.dstPort)
		tcp[12] = 5 << 4
		tcp[13] = s.tcpFlags
		frame = append(frame, tcp...)
	case 17: // UDP
		udp := make([]byte, 8)
		udp[0] = byte(s.srcPort >> 8)
		udp[1] = byte(s.srcPort)
		udp[2] = byte(s.dstPort >> 8)
		udp[3] = byte(s.dstPort)
		frame = append(frame, udp...)
	}

	return append(frame, s.payload...)
}

func rawPacket(data []byte, ts time.Time) *model.RawPacket {
	return &model.RawPacket{Data: data, Timestamp: ts}
}

func testExtractor() *Extractor {
	return NewExtractor(zap.NewNop().Sugar())
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestExtractEmptyWindow(t *testing.T) {
	f := testExtractor().Extract(nil)

	if f.PacketCount != 0 || f.ByteCount != 0 {
		t.Errorf("Empty window should have zero totals, got %d packets %d bytes", f.PacketCount, f.ByteCount)
	}
	if f.ProtocolDist == nil || f.PortUsage == nil || f.ConnectionPattern == nil {
		t.Fatalf("Empty window must still allocate the feature containers")
	}

	v := Vector(f)
	if len(v) != model.VectorSize {
		t.Fatalf("Expected %d-dimension vector, got %d", model.VectorSize, len(v))
	}
	for i, x := range v {
		if x != 0 {
			t.Errorf("Dimension %d (%s) of an empty window should be 0, got %g", i, FeatureName(i), x)
		}
	}
}

func TestExtractSinglePacket(t *testing.T) {
	frame := frameSpec{proto: 6, srcIP: [4]byte{10, 0, 0, 1}, dstIP: [4]byte{10, 0, 0, 2},
		srcPort: 40000, dstPort: 80, tcpFlags: 0x02}.build()

	f := testExtractor().Extract([]*model.RawPacket{rawPacket(frame, time.Now())})

	if f.PacketCount != 1 {
		t.Errorf("Expected 1 packet, got %d", f.PacketCount)
	}
	if f.ByteCount != uint64(len(frame)) {
		t.Errorf("Expected %d bytes, got %d", len(frame), f.ByteCount)
	}
	if f.Duration != 0 {
		t.Errorf("Single-packet duration should be 0, got %g", f.Duration)
	}
	// One packet over the epsilon-guarded zero duration.
	if !almostEqual(f.PacketsPerSecond, 1/durationEpsilon) {
		t.Errorf("Expected pps %g, got %g", 1/durationEpsilon, f.PacketsPerSecond)
	}
	if f.MeanInterArrival != 0 || f.StdInterArrival != 0 {
		t.Errorf("Single packet has no inter-arrival gaps, got mean=%g std=%g", f.MeanInterArrival, f.StdInterArrival)
	}
	if !almostEqual(f.ProtocolDist["TCP"], 1.0) {
		t.Errorf("Expected TCP fraction 1.0, got %g", f.ProtocolDist["TCP"])
	}
}

func TestExtractRatesAndDispersion(t *testing.T) {
	// 10 equal TCP packets, exactly one second apart.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	packets := make([]*model.RawPacket, 10)
	for i := range packets {
		frame := frameSpec{proto: 6, srcIP: [4]byte{10, 0, 0, 1}, dstIP: [4]byte{10, 0, 0, 2},
			srcPort: 40000, dstPort: 80, tcpFlags: 0x10, payload: make([]byte, 46)}.build()
		packets[i] = rawPacket(frame, base.Add(time.Duration(i)*time.Second))
	}

	f := testExtractor().Extract(packets)

	if f.Duration != 9 {
		t.Errorf("Expected duration 9s, got %g", f.Duration)
	}
	wantPPS := 10 / (9 + durationEpsilon)
	if !almostEqual(f.PacketsPerSecond, wantPPS) {
		t.Errorf("Expected pps %g, got %g", wantPPS, f.PacketsPerSecond)
	}
	if f.StdPacketSize != 0 {
		t.Errorf("Equal-size packets should have zero size spread, got %g", f.StdPacketSize)
	}
	if !almostEqual(f.MeanPacketSize, float64(len(packets[0].Data))) {
		t.Errorf("Expected mean size %d, got %g", len(packets[0].Data), f.MeanPacketSize)
	}
	if !almostEqual(f.MeanInterArrival, 1.0) || f.StdInterArrival != 0 {
		t.Errorf("Expected steady 1s gaps, got mean=%g std=%g", f.MeanInterArrival, f.StdInterArrival)
	}
}

func TestExtractProtocolDistribution(t *testing.T) {
	ts := time.Now()
	packets := []*model.RawPacket{
		rawPacket(frameSpec{proto: 6, srcPort: 1000, dstPort: 80}.build(), ts),
		rawPacket(frameSpec{proto: 6, srcPort: 1001, dstPort: 80}.build(), ts),
		rawPacket(frameSpec{proto: 17, srcPort: 5000, dstPort: 53}.build(), ts),
		rawPacket(frameSpec{proto: 1, noTranshdr: true}.build(), ts),
		// Truncated frame: counts toward the window size, classifies as
		// nothing.
		rawPacket(make([]byte, 20), ts),
	}

	f := testExtractor().Extract(packets)

	cases := map[string]float64{"TCP": 0.4, "UDP": 0.2, "ICMP": 0.2}
	for name, want := range cases {
		if got := f.ProtocolDist[name]; !almostEqual(got, want) {
			t.Errorf("ProtocolDist[%s] = %g, want %g", name, got, want)
		}
	}
	if _, ok := f.ProtocolDist["OTHER"]; ok {
		t.Errorf("No OTHER-protocol packet present, got fraction %g", f.ProtocolDist["OTHER"])
	}

	var sum float64
	for _, frac := range f.ProtocolDist {
		sum += frac
	}
	if !almostEqual(sum, 0.8) {
		t.Errorf("Fractions should sum to 0.8 with one unparseable packet, got %g", sum)
	}
}

func TestExtractPayloadEntropy(t *testing.T) {
	ts := time.Now()
	flat := make([]byte, 200) // one symbol, zero entropy payload bytes
	varied := make([]byte, 256)
	for i := range varied {
		varied[i] = byte(i)
	}

	packets := []*model.RawPacket{
		rawPacket(frameSpec{proto: 6, dstPort: 80, payload: flat}.build(), ts),
		rawPacket(frameSpec{proto: 6, dstPort: 80, payload: varied}.build(), ts),
		// Headerless runt: no entropy sample.
		rawPacket(make([]byte, 30), ts),
	}

	f := testExtractor().Extract(packets)

	if len(f.PayloadEntropy) != 2 {
		t.Fatalf("Expected 2 entropy samples, got %d", len(f.PayloadEntropy))
	}
	if f.PayloadEntropy[0] >= f.PayloadEntropy[1] {
		t.Errorf("Uniform payload should score below varied payload: %g >= %g",
			f.PayloadEntropy[0], f.PayloadEntropy[1])
	}
	for i, e := range f.PayloadEntropy {
		if e < 0 || e > 8 {
			t.Errorf("Entropy sample %d out of [0,8]: %g", i, e)
		}
	}
	if f.MaxEntropy() != f.PayloadEntropy[1] {
		t.Errorf("MaxEntropy %g should equal the varied sample %g", f.MaxEntropy(), f.PayloadEntropy[1])
	}
	wantAvg := (f.PayloadEntropy[0] + f.PayloadEntropy[1]) / 2
	if !almostEqual(f.AvgEntropy(), wantAvg) {
		t.Errorf("AvgEntropy %g, want %g", f.AvgEntropy(), wantAvg)
	}
}

func TestExtractPortUsage(t *testing.T) {
	ts := time.Now()
	packets := []*model.RawPacket{
		rawPacket(frameSpec{proto: 6, srcPort: 1000, dstPort: 80}.build(), ts),
		rawPacket(frameSpec{proto: 6, srcPort: 1001, dstPort: 80}.build(), ts),
		rawPacket(frameSpec{proto: 6, srcPort: 1002, dstPort: 80}.build(), ts),
	}

	f := testExtractor().Extract(packets)

	// Port 80 saw 3 hits, each source port 1. Normalized by the maximum.
	if !almostEqual(f.PortUsage[80], 1.0) {
		t.Errorf("PortUsage[80] = %g, want 1.0", f.PortUsage[80])
	}
	if !almostEqual(f.PortUsage[1000], 1.0/3) {
		t.Errorf("PortUsage[1000] = %g, want 1/3", f.PortUsage[1000])
	}

	// The vector's top-port block is descending and zero-padded.
	v := Vector(f)
	top := v[model.NumBasicFeatures+model.NumDispersionFeatures+model.NumProtocolFeatures+model.NumEntropyFeatures:]
	top = top[:model.NumPortFeatures]
	if !almostEqual(top[0], 1.0) {
		t.Errorf("port_top_1 = %g, want 1.0", top[0])
	}
	for i := 1; i < len(top); i++ {
		if top[i] > top[i-1] {
			t.Errorf("Top ports not descending at %d: %g > %g", i, top[i], top[i-1])
		}
	}
	if top[4] != 0 {
		t.Errorf("Only 4 distinct ports used, top[4] should be 0, got %g", top[4])
	}
}

func TestExtractConnectionPattern(t *testing.T) {
	// Five SYNs from five source ports: five one-packet connections.
	ts := time.Now()
	packets := make([]*model.RawPacket, 5)
	for i := range packets {
		packets[i] = rawPacket(frameSpec{proto: 6, srcIP: [4]byte{203, 0, 113, 9}, dstIP: [4]byte{10, 0, 0, 5},
			srcPort: uint16(40000 + i), dstPort: 80, tcpFlags: 0x02}.build(), ts)
	}

	f := testExtractor().Extract(packets)
	conn := f.ConnectionPattern

	// Pre-normalization: SYN=5, conns=5, avg=max=1 packet. The vector is
	// then scaled by its own maximum (5).
	if !almostEqual(conn[0], 1.0) {
		t.Errorf("SYN slot = %g, want 1.0", conn[0])
	}
	if conn[1] != 0 || conn[2] != 0 || conn[3] != 0 {
		t.Errorf("No ACK/FIN/RST sent, got %g/%g/%g", conn[1], conn[2], conn[3])
	}
	if !almostEqual(conn[9], 1.0) {
		t.Errorf("Connection-count slot = %g, want 1.0", conn[9])
	}
	if !almostEqual(conn[8], 0.2) {
		t.Errorf("Connection-ratio slot = %g, want 0.2", conn[8])
	}
}

func TestExtractTimeFeatures(t *testing.T) {
	// Three packets: a 0.5ms burst gap then a 2s idle gap, starting at
	// 06:30 UTC.
	base := time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC)
	frame := frameSpec{proto: 6, srcPort: 1000, dstPort: 80}.build()
	packets := []*model.RawPacket{
		rawPacket(frame, base),
		rawPacket(frame, base.Add(500*time.Microsecond)),
		rawPacket(frame, base.Add(500*time.Microsecond+2*time.Second)),
	}

	f := testExtractor().Extract(packets)
	tf := f.TimeFeatures

	if len(tf) != model.NumTimeFeatures {
		t.Fatalf("Expected %d time features, got %d", model.NumTimeFeatures, len(tf))
	}
	if !almostEqual(tf[0], 0.0005) {
		t.Errorf("Minimum gap = %g, want 0.0005", tf[0])
	}
	if !almostEqual(tf[1], 2.0) {
		t.Errorf("Maximum gap = %g, want 2.0", tf[1])
	}
	if !almostEqual(tf[2], 0.5) {
		t.Errorf("Burst ratio = %g, want 0.5", tf[2])
	}
	if !almostEqual(tf[3], 0.5) {
		t.Errorf("Idle ratio = %g, want 0.5", tf[3])
	}
	if !almostEqual(tf[4], 6.5/24) {
		t.Errorf("Hour of day = %g, want %g", tf[4], 6.5/24)
	}

	// Single packet: no gaps, only the time of day.
	single := testExtractor().Extract(packets[:1])
	for i := 0; i < 4; i++ {
		if single.TimeFeatures[i] != 0 {
			t.Errorf("Single-packet gap feature %d should be 0, got %g", i, single.TimeFeatures[i])
		}
	}
	if !almostEqual(single.TimeFeatures[4], 6.5/24) {
		t.Errorf("Single-packet hour = %g, want %g", single.TimeFeatures[4], 6.5/24)
	}
}

func TestUpdateIncremental(t *testing.T) {
	e := testExtractor()
	ts := time.Now()

	tcpFrame := frameSpec{proto: 6, srcPort: 1000, dstPort: 80}.build()
	f := e.Extract([]*model.RawPacket{rawPacket(tcpFrame, ts)})

	udpFrame := frameSpec{proto: 17, srcPort: 5000, dstPort: 53, payload: make([]byte, 100)}.build()
	updated := e.UpdateIncremental(f, rawPacket(udpFrame, ts.Add(time.Millisecond)))

	if updated.PacketCount != 2 {
		t.Errorf("Expected 2 packets after update, got %d", updated.PacketCount)
	}
	if updated.ByteCount != uint64(len(tcpFrame)+len(udpFrame)) {
		t.Errorf("Expected %d bytes, got %d", len(tcpFrame)+len(udpFrame), updated.ByteCount)
	}
	if !almostEqual(updated.ProtocolDist["TCP"], 0.5) || !almostEqual(updated.ProtocolDist["UDP"], 0.5) {
		t.Errorf("Expected TCP/UDP split 0.5/0.5, got %g/%g",
			updated.ProtocolDist["TCP"], updated.ProtocolDist["UDP"])
	}
	// Both frames exceed the 34-byte header floor, so each contributes an
	// entropy sample.
	if len(updated.PayloadEntropy) != 2 {
		t.Errorf("Expected 2 entropy samples after update, got %d", len(updated.PayloadEntropy))
	}

	// The input features must not change.
	if f.PacketCount != 1 || !almostEqual(f.ProtocolDist["TCP"], 1.0) {
		t.Errorf("UpdateIncremental mutated its input: count=%d tcp=%g", f.PacketCount, f.ProtocolDist["TCP"])
	}
	if len(f.PayloadEntropy) != 1 {
		t.Errorf("Input entropy slice changed, got %d samples", len(f.PayloadEntropy))
	}
}

func TestVectorNamesCoverEveryDimension(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < model.VectorSize; i++ {
		name := FeatureName(i)
		if name == "" {
			t.Fatalf("Dimension %d has no name", i)
		}
		if seen[name] {
			t.Errorf("Duplicate feature name %q at dimension %d", name, i)
		}
		seen[name] = true
	}
	if FeatureName(model.VectorSize) != "feature_50" {
		t.Errorf("Out-of-range dimension should fall back to feature_50, got %q", FeatureName(model.VectorSize))
	}
}
