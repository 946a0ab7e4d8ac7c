package pcap

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

func testLog() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func tcpFrame(t *testing.T, sport uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{192, 0, 2, 1},
		DstIP:    net.IP{198, 51, 100, 7},
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: 443, SYN: true, Window: 1024}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("Failed to bind checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload([]byte("payload"))); err != nil {
		t.Fatalf("Failed to serialize frame: %v", err)
	}
	return buf.Bytes()
}

// writeTestPcap writes count TCP frames one millisecond apart and returns the
// file path, the first timestamp and the raw frames in order.
func writeTestPcap(t *testing.T, count int) (string, time.Time, [][]byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create pcap file: %v", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("Failed to write pcap header: %v", err)
	}

	base := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		data := tcpFrame(t, uint16(33000+i))
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("Failed to write packet %d: %v", i, err)
		}
		frames = append(frames, data)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Failed to close pcap file: %v", err)
	}
	return path, base, frames
}

func TestReaderReplaysFile(t *testing.T) {
	path, base, frames := writeTestPcap(t, 5)

	r, err := NewReader(path, 8, testLog())
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer r.Stop()
	if err := r.Start(); err != nil {
		t.Fatalf("Failed to start reader: %v", err)
	}

	// 1. The channel delivers every packet and closes at end of file.
	var pkts []*model.RawPacket
	for pkt := range r.Packets() {
		pkts = append(pkts, pkt)
	}
	if len(pkts) != 5 {
		t.Fatalf("Replayed %d packets, want 5", len(pkts))
	}

	// 2. Payloads and recorded timestamps survive the round trip.
	if !bytes.Equal(pkts[0].Data, frames[0]) {
		t.Error("First packet data does not match the written frame")
	}
	if !pkts[0].Timestamp.Equal(base) {
		t.Errorf("First timestamp = %v, want %v", pkts[0].Timestamp, base)
	}
	if want := base.Add(4 * time.Millisecond); !pkts[4].Timestamp.Equal(want) {
		t.Errorf("Last timestamp = %v, want %v", pkts[4].Timestamp, want)
	}
	if pkts[0].Interface != path {
		t.Errorf("Interface = %q, want %q", pkts[0].Interface, path)
	}

	// 3. A clean replay reports its count and no error.
	if got := r.Stats().Received; got != 5 {
		t.Errorf("Stats().Received = %d, want 5", got)
	}
	if err := r.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	// 4. Stop after a finished replay is a no-op.
	r.Stop()
	r.Stop()
}

func TestReaderStopMidStream(t *testing.T) {
	path, _, _ := writeTestPcap(t, 500)

	r, err := NewReader(path, 2, testLog())
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Failed to start reader: %v", err)
	}

	// 1. Consume a few packets, then cancel the replay.
	for i := 0; i < 3; i++ {
		if _, ok := <-r.Packets(); !ok {
			t.Fatal("Channel closed before the file was exhausted")
		}
	}
	r.Stop()

	// 2. Stop closes the channel; draining what was buffered terminates.
	drained := 0
	for range r.Packets() {
		drained++
	}
	if got := r.Stats().Received; got >= 500 {
		t.Errorf("Received %d packets, expected the replay to stop early", got)
	}
	if drained > 2 {
		t.Errorf("Drained %d buffered packets, channel capacity is 2", drained)
	}

	// 3. Cancellation is not a read error.
	if err := r.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after Stop", err)
	}
}

func TestReaderStopBeforeStart(t *testing.T) {
	path, _, _ := writeTestPcap(t, 1)

	r, err := NewReader(path, 4, testLog())
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	r.Stop()

	if _, ok := <-r.Packets(); ok {
		t.Error("Channel should be closed after Stop")
	}
	if got := r.Stats().Received; got != 0 {
		t.Errorf("Stats().Received = %d, want 0", got)
	}
}

func TestReaderTruncatedFile(t *testing.T) {
	path, _, _ := writeTestPcap(t, 3)

	// 1. Cut into the last packet record so the final read fails.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat pcap file: %v", err)
	}
	if err := os.Truncate(path, fi.Size()-5); err != nil {
		t.Fatalf("Failed to truncate pcap file: %v", err)
	}

	r, err := NewReader(path, 8, testLog())
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer r.Stop()
	if err := r.Start(); err != nil {
		t.Fatalf("Failed to start reader: %v", err)
	}

	// 2. The intact packets are still delivered, then the channel closes.
	delivered := 0
	for range r.Packets() {
		delivered++
	}
	if delivered != 2 {
		t.Errorf("Delivered %d packets, want the 2 intact ones", delivered)
	}

	// 3. The abort is surfaced as a structured read error.
	var ce *model.CaptureError
	if err := r.Err(); !errors.As(err, &ce) {
		t.Fatalf("Err() = %v, want a CaptureError", err)
	}
	if ce.Kind != model.CaptureReadFailed {
		t.Errorf("Err kind = %v, want read_failed", ce.Kind)
	}
}

func TestNewReaderMissingFile(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.pcap"), 8, testLog())
	if err == nil {
		t.Fatal("Expected an error for a missing capture file")
	}
	var ce *model.CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("Error = %v, want a CaptureError", err)
	}
	if ce.Kind != model.CaptureOpenFailed {
		t.Errorf("Err kind = %v, want open_failed", ce.Kind)
	}
}

func TestNewReaderDefaultChannelCapacity(t *testing.T) {
	path, _, _ := writeTestPcap(t, 1)

	r, err := NewReader(path, 0, testLog())
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer r.Stop()
	if got := cap(r.Packets()); got != 1024 {
		t.Errorf("Channel capacity = %d, want the 1024 default", got)
	}
}
