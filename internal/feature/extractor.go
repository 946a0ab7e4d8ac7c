package feature

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

const (
	etherHeaderLen = 14
	// minFrameLen is an ethernet frame carrying at least a minimal IPv4
	// header plus transport ports. Shorter packets count toward packet and
	// byte totals but are excluded from protocol, entropy, port and
	// connection features.
	minFrameLen = 34

	protoTCP  = 6
	protoUDP  = 17
	protoICMP = 1

	// durationEpsilon guards rate divisions on zero-length windows.
	durationEpsilon = 1e-6

	// Inter-arrival gaps below burstGapSeconds count as bursty, above
	// idleGapSeconds as idle.
	burstGapSeconds = 1e-3
	idleGapSeconds  = 1.0
)

// Extractor converts packet windows into FlowFeatures. It holds no state;
// Extract is a pure function of its input.
type Extractor struct {
	log *zap.SugaredLogger
}

// NewExtractor creates a feature extractor.
func NewExtractor(log *zap.SugaredLogger) *Extractor {
	return &Extractor{log: log}
}

// Extract computes the full feature set over one packet window. An empty
// window yields zeroed features.
func (e *Extractor) Extract(packets []*model.RawPacket) *model.FlowFeatures {
	f := &model.FlowFeatures{
		ProtocolDist:      make(map[string]float64),
		PortUsage:         make([]float64, model.PortHistogramSize),
		ConnectionPattern: make([]float64, model.NumConnFeatures),
		TimeFeatures:      make([]float64, model.NumTimeFeatures),
	}
	if len(packets) == 0 {
		return f
	}

	// Basic totals and rates. Duration spans first to last packet; the
	// epsilon keeps rates finite for single-packet windows.
	f.PacketCount = uint64(len(packets))
	for _, p := range packets {
		f.ByteCount += uint64(len(p.Data))
	}
	f.Duration = packets[len(packets)-1].Timestamp.Sub(packets[0].Timestamp).Seconds()
	f.PacketsPerSecond = float64(f.PacketCount) / (f.Duration + durationEpsilon)
	f.BytesPerSecond = float64(f.ByteCount) / (f.Duration + durationEpsilon)

	// Population mean/std over packet sizes and inter-arrival gaps.
	sizes := make([]float64, len(packets))
	for i, p := range packets {
		sizes[i] = float64(len(p.Data))
	}
	f.MeanPacketSize, f.StdPacketSize = meanStd(sizes)

	if len(packets) > 1 {
		gaps := make([]float64, 0, len(packets)-1)
		for i := 1; i < len(packets); i++ {
			gaps = append(gaps, packets[i].Timestamp.Sub(packets[i-1].Timestamp).Seconds())
		}
		f.MeanInterArrival, f.StdInterArrival = meanStd(gaps)
	}

	// Protocol distribution: fractions are counts over the whole window, so
	// unclassifiable packets leave the fractions summing below one.
	protoCounts := make(map[string]uint64)
	for _, p := range packets {
		if name, ok := protocolName(p.Data); ok {
			protoCounts[name]++
		}
	}
	for name, count := range protoCounts {
		f.ProtocolDist[name] = float64(count) / float64(len(packets))
	}

	// Per-packet payload entropy over everything past the fixed headers.
	for _, p := range packets {
		if len(p.Data) > minFrameLen {
			f.PayloadEntropy = append(f.PayloadEntropy, shannonEntropy(p.Data[minFrameLen:]))
		}
	}

	// Port usage: source and destination ports of TCP/UDP packets,
	// normalized by the busiest port.
	for _, p := range packets {
		src, dst, ok := transportPorts(p.Data)
		if !ok {
			continue
		}
		f.PortUsage[src]++
		f.PortUsage[dst]++
	}
	normalizeByMax(f.PortUsage)

	e.connectionPattern(f, packets)
	timeFeatures(f, packets)

	return f
}

// timeFeatures fills the 5-value timing vector: inter-arrival extremes,
// burst and idle gap fractions, and the window's UTC time of day.
func timeFeatures(f *model.FlowFeatures, packets []*model.RawPacket) {
	if len(packets) > 1 {
		var minGap, maxGap, bursts, idles float64
		minGap = math.Inf(1)
		for i := 1; i < len(packets); i++ {
			gap := packets[i].Timestamp.Sub(packets[i-1].Timestamp).Seconds()
			if gap < minGap {
				minGap = gap
			}
			if gap > maxGap {
				maxGap = gap
			}
			if gap < burstGapSeconds {
				bursts++
			}
			if gap > idleGapSeconds {
				idles++
			}
		}
		gaps := float64(len(packets) - 1)
		f.TimeFeatures[0] = minGap
		f.TimeFeatures[1] = maxGap
		f.TimeFeatures[2] = bursts / gaps
		f.TimeFeatures[3] = idles / gaps
	}

	first := packets[0].Timestamp.UTC()
	f.TimeFeatures[4] = (float64(first.Hour()) + float64(first.Minute())/60) / 24
}

// connectionPattern fills the 10-value connection vector: TCP flag counts in
// [0..5], then per-connection packet statistics relative to the window, then
// the raw connection count, all normalized by the vector's own maximum.
func (e *Extractor) connectionPattern(f *model.FlowFeatures, packets []*model.RawPacket) {
	conns := make(map[string]uint64)

	for _, p := range packets {
		flags, key, ok := tcpFlagsAndKey(p.Data)
		if !ok {
			continue
		}
		conns[key]++

		if flags&0x02 != 0 { // SYN
			f.ConnectionPattern[0]++
		}
		if flags&0x10 != 0 { // ACK
			f.ConnectionPattern[1]++
		}
		if flags&0x01 != 0 { // FIN
			f.ConnectionPattern[2]++
		}
		if flags&0x04 != 0 { // RST
			f.ConnectionPattern[3]++
		}
		if flags&0x08 != 0 { // PSH
			f.ConnectionPattern[4]++
		}
		if flags&0x20 != 0 { // URG
			f.ConnectionPattern[5]++
		}
	}

	if len(conns) > 0 {
		var sum, max float64
		for _, count := range conns {
			sum += float64(count)
			if float64(count) > max {
				max = float64(count)
			}
		}
		total := float64(f.PacketCount)
		f.ConnectionPattern[6] = (sum / float64(len(conns))) / total
		f.ConnectionPattern[7] = max / total
		f.ConnectionPattern[8] = float64(len(conns)) / total
		f.ConnectionPattern[9] = float64(len(conns))
	}

	normalizeByMax(f.ConnectionPattern)
}

// UpdateIncremental returns a copy of f extended with one packet's
// contribution: packet and byte totals, protocol fractions and the payload
// entropy sequence. Timing, port and connection features need the complete
// packet sequence and are refreshed only by a full Extract.
func (e *Extractor) UpdateIncremental(f *model.FlowFeatures, pkt *model.RawPacket) *model.FlowFeatures {
	out := cloneFeatures(f)

	out.PacketCount++
	out.ByteCount += uint64(len(pkt.Data))

	// Rescale every fraction to the grown window, then credit the packet's
	// protocol, keeping fraction == count/window exact for all keys.
	n := float64(out.PacketCount)
	for name, frac := range out.ProtocolDist {
		out.ProtocolDist[name] = frac * (n - 1) / n
	}
	if name, ok := protocolName(pkt.Data); ok {
		out.ProtocolDist[name] += 1 / n
	}

	if len(pkt.Data) > minFrameLen {
		out.PayloadEntropy = append(out.PayloadEntropy, shannonEntropy(pkt.Data[minFrameLen:]))
	}

	return out
}

// Vector flattens features into the fixed 50-dimension contract: 5 basic,
// 4 dispersion, 4 protocol fractions, 2 entropy summary, 20 top port-usage
// values in descending order, 10 connection-pattern values, 5 timing
// values.
func Vector(f *model.FlowFeatures) []float64 {
	v := make([]float64, 0, model.VectorSize)

	v = append(v,
		float64(f.PacketCount),
		float64(f.ByteCount),
		f.Duration,
		f.PacketsPerSecond,
		f.BytesPerSecond,
	)
	v = append(v, f.MeanPacketSize, f.StdPacketSize, f.MeanInterArrival, f.StdInterArrival)

	for _, name := range protocolOrder {
		v = append(v, f.ProtocolDist[name])
	}

	v = append(v, f.AvgEntropy(), f.MaxEntropy())

	v = append(v, topValues(f.PortUsage, model.NumPortFeatures)...)

	conn := f.ConnectionPattern
	for i := 0; i < model.NumConnFeatures; i++ {
		if i < len(conn) {
			v = append(v, conn[i])
		} else {
			v = append(v, 0)
		}
	}

	tf := f.TimeFeatures
	for i := 0; i < model.NumTimeFeatures; i++ {
		if i < len(tf) {
			v = append(v, tf[i])
		} else {
			v = append(v, 0)
		}
	}

	return v
}

// Vector is exposed on the extractor as well for symmetry with Extract.
func (e *Extractor) Vector(f *model.FlowFeatures) []float64 {
	return Vector(f)
}

var protocolOrder = []string{"TCP", "UDP", "ICMP", "OTHER"}

var featureNames = buildFeatureNames()

// FeatureName returns the stable name of one vector dimension, used to
// label anomaly indicators.
func FeatureName(i int) string {
	if i < 0 || i >= len(featureNames) {
		return fmt.Sprintf("feature_%d", i)
	}
	return featureNames[i]
}

func buildFeatureNames() []string {
	names := []string{
		"packet_count", "byte_count", "duration", "packets_per_second", "bytes_per_second",
		"mean_packet_size", "std_packet_size", "mean_inter_arrival", "std_inter_arrival",
		"proto_tcp", "proto_udp", "proto_icmp", "proto_other",
		"entropy_avg", "entropy_max",
	}
	for i := 1; i <= model.NumPortFeatures; i++ {
		names = append(names, fmt.Sprintf("port_top_%d", i))
	}
	names = append(names,
		"conn_syn", "conn_ack", "conn_fin", "conn_rst", "conn_psh", "conn_urg",
		"conn_avg_packets", "conn_max_packets", "conn_ratio", "conn_count",
	)
	names = append(names,
		"time_iat_min", "time_iat_max", "time_burst_ratio", "time_idle_ratio", "time_hour_of_day",
	)
	return names
}

// protocolName classifies a frame by its IPv4 protocol byte. Frames that are
// too short or not IPv4 report ok=false and stay out of the distribution.
func protocolName(data []byte) (string, bool) {
	if len(data) < minFrameLen {
		return "", false
	}
	if data[etherHeaderLen]>>4 != 4 {
		return "", false
	}
	switch data[etherHeaderLen+9] {
	case protoTCP:
		return "TCP", true
	case protoUDP:
		return "UDP", true
	case protoICMP:
		return "ICMP", true
	default:
		return "OTHER", true
	}
}

// transportPorts reads the TCP/UDP source and destination ports, honoring
// the IPv4 header length.
func transportPorts(data []byte) (src, dst uint16, ok bool) {
	if len(data) < minFrameLen || data[etherHeaderLen]>>4 != 4 {
		return 0, 0, false
	}
	proto := data[etherHeaderLen+9]
	if proto != protoTCP && proto != protoUDP {
		return 0, 0, false
	}
	off := etherHeaderLen + int(data[etherHeaderLen]&0x0f)*4
	if len(data) < off+4 {
		return 0, 0, false
	}
	src = uint16(data[off])<<8 | uint16(data[off+1])
	dst = uint16(data[off+2])<<8 | uint16(data[off+3])
	return src, dst, true
}

// tcpFlagsAndKey reads the TCP flag byte and builds the connection key for
// one frame.
func tcpFlagsAndKey(data []byte) (flags byte, key string, ok bool) {
	if len(data) < minFrameLen || data[etherHeaderLen]>>4 != 4 {
		return 0, "", false
	}
	if data[etherHeaderLen+9] != protoTCP {
		return 0, "", false
	}
	off := etherHeaderLen + int(data[etherHeaderLen]&0x0f)*4
	if len(data) < off+14 {
		return 0, "", false
	}

	srcPort := uint16(data[off])<<8 | uint16(data[off+1])
	dstPort := uint16(data[off+2])<<8 | uint16(data[off+3])
	key = fmt.Sprintf("%d.%d.%d.%d:%d->%d.%d.%d.%d:%d",
		data[etherHeaderLen+12], data[etherHeaderLen+13], data[etherHeaderLen+14], data[etherHeaderLen+15], srcPort,
		data[etherHeaderLen+16], data[etherHeaderLen+17], data[etherHeaderLen+18], data[etherHeaderLen+19], dstPort)

	return data[off+13], key, true
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return mean, math.Sqrt(sumSq / float64(len(values)))
}

func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	var entropy float64
	size := float64(len(data))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / size
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func normalizeByMax(values []float64) {
	var max float64
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	if max <= 0 {
		return
	}
	for i := range values {
		values[i] /= max
	}
}

// topValues returns the n largest entries of values in descending order,
// zero-padded when fewer are present.
func topValues(values []float64, n int) []float64 {
	nonzero := make([]float64, 0, n)
	for _, v := range values {
		if v > 0 {
			nonzero = append(nonzero, v)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(nonzero)))

	top := make([]float64, n)
	copy(top, nonzero)
	return top
}

func cloneFeatures(f *model.FlowFeatures) *model.FlowFeatures {
	if f == nil {
		return &model.FlowFeatures{
			ProtocolDist:      make(map[string]float64),
			PortUsage:         make([]float64, model.PortHistogramSize),
			ConnectionPattern: make([]float64, model.NumConnFeatures),
			TimeFeatures:      make([]float64, model.NumTimeFeatures),
		}
	}
	out := *f
	out.ProtocolDist = make(map[string]float64, len(f.ProtocolDist))
	for k, v := range f.ProtocolDist {
		out.ProtocolDist[k] = v
	}
	out.PayloadEntropy = append([]float64(nil), f.PayloadEntropy...)
	out.PortUsage = append([]float64(nil), f.PortUsage...)
	out.ConnectionPattern = append([]float64(nil), f.ConnectionPattern...)
	out.TimeFeatures = append([]float64(nil), f.TimeFeatures...)
	return &out
}
