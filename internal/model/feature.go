package model

// Layout of the flattened feature vector consumed by the anomaly detectors.
// The ordering and dimension are the wire contract between the feature
// extractor and the detectors; changing either requires versioning both.
const (
	NumBasicFeatures      = 5  // packets, bytes, duration, pps, bps
	NumDispersionFeatures = 4  // mean/std packet size, mean/std inter-arrival
	NumProtocolFeatures   = 4  // TCP, UDP, ICMP, OTHER fractions
	NumEntropyFeatures    = 2  // average, maximum payload entropy
	NumPortFeatures       = 20 // top port-usage values, descending
	NumConnFeatures       = 10 // TCP flag counts + connection statistics
	NumTimeFeatures       = 5  // inter-arrival extremes, burst/idle ratios, hour

	VectorSize = NumBasicFeatures + NumDispersionFeatures + NumProtocolFeatures +
		NumEntropyFeatures + NumPortFeatures + NumConnFeatures + NumTimeFeatures
)

// PortHistogramSize covers the full TCP/UDP port space.
const PortHistogramSize = 65536

// FlowFeatures is the statistical summary of one packet window. It is a value
// record: recomputed per window and never mutated after construction except
// through Extractor.UpdateIncremental, which returns an extended copy.
type FlowFeatures struct {
	PacketCount uint64
	ByteCount   uint64
	// Duration is the span between the first and last packet in seconds.
	Duration         float64
	PacketsPerSecond float64
	BytesPerSecond   float64

	MeanPacketSize   float64
	StdPacketSize    float64
	MeanInterArrival float64
	StdInterArrival  float64

	// ProtocolDist maps TCP/UDP/ICMP/OTHER to count/len(window). Fractions
	// sum to 1 when every packet in the window is parseable IPv4; frames
	// too short or non-IPv4 count toward the denominator only.
	ProtocolDist map[string]float64

	// PayloadEntropy holds one Shannon entropy value per packet with payload.
	PayloadEntropy []float64

	// PortUsage is the full port histogram normalized by its own maximum.
	PortUsage []float64

	// ConnectionPattern is the 10-value connection vector normalized by its
	// own maximum: SYN, ACK, FIN, RST, PSH, URG counts, then average and
	// maximum per-connection packet counts and the connection count, each
	// relative to the window's packet count, then the raw connection count.
	ConnectionPattern []float64

	// TimeFeatures is the 5-value timing vector: minimum and maximum
	// inter-arrival gap in seconds, the fraction of sub-millisecond gaps,
	// the fraction of gaps above one second, and the first packet's UTC
	// time of day scaled to [0,1).
	TimeFeatures []float64
}

// AvgEntropy returns the mean of the per-packet payload entropies.
func (f *FlowFeatures) AvgEntropy() float64 {
	if len(f.PayloadEntropy) == 0 {
		return 0
	}
	var sum float64
	for _, e := range f.PayloadEntropy {
		sum += e
	}
	return sum / float64(len(f.PayloadEntropy))
}

// MaxEntropy returns the largest per-packet payload entropy.
func (f *FlowFeatures) MaxEntropy() float64 {
	var max float64
	for _, e := range f.PayloadEntropy {
		if e > max {
			max = e
		}
	}
	return max
}
