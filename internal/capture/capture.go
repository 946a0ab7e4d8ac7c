package capture

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// Source captures packets from a live interface and delivers them on a
// bounded channel. One producer goroutine reads the handle; the channel is
// closed exactly once, by Stop or by the producer on a fatal read error, so
// consumers can simply range over Packets.
type Source struct {
	cfg config.CaptureConfig
	log *zap.SugaredLogger

	mu       sync.Mutex
	handle   *pcap.Handle
	localIPs map[string]struct{}
	started  bool

	out      chan *model.RawPacket
	done     chan struct{}
	wg       sync.WaitGroup
	outOnce  sync.Once
	stopOnce sync.Once

	received atomic.Uint64
	dropped  atomic.Uint64

	errMu   sync.Mutex
	readErr error
}

// NewSource creates a live capture source. The handle is not opened until
// Start.
func NewSource(cfg config.CaptureConfig, log *zap.SugaredLogger) (*Source, error) {
	if cfg.Interface == "" {
		return nil, model.NewCaptureError(model.CaptureOpenFailed, "new", fmt.Errorf("no interface configured"))
	}
	return &Source{
		cfg:  cfg,
		log:  log,
		out:  make(chan *model.RawPacket, cfg.SizeOfPacketChannel),
		done: make(chan struct{}),
	}, nil
}

// Start opens the interface, applies the configured filter and launches the
// producer. The handle is released on every failing path.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return model.NewCaptureError(model.CaptureOpenFailed, "start", fmt.Errorf("capture already started"))
	}

	// The read timeout bounds how long the producer can block on the handle,
	// which in turn bounds how long Stop waits for the join.
	timeout := time.Duration(s.cfg.TimeoutMs) * time.Millisecond
	handle, err := pcap.OpenLive(s.cfg.Interface, int32(s.cfg.BufferSize), s.cfg.Promiscuous, timeout)
	if err != nil {
		return model.NewCaptureError(model.CaptureOpenFailed, "open", err)
	}

	if s.cfg.Filter != "" {
		if err := handle.SetBPFFilter(s.cfg.Filter); err != nil {
			handle.Close()
			return model.NewCaptureError(model.CaptureFilterInvalid, "open", err)
		}
	}

	s.localIPs = interfaceAddrs(s.cfg.Interface)
	if len(s.localIPs) == 0 {
		s.log.Warnf("No addresses found for interface %s, direction classification disabled", s.cfg.Interface)
	}

	s.handle = handle
	s.started = true

	s.wg.Add(1)
	go s.run()

	s.log.Infof("Capture started on %s (filter=%q, channel=%d)", s.cfg.Interface, s.cfg.Filter, cap(s.out))
	return nil
}

// run is the producer loop. It owns the read side of the handle and is the
// only writer to the packet channel.
func (s *Source) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		data, ci, err := s.handle.ReadPacketData()
		if err == pcap.NextErrorTimeoutExpired {
			continue
		}
		if err == io.EOF {
			s.closeOut()
			return
		}
		if err != nil {
			select {
			case <-s.done:
				// Stop closed the handle underneath the read.
				return
			default:
			}
			s.setErr(model.NewCaptureError(model.CaptureReadFailed, "read", err))
			s.log.Errorf("Capture read failed on %s: %v", s.cfg.Interface, err)
			s.closeOut()
			return
		}

		s.received.Add(1)
		pkt := &model.RawPacket{
			Data:      data,
			Timestamp: ci.Timestamp,
			Interface: s.cfg.Interface,
			Outbound:  s.isLocal(sourceIPv4(data)),
		}

		select {
		case s.out <- pkt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Stop halts delivery and joins the producer. After Stop returns no further
// packet is emitted. Safe to call more than once.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		if s.handle != nil {
			s.handle.Close()
			s.handle = nil
		}
		s.mu.Unlock()

		s.closeOut()
		s.log.Infof("Capture stopped on %s", s.cfg.Interface)
	})
}

// Packets returns the delivery channel.
func (s *Source) Packets() <-chan *model.RawPacket {
	return s.out
}

// SetFilter recompiles the BPF filter and swaps it atomically. On a compile
// error the previous filter stays active.
func (s *Source) SetFilter(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return model.NewCaptureError(model.CaptureFilterInvalid, "set_filter", fmt.Errorf("capture not open"))
	}
	if err := s.handle.SetBPFFilter(expr); err != nil {
		return model.NewCaptureError(model.CaptureFilterInvalid, "set_filter", err)
	}
	s.log.Infof("Capture filter updated: %q", expr)
	return nil
}

// Stats merges producer counters with kernel-side drop statistics.
func (s *Source) Stats() model.CaptureStats {
	stats := model.CaptureStats{
		Received: s.received.Load(),
		Dropped:  s.dropped.Load(),
	}

	s.mu.Lock()
	if s.handle != nil {
		if hs, err := s.handle.Stats(); err == nil {
			stats.Dropped += uint64(hs.PacketsDropped)
			stats.IfDropped = uint64(hs.PacketsIfDropped)
		}
	}
	s.mu.Unlock()

	return stats
}

// Err returns the fatal read error that terminated the producer, if any.
func (s *Source) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.readErr
}

// ListInterfaces enumerates capture-capable interfaces.
func ListInterfaces() ([]string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, model.NewCaptureError(model.CaptureOpenFailed, "list", err)
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	return names, nil
}

func (s *Source) setErr(err error) {
	s.errMu.Lock()
	s.readErr = err
	s.errMu.Unlock()
}

func (s *Source) closeOut() {
	s.outOnce.Do(func() { close(s.out) })
}

func (s *Source) isLocal(ip net.IP) bool {
	if ip == nil || len(s.localIPs) == 0 {
		return false
	}
	_, ok := s.localIPs[ip.String()]
	return ok
}

func interfaceAddrs(name string) map[string]struct{} {
	addrs := make(map[string]struct{})
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return addrs
	}
	ifAddrs, err := iface.Addrs()
	if err != nil {
		return addrs
	}
	for _, a := range ifAddrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			addrs[ipNet.IP.String()] = struct{}{}
		}
	}
	return addrs
}
