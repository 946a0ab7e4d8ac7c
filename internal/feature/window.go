package feature

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// Window is a closed group of packets sharing a flow key, ready for feature
// extraction. First carries the parsed metadata of the oldest packet and is
// used to address the resulting threat record.
type Window struct {
	Key      string
	Packets  []*model.RawPacket
	First    *model.PacketInfo
	OpenedAt time.Time
}

// Assembler groups packets into flow windows. A window closes when it reaches
// MaxPackets or when a newer packet's timestamp exceeds its age limit; time
// is driven by packet timestamps so live capture and pcap replay behave the
// same. The assembler is owned by the single pipeline worker and is not safe
// for concurrent use.
type Assembler struct {
	cfg    config.WindowConfig
	maxAge time.Duration
	log    *zap.SugaredLogger
	open   map[string]*Window
}

// NewAssembler creates an empty assembler.
func NewAssembler(cfg config.WindowConfig, log *zap.SugaredLogger) *Assembler {
	return &Assembler{
		cfg:    cfg,
		maxAge: cfg.MaxAgeDuration(),
		log:    log,
		open:   make(map[string]*Window),
	}
}

// Add files one packet and returns any windows that closed as a result:
// the packet's own window when it reached the size bound, plus any window
// whose age limit passed.
func (a *Assembler) Add(pkt *model.RawPacket, info *model.PacketInfo) []*Window {
	var closed []*Window

	// Close windows that aged out before this packet arrived.
	for key, w := range a.open {
		if pkt.Timestamp.Sub(w.OpenedAt) >= a.maxAge {
			delete(a.open, key)
			closed = append(closed, w)
		}
	}

	key := a.flowKey(info)
	w, ok := a.open[key]
	if !ok {
		w = &Window{
			Key:      key,
			First:    info,
			OpenedAt: pkt.Timestamp,
		}
		a.open[key] = w
	}
	w.Packets = append(w.Packets, pkt)

	if len(w.Packets) >= a.cfg.MaxPackets {
		delete(a.open, key)
		closed = append(closed, w)
	}
	return closed
}

// FlushAll closes every open window. Used at shutdown and at pcap EOF so no
// buffered traffic goes unscored.
func (a *Assembler) FlushAll() []*Window {
	if len(a.open) == 0 {
		return nil
	}
	closed := make([]*Window, 0, len(a.open))
	for key, w := range a.open {
		delete(a.open, key)
		closed = append(closed, w)
	}
	return closed
}

// OpenCount returns the number of currently open windows.
func (a *Assembler) OpenCount() int {
	return len(a.open)
}

func (a *Assembler) flowKey(info *model.PacketInfo) string {
	switch a.cfg.KeyBy {
	case "source":
		if info.FiveTuple.SrcIP == nil {
			return ""
		}
		return info.FiveTuple.SrcIP.String()
	case "none":
		return ""
	default: // five_tuple
		ft := info.FiveTuple
		if ft.SrcIP == nil && ft.DstIP == nil {
			return ""
		}
		var b strings.Builder
		b.WriteString(ft.SrcIP.String())
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(ft.SrcPort)))
		b.WriteString("->")
		b.WriteString(ft.DstIP.String())
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(ft.DstPort)))
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(int(ft.Protocol)))
		return b.String()
	}
}
