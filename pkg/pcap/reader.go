// Package pcap replays capture files through the same source interface the
// live capture uses, so recorded traffic runs the full pipeline unchanged.
package pcap

import (
	"io"
	"sync"
	"sync/atomic"

	gopcap "github.com/google/gopacket/pcap"
	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

// Reader implements model.PacketSource over a pcap file. Packets keep their
// recorded timestamps, so window ageing during replay matches the original
// capture. Unlike the live source, delivery blocks instead of dropping: a
// file replay must be lossless.
type Reader struct {
	path string
	log  *zap.SugaredLogger

	handle *gopcap.Handle

	out      chan *model.RawPacket
	done     chan struct{}
	wg       sync.WaitGroup
	outOnce  sync.Once
	stopOnce sync.Once

	received atomic.Uint64

	errMu   sync.Mutex
	readErr error
}

// NewReader opens the capture file. channelSize bounds the delivery channel.
func NewReader(path string, channelSize int, log *zap.SugaredLogger) (*Reader, error) {
	handle, err := gopcap.OpenOffline(path)
	if err != nil {
		return nil, model.NewCaptureError(model.CaptureOpenFailed, "open", err)
	}
	if channelSize <= 0 {
		channelSize = 1024
	}
	return &Reader{
		path:   path,
		log:    log,
		handle: handle,
		out:    make(chan *model.RawPacket, channelSize),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the producer. The channel closes at end of file.
func (r *Reader) Start() error {
	r.wg.Add(1)
	go r.run()
	return nil
}

func (r *Reader) run() {
	defer r.wg.Done()

	for {
		data, ci, err := r.handle.ReadPacketData()
		if err == io.EOF {
			r.log.Infof("Replay of %s complete: %d packets", r.path, r.received.Load())
			r.closeOut()
			return
		}
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			r.setErr(model.NewCaptureError(model.CaptureReadFailed, "read", err))
			r.log.Errorf("Replay of %s aborted: %v", r.path, err)
			r.closeOut()
			return
		}

		r.received.Add(1)
		pkt := &model.RawPacket{
			Data:      data,
			Timestamp: ci.Timestamp,
			Interface: r.path,
		}

		select {
		case r.out <- pkt:
		case <-r.done:
			return
		}
	}
}

// Stop halts replay and joins the producer. Safe to call more than once,
// including after the file has already been fully delivered.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.handle.Close()
		r.closeOut()
	})
}

// Packets returns the delivery channel.
func (r *Reader) Packets() <-chan *model.RawPacket {
	return r.out
}

// Stats reports packets read so far. Files have no kernel drop counters.
func (r *Reader) Stats() model.CaptureStats {
	return model.CaptureStats{Received: r.received.Load()}
}

// Err returns the read error that aborted replay, if any.
func (r *Reader) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.readErr
}

func (r *Reader) setErr(err error) {
	r.errMu.Lock()
	r.readErr = err
	r.errMu.Unlock()
}

func (r *Reader) closeOut() {
	r.outOnce.Do(func() { close(r.out) })
}
