package can

import (
	"fmt"
	"sync"
	"time"

	ecuflash "github.com/samsamfire/ecuflash"
	log "github.com/sirupsen/logrus"
)

const rxBufferSize = 64

// Link is a single-threaded synchronous CAN link: one reader, one writer,
// both driven by the caller's own goroutine. It wraps an asynchronous Bus
// implementation (frames delivered by callback, possibly from a different
// goroutine than the caller's) and exposes the blocking recv(timeout)
// contract the transport layer is built on.
type Link struct {
	bus    Bus
	logger *log.Logger

	mu         sync.Mutex
	sink       FrameSink
	filtered   bool
	filterID   uint32
	filterMask uint32

	rxCh chan Frame
}

// Open acquires a channel on the named interface ("socketcan", "virtual",
// ...) at the given bitrate and starts delivering received frames.
func Open(interfaceName, channel string, bitrate int, logger *log.Logger) (*Link, error) {
	bus, err := NewBus(interfaceName, channel, bitrate)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s/%s: %v", ecuflash.ErrBus, interfaceName, channel, err)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	link := &Link{
		bus:    bus,
		sink:   NopFrameSink{},
		logger: logger,
		rxCh:   make(chan Frame, rxBufferSize),
	}
	if err := bus.Subscribe(link); err != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", ecuflash.ErrBus, err)
	}
	if err := bus.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ecuflash.ErrBus, err)
	}
	return link, nil
}

// SetSink installs an audit sink observing every frame crossing the link.
// A nil sink disables auditing.
func (l *Link) SetSink(sink FrameSink) {
	if sink == nil {
		sink = NopFrameSink{}
	}
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// SetFilter restricts frames delivered to Recv to those whose ID matches
// id under mask; non-matching frames are silently dropped.
func (l *Link) SetFilter(id, mask uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filtered = true
	l.filterID = id & mask
	l.filterMask = mask
}

// Handle implements FrameListener and is invoked by the underlying Bus's
// delivery path for every received frame. It applies the receive filter,
// notifies the audit sink, and buffers the frame for Recv.
func (l *Link) Handle(frame Frame) {
	l.mu.Lock()
	filtered, id, mask, sink := l.filtered, l.filterID, l.filterMask, l.sink
	l.mu.Unlock()

	if filtered && frame.ID&mask != id {
		return
	}
	sink.Observe(DirRX, frame)
	select {
	case l.rxCh <- frame:
	default:
		l.logger.Warn("[CAN][RX] receive buffer full, dropping frame")
	}
}

// Send enqueues frame for transmission, failing with ErrBus if the
// underlying driver rejects it.
func (l *Link) Send(frame Frame) error {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()

	if err := l.bus.Send(frame); err != nil {
		return fmt.Errorf("%w: %v", ecuflash.ErrBus, err)
	}
	sink.Observe(DirTX, frame)
	return nil
}

// Recv waits up to timeout for the next frame matching the current
// filter. ok is false on timeout; Recv never blocks past timeout.
func (l *Link) Recv(timeout time.Duration) (frame Frame, ok bool) {
	select {
	case frame = <-l.rxCh:
		return frame, true
	case <-time.After(timeout):
		return Frame{}, false
	}
}

// Close releases the link. It is always safe to call, including after a
// prior open/send/recv failure, and always attempts disconnection.
func (l *Link) Close() error {
	if l == nil || l.bus == nil {
		return nil
	}
	if err := l.bus.Disconnect(); err != nil {
		return fmt.Errorf("%w: disconnect: %v", ecuflash.ErrBus, err)
	}
	return nil
}
