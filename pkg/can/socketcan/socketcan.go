// Package socketcan implements pkg/can.Bus over a raw Linux SocketCAN
// AF_CAN/SOCK_RAW socket, delivering received frames through a callback
// that feeds the synchronous can.Link on top of it.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"unsafe"

	can "github.com/samsamfire/ecuflash/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const frameSize = 16

var defaultReadTimeout = unix.Timeval{Sec: 0, Usec: 200000}

func init() {
	can.RegisterInterface("socketcan", NewBus)
}

// wireFrame mirrors struct can_frame from linux/can.h: id, dlc, 3 pad
// bytes, then 8 data bytes, for a 16-byte on-the-wire layout.
type wireFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

// Bus is a raw SocketCAN AF_CAN/SOCK_RAW socket bound to a named interface
// (e.g. "can0"). The channel must already be up.
type Bus struct {
	f          *os.File
	fd         int
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *log.Logger
}

// NewBus opens and binds a raw CAN socket on channel but does not start
// receiving; Connect starts the reception goroutine.
func NewBus(channel string) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", channel, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("create CAN socket: %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &defaultReadTimeout); err != nil {
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		return nil, fmt.Errorf("bind %s: %w", channel, err)
	}
	return &Bus{fd: fd, logger: log.StandardLogger()}, nil
}

// Connect starts the reception goroutine that feeds Subscribe's callback.
func (b *Bus) Connect(...any) error {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.f = os.NewFile(uintptr(b.fd), fmt.Sprintf("fd %d", b.fd))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	return nil
}

// Disconnect stops reception and closes the socket. Safe to call even if
// Connect never ran.
func (b *Bus) Disconnect() error {
	if b.cancel == nil {
		if b.f != nil {
			return b.f.Close()
		}
		return nil
	}
	b.cancel()
	b.wg.Wait()
	return b.f.Close()
}

// Send writes one 16-byte SocketCAN frame.
func (b *Bus) Send(frame can.Frame) error {
	wf := wireFrame{id: frame.ID, dlc: frame.DLC, pad: frame.Flags, data: frame.Data}
	raw := (*(*[frameSize]byte)(unsafe.Pointer(&wf)))[:]
	n, err := b.f.Write(raw)
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	if n != frameSize {
		return fmt.Errorf("short write: %d of %d bytes", n, frameSize)
	}
	return nil
}

func (b *Bus) processIncoming(ctx context.Context) {
	raw := make([]byte, frameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			n, err := b.f.Read(raw)
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if n != frameSize || err != nil {
				b.logger.WithError(err).Info("[CAN][socketcan] reception loop exiting")
				return
			}
			wf := (*wireFrame)(unsafe.Pointer(&raw[0]))
			if b.rxCallback != nil {
				b.rxCallback.Handle(can.Frame{ID: wf.id, DLC: wf.dlc, Flags: wf.pad, Data: wf.data})
			}
		}
	}
}

// Subscribe installs the frame callback invoked by the reception goroutine.
func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	return nil
}

// SetReceiveOwn toggles CAN_RAW_RECV_OWN_MSGS, useful for loopback testing.
func (b *Bus) SetReceiveOwn(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, v)
}

// SetHardwareFilter installs a kernel-level CAN_RAW_FILTER so unmatched
// frames never cross into userspace, complementing can.Link's software
// filter rather than replacing it.
func (b *Bus) SetHardwareFilter(id, mask uint32) error {
	filters := []unix.CanFilter{{Id: id, Mask: mask}}
	return unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}
