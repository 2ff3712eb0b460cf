// Package isotp implements the ISO 15765-2 segmented CAN transport: single
// and multi-frame PDU framing, flow control, and sequence-checked
// reassembly, on top of a synchronous pkg/can.Link.
package isotp

import (
	"fmt"
	"time"

	ecuflash "github.com/samsamfire/ecuflash"
	can "github.com/samsamfire/ecuflash/pkg/can"
	log "github.com/sirupsen/logrus"
)

const (
	pciTypeSingle      = 0x0
	pciTypeFirst       = 0x1
	pciTypeConsecutive = 0x2
	pciTypeFlowControl = 0x3

	flowStatusContinue = 0x0
	flowStatusWait     = 0x1
	flowStatusOverflow = 0x2

	// MaxPDULength is the largest payload representable by the 12-bit
	// first-frame length field.
	MaxPDULength = 4095

	firstFrameRetryLimit = 3
)

// Transport drives the segmented transport engine for one (tx, rx)
// endpoint pair over a single CAN link.
type Transport struct {
	link   *can.Link
	txID   uint32
	rxID   uint32
	logger *log.Logger
}

// New builds a Transport bound to link, sending on txID and expecting
// responses on rxID. It does not set the link's receive filter; callers
// configure that once via link.SetFilter before use.
func New(link *can.Link, txID, rxID uint32, logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Transport{link: link, txID: txID, rxID: rxID, logger: logger}
}

func decodeSTmin(raw byte) time.Duration {
	switch {
	case raw <= 0x7F:
		return time.Duration(raw) * time.Millisecond
	case raw >= 0xF1 && raw <= 0xF9:
		return time.Duration(raw-0xF0) * 100 * time.Microsecond
	default:
		return 0
	}
}

func (t *Transport) sendFrame(data []byte) error {
	var frame can.Frame
	frame.ID = t.txID
	frame.DLC = uint8(len(data))
	copy(frame.Data[:], data)
	for i := len(data); i < 8; i++ {
		frame.Data[i] = 0x00
	}
	frame.DLC = 8
	t.logger.Debugf("[ISOTP][TX][x%x] % x", t.txID, frame.Data)
	return t.link.Send(frame)
}

func (t *Transport) recvFrame(timeout time.Duration) (can.Frame, error) {
	frame, ok := t.link.Recv(timeout)
	if !ok {
		return can.Frame{}, ecuflash.ErrTimeout
	}
	t.logger.Debugf("[ISOTP][RX][x%x] % x", frame.ID, frame.Data[:frame.DLC])
	return frame, nil
}

// Send transmits one transport PDU, honoring flow control for multi-frame
// payloads. len(payload) must be <= MaxPDULength.
func (t *Transport) Send(payload []byte, p2 time.Duration) error {
	if len(payload) > MaxPDULength {
		return ecuflash.ErrPDUTooLarge
	}
	if len(payload) <= 7 {
		sf := make([]byte, 1+len(payload))
		sf[0] = byte(pciTypeSingle<<4) | byte(len(payload))
		copy(sf[1:], payload)
		return t.sendFrame(sf)
	}
	return t.sendMultiFrame(payload, p2)
}

func (t *Transport) sendMultiFrame(payload []byte, p2 time.Duration) error {
	total := len(payload)
	ff := make([]byte, 8)
	ff[0] = byte(pciTypeFirst<<4) | byte((total>>8)&0x0F)
	ff[1] = byte(total & 0xFF)
	n := copy(ff[2:], payload[:6])
	remainder := payload[6:]

	var bs byte
	var stmin time.Duration
	ready := false
	for attempt := 1; attempt <= firstFrameRetryLimit; attempt++ {
		if err := t.sendFrame(ff[:2+n]); err != nil {
			return err
		}
		fc, err := t.recvFrame(p2)
		if err != nil {
			if attempt == firstFrameRetryLimit {
				return ecuflash.ErrTimeout
			}
			continue
		}
		if fc.Data[0]>>4 != pciTypeFlowControl {
			if attempt == firstFrameRetryLimit {
				return fmt.Errorf("no valid flow control received")
			}
			continue
		}
		switch fc.Data[0] & 0x0F {
		case flowStatusContinue:
			bs = fc.Data[1]
			stmin = decodeSTmin(fc.Data[2])
			ready = true
		case flowStatusWait:
			return ecuflash.ErrTransportWait
		case flowStatusOverflow:
			return ecuflash.ErrTransportOverflow
		default:
			if attempt == firstFrameRetryLimit {
				return fmt.Errorf("no valid flow control received")
			}
			continue
		}
		if ready {
			break
		}
	}

	seq := byte(1)
	block := 0
	for len(remainder) > 0 {
		chunkLen := 7
		if chunkLen > len(remainder) {
			chunkLen = len(remainder)
		}
		cf := make([]byte, 1+chunkLen)
		cf[0] = byte(pciTypeConsecutive<<4) | (seq & 0x0F)
		copy(cf[1:], remainder[:chunkLen])
		if err := t.sendFrame(cf); err != nil {
			return err
		}
		remainder = remainder[chunkLen:]
		seq = (seq + 1) % 16
		block++
		if stmin > 0 {
			time.Sleep(stmin)
		}
		if bs != 0 && block >= int(bs) && len(remainder) > 0 {
			fc, err := t.recvFrame(p2)
			if err != nil {
				return ecuflash.ErrTimeout
			}
			if fc.Data[0]>>4 != pciTypeFlowControl || fc.Data[0]&0x0F != flowStatusContinue {
				return fmt.Errorf("expected continue flow control, got % x", fc.Data)
			}
			bs = fc.Data[1]
			stmin = decodeSTmin(fc.Data[2])
			block = 0
		}
	}
	return nil
}

// Recv reads one complete transport PDU, transmitting flow control for
// multi-frame PDUs as needed. A single-frame PDU whose first payload byte
// is 0x7F is a negative response and is returned as-is; callers decode it.
func (t *Transport) Recv(timeout time.Duration) ([]byte, error) {
	first, err := t.recvFrame(timeout)
	if err != nil {
		return nil, err
	}
	pciType := first.Data[0] >> 4

	switch pciType {
	case pciTypeSingle:
		length := int(first.Data[0] & 0x0F)
		if length > 7 {
			return nil, fmt.Errorf("invalid single-frame length %d", length)
		}
		return append([]byte{}, first.Data[1:1+length]...), nil

	case pciTypeFirst:
		total := (int(first.Data[0]&0x0F) << 8) | int(first.Data[1])
		data := append([]byte{}, first.Data[2:]...)

		fc := make([]byte, 8)
		fc[0] = byte(pciTypeFlowControl<<4) | flowStatusContinue
		fc[1] = 0x00
		fc[2] = 0x00
		if err := t.sendFrame(fc); err != nil {
			return nil, err
		}

		seq := byte(1)
		for len(data) < total {
			cf, err := t.recvFrame(timeout)
			if err != nil {
				return nil, err
			}
			if cf.Data[0]>>4 != pciTypeConsecutive {
				return nil, fmt.Errorf("expected consecutive frame, got % x", cf.Data)
			}
			if cf.Data[0]&0x0F != seq {
				return nil, ecuflash.ErrSequenceMismatch
			}
			data = append(data, cf.Data[1:]...)
			seq = (seq + 1) % 16
		}
		return data[:total], nil

	default:
		return nil, fmt.Errorf("unexpected PCI type x%x", pciType)
	}
}

// SendReceive sends a request (single- or multi-frame, as Send decides)
// and reads back the full response PDU (which may itself be multi-frame).
func (t *Transport) SendReceive(request []byte, p2 time.Duration) ([]byte, error) {
	if err := t.Send(request, p2); err != nil {
		return nil, err
	}
	return t.Recv(p2)
}
