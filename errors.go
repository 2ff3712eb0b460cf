// Package ecuflash implements an automotive ECU bootloader client speaking
// ISO 15765-2 segmented CAN transport and ISO 14229 diagnostic services.
package ecuflash

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure kind in the error handling design.
var (
	ErrIllegalArgument   = errors.New("error in function arguments")
	ErrBus               = errors.New("underlying CAN driver failure")
	ErrTimeout           = errors.New("no expected frame within deadline")
	ErrTransportWait     = errors.New("flow control requested wait, unsupported")
	ErrTransportOverflow = errors.New("flow control reported overflow")
	ErrSequenceMismatch  = errors.New("consecutive-frame sequence violated")
	ErrCancelled         = errors.New("cooperative cancellation observed")
	ErrKeyDerivation     = errors.New("AES key derivation produced no output")
	ErrPDUTooLarge       = errors.New("PDU exceeds 4095 byte transport limit")
	ErrMalformedResponse = errors.New("malformed RequestDownload response")
)

// NegativeResponseError wraps a UDS negative response [0x7F, SID, NRC].
type NegativeResponseError struct {
	SID byte
	NRC byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response to SID x%02x: NRC x%02x", e.SID, e.NRC)
}

// UnexpectedSIDError is returned when response[0] != request[0] + 0x40.
type UnexpectedSIDError struct {
	Expected byte
	Got      byte
}

func (e *UnexpectedSIDError) Error() string {
	return fmt.Sprintf("unexpected response SID: expected x%02x, got x%02x", e.Expected, e.Got)
}

// ImageError reports a malformed S-record line.
type ImageError struct {
	Line   int
	Reason string
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("malformed image at line %d: %s", e.Line, e.Reason)
}
