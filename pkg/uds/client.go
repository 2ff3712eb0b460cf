// Package uds implements the ISO 14229 diagnostic client: the subset of
// services needed to unlock, erase, stream, and validate a firmware image
// on a single target ECU, plus tester-present keep-alive.
package uds

import (
	"encoding/binary"
	"time"

	ecuflash "github.com/samsamfire/ecuflash"
	"github.com/samsamfire/ecuflash/pkg/isotp"
	log "github.com/sirupsen/logrus"
)

// Service identifiers used by the flasher.
const (
	sidDiagnosticSessionControl = 0x10
	sidECUReset                 = 0x11
	sidSecurityAccess           = 0x27
	sidTesterPresent            = 0x3E
	sidControlDTCSettings       = 0x85
	sidRoutineControl           = 0x31
	sidRequestDownload          = 0x34
	sidTransferData             = 0x36
	sidRequestTransferExit      = 0x37

	negativeResponseSID = 0x7F
	positiveOffset      = 0x40
)

// Timings holds the diagnostic session's timing parameters.
type Timings struct {
	P2  time.Duration // response wait
	P2S time.Duration // extended response wait
	S3  time.Duration // tester-present inter-arrival
}

// DefaultTimings: P2≈500ms, P2*≈5000ms, S3≈5000ms.
var DefaultTimings = Timings{
	P2:  500 * time.Millisecond,
	P2S: 5000 * time.Millisecond,
	S3:  5000 * time.Millisecond,
}

// Client is a thin request/response layer over the segmented transport,
// owning the monotonic timestamp that drives tester-present keep-alive.
type Client struct {
	tp      *isotp.Transport
	timings Timings
	logger  *log.Logger

	lastRequest time.Time
}

// New builds a diagnostic Client over tp with the given session timings.
// A zero Timings uses DefaultTimings.
func New(tp *isotp.Transport, timings Timings, logger *log.Logger) *Client {
	if timings == (Timings{}) {
		timings = DefaultTimings
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{tp: tp, timings: timings, logger: logger, lastRequest: time.Now()}
}

// keepAlive issues a TesterPresent if more than S3/2 has elapsed since the
// last diagnostic exchange. Failure is logged as a warning; the caller's
// request still proceeds regardless, since a lapsed keep-alive shouldn't
// block the service the caller actually wants.
func (c *Client) keepAlive() {
	if time.Since(c.lastRequest) < c.timings.S3/2 {
		return
	}
	c.logger.Debug("[UDS] keep-alive window elapsed, sending TesterPresent")
	if err := c.testerPresentNoKeepAlive(); err != nil {
		c.logger.WithError(err).Warn("[UDS] keep-alive TesterPresent failed, proceeding anyway")
	}
}

// call sends request, expects a positive response with SID ==
// request[0]+0x40, and returns the payload with the SID stripped.
func (c *Client) call(request []byte, timeout time.Duration) ([]byte, error) {
	expected := request[0] + positiveOffset

	c.logger.Debugf("[UDS][TX][x%02x] % x", request[0], request)
	resp, err := c.tp.SendReceive(request, timeout)
	if err != nil {
		return nil, err
	}
	c.lastRequest = time.Now()
	c.logger.Debugf("[UDS][RX][x%02x] % x", request[0], resp)

	if len(resp) == 0 {
		return nil, &ecuflash.UnexpectedSIDError{Expected: expected, Got: 0}
	}
	if resp[0] == negativeResponseSID {
		var nrc byte
		if len(resp) > 2 {
			nrc = resp[2]
		}
		return nil, &ecuflash.NegativeResponseError{SID: request[0], NRC: nrc}
	}
	if resp[0] != expected {
		return nil, &ecuflash.UnexpectedSIDError{Expected: expected, Got: resp[0]}
	}
	return resp[1:], nil
}

// DiagnosticSessionControl requests a session transition (e.g. 0x01
// default, 0x02 programming, 0x03 extended).
func (c *Client) DiagnosticSessionControl(sessionType byte) ([]byte, error) {
	c.keepAlive()
	return c.call([]byte{sidDiagnosticSessionControl, sessionType}, c.timings.P2)
}

// ECUReset requests a reset of the given type (e.g. 0x60 application
// reset into bootloader).
func (c *Client) ECUReset(resetType byte) ([]byte, error) {
	c.keepAlive()
	return c.call([]byte{sidECUReset, resetType}, c.timings.P2)
}

// RequestSeed issues SecurityAccess for the seed of the given level and
// returns the seed bytes (the level echo is stripped).
func (c *Client) RequestSeed(level byte) ([]byte, error) {
	c.keepAlive()
	payload, err := c.call([]byte{sidSecurityAccess, level}, c.timings.P2)
	if err != nil {
		return nil, err
	}
	if len(payload) < 1 {
		return nil, ecuflash.ErrMalformedResponse
	}
	return payload[1:], nil
}

// SendKey issues SecurityAccess send-key at level+1 with the derived key.
func (c *Client) SendKey(level byte, key []byte) error {
	c.keepAlive()
	req := append([]byte{sidSecurityAccess, level + 1}, key...)
	_, err := c.call(req, c.timings.P2)
	return err
}

// testerPresentNoKeepAlive issues TesterPresent without triggering the
// keep-alive check itself, avoiding unbounded recursion; this is the
// per-instance replacement for the source's static-method call.
func (c *Client) testerPresentNoKeepAlive() error {
	_, err := c.call([]byte{sidTesterPresent, 0x00}, c.timings.P2)
	return err
}

// TesterPresent sends the zero-suppress tester-present request directly.
func (c *Client) TesterPresent() error {
	return c.testerPresentNoKeepAlive()
}

// ControlDTCSettings enables or disables DTC logging (e.g. 0x02 disable).
func (c *Client) ControlDTCSettings(settingType byte, record []byte) error {
	c.keepAlive()
	req := append([]byte{sidControlDTCSettings, settingType}, record...)
	_, err := c.call(req, c.timings.P2)
	return err
}

// RoutineControl starts (sub-function 0x01) the routine identified by
// routineID with the given parameter record.
func (c *Client) RoutineControl(routineID uint16, subFunction byte, params []byte) ([]byte, error) {
	c.keepAlive()
	req := make([]byte, 0, 4+len(params))
	req = append(req, sidRoutineControl, subFunction)
	req = binary.BigEndian.AppendUint16(req, routineID)
	req = append(req, params...)
	return c.call(req, c.timings.P2)
}

// RequestDownload negotiates a transfer of size bytes starting at
// address, with 4-byte address/length fields and data format 0x00. It
// returns the per-request chunk payload capacity (maxNumberOfBlockLength-2,
// reserving the TransferData SID and block-sequence bytes).
func (c *Client) RequestDownload(address, size uint32) (int, error) {
	c.keepAlive()
	addrLen, lenLen := byte(4), byte(4)
	req := make([]byte, 0, 11)
	req = append(req, sidRequestDownload, 0x00, (addrLen<<4)|lenLen)
	req = binary.BigEndian.AppendUint32(req, address)
	req = binary.BigEndian.AppendUint32(req, size)

	resp, err := c.call(req, c.timings.P2)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, ecuflash.ErrMalformedResponse
	}
	m := int(resp[0] >> 4)
	if m <= 0 || len(resp) < 1+m {
		return 0, ecuflash.ErrMalformedResponse
	}
	var maxBlockLen uint64
	for _, b := range resp[1 : 1+m] {
		maxBlockLen = (maxBlockLen << 8) | uint64(b)
	}
	capacity := int(maxBlockLen) - 2
	if capacity <= 0 {
		return 0, ecuflash.ErrMalformedResponse
	}
	return capacity, nil
}

// TransferData streams one chunk of the current download with the given
// block sequence counter.
func (c *Client) TransferData(blockSequence byte, data []byte) error {
	c.keepAlive()
	req := make([]byte, 0, 2+len(data))
	req = append(req, sidTransferData, blockSequence)
	req = append(req, data...)
	_, err := c.call(req, c.timings.P2)
	return err
}

// RequestTransferExit ends the current download.
func (c *Client) RequestTransferExit() error {
	c.keepAlive()
	_, err := c.call([]byte{sidRequestTransferExit}, c.timings.P2)
	return err
}
