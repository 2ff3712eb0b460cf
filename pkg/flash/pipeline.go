// Package flash composes the S-record decoder and the diagnostic client
// into the three entry points an orchestrator drives a flash operation
// through: Preflash, FlashBlocks, and Postflash.
package flash

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"

	ecuflash "github.com/samsamfire/ecuflash"
	"github.com/samsamfire/ecuflash/internal/crc"
	can "github.com/samsamfire/ecuflash/pkg/can"
	"github.com/samsamfire/ecuflash/pkg/isotp"
	"github.com/samsamfire/ecuflash/pkg/srecord"
	"github.com/samsamfire/ecuflash/pkg/uds"
	log "github.com/sirupsen/logrus"
)

const (
	sessionDefault     = 0x01
	sessionProgramming = 0x02
	sessionExtended    = 0x03

	resetApplication = 0x60

	securityAccessLevel3 = 0x03
	securityAccessLevel1 = 0x01

	dtcSettingDisable = 0x02

	routineErase    = 0xFF00
	routineValidate = 0xFF01
	routineStart    = 0x01

	eraseValidateParamTag = 0x44

	canIDMask = 0x7FF
)

// Config bundles the CAN channel, endpoint, and timing parameters for one
// flash run.
type Config struct {
	Interface string // registered pkg/can interface name: "socketcan", "virtual", ...
	Channel   string
	Bitrate   int

	TxID uint32 // request arbitration ID, e.g. 0x7E0
	RxID uint32 // response arbitration ID, e.g. 0x7E8

	Timings uds.Timings

	// AuditLogPath, if non-empty, appends every TX/RX frame to this file.
	AuditLogPath string
}

// Progress reports state after every successful chunk and at block
// boundaries. Implementations must return promptly: the pipeline invokes
// this synchronously and will not send the next chunk until it returns.
type Progress struct {
	BlockIndex  int
	TotalBlocks int
	BlockAddr   uint32
	BlockLength int
	BytesSent   int
}

// ProgressFunc is invoked synchronously after each successful chunk and
// at block boundaries.
type ProgressFunc func(Progress)

// Pipeline drives one flash operation end to end.
type Pipeline struct {
	cfg        Config
	logger     *log.Logger
	onProgress ProgressFunc

	cancelled atomic.Bool
}

// New builds a Pipeline. A nil onProgress is a no-op.
func New(cfg Config, onProgress ProgressFunc, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	return &Pipeline{cfg: cfg, logger: logger, onProgress: onProgress}
}

// Cancel requests cooperative cancellation of a running FlashBlocks call.
// It takes effect at the next chunk boundary, never mid-frame; the
// current call returns ErrCancelled once observed.
func (p *Pipeline) Cancel() {
	p.cancelled.Store(true)
}

// openSession acquires the CAN link and builds the diagnostic client atop
// it. The link is owned by the single caller scope that opened it; every
// entry point below opens, defers Close, and never splits acquisition
// from release across functions.
func (p *Pipeline) openSession() (*can.Link, *uds.Client, error) {
	link, err := can.Open(p.cfg.Interface, p.cfg.Channel, p.cfg.Bitrate, p.logger)
	if err != nil {
		return nil, nil, err
	}
	if p.cfg.AuditLogPath != "" {
		link.SetSink(can.NewFileFrameSink(p.cfg.AuditLogPath))
	}
	link.SetFilter(p.cfg.RxID, canIDMask)

	tp := isotp.New(link, p.cfg.TxID, p.cfg.RxID, p.logger)
	client := uds.New(tp, p.cfg.Timings, p.logger)
	return link, client, nil
}

// Preflash runs the ten-step unlock sequence: default session, extended
// session, two-level SecurityAccess, DTC suppression, and the reset into
// the bootloader's programming session.
func (p *Pipeline) Preflash() error {
	link, client, err := p.openSession()
	if err != nil {
		return err
	}
	defer link.Close()
	return p.preflash(client)
}

func (p *Pipeline) preflash(client *uds.Client) error {
	if _, err := client.DiagnosticSessionControl(sessionDefault); err != nil {
		return fmt.Errorf("session control (default): %w", err)
	}
	if _, err := client.DiagnosticSessionControl(sessionExtended); err != nil {
		return fmt.Errorf("session control (extended): %w", err)
	}
	if err := p.unlockLevel(client, securityAccessLevel3); err != nil {
		return fmt.Errorf("security access level 3: %w", err)
	}
	if err := client.ControlDTCSettings(dtcSettingDisable, nil); err != nil {
		return fmt.Errorf("control dtc settings: %w", err)
	}
	if _, err := client.DiagnosticSessionControl(sessionDefault); err != nil {
		return fmt.Errorf("session control (default): %w", err)
	}
	if _, err := client.DiagnosticSessionControl(sessionProgramming); err != nil {
		return fmt.Errorf("session control (programming): %w", err)
	}
	if err := p.unlockLevel(client, securityAccessLevel1); err != nil {
		return fmt.Errorf("security access level 1: %w", err)
	}
	if _, err := client.ECUReset(resetApplication); err != nil {
		return fmt.Errorf("ecu reset: %w", err)
	}
	p.logger.Info("[FLASH] preflash sequence complete")
	return nil
}

func (p *Pipeline) unlockLevel(client *uds.Client, level byte) error {
	seed, err := client.RequestSeed(level)
	if err != nil {
		return err
	}
	key, err := DeriveKey(seed, level)
	if err != nil {
		return err
	}
	return client.SendKey(level, key)
}

// FlashBlocks decodes the S-record image at imagePath and streams every
// contiguous block it contains: erase, negotiate chunk size, stream
// TransferData chunks with a running CRC, exit transfer, then validate.
func (p *Pipeline) FlashBlocks(imagePath string) error {
	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	img, err := srecord.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	blocks := img.Blocks()

	link, client, err := p.openSession()
	if err != nil {
		return err
	}
	defer link.Close()

	for i, block := range blocks {
		if err := p.flashBlock(client, img, i, len(blocks), block); err != nil {
			return fmt.Errorf("block %d (addr 0x%08X): %w", i, block.Start, err)
		}
	}
	return nil
}

func (p *Pipeline) flashBlock(client *uds.Client, img *srecord.Image, index, total int, block srecord.Block) error {
	p.onProgress(Progress{
		BlockIndex:  index,
		TotalBlocks: total,
		BlockAddr:   block.Start,
		BlockLength: block.Length,
		BytesSent:   0,
	})

	eraseParams := validateParams(eraseValidateParamTag, block.Start, uint32(block.Length), 0, false)
	if _, err := client.RoutineControl(routineErase, routineStart, eraseParams); err != nil {
		return fmt.Errorf("erase: %w", err)
	}

	capacity, err := client.RequestDownload(block.Start, uint32(block.Length))
	if err != nil {
		return fmt.Errorf("request download: %w", err)
	}

	chunks := img.Chunks(block.Start, block.Length, capacity)

	var running crc.CRC16
	seq := byte(1)
	sent := 0
	for _, chunk := range chunks {
		if p.cancelled.Load() {
			return ecuflash.ErrCancelled
		}
		if err := client.TransferData(seq, chunk); err != nil {
			return fmt.Errorf("transfer data: %w", err)
		}
		running.Write(chunk)
		sent += len(chunk)
		if seq == 0xFF {
			seq = 0x00
		} else {
			seq++
		}
		p.onProgress(Progress{
			BlockIndex:  index,
			TotalBlocks: total,
			BlockAddr:   block.Start,
			BlockLength: block.Length,
			BytesSent:   sent,
		})
	}

	if err := client.RequestTransferExit(); err != nil {
		return fmt.Errorf("request transfer exit: %w", err)
	}

	params := validateParams(eraseValidateParamTag, block.Start, uint32(block.Length), uint16(running), true)
	if _, err := client.RoutineControl(routineValidate, routineStart, params); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// Postflash re-issues the transfer-exit and validate steps for a block
// already streamed, given its address, length, and running CRC. It opens
// its own link/session, matching the other entry points' scoped
// acquisition.
func (p *Pipeline) Postflash(addr uint32, length uint32, crcValue uint16) error {
	link, client, err := p.openSession()
	if err != nil {
		return err
	}
	defer link.Close()

	if err := client.RequestTransferExit(); err != nil {
		return fmt.Errorf("request transfer exit: %w", err)
	}
	params := validateParams(eraseValidateParamTag, addr, length, crcValue, true)
	if _, err := client.RoutineControl(routineValidate, routineStart, params); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// validateParams builds the `tag || addr(4BE) || length(4BE) [|| crc(2BE)]`
// parameter record shared by the Erase and Validate routine calls.
func validateParams(tag byte, addr, length uint32, crcValue uint16, withCRC bool) []byte {
	params := make([]byte, 0, 11)
	params = append(params, tag)
	params = append(params, byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
	params = append(params, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	if withCRC {
		params = append(params, byte(crcValue>>8), byte(crcValue))
	}
	return params
}
