// Package config loads a flash run's CAN, endpoint, and timing parameters
// from an INI file via gopkg.in/ini.v1.
package config

import (
	"time"

	"github.com/samsamfire/ecuflash/pkg/flash"
	"github.com/samsamfire/ecuflash/pkg/uds"
	"gopkg.in/ini.v1"
)

// Config is the fully resolved set of parameters a flash run needs,
// loaded from the [can], [endpoint], and [timing] sections of an INI
// file. Any key absent from the file keeps its documented default.
type Config struct {
	Interface string
	Channel   string
	Bitrate   int

	TxID uint32
	RxID uint32

	P2  time.Duration
	P2S time.Duration
	S3  time.Duration

	AuditLogPath string
}

// Default returns the flash endpoint's standard parameters: 500 kbit/s,
// request ID 0x7E0, response ID 0x7E8, and the usual P2/P2*/S3 session
// timings.
func Default() Config {
	return Config{
		Interface: "socketcan",
		Channel:   "can0",
		Bitrate:   500000,
		TxID:      0x7E0,
		RxID:      0x7E8,
		P2:        500 * time.Millisecond,
		P2S:       5000 * time.Millisecond,
		S3:        5000 * time.Millisecond,
	}
}

// Load reads path (an INI file) and overlays its [can]/[endpoint]/[timing]/
// [audit] sections onto Default(). Missing keys, missing sections and
// numeric keys whose value does not parse all keep their default value;
// only a missing or unparsable file is a load error.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, err
	}

	if sec, err := f.GetSection("can"); err == nil {
		cfg.Interface = sec.Key("interface").MustString(cfg.Interface)
		cfg.Channel = sec.Key("channel").MustString(cfg.Channel)
		cfg.Bitrate = sec.Key("bitrate").MustInt(cfg.Bitrate)
	}
	if sec, err := f.GetSection("endpoint"); err == nil {
		cfg.TxID = uint32(sec.Key("tx_id").MustUint(uint(cfg.TxID)))
		cfg.RxID = uint32(sec.Key("rx_id").MustUint(uint(cfg.RxID)))
	}
	if sec, err := f.GetSection("timing"); err == nil {
		cfg.P2 = time.Duration(sec.Key("p2_ms").MustInt(int(cfg.P2/time.Millisecond))) * time.Millisecond
		cfg.P2S = time.Duration(sec.Key("p2_star_ms").MustInt(int(cfg.P2S/time.Millisecond))) * time.Millisecond
		cfg.S3 = time.Duration(sec.Key("s3_ms").MustInt(int(cfg.S3/time.Millisecond))) * time.Millisecond
	}
	if sec, err := f.GetSection("audit"); err == nil {
		cfg.AuditLogPath = sec.Key("log_path").MustString("")
	}

	return cfg, nil
}

// FlashConfig adapts the loaded Config to pkg/flash.Config.
func (c Config) FlashConfig() flash.Config {
	return flash.Config{
		Interface:    c.Interface,
		Channel:      c.Channel,
		Bitrate:      c.Bitrate,
		TxID:         c.TxID,
		RxID:         c.RxID,
		AuditLogPath: c.AuditLogPath,
		Timings: uds.Timings{
			P2:  c.P2,
			P2S: c.P2S,
			S3:  c.S3,
		},
	}
}
