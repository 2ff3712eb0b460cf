// Command ecuflash drives the three flash entry points (preflash, flash,
// postflash) from the command line: a flag-parsed subcommand, an INI
// config file, and logrus logging.
package main

import (
	"fmt"
	"os"
	"strconv"

	"flag"

	"github.com/samsamfire/ecuflash/pkg/config"
	"github.com/samsamfire/ecuflash/pkg/flash"
	_ "github.com/samsamfire/ecuflash/pkg/can/socketcan"
	_ "github.com/samsamfire/ecuflash/pkg/can/virtual"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetLevel(log.InfoLevel)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("c", "", "path to INI config file (defaults used if omitted)")
	verbose := fs.Bool("v", false, "enable debug logging")

	switch os.Args[1] {
	case "preflash":
		fs.Parse(os.Args[2:])
		setVerbosity(*verbose)
		run("preflash", func(p *flash.Pipeline) error { return p.Preflash() }, *configPath)

	case "flash":
		imagePath := fs.String("image", "", "path to S-record firmware image")
		fs.Parse(os.Args[2:])
		setVerbosity(*verbose)
		if *imagePath == "" {
			fmt.Fprintln(os.Stderr, "flash: -image is required")
			os.Exit(1)
		}
		run("flash", func(p *flash.Pipeline) error {
			return p.FlashBlocks(*imagePath)
		}, *configPath)

	case "postflash":
		addrStr := fs.String("addr", "", "block start address, hex (e.g. FF1E0000)")
		lengthStr := fs.String("length", "", "block length in bytes")
		crcStr := fs.String("crc", "", "expected 16-bit CRC, hex")
		fs.Parse(os.Args[2:])
		setVerbosity(*verbose)

		addr, err1 := strconv.ParseUint(*addrStr, 16, 32)
		length, err2 := strconv.ParseUint(*lengthStr, 10, 32)
		crcValue, err3 := strconv.ParseUint(*crcStr, 16, 16)
		if err1 != nil || err2 != nil || err3 != nil {
			fmt.Fprintln(os.Stderr, "postflash: -addr, -length and -crc are required")
			os.Exit(1)
		}
		run("postflash", func(p *flash.Pipeline) error {
			return p.Postflash(uint32(addr), uint32(length), uint16(crcValue))
		}, *configPath)

	default:
		usage()
		os.Exit(1)
	}
}

func setVerbosity(verbose bool) {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ecuflash <preflash|flash|postflash> [flags]")
	fmt.Fprintln(os.Stderr, "  preflash  -c <config.ini>")
	fmt.Fprintln(os.Stderr, "  flash     -c <config.ini> -image <firmware.mot>")
	fmt.Fprintln(os.Stderr, "  postflash -c <config.ini> -addr <hex> -length <n> -crc <hex>")
}

func loadConfig(path string) config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	return cfg
}

func progress(p flash.Progress) {
	log.WithFields(log.Fields{
		"block":      fmt.Sprintf("%d/%d", p.BlockIndex+1, p.TotalBlocks),
		"addr":       fmt.Sprintf("0x%08X", p.BlockAddr),
		"bytes_sent": fmt.Sprintf("%d/%d", p.BytesSent, p.BlockLength),
	}).Info("flash progress")
}

func run(name string, op func(*flash.Pipeline) error, configPath string) {
	cfg := loadConfig(configPath)
	pipeline := flash.New(cfg.FlashConfig(), progress, log.StandardLogger())

	log.Infof("starting %s", name)
	if err := op(pipeline); err != nil {
		log.WithError(err).Errorf("%s failed", name)
		os.Exit(1)
	}
	log.Infof("%s completed successfully", name)
}
