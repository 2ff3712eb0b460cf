// Package srecord decodes Motorola S-record ASCII firmware images into a
// sparse address->byte map and the contiguous blocks it implies.
package srecord

import (
	"bufio"
	"encoding/hex"
	"io"
	"sort"
	"strings"

	ecuflash "github.com/samsamfire/ecuflash"
)

// addrWidthByType maps S-record type digit to its address field width in
// bytes: S1=2, S2=3, S3=4. Other record types carry no data for this
// decoder and are skipped.
var addrWidthByType = map[byte]int{
	'1': 2,
	'2': 3,
	'3': 4,
}

// Block is a maximal contiguous run of addresses present in the image.
type Block struct {
	Start  uint32
	Length int
}

// Image is the decoded result: a sparse address->byte map plus the
// maximal contiguous blocks it implies, in ascending address order.
type Image struct {
	Bytes map[uint32]byte
}

// Decode parses an ASCII S-record stream. CR/LF are tolerated. Only
// S1/S2/S3 lines are interpreted; all others are skipped. The trailing
// checksum byte is parsed off but never validated.
func Decode(r io.Reader) (*Image, error) {
	img := &Image{Bytes: make(map[uint32]byte)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line[0] != 'S' {
			continue
		}
		if len(line) < 2 {
			return nil, &ecuflash.ImageError{Line: lineNo, Reason: "truncated record"}
		}
		addrWidth, ok := addrWidthByType[line[1]]
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(line[2:])
		if err != nil {
			return nil, &ecuflash.ImageError{Line: lineNo, Reason: "non-hex payload: " + err.Error()}
		}
		if len(raw) < 1+addrWidth+1 {
			return nil, &ecuflash.ImageError{Line: lineNo, Reason: "record shorter than address+checksum fields"}
		}
		count := int(raw[0])
		if count != len(raw)-1 {
			return nil, &ecuflash.ImageError{Line: lineNo, Reason: "count byte does not match record length"}
		}

		var address uint32
		for _, b := range raw[1 : 1+addrWidth] {
			address = (address << 8) | uint32(b)
		}

		// data excludes the leading count+address fields and the trailing
		// checksum byte; the checksum itself is intentionally not verified.
		data := raw[1+addrWidth : len(raw)-1]
		for i, b := range data {
			img.Bytes[address+uint32(i)] = b
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ecuflash.ImageError{Line: lineNo, Reason: err.Error()}
	}
	return img, nil
}

// Blocks returns the maximal contiguous address runs in img, sorted by
// start address. An empty image yields an empty slice.
func (img *Image) Blocks() []Block {
	if len(img.Bytes) == 0 {
		return nil
	}
	addrs := make([]uint32, 0, len(img.Bytes))
	for a := range img.Bytes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var blocks []Block
	start := addrs[0]
	prev := addrs[0]
	for _, a := range addrs[1:] {
		if a != prev+1 {
			blocks = append(blocks, Block{Start: start, Length: int(prev - start + 1)})
			start = a
		}
		prev = a
	}
	blocks = append(blocks, Block{Start: start, Length: int(prev - start + 1)})
	return blocks
}

// Chunks returns successive chunkSize-byte windows drawn from
// [start, start+length) in ascending address order, across all records.
// The trailing partial chunk, if any, is emitted as-is.
func (img *Image) Chunks(start uint32, length int, chunkSize int) [][]byte {
	end := start + uint32(length)
	addrs := make([]uint32, 0, length)
	for a := range img.Bytes {
		if a >= start && a < end {
			addrs = append(addrs, a)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	window := make([]byte, 0, length)
	for _, a := range addrs {
		window = append(window, img.Bytes[a])
	}

	var chunks [][]byte
	for len(window) > 0 {
		n := chunkSize
		if n > len(window) {
			n = len(window)
		}
		chunks = append(chunks, window[:n])
		window = window[n:]
	}
	return chunks
}
