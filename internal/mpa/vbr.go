package mpa

import (
	"encoding/binary"

	"github.com/zsiec/tune/internal/bitstream"
)

const (
	xingFlagFrames  = 0x1
	xingFlagBytes   = 0x2
	xingFlagTOC     = 0x4
	xingFlagQuality = 0x8

	tocEntries = 100

	// FhG encoders put the VBRI header 32 bytes after the frame header,
	// regardless of version and channel mode.
	vbriOffset = headerSize + 32
)

// ParseSideInfo looks for a Xing/Info header (with an optional LAME
// extension) or a VBRI header in the first frame of a stream.
func ParseSideInfo(frame []byte, info bitstream.FrameInfo) (bitstream.SideInfo, bool) {
	if len(frame) < headerSize {
		return bitstream.SideInfo{}, false
	}
	h := Unpack(binary.BigEndian.Uint32(frame))
	if side, ok := parseXing(frame, h, info); ok {
		return side, true
	}
	return parseVBRI(frame, info)
}

func parseXing(frame []byte, h Header, info bitstream.FrameInfo) (bitstream.SideInfo, bool) {
	off := headerSize + h.SideInfoSize()
	if h.Protected {
		off += 2
	}
	if len(frame) < off+8 {
		return bitstream.SideInfo{}, false
	}
	tag := string(frame[off : off+4])
	if tag != "Xing" && tag != "Info" {
		return bitstream.SideInfo{}, false
	}
	side := bitstream.SideInfo{Tag: tag}
	flags := binary.BigEndian.Uint32(frame[off+4:])
	off += 8

	if flags&xingFlagFrames != 0 {
		if len(frame) < off+4 {
			return bitstream.SideInfo{}, false
		}
		side.TotalFrames = int64(binary.BigEndian.Uint32(frame[off:]))
		off += 4
	}
	if flags&xingFlagBytes != 0 {
		if len(frame) < off+4 {
			return bitstream.SideInfo{}, false
		}
		side.TotalBytes = int64(binary.BigEndian.Uint32(frame[off:]))
		off += 4
	}
	if flags&xingFlagTOC != 0 {
		if len(frame) < off+tocEntries {
			return bitstream.SideInfo{}, false
		}
		side.TOC = append([]byte(nil), frame[off:off+tocEntries]...)
		off += tocEntries
	}
	if flags&xingFlagQuality != 0 {
		off += 4
	}

	// LAME extension: 9-byte encoder version, then encoder delay and
	// padding packed as two 12-bit values at byte 21.
	if len(frame) >= off+24 && isLAMEVersion(frame[off:off+4]) {
		packed := frame[off+21:]
		side.EncoderDelay = int(packed[0])<<4 | int(packed[1])>>4
		side.EncoderPadding = int(packed[1]&0x0F)<<8 | int(packed[2])
	}

	if side.TotalFrames > 0 {
		side.DurationSamples = side.TotalFrames*int64(info.Samples) -
			int64(side.EncoderDelay) - int64(side.EncoderPadding)
		if side.DurationSamples < 0 {
			side.DurationSamples = 0
		}
	}
	return side, true
}

func isLAMEVersion(b []byte) bool {
	switch string(b) {
	case "LAME", "Lavf", "Lavc", "GOGO":
		return true
	}
	return false
}

func parseVBRI(frame []byte, info bitstream.FrameInfo) (bitstream.SideInfo, bool) {
	if !hasVBRITag(frame) || len(frame) < vbriOffset+26 {
		return bitstream.SideInfo{}, false
	}
	b := frame[vbriOffset:]
	side := bitstream.SideInfo{
		Tag:          "VBRI",
		EncoderDelay: int(binary.BigEndian.Uint16(b[6:])),
		TotalBytes:   int64(binary.BigEndian.Uint32(b[10:])),
		TotalFrames:  int64(binary.BigEndian.Uint32(b[14:])),
	}
	entries := int(binary.BigEndian.Uint16(b[18:]))
	scale := int64(binary.BigEndian.Uint16(b[20:]))
	entrySize := int(binary.BigEndian.Uint16(b[22:]))
	framesPerEntry := int64(binary.BigEndian.Uint16(b[24:]))

	if side.TotalFrames > 0 {
		side.DurationSamples = side.TotalFrames*int64(info.Samples) - int64(side.EncoderDelay)
		if side.DurationSamples < 0 {
			side.DurationSamples = 0
		}
	}

	if entries > 0 && entrySize >= 1 && entrySize <= 4 && framesPerEntry > 0 &&
		len(b) >= 26+entries*entrySize && side.TotalBytes > 0 && side.TotalFrames > 0 {
		sizes := make([]int64, entries)
		for i := range sizes {
			var v int64
			for _, c := range b[26+i*entrySize : 26+(i+1)*entrySize] {
				v = v<<8 | int64(c)
			}
			sizes[i] = v * scale
		}
		side.TOC = vbriTOC(sizes, framesPerEntry, side.TotalFrames, side.TotalBytes)
	}
	return side, true
}

// vbriTOC resamples the VBRI per-segment byte sizes into the 100-entry
// Xing layout, where entry i is the byte position at i percent of the
// duration, scaled to 0-255.
func vbriTOC(sizes []int64, framesPerEntry, totalFrames, totalBytes int64) []byte {
	toc := make([]byte, tocEntries)
	for i := range toc {
		target := totalFrames * int64(i) / tocEntries
		var pos, frames int64
		for _, s := range sizes {
			if frames+framesPerEntry > target {
				pos += s * (target - frames) / framesPerEntry
				break
			}
			pos += s
			frames += framesPerEntry
		}
		v := pos * 256 / totalBytes
		if v > 255 {
			v = 255
		}
		toc[i] = byte(v)
	}
	return toc
}

// hasVBRITag reports whether frame carries an FhG VBRI header. Those
// encoders write a first-frame size that does not lead to the next header,
// so the synchronizer accepts such a frame even when the following header
// does not confirm it.
func hasVBRITag(frame []byte) bool {
	return len(frame) >= vbriOffset+4 && string(frame[vbriOffset:vbriOffset+4]) == "VBRI"
}
