package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Fixed layout sizes, in bytes.
const (
	headerSize    = 32
	metadataSize  = 64
	codecDataSize = 24
)

const (
	magic       uint32 = 0x4D534553 // "SESM"
	wireVersion uint16 = 1
)

// Flags is the header's bit field. Bits beyond IsKeyframe are
// reserved-zero on emit and ignored on parse.
type Flags uint32

// Header flag bits.
const (
	FlagHasCodecData Flags = 1 << 0
	FlagHasMetadata  Flags = 1 << 1
	FlagIsKeyframe   Flags = 1 << 2
)

func (f Flags) hasCodecData() bool { return f&FlagHasCodecData != 0 }
func (f Flags) hasMetadata() bool  { return f&FlagHasMetadata != 0 }

// Type identifies the kind of payload a packet carries.
type Type uint16

// Packet types.
const (
	TypeVideoFrame  Type = 1
	TypeAudioFrame  Type = 2
	TypeRPC         Type = 3
	TypeMuxedData   Type = 4
	TypeDecoderData Type = 5
)

// CodecType identifies the elementary stream codec carried in a packet's
// payload.
type CodecType uint8

// Known codec types.
const (
	CodecVP8  CodecType = 1
	CodecVP9  CodecType = 2
	CodecAVC  CodecType = 3
	CodecHEVC CodecType = 4
	CodecAV1  CodecType = 5
	CodecOpus CodecType = 64
	CodecAAC  CodecType = 65
	CodecPCM  CodecType = 66
)

// Header is the 32-byte Sesame fixed header.
type Header struct {
	Flags   Flags
	PTS     uint64
	ID      uint64
	Type    Type
	Version uint16 // always wireVersion on a packet this package produced
}

// IsKeyframe reports whether the keyframe flag bit is set.
func (h Header) IsKeyframe() bool { return h.Flags&FlagIsKeyframe != 0 }

// CodecData is the optional 24-byte codec-description block.
type CodecData struct {
	SampleRate   uint32
	TimebaseNum  uint32
	TimebaseDen  uint32
	CodecProfile uint16
	CodecLevel   uint16
	Width        uint16
	Height       uint16
	CodecType    CodecType
	Channels     uint8
	BitDepth     uint8
}

// ParsedPacket is a validated, borrow-friendly view over a wire buffer.
// Payload is a slice into the buffer passed to Parse; it must not outlive
// the caller's use of that buffer.
type ParsedPacket struct {
	Valid       bool
	Header      Header
	HasMetadata bool
	Metadata    string
	CodecData   *CodecData
	Payload     []byte
}

// ErrInvalidArgument is returned by Serialize when a flag is set without
// its matching payload.
var ErrInvalidArgument = errors.New("wire: invalid argument")

func headerSizeFor(flags Flags) uint16 {
	size := uint16(headerSize)
	if flags.hasMetadata() {
		size += metadataSize
	}
	if flags.hasCodecData() {
		size += codecDataSize
	}
	return size
}

// Serialize encodes header, an optional routing metadata string, an
// optional codec description, and a payload into a Sesame packet. The
// header's flag bits select which optional blocks are emitted;
// header_size is always recomputed from those bits before writing.
func Serialize(h Header, metadata string, codecData *CodecData, payload []byte) ([]byte, error) {
	if h.Flags.hasCodecData() && codecData == nil {
		return nil, fmt.Errorf("%w: HAS_CODEC_DATA set without codec data", ErrInvalidArgument)
	}

	size := int(headerSizeFor(h.Flags)) + len(payload)
	buf := make([]byte, size)

	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Flags&(FlagHasCodecData|FlagHasMetadata|FlagIsKeyframe)))
	binary.LittleEndian.PutUint64(buf[8:16], h.PTS)
	binary.LittleEndian.PutUint64(buf[16:24], h.ID)
	binary.LittleEndian.PutUint16(buf[24:26], wireVersion)
	binary.LittleEndian.PutUint16(buf[26:28], headerSizeFor(h.Flags))
	binary.LittleEndian.PutUint16(buf[28:30], uint16(h.Type))
	binary.LittleEndian.PutUint16(buf[30:32], 0) // reserved

	offset := headerSize
	if h.Flags.hasMetadata() {
		writeMetadata(buf[offset:offset+metadataSize], metadata)
		offset += metadataSize
	}
	if h.Flags.hasCodecData() {
		writeCodecData(buf[offset:offset+codecDataSize], codecData)
		offset += codecDataSize
	}
	copy(buf[offset:], payload)

	return buf, nil
}

// writeMetadata encodes s as UTF-8, truncated to 63 bytes, NUL-terminated,
// zero-padded to the full 64-byte block.
func writeMetadata(dst []byte, s string) {
	b := []byte(s)
	if len(b) > metadataSize-1 {
		b = b[:metadataSize-1]
	}
	copy(dst, b)
	for i := len(b); i < metadataSize; i++ {
		dst[i] = 0
	}
}

func writeCodecData(dst []byte, cd *CodecData) {
	binary.LittleEndian.PutUint32(dst[0:4], cd.SampleRate)
	binary.LittleEndian.PutUint32(dst[4:8], cd.TimebaseNum)
	binary.LittleEndian.PutUint32(dst[8:12], cd.TimebaseDen)
	binary.LittleEndian.PutUint16(dst[12:14], cd.CodecProfile)
	binary.LittleEndian.PutUint16(dst[14:16], cd.CodecLevel)
	binary.LittleEndian.PutUint16(dst[16:18], cd.Width)
	binary.LittleEndian.PutUint16(dst[18:20], cd.Height)
	dst[20] = byte(cd.CodecType)
	dst[21] = cd.Channels
	dst[22] = cd.BitDepth
	dst[23] = 0 // reserved
}

// Parse validates and decodes a Sesame packet from buf. The returned
// ParsedPacket's Payload field aliases buf; it is never copied. A
// malformed buffer yields a ParsedPacket with Valid set to false and no
// error — malformed packets are a routine, silently-dropped occurrence
// per the wire protocol's error taxonomy, not a Go-level failure.
func Parse(buf []byte) ParsedPacket {
	if len(buf) < headerSize {
		return ParsedPacket{}
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != magic {
		return ParsedPacket{}
	}

	flags := Flags(binary.LittleEndian.Uint32(buf[4:8]))
	version := binary.LittleEndian.Uint16(buf[24:26])
	if version != wireVersion {
		return ParsedPacket{}
	}

	headerSz := binary.LittleEndian.Uint16(buf[26:28])
	if headerSz != headerSizeFor(flags) {
		return ParsedPacket{}
	}
	if len(buf) < int(headerSz) {
		return ParsedPacket{}
	}

	h := Header{
		Flags:   flags,
		PTS:     binary.LittleEndian.Uint64(buf[8:16]),
		ID:      binary.LittleEndian.Uint64(buf[16:24]),
		Type:    Type(binary.LittleEndian.Uint16(buf[28:30])),
		Version: version,
	}

	p := ParsedPacket{Valid: true, Header: h}

	offset := headerSize
	if flags.hasMetadata() {
		p.HasMetadata = true
		p.Metadata = readMetadata(buf[offset : offset+metadataSize])
		offset += metadataSize
	}
	if flags.hasCodecData() {
		cd := readCodecData(buf[offset : offset+codecDataSize])
		p.CodecData = &cd
		offset += codecDataSize
	}

	p.Payload = buf[offset:]
	return p
}

func readMetadata(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

func readCodecData(src []byte) CodecData {
	return CodecData{
		SampleRate:   binary.LittleEndian.Uint32(src[0:4]),
		TimebaseNum:  binary.LittleEndian.Uint32(src[4:8]),
		TimebaseDen:  binary.LittleEndian.Uint32(src[8:12]),
		CodecProfile: binary.LittleEndian.Uint16(src[12:14]),
		CodecLevel:   binary.LittleEndian.Uint16(src[14:16]),
		Width:        binary.LittleEndian.Uint16(src[16:18]),
		Height:       binary.LittleEndian.Uint16(src[18:20]),
		CodecType:    CodecType(src[20]),
		Channels:     src[21],
		BitDepth:     src[22],
	}
}
