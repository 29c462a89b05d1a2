// Package protocol implements the pedal's 64-byte command framing,
// its CRC-16, and the packed 24-bit sample codec.
package protocol

import (
	"encoding/binary"

	"github.com/looperlab/looperd/internal/types"
)

// USB identity and endpoint addresses for the GL100/GL200 family.
const (
	VendorID  = 0x34DB
	ProductID = 0x0008

	EPOut      = 0x02 // commands
	EPOutData  = 0x03 // upload data chunks
	EPInStatus = 0x81 // 64-byte acknowledgements
	EPInData   = 0x83 // 1024-byte data chunks
)

// Frame and chunk geometry.
const (
	FrameSize       = 64   // every OUT command, zero padded
	ChunkSize       = 1024 // every data-endpoint transfer
	TrackHeaderSize = 18   // presence + size header on chunk 0
	StatusSize      = 64
)

// Sub-command bytes.
const (
	subDelete     = 0x88
	subDownload   = 0x82 // chunk 0 doubles as the slot query
	subUpload     = 0x84
	subInitUpload = 0x86
	subPlay       = 0x8A
)

// buildFrame assembles a 64-byte command. payload starts with the
// sub-command byte; the CRC covers length, reserved, sub-command and
// arguments and is stored big-endian immediately after them.
func buildFrame(sub byte, args []byte) []byte {
	frame := make([]byte, FrameSize)
	frame[0] = 0x3F
	frame[1] = 0xAA
	frame[2] = 0x55
	frame[3] = byte(1 + len(args)) // sub-command + args
	frame[4] = 0x00
	frame[5] = sub
	copy(frame[6:], args)

	crcEnd := 6 + len(args)
	crc := Checksum(frame[3:crcEnd])
	binary.BigEndian.PutUint16(frame[crcEnd:], crc)
	return frame
}

// DeleteCommand erases the given slot.
func DeleteCommand(slot int) []byte {
	args := make([]byte, 2)
	binary.LittleEndian.PutUint16(args, uint16(slot))
	return buildFrame(subDelete, args)
}

// DownloadCommand requests one 1024-byte chunk of a slot. Chunk 0 is
// also the occupancy query: its response begins with the track header.
func DownloadCommand(slot int, chunk uint16) []byte {
	args := make([]byte, 6)
	args[0] = byte(slot)
	binary.LittleEndian.PutUint16(args[2:4], chunk)
	return buildFrame(subDownload, args)
}

// UploadCommand announces that the next data-endpoint write carries the
// given chunk of a slot. Chunk 0 is the size metadata chunk.
func UploadCommand(slot int, chunk uint16) []byte {
	args := make([]byte, 6)
	args[0] = byte(slot)
	binary.LittleEndian.PutUint16(args[2:4], chunk)
	return buildFrame(subUpload, args)
}

// InitUploadCommand puts the pedal into upload mode. The device needs
// about a second after acknowledging before it accepts chunk traffic.
func InitUploadCommand() []byte {
	return buildFrame(subInitUpload, nil)
}

// PlayCommand starts on-device playback of a slot.
func PlayCommand(slot int) []byte {
	args := make([]byte, 6)
	args[0] = 0x01
	binary.LittleEndian.PutUint16(args[2:4], uint16(slot))
	return buildFrame(subPlay, args)
}

// StopCommand is the play frame with the action byte cleared. The
// pedal's acknowledgement is not reliable across firmware revisions,
// so callers treat it as fire and forget.
func StopCommand(slot int) []byte {
	args := make([]byte, 6)
	args[0] = 0x00
	binary.LittleEndian.PutUint16(args[2:4], uint16(slot))
	return buildFrame(subPlay, args)
}

// ParseTrackHeader reads the 18-byte header at the start of a chunk-0
// response. It returns the occupancy flag and the track size in bytes.
// The header bytes after the size are reserved. Short buffers report
// an empty slot.
func ParseTrackHeader(data []byte) (present bool, size uint32) {
	if len(data) < 12 {
		return false, 0
	}
	present = data[0] == 0x01
	size = binary.LittleEndian.Uint32(data[4:8])
	if !present {
		return false, 0
	}
	return present, size
}

// ParseTrackList decodes a bulk track-list response: 100 records of 8
// bytes starting at offset 16, each a presence flag and a LE size.
// Current firmware answers per-slot queries instead, but the format is
// decoded here in case a device responds with the single-transfer form.
func ParseTrackList(data []byte) []types.TrackInfo {
	tracks := make([]types.TrackInfo, 0, types.MaxTracks)
	offset := 16
	for i := 0; i < types.MaxTracks; i++ {
		if offset+8 > len(data) {
			break
		}
		info := types.TrackInfo{Slot: i, Present: data[offset] != 0}
		if info.Present {
			info.Size = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
			info.Duration = types.DurationForSize(info.Size)
		}
		tracks = append(tracks, info)
		offset += 8
	}
	return tracks
}
