package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestCommandFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
		// header is the frame up to and including the last argument
		// byte; the CRC and zero padding follow it.
		header []byte
	}{
		{
			name:   "delete slot 5",
			frame:  DeleteCommand(5),
			header: []byte{0x3F, 0xAA, 0x55, 0x03, 0x00, 0x88, 0x05, 0x00},
		},
		{
			name:   "download slot 2 chunk 7",
			frame:  DownloadCommand(2, 7),
			header: []byte{0x3F, 0xAA, 0x55, 0x07, 0x00, 0x82, 0x02, 0x00, 0x07, 0x00, 0x00, 0x00},
		},
		{
			name:   "upload slot 9 chunk 300",
			frame:  UploadCommand(9, 300),
			header: []byte{0x3F, 0xAA, 0x55, 0x07, 0x00, 0x84, 0x09, 0x00, 0x2C, 0x01, 0x00, 0x00},
		},
		{
			name:   "init upload",
			frame:  InitUploadCommand(),
			header: []byte{0x3F, 0xAA, 0x55, 0x01, 0x00, 0x86},
		},
		{
			name:   "play slot 3",
			frame:  PlayCommand(3),
			header: []byte{0x3F, 0xAA, 0x55, 0x07, 0x00, 0x8A, 0x01, 0x00, 0x03, 0x00, 0x00, 0x00},
		},
		{
			name:   "stop slot 3",
			frame:  StopCommand(3),
			header: []byte{0x3F, 0xAA, 0x55, 0x07, 0x00, 0x8A, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if len(tc.frame) != FrameSize {
				t.Fatalf("frame length = %d, want %d", len(tc.frame), FrameSize)
			}
			if !bytes.Equal(tc.frame[:len(tc.header)], tc.header) {
				t.Errorf("header = % X, want % X", tc.frame[:len(tc.header)], tc.header)
			}
			wantCRC := Checksum(tc.frame[3:len(tc.header)])
			gotCRC := binary.BigEndian.Uint16(tc.frame[len(tc.header):])
			if gotCRC != wantCRC {
				t.Errorf("crc = %04X, want %04X", gotCRC, wantCRC)
			}
			for i := len(tc.header) + 2; i < FrameSize; i++ {
				if tc.frame[i] != 0 {
					t.Fatalf("padding byte %d = %02X, want 00", i, tc.frame[i])
				}
			}
		})
	}
}

func TestChecksum(t *testing.T) {
	// Zero input complements the zero state.
	if got := Checksum(nil); got != 0xFFFF {
		t.Errorf("Checksum(nil) = %04X, want FFFF", got)
	}
	// A single zero byte walks table entry 0 then complements.
	if got := Checksum([]byte{0x00}); got != ^crcTable[0] {
		t.Errorf("Checksum(00) = %04X, want %04X", got, ^crcTable[0])
	}
	// Distinct payloads of the same length disagree.
	a := Checksum([]byte{0x03, 0x00, 0x88, 0x05, 0x00})
	b := Checksum([]byte{0x03, 0x00, 0x88, 0x06, 0x00})
	if a == b {
		t.Errorf("checksums collide: %04X", a)
	}
}

func TestParseAudio(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want []int32
	}{
		{"positive one", []byte{0x01, 0x00, 0x00}, []int32{0x100}},
		{"max positive", []byte{0xFF, 0xFF, 0x7F}, []int32{0x7FFFFF00}},
		{"minimum", []byte{0x00, 0x00, 0x80}, []int32{math.MinInt32}},
		{"minus one", []byte{0xFF, 0xFF, 0xFF}, []int32{-256}},
		{
			"stereo frame",
			[]byte{0x01, 0x00, 0x00, 0xFF, 0xFF, 0xFF},
			[]int32{0x100, -256},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseAudio(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d samples, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("sample %d = %d (%08X), want %d", i, got[i], uint32(got[i]), tc.want[i])
				}
			}
		})
	}
}

func TestAudioRoundTrip(t *testing.T) {
	in := []byte{
		0x00, 0x00, 0x00,
		0x01, 0x00, 0x00,
		0xFF, 0xFF, 0x7F,
		0x00, 0x00, 0x80,
		0x34, 0x12, 0xAB,
		0xFF, 0xFF, 0xFF,
	}
	out := EncodeAudio(ParseAudio(in))
	if !bytes.Equal(out, in) {
		t.Errorf("round trip = % X, want % X", out, in)
	}
}

func TestParseTrackHeader(t *testing.T) {
	t.Run("occupied", func(t *testing.T) {
		data := make([]byte, TrackHeaderSize)
		data[0] = 0x01
		binary.LittleEndian.PutUint32(data[4:], 529200)
		present, size := ParseTrackHeader(data)
		if !present || size != 529200 {
			t.Errorf("got (%v, %d), want (true, 529200)", present, size)
		}
	})
	t.Run("empty slot", func(t *testing.T) {
		present, size := ParseTrackHeader(make([]byte, TrackHeaderSize))
		if present || size != 0 {
			t.Errorf("got (%v, %d), want (false, 0)", present, size)
		}
	})
	t.Run("short buffer", func(t *testing.T) {
		present, size := ParseTrackHeader([]byte{0x01, 0x00, 0x00})
		if present || size != 0 {
			t.Errorf("got (%v, %d), want (false, 0)", present, size)
		}
	})
}

func TestParseTrackList(t *testing.T) {
	data := make([]byte, 16+100*8)
	// slot 0 occupied, 264600 bytes
	data[16] = 0x01
	binary.LittleEndian.PutUint32(data[16+4:], 264600)
	// slot 99 occupied, 1024 bytes
	off := 16 + 99*8
	data[off] = 0x01
	binary.LittleEndian.PutUint32(data[off+4:], 1024)

	tracks := ParseTrackList(data)
	if len(tracks) != 100 {
		t.Fatalf("got %d tracks, want 100", len(tracks))
	}
	if !tracks[0].Present || tracks[0].Size != 264600 {
		t.Errorf("slot 0 = %+v", tracks[0])
	}
	if want := 264600.0 / (6 * 44100); tracks[0].Duration != want {
		t.Errorf("slot 0 duration = %v, want %v", tracks[0].Duration, want)
	}
	if tracks[50].Present {
		t.Errorf("slot 50 unexpectedly present")
	}
	if !tracks[99].Present || tracks[99].Size != 1024 {
		t.Errorf("slot 99 = %+v", tracks[99])
	}

	t.Run("truncated", func(t *testing.T) {
		tracks := ParseTrackList(data[:16+10*8])
		if len(tracks) != 10 {
			t.Errorf("got %d tracks, want 10", len(tracks))
		}
	})
}
