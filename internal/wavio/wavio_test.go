package wavio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// buildWav assembles a minimal flat RIFF file around the given raw
// sample data.
func buildWav(audioFormat, channels uint16, rate uint32, bits uint16, data []byte) []byte {
	var buf bytes.Buffer
	blockAlign := channels * bits / 8
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, audioFormat)
	binary.Write(&buf, binary.LittleEndian, channels)
	binary.Write(&buf, binary.LittleEndian, rate)
	binary.Write(&buf, binary.LittleEndian, rate*uint32(blockAlign))
	binary.Write(&buf, binary.LittleEndian, blockAlign)
	binary.Write(&buf, binary.LittleEndian, bits)
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func writeTemp(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFormats(t *testing.T) {
	le16 := func(vals ...int16) []byte {
		var b bytes.Buffer
		binary.Write(&b, binary.LittleEndian, vals)
		return b.Bytes()
	}

	cases := []struct {
		name        string
		audioFormat uint16
		channels    uint16
		bits        uint16
		data        []byte
		want        []int32
	}{
		{
			name:        "16-bit stereo",
			audioFormat: 1, channels: 2, bits: 16,
			data: le16(0x7FFF, -0x8000),
			want: []int32{0x7FFF00, -0x800000},
		},
		{
			name:        "24-bit stereo",
			audioFormat: 1, channels: 2, bits: 24,
			data: []byte{0xFF, 0xFF, 0x7F, 0x00, 0x00, 0x80},
			want: []int32{0x7FFFFF, -0x800000},
		},
		{
			name:        "32-bit int passthrough",
			audioFormat: 1, channels: 2, bits: 32,
			data: func() []byte {
				var b bytes.Buffer
				binary.Write(&b, binary.LittleEndian, []int32{123456789, -5})
				return b.Bytes()
			}(),
			want: []int32{123456789, -5},
		},
		{
			name:        "32-bit float",
			audioFormat: 3, channels: 2, bits: 32,
			data: func() []byte {
				var b bytes.Buffer
				binary.Write(&b, binary.LittleEndian, []float32{1.0, -2.0})
				return b.Bytes()
			}(),
			want: []int32{8388607, -8388607},
		},
		{
			// 0x4000<<8 = 4194304; 4194304 * 0.70710678 = 2965820.796,
			// which must round up (truncation would give 2965820).
			name:        "mono downmix rounds",
			audioFormat: 1, channels: 1, bits: 16,
			data: le16(0x4000),
			want: []int32{2965821, 2965821},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTemp(t, buildWav(tc.audioFormat, tc.channels, 44100, tc.bits, tc.data))
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d samples, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestLoadRejects(t *testing.T) {
	t.Run("wrong sample rate", func(t *testing.T) {
		path := writeTemp(t, buildWav(1, 2, 48000, 16, make([]byte, 8)))
		_, err := Load(path)
		if !errors.Is(err, ErrUnsupportedSampleRate) {
			t.Errorf("err = %v, want ErrUnsupportedSampleRate", err)
		}
	})
	t.Run("8-bit format", func(t *testing.T) {
		path := writeTemp(t, buildWav(1, 2, 44100, 8, make([]byte, 8)))
		_, err := Load(path)
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("err = %v, want ErrUnsupportedFormat", err)
		}
	})
	t.Run("too many channels", func(t *testing.T) {
		path := writeTemp(t, buildWav(1, 6, 44100, 16, make([]byte, 24)))
		_, err := Load(path)
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("err = %v, want ErrUnsupportedFormat", err)
		}
	})
	t.Run("not riff", func(t *testing.T) {
		path := writeTemp(t, []byte("ID3\x03 definitely not a wav file, padded out"))
		_, err := Load(path)
		if !errors.Is(err, ErrInvalidRiff) {
			t.Errorf("err = %v, want ErrInvalidRiff", err)
		}
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.wav"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("err = %v, want fs not-exist", err)
		}
	})
}

func TestLoadSkipsExtraChunks(t *testing.T) {
	base := buildWav(1, 2, 44100, 16, []byte{0x01, 0x00, 0x02, 0x00})
	// Splice a LIST chunk between fmt and data.
	var buf bytes.Buffer
	buf.Write(base[:36])
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	buf.WriteString("INFO")
	buf.Write(base[36:])
	got, err := Load(writeTemp(t, buf.Bytes()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []int32{0x100, 0x200}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	samples := make([]int32, 0, 2*256)
	for i := 0; i < 256; i++ {
		v := int32(math.Sin(float64(i)/16) * 8388607)
		samples = append(samples, v<<8, -v<<8)
	}
	path := filepath.Join(t.TempDir(), "out.wav")
	if err := Save(path, samples); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("got %d samples, want %d", len(got), len(samples))
	}
	for i := range got {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}
