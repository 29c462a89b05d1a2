// Package wavio reads and writes the RIFF/WAVE files the daemon
// exchanges with the user: strict 44100 Hz in, 32-bit stereo PCM out.
package wavio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	ErrInvalidRiff           = errors.New("not a RIFF/WAVE file")
	ErrUnsupportedSampleRate = errors.New("only 44100 Hz audio is supported")
	ErrUnsupportedFormat     = errors.New("unsupported sample format")
)

// monoGain is the -3 dB equal-power constant applied when a mono file
// is duplicated across both channels. The scaled sample is rounded to
// the nearest integer.
const monoGain = 0.70710678

const (
	formatPCM   = 1
	formatFloat = 3
)

// Load reads a WAV file and returns interleaved stereo int32 samples.
// The file must be 44100 Hz; 16/24/32-bit integer and 32-bit float
// sources are accepted, mono or stereo. Mono input is downmixed to
// both channels at -3 dB. Sample scaling follows the device pipeline:
// 16-bit values are shifted left by 8 and float values are scaled to
// 24-bit full range, so everything downstream sees 24-bit magnitudes.
func Load(path string) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return decode(f)
}

type wavFormat struct {
	audioFormat uint16
	channels    uint16
	sampleRate  uint32
	bits        uint16
}

func decode(r io.Reader) ([]int32, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, ErrInvalidRiff
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrInvalidRiff
	}

	var format wavFormat
	var data []byte
	haveFmt := false
	for data == nil {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, ErrInvalidRiff
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil || size < 16 {
				return nil, ErrInvalidRiff
			}
			format.audioFormat = binary.LittleEndian.Uint16(body[0:2])
			format.channels = binary.LittleEndian.Uint16(body[2:4])
			format.sampleRate = binary.LittleEndian.Uint32(body[4:8])
			format.bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, ErrInvalidRiff
			}
			data = make([]byte, size)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, ErrInvalidRiff
			}
		default:
			// Skip unknown chunks; sizes are padded to even lengths.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, ErrInvalidRiff
			}
		}
	}

	if format.sampleRate != 44100 {
		return nil, fmt.Errorf("%w: got %d Hz", ErrUnsupportedSampleRate, format.sampleRate)
	}
	if format.channels != 1 && format.channels != 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, format.channels)
	}
	bytesPer := int(format.bits) / 8
	switch {
	case format.audioFormat == formatPCM && (bytesPer == 2 || bytesPer == 3 || bytesPer == 4):
	case format.audioFormat == formatFloat && bytesPer == 4:
	default:
		return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedFormat, format.audioFormat, format.bits)
	}

	blockAlign := bytesPer * int(format.channels)
	frames := len(data) / blockAlign
	out := make([]int32, 0, frames*2)
	isFloat := format.audioFormat == formatFloat
	for i := 0; i < frames; i++ {
		off := i * blockAlign
		left := decodeSample(data[off:off+bytesPer], bytesPer, isFloat)
		var right int32
		if format.channels == 1 {
			left = int32(math.Round(float64(left) * monoGain))
			right = left
		} else {
			right = decodeSample(data[off+bytesPer:off+2*bytesPer], bytesPer, isFloat)
		}
		out = append(out, left, right)
	}
	return out, nil
}

func decodeSample(p []byte, bytesPer int, isFloat bool) int32 {
	switch bytesPer {
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(p))) << 8
	case 3:
		v := int32(p[0]) | int32(p[1])<<8 | int32(p[2])<<16
		return (v << 8) >> 8
	default:
		if isFloat {
			f := math.Float32frombits(binary.LittleEndian.Uint32(p))
			if f > 1.0 {
				f = 1.0
			}
			if f < -1.0 {
				f = -1.0
			}
			return int32(math.Round(float64(f) * 8388607.0))
		}
		return int32(binary.LittleEndian.Uint32(p))
	}
}

// Save writes interleaved stereo int32 samples as a 32-bit PCM
// 2-channel 44100 Hz WAV file.
func Save(path string, samples []int32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	enc := wav.NewEncoder(f, 44100, 32, 2, formatPCM)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: 44100},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 32,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return f.Close()
}
