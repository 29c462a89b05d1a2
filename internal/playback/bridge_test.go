package playback

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// testBridge builds a bridge around a plain buffer, skipping the host
// audio context.
func testBridge() *Bridge {
	b := &Bridge{buffer: &bytes.Buffer{}}
	b.volume.Store(100)
	return b
}

func pushed(t *testing.T, b *Bridge, samples []int32) []int16 {
	t.Helper()
	if err := b.Push(samples); err != nil {
		t.Fatalf("Push: %v", err)
	}
	raw := b.buffer.Bytes()
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	b.buffer.Reset()
	return out
}

func TestPushVolumeScaling(t *testing.T) {
	b := testBridge()
	in := []int32{0x7FFFFF00, -0x7FFFFF00, 0, math.MinInt32}

	t.Run("full volume", func(t *testing.T) {
		got := pushed(t, b, in)
		// Arithmetic shift floors the negative sample to -32768.
		want := []int16{0x7FFF, math.MinInt16, 0, math.MinInt16}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("half volume", func(t *testing.T) {
		b.SetVolume(50)
		got := pushed(t, b, []int32{0x7FFFFF00})
		if got[0] != 0x3FFF {
			t.Errorf("sample = %04X, want 3FFF", uint16(got[0]))
		}
	})

	t.Run("muted", func(t *testing.T) {
		b.SetVolume(0)
		for _, s := range pushed(t, b, in) {
			if s != 0 {
				t.Fatalf("muted output has %d", s)
			}
		}
	})
}

func TestSetVolumeClamp(t *testing.T) {
	b := testBridge()
	b.SetVolume(-10)
	if b.Volume() != 0 {
		t.Errorf("volume = %d, want 0", b.Volume())
	}
	b.SetVolume(250)
	if b.Volume() != 100 {
		t.Errorf("volume = %d, want 100", b.Volume())
	}
	b.SetVolume(75)
	if b.Volume() != 75 {
		t.Errorf("volume = %d, want 75", b.Volume())
	}
}

func TestReadSilenceWhenEmpty(t *testing.T) {
	b := testBridge()
	p := make([]byte, 32)
	p[0] = 0xAB
	n, err := b.Read(p)
	if err != nil || n != len(p) {
		t.Fatalf("Read = (%d, %v)", n, err)
	}
	for i, v := range p {
		if v != 0 {
			t.Fatalf("byte %d = %02X, want silence", i, v)
		}
	}
}

func TestReadDrainsPushedAudio(t *testing.T) {
	b := testBridge()
	if err := b.Push([]int32{0x01000000, 0x02000000}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	p := make([]byte, 4)
	n, err := b.Read(p)
	if err != nil || n != 4 {
		t.Fatalf("Read = (%d, %v)", n, err)
	}
	want := []byte{0x00, 0x01, 0x00, 0x02}
	if !bytes.Equal(p, want) {
		t.Errorf("read % X, want % X", p, want)
	}
}

func TestStopClearsBuffer(t *testing.T) {
	b := testBridge()
	if err := b.Push([]int32{0x01000000, 0x02000000}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	b.Stop()
	if b.buffer.Len() != 0 {
		t.Errorf("buffer holds %d bytes after Stop", b.buffer.Len())
	}
}

func TestStartChunkForOffset(t *testing.T) {
	cases := []struct {
		seconds float64
		want    uint32
	}{
		{0, 1},
		{-3, 1},
		{4.0, 1034},
		{1.0, 259}, // 264600 bytes per second / 1024, floored, plus one
	}
	for _, tc := range cases {
		if got := StartChunkForOffset(tc.seconds); got != tc.want {
			t.Errorf("StartChunkForOffset(%v) = %d, want %d", tc.seconds, got, tc.want)
		}
	}
}

func TestAnalyzerSpectrum(t *testing.T) {
	a := NewAnalyzer(44100)
	if a.Ready() {
		t.Fatal("analyzer ready before any input")
	}

	frames := 0
	a.SetCallback(func(bands []uint8) {
		frames++
		if len(bands) != numBands {
			t.Errorf("callback bands length = %d, want %d", len(bands), numBands)
		}
	})

	// Two full windows of a loud 440 Hz tone.
	samples := make([]int32, 2*fftSize*2)
	for i := 0; i < len(samples); i += 2 {
		v := int32(math.Sin(2*math.Pi*440*float64(i/2)/44100) * 0x7FFFFF00)
		samples[i] = v
		samples[i+1] = v
	}
	a.Process(samples)

	if !a.Ready() {
		t.Fatal("analyzer not ready after two windows")
	}
	if frames != 2 {
		t.Errorf("callback fired %d times, want 2", frames)
	}
	bands := a.Bands()
	nonzero := 0
	for _, v := range bands {
		if v > 0 {
			nonzero++
		}
	}
	if nonzero == 0 {
		t.Error("spectrum is all zero for a loud tone")
	}

	a.Reset()
	if a.Ready() {
		t.Error("analyzer still ready after Reset")
	}
	for _, v := range a.Bands() {
		if v != 0 {
			t.Error("bands not cleared by Reset")
			break
		}
	}
}
