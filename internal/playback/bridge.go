// Package playback pushes decoded device audio into the host output
// and feeds the spectrum analyzer that drives front-end visuals.
package playback

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hajimehoshi/oto/v2"

	"github.com/looperlab/looperd/internal/types"
)

const (
	outputChannels = 2
	outputBitDepth = 2 // bytes per sample, 16-bit host output

	// Cap the staging buffer at ~100 ms so the visualizer and the seek
	// slider stay close to what the user actually hears.
	maxBufferSize = types.SampleRate / 10 * outputChannels * outputBitDepth
)

// Bridge connects the streaming decode loop to the host's audio
// output. Push blocks when the device outruns playback; that blocking
// is the stream's flow control.
type Bridge struct {
	context *oto.Context
	player  oto.Player

	mu     sync.Mutex
	cond   *sync.Cond
	buffer *bytes.Buffer
	closed bool

	// volume is 0..100, set from any goroutine, read once per push.
	volume atomic.Int32

	analyzer *Analyzer
}

// New opens the default host output at 44.1 kHz stereo.
func New() (*Bridge, error) {
	ctx, ready, err := oto.NewContext(types.SampleRate, outputChannels, outputBitDepth)
	if err != nil {
		return nil, fmt.Errorf("open audio output: %w", err)
	}
	<-ready

	b := &Bridge{
		context:  ctx,
		buffer:   &bytes.Buffer{},
		analyzer: NewAnalyzer(types.SampleRate),
	}
	b.cond = sync.NewCond(&b.mu)
	b.volume.Store(100)
	b.player = ctx.NewPlayer(b)
	return b, nil
}

// SetVolume clamps v into [0, 100] and applies it from the next push.
func (b *Bridge) SetVolume(v int) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	b.volume.Store(int32(v))
}

// Volume returns the current volume in [0, 100].
func (b *Bridge) Volume() int {
	return int(b.volume.Load())
}

// Push scales one decoded block by the current volume, converts it to
// the host's 16-bit frames and queues it, blocking while the staging
// buffer is full. Samples reach the analyzer before volume scaling so
// the visualization does not dim with the output.
func (b *Bridge) Push(samples []int32) error {
	if b.analyzer != nil {
		b.analyzer.Process(samples)
	}

	vol := int64(b.volume.Load())
	out := make([]byte, len(samples)*outputBitDepth)
	for i, s := range samples {
		v := int64(s)
		if vol < 100 {
			v = v * vol / 100
		}
		if v > 2147483647 {
			v = 2147483647
		}
		if v < -2147483648 {
			v = -2147483648
		}
		h := int16(v >> 16)
		out[2*i] = byte(h)
		out[2*i+1] = byte(h >> 8)
	}
	return b.write(out)
}

func (b *Bridge) write(data []byte) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return io.ErrClosedPipe
		}
		if b.buffer.Len() < maxBufferSize {
			break
		}
		b.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	defer b.mu.Unlock()

	if _, err := b.buffer.Write(data); err != nil {
		return err
	}
	if b.player != nil && !b.player.IsPlaying() {
		b.player.Play()
	}
	return nil
}

// Read feeds the oto player. An empty buffer yields silence so the
// stream stays alive between pushes.
func (b *Bridge) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, io.EOF
	}
	if b.buffer.Len() == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	return b.buffer.Read(p)
}

// Stop drops any queued audio and pauses the player. The bridge can be
// reused for the next stream.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.player != nil && b.player.IsPlaying() {
		b.player.Pause()
	}
	b.buffer.Reset()
	if b.analyzer != nil {
		b.analyzer.Reset()
	}
}

// Bands exposes the analyzer's current spectrum.
func (b *Bridge) Bands() []uint8 {
	return b.analyzer.Bands()
}

// SetBandsCallback registers a push consumer for new spectrum frames.
func (b *Bridge) SetBandsCallback(cb BandsFunc) {
	b.analyzer.SetCallback(cb)
}

// Close tears the output down. Any blocked Push or Read unblocks.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	player := b.player
	b.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}

// StartChunkForOffset converts a seek time in seconds into the first
// data chunk to request. Chunk 0 is the header, so playback data
// starts at chunk 1; granularity is one 1024-byte chunk, about 3.87 ms
// of stereo audio.
func StartChunkForOffset(seconds float64) uint32 {
	if seconds <= 0 {
		return 1
	}
	byteOffset := seconds * types.SampleRate * types.BytesPerFrame
	return uint32(byteOffset/1024) + 1
}

var _ io.Reader = (*Bridge)(nil)
