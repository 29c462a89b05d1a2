// Package session implements the pedal's command/response sequences on
// top of a transport: list, delete, download, upload, streaming play.
package session

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/looperlab/looperd/internal/protocol"
	"github.com/looperlab/looperd/internal/types"
)

var (
	ErrNoSuchTrack  = errors.New("slot is empty")
	ErrUploadVerify = errors.New("upload verification failed")
)

// Transport is the wire the session drives. internal/usb provides the
// real one; tests script a fake.
type Transport interface {
	SendCommand(frame []byte) error
	WriteData(chunk []byte) error
	ReadStatus() ([]byte, error)
	ReadData() ([]byte, error)
}

// ProgressFunc receives (current, total) pairs. Values never decrease
// within one operation and the final call on success is (total, total).
type ProgressFunc func(current, total uint32)

// AudioSink receives each decoded block during streaming play. The
// call blocks until the host output has room; that backpressure paces
// the USB reads.
type AudioSink func(samples []int32)

// Session owns one connected pedal. Exactly one operation runs at a
// time; the job runner enforces this, the session assumes it.
type Session struct {
	tr      Transport
	verbose bool
	sleep   func(time.Duration)
}

func New(tr Transport, verbose bool) *Session {
	return &Session{tr: tr, verbose: verbose, sleep: time.Sleep}
}

// probe sends the chunk-0 query for a slot and parses the header from
// the response.
func (s *Session) probe(slot int) (present bool, size uint32, err error) {
	if err := s.tr.SendCommand(protocol.DownloadCommand(slot, 0)); err != nil {
		return false, 0, err
	}
	data, err := s.tr.ReadData()
	if err != nil {
		return false, 0, err
	}
	present, size = protocol.ParseTrackHeader(data)
	return present, size, nil
}

// ListTracks probes all 100 slots in order, one round-trip each.
func (s *Session) ListTracks() ([]types.TrackInfo, error) {
	tracks := make([]types.TrackInfo, 0, types.MaxTracks)
	for slot := 0; slot < types.MaxTracks; slot++ {
		present, size, err := s.probe(slot)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", slot, err)
		}
		info := types.TrackInfo{Slot: slot, Present: present}
		if present {
			info.Size = size
			info.Duration = types.DurationForSize(size)
		}
		tracks = append(tracks, info)
	}
	return tracks, nil
}

// DeleteTrack erases a slot and waits for the acknowledgement.
func (s *Session) DeleteTrack(slot int) error {
	if err := s.tr.SendCommand(protocol.DeleteCommand(slot)); err != nil {
		return err
	}
	if _, err := s.tr.ReadStatus(); err != nil {
		return err
	}
	if s.verbose {
		log.Printf("[SESSION] deleted slot %d", slot)
	}
	return nil
}

func chunkCount(size uint32) uint32 {
	return (size + protocol.ChunkSize - 1) / protocol.ChunkSize
}

// DownloadTrack fetches a slot's full audio and returns the decoded
// interleaved stereo samples. Decoding only ever consumes whole 6-byte
// frames from the rolling buffer; the 0..5 byte remainder of each
// chunk carries into the next so the stereo pairing survives the 1024
// byte chunk boundary. A set stop flag ends the transfer cleanly with
// nil samples.
func (s *Session) DownloadTrack(slot int, stop *atomic.Bool, progress ProgressFunc) ([]int32, error) {
	present, size, err := s.probe(slot)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, ErrNoSuchTrack
	}

	total := chunkCount(size)
	samples := make([]int32, 0, size/3)
	var buf []byte
	var emitted uint32
	for i := uint32(1); i <= total; i++ {
		if stop != nil && stop.Load() {
			return nil, nil
		}
		if err := s.tr.SendCommand(protocol.DownloadCommand(slot, uint16(i))); err != nil {
			return nil, err
		}
		chunk, err := s.tr.ReadData()
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		buf = append(buf, chunk...)

		aligned := len(buf) - len(buf)%types.BytesPerFrame
		samples = append(samples, protocol.ParseAudio(buf[:aligned])...)
		emitted += uint32(aligned)
		buf = buf[aligned:]

		if progress != nil && i%10 == 0 {
			progress(min32(emitted, size), size)
		}
	}
	if progress != nil {
		progress(size, size)
	}

	// The final chunk is zero padded; trim the surplus samples.
	if n := int(size / 3); len(samples) > n {
		samples = samples[:n]
	}
	return samples, nil
}

// UploadTrack encodes samples to the packed wire form and pushes them
// into a slot: init, meta chunk, data chunks, then a verify probe.
// The two 1-second sleeps are device pacing; skipping them makes the
// pedal drop chunks silently. A set stop flag abandons the transfer;
// the slot is left partial and must be re-uploaded or deleted.
func (s *Session) UploadTrack(slot int, samples []int32, stop *atomic.Bool, progress ProgressFunc) error {
	if err := s.tr.SendCommand(protocol.InitUploadCommand()); err != nil {
		return err
	}
	if _, err := s.tr.ReadStatus(); err != nil {
		return err
	}
	s.sleep(time.Second)

	data := protocol.EncodeAudio(samples)
	size := uint32(len(data))

	meta := make([]byte, protocol.ChunkSize)
	meta[0] = byte(size)
	meta[1] = byte(size >> 8)
	meta[2] = byte(size >> 16)
	meta[3] = byte(size >> 24)
	if err := s.sendChunk(slot, 0, meta); err != nil {
		return err
	}

	total := chunkCount(size)
	for i := uint32(0); i < total; i++ {
		if stop != nil && stop.Load() {
			return nil
		}
		chunk := make([]byte, protocol.ChunkSize)
		copy(chunk, data[i*protocol.ChunkSize:])
		if err := s.sendChunk(slot, uint16(i+1), chunk); err != nil {
			return fmt.Errorf("chunk %d: %w", i+1, err)
		}
		if progress != nil && (i+1)%10 == 0 {
			progress(i+1, total)
		}
	}
	if progress != nil {
		progress(total, total)
	}

	s.sleep(time.Second)
	present, got, err := s.probe(slot)
	if err != nil {
		return err
	}
	if !present || got != size {
		return fmt.Errorf("%w: slot %d reports present=%v size=%d, sent %d",
			ErrUploadVerify, slot, present, got, size)
	}
	if s.verbose {
		log.Printf("[SESSION] uploaded %d bytes to slot %d", size, slot)
	}
	return nil
}

// sendChunk announces one upload chunk on the command endpoint and
// then writes the payload on the data endpoint, reading the status
// acknowledgement after each step.
func (s *Session) sendChunk(slot int, chunk uint16, payload []byte) error {
	if err := s.tr.SendCommand(protocol.UploadCommand(slot, chunk)); err != nil {
		return err
	}
	if _, err := s.tr.ReadStatus(); err != nil {
		return err
	}
	if err := s.tr.WriteData(payload); err != nil {
		return err
	}
	if _, err := s.tr.ReadStatus(); err != nil {
		return err
	}
	return nil
}

// StreamTrack plays a slot through sink starting at startChunk,
// checking stop at every chunk boundary. An empty slot returns without
// error. Progress is (chunkIndex, totalChunks) every iteration; the
// front-end maps the ratio linearly onto elapsed time.
func (s *Session) StreamTrack(slot int, startChunk uint32, sink AudioSink, stop *atomic.Bool, progress ProgressFunc) error {
	present, size, err := s.probe(slot)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	total := chunkCount(size)
	var buf []byte
	for i := startChunk; i <= total; i++ {
		if stop != nil && stop.Load() {
			return nil
		}
		if err := s.tr.SendCommand(protocol.DownloadCommand(slot, uint16(i))); err != nil {
			return err
		}
		chunk, err := s.tr.ReadData()
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		buf = append(buf, chunk...)

		aligned := len(buf) - len(buf)%types.BytesPerFrame
		if aligned > 0 {
			sink(protocol.ParseAudio(buf[:aligned]))
			buf = buf[aligned:]
		}
		if progress != nil {
			progress(i, total)
		}
	}
	return nil
}

// StopPlayback tells the pedal to stop its internal playback. The ack
// is unreliable across firmware revisions, so the command is fire and
// forget.
func (s *Session) StopPlayback(slot int) {
	if err := s.tr.SendCommand(protocol.StopCommand(slot)); err != nil && s.verbose {
		log.Printf("[SESSION] stop command failed: %v", err)
	}
	s.tr.ReadStatus()
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
