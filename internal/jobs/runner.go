// Package jobs runs the long device operations on a worker goroutine,
// one at a time, with cooperative stop and observer callbacks.
package jobs

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/looperlab/looperd/internal/playback"
	"github.com/looperlab/looperd/internal/session"
	"github.com/looperlab/looperd/internal/types"
	"github.com/looperlab/looperd/internal/wavio"
)

// Op identifies the running operation.
type Op int

const (
	OpNone Op = iota
	OpList
	OpDownload
	OpUpload
	OpDelete
	OpPlay
)

func (op Op) String() string {
	switch op {
	case OpList:
		return "list"
	case OpDownload:
		return "download"
	case OpUpload:
		return "upload"
	case OpDelete:
		return "delete"
	case OpPlay:
		return "play"
	default:
		return "idle"
	}
}

// Observer receives job events. Callbacks arrive on the worker
// goroutine and must not block; for any one job exactly one of
// Finished or JobError fires, after which the job is over.
type Observer interface {
	Progress(op Op, current, total uint32)
	TracksLoaded(tracks []types.TrackInfo)
	Finished(op Op)
	JobError(op Op, err error)
}

// Runner owns the single worker. Submitting a job while one runs stops
// the current job first and waits for its exit; jobs never overlap.
type Runner struct {
	obs Observer

	mu   sync.Mutex
	op   Op
	stop *atomic.Bool
	done chan struct{}
}

func NewRunner(obs Observer) *Runner {
	return &Runner{obs: obs}
}

// CurrentOp reports what the worker is doing right now.
func (r *Runner) CurrentOp() Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.op
}

// Stop requests the running job to exit and blocks until it has.
// No-op when idle.
func (r *Runner) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.mu.Unlock()
	if stop == nil {
		return
	}
	stop.Store(true)
	<-done
}

// start replaces any running job with fn on a fresh worker goroutine.
func (r *Runner) start(op Op, fn func(stop *atomic.Bool) error) {
	r.Stop()

	stop := &atomic.Bool{}
	done := make(chan struct{})
	r.mu.Lock()
	r.op = op
	r.stop = stop
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		err := r.run(op, stop, fn)

		r.mu.Lock()
		if r.done == done {
			r.op = OpNone
			r.stop = nil
			r.done = nil
		}
		r.mu.Unlock()

		if err != nil {
			log.Printf("[JOB] %s failed: %v", op, err)
			r.obs.JobError(op, err)
		} else {
			r.obs.Finished(op)
		}
	}()
}

// run executes fn, converting a panic into an ordinary job error so a
// bad transfer can never take the daemon down.
func (r *Runner) run(op Op, stop *atomic.Bool, fn func(stop *atomic.Bool) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s job panicked: %v", op, p)
		}
	}()
	return fn(stop)
}

// List probes every slot and reports the snapshot via TracksLoaded.
func (r *Runner) List(s *session.Session) {
	r.start(OpList, func(stop *atomic.Bool) error {
		tracks, err := s.ListTracks()
		if err != nil {
			return err
		}
		r.obs.TracksLoaded(tracks)
		return nil
	})
}

// Download fetches a slot and writes it to path as a stereo WAV.
func (r *Runner) Download(s *session.Session, slot int, path string) {
	r.start(OpDownload, func(stop *atomic.Bool) error {
		samples, err := s.DownloadTrack(slot, stop, func(cur, tot uint32) {
			r.obs.Progress(OpDownload, cur, tot)
		})
		if err != nil {
			return err
		}
		if stop.Load() || samples == nil {
			return nil
		}
		return wavio.Save(path, samples)
	})
}

// Upload loads a WAV from path and pushes it into a slot.
func (r *Runner) Upload(s *session.Session, slot int, path string) {
	r.start(OpUpload, func(stop *atomic.Bool) error {
		samples, err := wavio.Load(path)
		if err != nil {
			return err
		}
		if stop.Load() {
			return nil
		}
		return s.UploadTrack(slot, samples, stop, func(cur, tot uint32) {
			r.obs.Progress(OpUpload, cur, tot)
		})
	})
}

// Delete erases a slot.
func (r *Runner) Delete(s *session.Session, slot int) {
	r.start(OpDelete, func(stop *atomic.Bool) error {
		return s.DeleteTrack(slot)
	})
}

// Play streams a slot into the bridge starting at startChunk. When the
// stream ends, by exhaustion or stop, the pedal's internal playback is
// halted and the bridge's queued audio is dropped.
func (r *Runner) Play(s *session.Session, bridge *playback.Bridge, slot int, startChunk uint32) {
	r.start(OpPlay, func(stop *atomic.Bool) error {
		err := s.StreamTrack(slot, startChunk, func(block []int32) {
			if stop.Load() {
				return
			}
			bridge.Push(block)
		}, stop, func(cur, tot uint32) {
			r.obs.Progress(OpPlay, cur, tot)
		})
		s.StopPlayback(slot)
		bridge.Stop()
		return err
	})
}
