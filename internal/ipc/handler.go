package ipc

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/looperlab/looperd/internal/media"
	"github.com/looperlab/looperd/internal/playback"
	"github.com/looperlab/looperd/internal/session"
	"github.com/looperlab/looperd/internal/types"
	"github.com/looperlab/looperd/internal/usb"
)

func (s *Server) handleRequest(conn net.Conn, req *Request) *Response {
	switch req.Cmd {
	case CmdEnumerate:
		return s.handleEnumerate()
	case CmdConnect:
		return s.handleConnect(req)
	case CmdDisconnect:
		return s.handleDisconnect()
	case CmdListTracks:
		return s.handleListTracks()
	case CmdDownload:
		return s.handleDownload(req)
	case CmdUpload:
		return s.handleUpload(req)
	case CmdDelete:
		return s.handleDelete(req)
	case CmdPlay:
		return s.handlePlay(req)
	case CmdStop:
		return s.handleStop()
	case CmdSeek:
		return s.handleSeek(req)
	case CmdVolume:
		return s.handleVolume(req)
	case CmdStatus:
		return s.handleStatus()
	case CmdGetConfig:
		return s.handleGetConfig()
	case CmdSetConfig:
		return s.handleSetConfig(req)
	case CmdSubscribeEvents:
		return s.handleSubscribeEvents(conn)
	case CmdUnsubscribeEvents:
		return s.handleUnsubscribeEvents(conn)
	default:
		return NewErrorResponse("unknown command")
	}
}

// currentSession returns the bound session, or nil when disconnected.
func (s *Server) currentSession() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func validSlot(slot int) bool {
	return slot >= 0 && slot < types.MaxTracks
}

func (s *Server) handleEnumerate() *Response {
	devices, err := usb.Enumerate()
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	log.Printf("[IPC] Enumerated %d device(s)", len(devices))

	resp, err := NewSuccessResponse(EnumerateResponse{
		Devices:        devices,
		UdevRuleNeeded: usb.NeedsUdevRule(),
	})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleConnect(req *Request) *Response {
	connReq := ConnectRequest{Bus: -1, Address: -1}
	if req.Data != nil {
		if err := json.Unmarshal(req.Data, &connReq); err != nil {
			return NewErrorResponse("invalid connect request")
		}
	}

	s.mu.Lock()
	connected := s.transport != nil
	s.mu.Unlock()
	if connected {
		return NewErrorResponse("already connected")
	}

	cfg := s.configMgr.Get()
	transport, err := usb.Connect(connReq.Bus, connReq.Address, cfg.VerboseUSB)
	if err != nil {
		log.Printf("[SESSION] Connect failed: %v", err)
		return NewErrorResponse(err.Error())
	}

	s.mu.Lock()
	s.transport = transport
	s.sess = session.New(transport, cfg.VerboseUSB)
	s.mu.Unlock()

	log.Printf("[SESSION] Connected bus=%d address=%d", transport.Bus(), transport.Address())
	return s.handleStatus()
}

func (s *Server) handleDisconnect() *Response {
	s.runner.Stop()

	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.sess = nil
	s.playingSlot = -1
	s.tracks = nil
	s.mu.Unlock()

	if transport != nil {
		transport.Disconnect()
		log.Printf("[SESSION] Disconnected")
	}
	return s.handleStatus()
}

func (s *Server) handleListTracks() *Response {
	sess := s.currentSession()
	if sess == nil {
		return NewErrorResponse("not connected")
	}

	s.runner.List(sess)
	resp, err := NewSuccessResponse(AcceptedResponse{Op: "list"})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleDownload(req *Request) *Response {
	var dlReq DownloadRequest
	if err := json.Unmarshal(req.Data, &dlReq); err != nil {
		return NewErrorResponse("invalid download request")
	}
	if !validSlot(dlReq.Slot) {
		return NewErrorResponse("slot out of range")
	}

	sess := s.currentSession()
	if sess == nil {
		return NewErrorResponse("not connected")
	}

	path := dlReq.Path
	if path == "" {
		dir := s.configMgr.Get().DownloadDir
		if err := os.MkdirAll(dir, 0755); err != nil {
			return NewErrorResponse(fmt.Sprintf("failed to create download directory: %v", err))
		}
		path = filepath.Join(dir, fmt.Sprintf("slot_%02d.wav", dlReq.Slot))
	}

	log.Printf("[JOB] Download slot %d -> %s", dlReq.Slot, path)
	s.runner.Download(sess, dlReq.Slot, path)

	resp, err := NewSuccessResponse(AcceptedResponse{Op: "download", Path: path})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleUpload(req *Request) *Response {
	var upReq UploadRequest
	if err := json.Unmarshal(req.Data, &upReq); err != nil {
		return NewErrorResponse("invalid upload request")
	}
	if !validSlot(upReq.Slot) {
		return NewErrorResponse("slot out of range")
	}
	if upReq.Path == "" {
		return NewErrorResponse("path is required")
	}

	sess := s.currentSession()
	if sess == nil {
		return NewErrorResponse("not connected")
	}

	log.Printf("[JOB] Upload %s -> slot %d", upReq.Path, upReq.Slot)
	s.runner.Upload(sess, upReq.Slot, upReq.Path)

	resp, err := NewSuccessResponse(AcceptedResponse{Op: "upload"})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleDelete(req *Request) *Response {
	var delReq SlotRequest
	if err := json.Unmarshal(req.Data, &delReq); err != nil {
		return NewErrorResponse("invalid delete request")
	}
	if !validSlot(delReq.Slot) {
		return NewErrorResponse("slot out of range")
	}

	sess := s.currentSession()
	if sess == nil {
		return NewErrorResponse("not connected")
	}

	log.Printf("[JOB] Delete slot %d", delReq.Slot)
	s.runner.Delete(sess, delReq.Slot)

	resp, err := NewSuccessResponse(AcceptedResponse{Op: "delete"})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handlePlay(req *Request) *Response {
	var playReq PlayRequest
	if err := json.Unmarshal(req.Data, &playReq); err != nil {
		return NewErrorResponse("invalid play request")
	}
	if !validSlot(playReq.Slot) {
		return NewErrorResponse("slot out of range")
	}
	if s.bridge == nil {
		return NewErrorResponse("audio output unavailable")
	}

	sess := s.currentSession()
	if sess == nil {
		return NewErrorResponse("not connected")
	}

	return s.startStream(sess, playReq.Slot, playReq.Offset)
}

// startStream kicks off a play job and publishes the stream on the OS
// media session.
func (s *Server) startStream(sess *session.Session, slot int, offset float64) *Response {
	startChunk := playback.StartChunkForOffset(offset)
	log.Printf("[JOB] Play slot %d from chunk %d", slot, startChunk)
	// Submitting the job stops and finalizes any previous stream, so
	// the new stream's state must only be published afterwards.
	s.runner.Play(sess, s.bridge, slot, startChunk)

	s.mu.Lock()
	s.playingSlot = slot
	var duration time.Duration
	if slot < len(s.tracks) && s.tracks[slot].Present {
		duration = time.Duration(s.tracks[slot].Duration * float64(time.Second))
	}
	s.mu.Unlock()

	meta := media.Metadata{
		Title:    fmt.Sprintf("Slot %d", slot),
		Duration: duration,
	}
	if err := s.mediaSession.UpdateMetadata(meta); err != nil {
		log.Printf("[MEDIA] failed to update metadata: %v", err)
	}
	if err := s.mediaSession.UpdatePlaybackState(media.StatePlaying); err != nil {
		log.Printf("[MEDIA] failed to update playback state: %v", err)
	}

	resp, err := NewSuccessResponse(AcceptedResponse{Op: "play"})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleStop() *Response {
	log.Printf("[JOB] Stop requested")
	s.runner.Stop()
	return s.handleStatus()
}

// handleSeek restarts the current stream at a new offset. The pedal
// has no native seek; resume is a fresh stream from the chunk covering
// the requested position.
func (s *Server) handleSeek(req *Request) *Response {
	var seekReq SeekRequest
	if err := json.Unmarshal(req.Data, &seekReq); err != nil {
		return NewErrorResponse("invalid seek request")
	}
	if s.bridge == nil {
		return NewErrorResponse("audio output unavailable")
	}

	s.mu.Lock()
	slot := s.playingSlot
	s.mu.Unlock()
	if slot < 0 {
		return NewErrorResponse("nothing playing")
	}

	sess := s.currentSession()
	if sess == nil {
		return NewErrorResponse("not connected")
	}

	log.Printf("[JOB] Seek slot %d to %.2fs", slot, seekReq.Position)
	return s.startStream(sess, slot, seekReq.Position)
}

func (s *Server) handleVolume(req *Request) *Response {
	var volReq VolumeRequest
	if err := json.Unmarshal(req.Data, &volReq); err != nil {
		return NewErrorResponse("invalid volume request")
	}
	if s.bridge == nil {
		return NewErrorResponse("audio output unavailable")
	}

	log.Printf("[PLAYBACK] Set volume to %d", volReq.Level)
	s.bridge.SetVolume(volReq.Level)
	return s.handleStatus()
}

func (s *Server) handleStatus() *Response {
	s.mu.Lock()
	status := StatusResponse{
		Connected:   s.transport != nil,
		Op:          s.runner.CurrentOp().String(),
		PlayingSlot: s.playingSlot,
	}
	if s.transport != nil {
		status.Bus = s.transport.Bus()
		status.Address = s.transport.Address()
	}
	s.mu.Unlock()

	if s.bridge != nil {
		status.Volume = s.bridge.Volume()
	}

	resp, err := NewSuccessResponse(status)
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleGetConfig() *Response {
	cfg := s.configMgr.Get()

	resp, err := NewSuccessResponse(ConfigResponse{
		ConfigPath:    s.configMgr.GetPath(),
		DownloadDir:   cfg.DownloadDir,
		DefaultVolume: cfg.DefaultVolume,
		SocketPath:    cfg.SocketPath,
		HotplugPollMs: cfg.HotplugPollMs,
		VerboseUSB:    cfg.VerboseUSB,
	})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleSetConfig(req *Request) *Response {
	log.Printf("[CONFIG] Set config requested")
	var cfgReq ConfigRequest
	if err := json.Unmarshal(req.Data, &cfgReq); err != nil {
		return NewErrorResponse("invalid config request")
	}

	cfg := *s.configMgr.Get()

	if cfgReq.DownloadDir != nil {
		cfg.DownloadDir = *cfgReq.DownloadDir
	}
	if cfgReq.DefaultVolume != nil {
		v := *cfgReq.DefaultVolume
		if v < 0 {
			v = 0
		}
		if v > 100 {
			v = 100
		}
		cfg.DefaultVolume = v
	}
	if cfgReq.HotplugPollMs != nil && *cfgReq.HotplugPollMs > 0 {
		cfg.HotplugPollMs = *cfgReq.HotplugPollMs
	}
	if cfgReq.VerboseUSB != nil {
		cfg.VerboseUSB = *cfgReq.VerboseUSB
	}

	if err := s.configMgr.Update(&cfg); err != nil {
		log.Printf("[CONFIG] Failed to save config: %v", err)
		return NewErrorResponse(fmt.Sprintf("failed to save config: %v", err))
	}

	log.Printf("[CONFIG] Config updated and saved")
	return s.handleGetConfig()
}

func (s *Server) handleSubscribeEvents(conn net.Conn) *Response {
	s.subsMu.Lock()
	s.subs[conn] = true
	count := len(s.subs)
	s.subsMu.Unlock()

	log.Printf("[IPC] Client subscribed to events (total: %d)", count)

	resp, _ := NewSuccessResponse(map[string]bool{"subscribed": true})
	return resp
}

func (s *Server) handleUnsubscribeEvents(conn net.Conn) *Response {
	s.subsMu.Lock()
	delete(s.subs, conn)
	count := len(s.subs)
	s.subsMu.Unlock()

	log.Printf("[IPC] Client unsubscribed from events (remaining: %d)", count)

	resp, _ := NewSuccessResponse(map[string]bool{"subscribed": false})
	return resp
}
