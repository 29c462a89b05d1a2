package ipc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/looperlab/looperd/internal/config"
	"github.com/looperlab/looperd/internal/jobs"
	"github.com/looperlab/looperd/internal/media"
	"github.com/looperlab/looperd/internal/playback"
	"github.com/looperlab/looperd/internal/session"
	"github.com/looperlab/looperd/internal/types"
	"github.com/looperlab/looperd/internal/usb"
)

// Server handles IPC communication with clients
type Server struct {
	socketPath   string
	configMgr    *config.Manager
	bridge       *playback.Bridge
	mediaSession media.Session
	runner       *jobs.Runner
	listener     net.Listener

	mu          sync.Mutex
	clients     map[net.Conn]struct{}
	transport   *usb.Transport
	sess        *session.Session
	playingSlot int
	tracks      []types.TrackInfo

	// Event subscribers (push-based, no polling)
	subsMu sync.RWMutex
	subs   map[net.Conn]bool
}

// NewServer creates a new IPC server. The bridge may be nil on hosts
// without an audio output; play, seek and volume then report an error.
func NewServer(
	socketPath string,
	configMgr *config.Manager,
	bridge *playback.Bridge,
	mediaSession media.Session,
) *Server {
	s := &Server{
		socketPath:   socketPath,
		configMgr:    configMgr,
		bridge:       bridge,
		mediaSession: mediaSession,
		clients:      make(map[net.Conn]struct{}),
		subs:         make(map[net.Conn]bool),
		playingSlot:  -1,
	}
	s.runner = jobs.NewRunner(s)

	// Register callback for real-time spectrum push (no polling)
	if bridge != nil {
		bridge.SetBandsCallback(func(bands []uint8) {
			s.pushAudioData(bands)
		})
	}

	// OS media keys all map to stopping the stream; a looper pedal has
	// no host-side pause.
	mediaSession.SetCommandHandler(media.CommandHandlerFunc(func(cmd media.Command) error {
		log.Printf("[MEDIA] %s requested via OS media controls, stopping stream", cmd)
		s.runner.Stop()
		return nil
	}))

	return s
}

// Runner exposes the job runner for shutdown handling.
func (s *Server) Runner() *jobs.Runner {
	return s.runner
}

// Start starts the IPC server
func (s *Server) Start(ctx context.Context) error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	log.Printf("[IPC] Creating socket at %s", s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions (user-only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	log.Printf("[IPC] Server listening, waiting for connections...")

	go s.acceptLoop(ctx)

	<-ctx.Done()

	log.Printf("[IPC] Shutting down server...")

	s.runner.Stop()

	s.mu.Lock()
	clientCount := len(s.clients)
	for conn := range s.clients {
		conn.Close()
	}
	transport := s.transport
	s.transport = nil
	s.sess = nil
	s.mu.Unlock()

	if transport != nil {
		transport.Disconnect()
	}

	log.Printf("[IPC] Closed %d client connections", clientCount)

	listener.Close()
	os.RemoveAll(s.socketPath)

	log.Printf("[IPC] Server stopped")

	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("[IPC] Accept error: %v", err)
				continue
			}
		}

		s.mu.Lock()
		s.clients[conn] = struct{}{}
		clientCount := len(s.clients)
		s.mu.Unlock()

		log.Printf("[IPC] New client connection, active clients: %d", clientCount)

		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.mu.Unlock()
		s.subsMu.Lock()
		delete(s.subs, conn)
		s.subsMu.Unlock()
		log.Printf("[IPC] Client disconnected, active clients: %d", clientCount)
	}()

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Read line (newline-delimited JSON)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				log.Printf("[IPC] Read error: %v", err)
			}
			return
		}

		req, err := DecodeRequest(line)
		if err != nil {
			log.Printf("[IPC] Invalid request format: %v", err)
			s.sendError(conn, "invalid request format")
			continue
		}

		// Skip verbose logging for the status poll
		isPollingCmd := req.Cmd == CmdStatus

		if !isPollingCmd {
			log.Printf("[IPC] Command: %s", req.Cmd)
		}

		resp := s.handleRequest(conn, req)

		if !isPollingCmd {
			if resp.Success {
				log.Printf("[IPC] Response: success")
			} else {
				log.Printf("[IPC] Response: error=%q", resp.Error)
			}
		}

		if err := s.sendResponse(conn, resp); err != nil {
			log.Printf("[IPC] Send error: %v", err)
			return
		}
	}
}

func (s *Server) sendResponse(conn net.Conn, resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func (s *Server) sendError(conn net.Conn, msg string) {
	s.sendResponse(conn, NewErrorResponse(msg))
}

// push fans a message out to every subscribed client. A failed write
// drops the subscription; the connection cleanup handles the rest.
func (s *Server) push(msgType string, data interface{}) {
	s.subsMu.RLock()
	if len(s.subs) == 0 {
		s.subsMu.RUnlock()
		return
	}
	subs := make([]net.Conn, 0, len(s.subs))
	for conn := range s.subs {
		subs = append(subs, conn)
	}
	s.subsMu.RUnlock()

	msgBytes, err := NewPushMessage(msgType, data)
	if err != nil {
		return
	}
	msgBytes = append(msgBytes, '\n')

	for _, conn := range subs {
		if _, err := conn.Write(msgBytes); err != nil {
			s.subsMu.Lock()
			delete(s.subs, conn)
			s.subsMu.Unlock()
		}
	}
}

// pushAudioData is called directly by the analyzer callback on each
// new spectrum frame.
func (s *Server) pushAudioData(bandsU8 []uint8) {
	// Convert []uint8 to []int for JSON (Go base64-encodes []uint8)
	bands := make([]int, len(bandsU8))
	for i, b := range bandsU8 {
		bands[i] = int(b)
	}
	s.push(PushAudioData, AudioDataPush{
		Bands:     bands,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Job observer callbacks, delivered on the worker goroutine.

func (s *Server) Progress(op jobs.Op, current, total uint32) {
	s.push(PushProgress, ProgressPush{Op: op.String(), Current: current, Total: total})
}

func (s *Server) TracksLoaded(tracks []types.TrackInfo) {
	s.mu.Lock()
	s.tracks = tracks
	s.mu.Unlock()
	s.push(PushTracks, TracksPush{Tracks: tracks})
}

func (s *Server) Finished(op jobs.Op) {
	if op == jobs.OpPlay {
		s.streamEnded()
	}
	s.push(PushFinished, FinishedPush{Op: op.String()})
}

func (s *Server) JobError(op jobs.Op, err error) {
	if op == jobs.OpPlay {
		s.streamEnded()
	}
	s.push(PushJobError, JobErrorPush{Op: op.String(), Error: err.Error()})
}

func (s *Server) streamEnded() {
	s.mu.Lock()
	s.playingSlot = -1
	s.mu.Unlock()
	if err := s.mediaSession.UpdatePlaybackState(media.StateStopped); err != nil {
		log.Printf("[MEDIA] failed to update playback state: %v", err)
	}
}

// Hotplug observer callbacks, delivered on the monitor goroutine.

func (s *Server) DeviceArrived(desc types.DeviceDescriptor) {
	s.push(PushDeviceArrived, desc)
}

func (s *Server) DeviceGone(bus, address uint8) {
	s.push(PushDeviceGone, DeviceGonePush{Bus: bus, Address: address})

	s.mu.Lock()
	bound := s.transport != nil && s.transport.Bus() == bus && s.transport.Address() == address
	s.mu.Unlock()
	if !bound {
		return
	}

	log.Printf("[IPC] Bound device unplugged, tearing session down")
	s.runner.Stop()

	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.sess = nil
	s.playingSlot = -1
	s.mu.Unlock()
	if transport != nil {
		transport.Disconnect()
	}
}
