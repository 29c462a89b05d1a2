// Package ipc handles inter-process communication between the daemon and clients.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/looperlab/looperd/internal/types"
)

// CommandType represents the type of command
type CommandType string

const (
	CmdEnumerate  CommandType = "enumerate"
	CmdConnect    CommandType = "connect"
	CmdDisconnect CommandType = "disconnect"
	CmdListTracks CommandType = "listTracks"
	CmdDownload   CommandType = "download"
	CmdUpload     CommandType = "upload"
	CmdDelete     CommandType = "delete"
	CmdPlay       CommandType = "play"
	CmdStop       CommandType = "stop"
	CmdSeek       CommandType = "seek"
	CmdVolume     CommandType = "volume"
	CmdStatus     CommandType = "status"
	CmdGetConfig  CommandType = "getConfig"
	CmdSetConfig  CommandType = "setConfig"

	// Event streaming
	CmdSubscribeEvents   CommandType = "subscribeEvents"
	CmdUnsubscribeEvents CommandType = "unsubscribeEvents"
)

// Push message types sent to subscribed clients.
const (
	PushProgress      = "progress"
	PushTracks        = "tracks"
	PushFinished      = "finished"
	PushJobError      = "jobError"
	PushAudioData     = "audioData"
	PushDeviceArrived = "deviceArrived"
	PushDeviceGone    = "deviceGone"
)

// DefaultSocketPath returns the per-user daemon socket location.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("looperd-%d.sock", os.Getuid()))
}

// PushMessage represents a server-initiated message (no request needed)
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request represents a client request
type Request struct {
	Cmd  CommandType     `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response represents a server response
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ConnectRequest is the data for a connect command. Bus and Address
// select a specific device from an enumerate result; -1 for both takes
// the first pedal found.
type ConnectRequest struct {
	Bus     int `json:"bus"`
	Address int `json:"address"`
}

// SlotRequest addresses one storage slot, 0-99.
type SlotRequest struct {
	Slot int `json:"slot"`
}

// DownloadRequest is the data for a download command. An empty Path
// saves into the configured download directory.
type DownloadRequest struct {
	Slot int    `json:"slot"`
	Path string `json:"path,omitempty"`
}

// UploadRequest is the data for an upload command.
type UploadRequest struct {
	Slot int    `json:"slot"`
	Path string `json:"path"`
}

// PlayRequest is the data for a play command. Offset is the stream
// start position in seconds.
type PlayRequest struct {
	Slot   int     `json:"slot"`
	Offset float64 `json:"offset,omitempty"`
}

// SeekRequest restarts the current stream at a new position.
type SeekRequest struct {
	Position float64 `json:"position"` // seconds
}

// VolumeRequest is the data for a volume command.
type VolumeRequest struct {
	Level int `json:"level"` // 0-100
}

// ConfigRequest is the data for a setConfig command
type ConfigRequest struct {
	DownloadDir   *string `json:"downloadDir,omitempty"`
	DefaultVolume *int    `json:"defaultVolume,omitempty"`
	HotplugPollMs *int    `json:"hotplugPollMs,omitempty"`
	VerboseUSB    *bool   `json:"verboseUsb,omitempty"`
}

// ConfigResponse is the response to a getConfig command
type ConfigResponse struct {
	ConfigPath    string `json:"configPath"`
	DownloadDir   string `json:"downloadDir"`
	DefaultVolume int    `json:"defaultVolume"`
	SocketPath    string `json:"socketPath,omitempty"`
	HotplugPollMs int    `json:"hotplugPollMs"`
	VerboseUSB    bool   `json:"verboseUsb"`
}

// EnumerateResponse lists the attached pedals.
type EnumerateResponse struct {
	Devices        []types.DeviceDescriptor `json:"devices"`
	UdevRuleNeeded bool                     `json:"udevRuleNeeded"`
}

// AcceptedResponse acknowledges a job submission. The result arrives
// later as finished or jobError push messages.
type AcceptedResponse struct {
	Op   string `json:"op"`
	Path string `json:"path,omitempty"`
}

// StatusResponse is the response to a status command
type StatusResponse struct {
	Connected   bool   `json:"connected"`
	Bus         uint8  `json:"bus,omitempty"`
	Address     uint8  `json:"address,omitempty"`
	Op          string `json:"op"`
	PlayingSlot int    `json:"playingSlot"` // -1 when nothing streams
	Volume      int    `json:"volume"`
}

// TracksPush carries a track list snapshot.
type TracksPush struct {
	Tracks []types.TrackInfo `json:"tracks"`
}

// ProgressPush reports transfer progress in bytes for download, and in
// chunks for upload and play.
type ProgressPush struct {
	Op      string `json:"op"`
	Current uint32 `json:"current"`
	Total   uint32 `json:"total"`
}

// FinishedPush signals clean job completion.
type FinishedPush struct {
	Op string `json:"op"`
}

// JobErrorPush signals job failure.
type JobErrorPush struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

// AudioDataPush contains real-time frequency data for visualization.
// Bands holds 64 magnitudes (0-255), logarithmically distributed from
// 20Hz to 20kHz. []int rather than []uint8 because Go's json package
// base64-encodes []byte.
type AudioDataPush struct {
	Bands     []int `json:"bands"`
	Timestamp int64 `json:"timestamp"` // Unix ms
}

// DeviceGonePush identifies a detached device.
type DeviceGonePush struct {
	Bus     uint8 `json:"bus"`
	Address uint8 `json:"address"`
}

// EncodeRequest encodes a request to JSON
func EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest decodes a request from JSON
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response to JSON
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse decodes a response from JSON
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data interface{}) (*Response, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		Success: true,
		Data:    rawData,
	}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// NewPushMessage creates a push message for streaming data
func NewPushMessage(msgType string, data interface{}) ([]byte, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	msg := PushMessage{
		Type: msgType,
		Data: rawData,
	}
	return json.Marshal(msg)
}
