//go:build linux

package media

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	mprisInterface       = "org.mpris.MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"
	mprisBusName         = "org.mpris.MediaPlayer2.looperd"
	mprisObjectPath      = "/org/mpris/MediaPlayer2"
)

// MPRISSession publishes the streaming state on the session bus so
// desktop media controls see the daemon.
type MPRISSession struct {
	conn     *dbus.Conn
	handler  CommandHandler
	metadata Metadata
	state    PlaybackState
}

// NewSession creates a new MPRIS media session.
func NewSession() (Session, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	reply, err := conn.RequestName(mprisBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name already taken")
	}

	session := &MPRISSession{conn: conn, state: StateStopped}
	if err := session.exportInterfaces(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to export interfaces: %w", err)
	}
	return session, nil
}

func (s *MPRISSession) exportInterfaces() error {
	if err := s.conn.Export(s, dbus.ObjectPath(mprisObjectPath), mprisInterface); err != nil {
		return err
	}
	if err := s.conn.Export(s, dbus.ObjectPath(mprisObjectPath), mprisPlayerInterface); err != nil {
		return err
	}
	return s.conn.Export(s, dbus.ObjectPath(mprisObjectPath), "org.freedesktop.DBus.Properties")
}

// UpdateMetadata updates the streaming slot metadata.
func (s *MPRISSession) UpdateMetadata(metadata Metadata) error {
	s.metadata = metadata
	return s.emitPropertiesChanged(map[string]dbus.Variant{
		"Metadata": dbus.MakeVariant(s.getMetadataMap()),
	})
}

// UpdatePlaybackState updates the playback state.
func (s *MPRISSession) UpdatePlaybackState(state PlaybackState) error {
	s.state = state
	return s.emitPropertiesChanged(map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(s.getPlaybackStatus()),
	})
}

// SetCommandHandler sets the handler for media commands.
func (s *MPRISSession) SetCommandHandler(handler CommandHandler) {
	s.handler = handler
}

// Close releases resources.
func (s *MPRISSession) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// org.mpris.MediaPlayer2 methods

func (s *MPRISSession) Raise() *dbus.Error { return nil }
func (s *MPRISSession) Quit() *dbus.Error  { return nil }

// org.mpris.MediaPlayer2.Player methods

func (s *MPRISSession) Play() *dbus.Error {
	if s.handler != nil {
		s.handler.OnCommand(CmdPlay)
	}
	return nil
}

func (s *MPRISSession) Pause() *dbus.Error {
	if s.handler != nil {
		s.handler.OnCommand(CmdPause)
	}
	return nil
}

func (s *MPRISSession) PlayPause() *dbus.Error {
	if s.handler != nil {
		s.handler.OnCommand(CmdPlayPause)
	}
	return nil
}

func (s *MPRISSession) Stop() *dbus.Error {
	if s.handler != nil {
		s.handler.OnCommand(CmdStop)
	}
	return nil
}

// org.freedesktop.DBus.Properties methods

func (s *MPRISSession) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	all, derr := s.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	if v, ok := all[prop]; ok {
		return v, nil
	}
	return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property: %s", prop))
}

func (s *MPRISSession) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case mprisInterface:
		return map[string]dbus.Variant{
			"CanQuit":             dbus.MakeVariant(false),
			"CanRaise":            dbus.MakeVariant(false),
			"HasTrackList":        dbus.MakeVariant(false),
			"Identity":            dbus.MakeVariant("looperd"),
			"DesktopEntry":        dbus.MakeVariant("looperd"),
			"SupportedUriSchemes": dbus.MakeVariant([]string{}),
			"SupportedMimeTypes":  dbus.MakeVariant([]string{}),
		}, nil
	case mprisPlayerInterface:
		return map[string]dbus.Variant{
			"PlaybackStatus": dbus.MakeVariant(s.getPlaybackStatus()),
			"Metadata":       dbus.MakeVariant(s.getMetadataMap()),
			"Rate":           dbus.MakeVariant(1.0),
			"MinimumRate":    dbus.MakeVariant(1.0),
			"MaximumRate":    dbus.MakeVariant(1.0),
			"CanGoNext":      dbus.MakeVariant(false),
			"CanGoPrevious":  dbus.MakeVariant(false),
			"CanPlay":        dbus.MakeVariant(false),
			"CanPause":       dbus.MakeVariant(true),
			"CanSeek":        dbus.MakeVariant(false),
			"CanControl":     dbus.MakeVariant(true),
			"Volume":         dbus.MakeVariant(1.0),
		}, nil
	}
	return nil, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
}

func (s *MPRISSession) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	return nil
}

func (s *MPRISSession) getPlaybackStatus() string {
	if s.state == StatePlaying {
		return "Playing"
	}
	return "Stopped"
}

func (s *MPRISSession) getMetadataMap() map[string]dbus.Variant {
	m := make(map[string]dbus.Variant)
	m["mpris:trackid"] = dbus.MakeVariant(dbus.ObjectPath("/org/looperd/slot/1"))
	if s.metadata.Title != "" {
		m["xesam:title"] = dbus.MakeVariant(s.metadata.Title)
	}
	if s.metadata.Duration > 0 {
		m["mpris:length"] = dbus.MakeVariant(s.metadata.Duration.Microseconds())
	}
	return m
}

func (s *MPRISSession) emitPropertiesChanged(props map[string]dbus.Variant) error {
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		"org.freedesktop.DBus.Properties.PropertiesChanged",
		mprisPlayerInterface,
		props,
		[]string{},
	)
}
