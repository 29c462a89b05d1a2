//go:build !linux

package media

// NewSession returns a no-op session on platforms without a media
// session backend.
func NewSession() (Session, error) {
	return NewNoOpSession(), nil
}
