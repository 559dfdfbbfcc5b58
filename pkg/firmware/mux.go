package firmware

import (
	"context"
	"strings"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
)

// Mux routes requests by name scheme: "sftp://..." names go to the remote
// loader, everything else to the local one.
type Mux struct {
	local  overlay.Firmware
	remote overlay.Firmware
}

var _ overlay.Firmware = (*Mux)(nil)

// NewMux creates a router. remote may be nil, in which case sftp:// names
// are rejected.
func NewMux(local, remote overlay.Firmware) *Mux {
	return &Mux{local: local, remote: remote}
}

// Request implements overlay.Firmware.
func (m *Mux) Request(ctx context.Context, name string) (overlay.Blob, error) {
	if strings.HasPrefix(name, Scheme+"://") {
		if m.remote == nil {
			return nil, &LoadError{Op: "lookup", Name: name, Err: ErrNotFound}
		}
		return m.remote.Request(ctx, name)
	}
	return m.local.Request(ctx, name)
}

// Release implements overlay.Firmware.
func (m *Mux) Release(blob overlay.Blob) {
	if img, ok := blob.(*Image); ok && img.scheme == Scheme && m.remote != nil {
		m.remote.Release(blob)
		return
	}
	m.local.Release(blob)
}
