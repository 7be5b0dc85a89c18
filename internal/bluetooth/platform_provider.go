package bluetooth

import (
	"context"
)

// PlatformProvider is the per-platform BLE driver consumed by
// internal/transport.BLEAdapter. It speaks raw wire bytes (the codec lives
// in internal/wire); this package owns only the platform-specific
// central/peripheral plumbing.
type PlatformProvider interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop() error

	// SendRaw transmits payload to the peer identified by its BLE
	// handle/address.
	SendRaw(bleHandle string, payload []byte) error

	// SetAdvertisementToken updates the rotating ephemeral token embedded
	// in the advertisement payload.
	SetAdvertisementToken(token []byte) error

	// SetReceiveCallback registers the function invoked with
	// (bleHandle, payload) whenever a frame arrives from a connected peer,
	// and with (bleHandle, nil) to signal disconnect.
	SetReceiveCallback(cb func(bleHandle string, payload []byte))
}

// NewPlatformProvider creates the platform-specific provider. The real
// implementation is selected by build tag:
//   - platform_provider_linux.go (BlueZ/D-Bus via muka/go-bluetooth)
//   - platform_provider_darwin.go (not implemented)
//   - platform_provider_windows.go (not implemented)
