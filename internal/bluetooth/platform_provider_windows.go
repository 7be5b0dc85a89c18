//go:build windows
// +build windows

package bluetooth

import (
	"context"
	"fmt"
)

// WindowsProvider is the Windows PlatformProvider placeholder. WinRT
// Bluetooth LE access requires platform bindings this module does not
// carry; the Linux provider (BlueZ via muka/go-bluetooth) is the only
// implemented target.
type WindowsProvider struct{}

func NewPlatformProvider(deviceName string) (PlatformProvider, error) {
	return nil, fmt.Errorf("bluetooth: windows provider not implemented")
}

func (p *WindowsProvider) Initialize() error { return fmt.Errorf("not implemented") }
func (p *WindowsProvider) Start(ctx context.Context) error { return fmt.Errorf("not implemented") }
func (p *WindowsProvider) Stop() error { return fmt.Errorf("not implemented") }
func (p *WindowsProvider) SendRaw(bleHandle string, payload []byte) error {
	return fmt.Errorf("not implemented")
}
func (p *WindowsProvider) SetAdvertisementToken(token []byte) error {
	return fmt.Errorf("not implemented")
}
func (p *WindowsProvider) SetReceiveCallback(cb func(bleHandle string, payload []byte)) {}
