//go:build darwin
// +build darwin

package bluetooth

import (
	"context"
	"fmt"
)

// DarwinProvider is the macOS PlatformProvider placeholder. CoreBluetooth
// access requires Cgo/Objective-C bridging this module does not carry; the
// Linux provider (BlueZ via muka/go-bluetooth) is the only implemented
// target.
type DarwinProvider struct{}

func NewPlatformProvider(deviceName string) (PlatformProvider, error) {
	return nil, fmt.Errorf("bluetooth: macOS provider not implemented")
}

func (p *DarwinProvider) Initialize() error { return fmt.Errorf("not implemented") }
func (p *DarwinProvider) Start(ctx context.Context) error { return fmt.Errorf("not implemented") }
func (p *DarwinProvider) Stop() error { return fmt.Errorf("not implemented") }
func (p *DarwinProvider) SendRaw(bleHandle string, payload []byte) error {
	return fmt.Errorf("not implemented")
}
func (p *DarwinProvider) SetAdvertisementToken(token []byte) error {
	return fmt.Errorf("not implemented")
}
func (p *DarwinProvider) SetReceiveCallback(cb func(bleHandle string, payload []byte)) {}
