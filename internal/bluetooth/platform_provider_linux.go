//go:build linux
// +build linux

package bluetooth

import (
	"context"
	"sync"
)

// LinuxProvider implements PlatformProvider over LinuxBluetoothAdapter
// (BlueZ via muka/go-bluetooth D-Bus), adapted from the mesh service's
// embedded Linux wiring into the standalone provider the Transport trait
// expects.
type LinuxProvider struct {
	mu          sync.Mutex
	adapter     *LinuxBluetoothAdapter
	deviceName  string
	serviceData []byte
	onReceive   func(bleHandle string, payload []byte)
}

// NewPlatformProvider creates the Linux BLE provider. deviceName is the
// local name advertised in GAP advertisements.
func NewPlatformProvider(deviceName string) (PlatformProvider, error) {
	adapter, err := NewLinuxBluetoothAdapter()
	if err != nil {
		return nil, err
	}
	p := &LinuxProvider{adapter: adapter, deviceName: deviceName}
	adapter.SetOnDataReceived(func(data []byte, bleHandle string) {
		p.mu.Lock()
		cb := p.onReceive
		p.mu.Unlock()
		if cb != nil {
			cb(bleHandle, data)
		}
	})
	return p, nil
}

func (p *LinuxProvider) Initialize() error {
	return nil
}

func (p *LinuxProvider) Start(ctx context.Context) error {
	if err := p.adapter.StartScanning(); err != nil {
		return err
	}
	return p.adapter.StartAdvertising(p.deviceName, p.serviceData)
}

func (p *LinuxProvider) Stop() error {
	return p.adapter.Close()
}

func (p *LinuxProvider) SendRaw(bleHandle string, payload []byte) error {
	return p.adapter.SendData(payload, bleHandle)
}

// SetAdvertisementToken restarts advertising with the token embedded as
// service data, since go-bluetooth's advertising manager does not support
// in-place service-data mutation.
func (p *LinuxProvider) SetAdvertisementToken(token []byte) error {
	p.mu.Lock()
	p.serviceData = token
	p.mu.Unlock()

	if err := p.adapter.StopAdvertising(); err != nil {
		return err
	}
	return p.adapter.StartAdvertising(p.deviceName, token)
}

func (p *LinuxProvider) SetReceiveCallback(cb func(bleHandle string, payload []byte)) {
	p.mu.Lock()
	p.onReceive = cb
	p.mu.Unlock()
}
