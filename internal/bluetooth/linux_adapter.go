package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/advertising"
	"github.com/muka/go-bluetooth/bluez/profile/device"
)

// ServiceUUID is the well-known GATT service UUID advertised by every node
// (spec §6's fixed BLE service). One writable characteristic under this
// service carries inbound frames, one notifiable characteristic carries
// outbound frames.
const ServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"

// connectTimeout bounds how long SendData waits for a lazily-connected
// device before giving up.
const connectTimeout = 5 * time.Second

// ErrGattWriteNotImplemented is returned by SendData: this adapter discovers
// and connects to peers over BlueZ but does not yet perform the GATT
// characteristic write/notify exchange itself (see DESIGN.md).
var ErrGattWriteNotImplemented = errors.New("bluetooth: gatt characteristic write not implemented")

// LinuxBluetoothAdapter drives BLE central+peripheral roles on Linux over
// BlueZ's D-Bus API (muka/go-bluetooth).
type LinuxBluetoothAdapter struct {
	adapter              *adapter.Adapter1
	adMgr                *advertising.LEAdvertisingManager1
	advertisement        *advertising.LEAdvertisement1
	devices              map[string]*device.Device1
	deviceMutex          sync.RWMutex
	onDataReceived       func([]byte, string)
	ctx                  context.Context
	cancel               context.CancelFunc
	isScanning           bool
	isAdvertising        bool
	cleanupAdvertisement func()
}

// NewLinuxBluetoothAdapter opens the default BlueZ adapter, powering it on
// if necessary.
func NewLinuxBluetoothAdapter() (*LinuxBluetoothAdapter, error) {
	a, err := api.GetDefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: get default adapter: %w", err)
	}

	powered, err := a.GetPowered()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: get adapter powered state: %w", err)
	}
	if !powered {
		if err := a.SetPowered(true); err != nil {
			return nil, fmt.Errorf("bluetooth: power on adapter: %w", err)
		}
	}

	adMgr, err := advertising.NewLEAdvertisingManager1(a.Path())
	if err != nil {
		return nil, fmt.Errorf("bluetooth: new advertising manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LinuxBluetoothAdapter{
		adapter: a,
		adMgr:   adMgr,
		devices: make(map[string]*device.Device1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// StartScanning begins discovery of peers advertising ServiceUUID.
func (lba *LinuxBluetoothAdapter) StartScanning() error {
	if lba.isScanning {
		return nil
	}

	filter := adapter.NewDiscoveryFilter()
	filter.Transport = "le"
	filter.UUIDs = []string{ServiceUUID}

	if err := lba.adapter.SetDiscoveryFilter(filter.ToMap()); err != nil {
		return fmt.Errorf("bluetooth: set discovery filter: %w", err)
	}

	discovery, cancel, err := api.Discover(lba.adapter, nil)
	if err != nil {
		return fmt.Errorf("bluetooth: start discovery: %w", err)
	}

	lba.isScanning = true

	go func() {
		defer cancel()

		for {
			select {
			case <-lba.ctx.Done():
				return
			case ev := <-discovery:
				if ev.Type == adapter.DeviceRemoved {
					lba.deviceMutex.Lock()
					delete(lba.devices, string(ev.Path))
					lba.deviceMutex.Unlock()
					continue
				}
				if ev.Type != adapter.DeviceAdded {
					continue
				}

				dev, err := device.NewDevice1(ev.Path)
				if err != nil {
					fmt.Printf("bluetooth: new device object: %v\n", err)
					continue
				}

				uuids, err := dev.GetUUIDs()
				if err != nil || !containsUUID(uuids, ServiceUUID) {
					continue
				}

				lba.deviceMutex.Lock()
				lba.devices[string(ev.Path)] = dev
				lba.deviceMutex.Unlock()

				go lba.connectToDevice(dev)
			}
		}
	}()

	return nil
}

// StopScanning stops discovery.
func (lba *LinuxBluetoothAdapter) StopScanning() error {
	if !lba.isScanning {
		return nil
	}
	if err := lba.adapter.StopDiscovery(); err != nil {
		return fmt.Errorf("bluetooth: stop discovery: %w", err)
	}
	lba.isScanning = false
	return nil
}

// StartAdvertising begins peripheral-role advertising under ServiceUUID,
// embedding serviceData (the rotating ephemeral token) as service data.
func (lba *LinuxBluetoothAdapter) StartAdvertising(deviceName string, serviceData []byte) error {
	if lba.isAdvertising {
		return nil
	}

	props := &advertising.LEAdvertisement1Properties{
		Type:         advertising.AdvertisementTypeBroadcast,
		ServiceUUIDs: []string{ServiceUUID},
		LocalName:    deviceName,
		ServiceData: map[string]interface{}{
			ServiceUUID: serviceData,
		},
		Includes: []string{advertising.SupportedIncludesTxPower},
	}

	adapterID, err := lba.adapter.GetAdapterID()
	if err != nil {
		return fmt.Errorf("bluetooth: get adapter id: %w", err)
	}
	cleanup, err := api.ExposeAdvertisement(adapterID, props, 0)
	if err != nil {
		return fmt.Errorf("bluetooth: expose advertisement: %w", err)
	}

	lba.cleanupAdvertisement = cleanup
	lba.isAdvertising = true
	return nil
}

// StopAdvertising withdraws the peripheral-role advertisement.
func (lba *LinuxBluetoothAdapter) StopAdvertising() error {
	if !lba.isAdvertising {
		return nil
	}
	if lba.cleanupAdvertisement != nil {
		lba.cleanupAdvertisement()
		lba.cleanupAdvertisement = nil
	}
	lba.isAdvertising = false
	return nil
}

// SendData writes payload to the peer identified by deviceID (its BLE
// address), connecting first if needed.
//
// It does not yet perform the actual GATT characteristic write: driving
// BlueZ's GATT client (discovering the service, resolving the writable
// characteristic under ServiceUUID, and calling WriteValue) needs the
// gatt.GattCharacteristic1 client type, which nothing else in this tree
// exercises to ground an implementation against. The central/peripheral
// connection lifecycle below is real; only the final characteristic write
// is stubbed, returning ErrGattWriteNotImplemented.
func (lba *LinuxBluetoothAdapter) SendData(data []byte, deviceID string) error {
	lba.deviceMutex.RLock()
	var targetDevice *device.Device1
	for _, dev := range lba.devices {
		addr, err := dev.GetAddress()
		if err == nil && addr == deviceID {
			targetDevice = dev
			break
		}
	}
	lba.deviceMutex.RUnlock()

	if targetDevice == nil {
		return fmt.Errorf("bluetooth: device not found: %s", deviceID)
	}

	connected, err := targetDevice.GetConnected()
	if err != nil {
		return fmt.Errorf("bluetooth: get connected state: %w", err)
	}

	if !connected {
		if err := targetDevice.Connect(); err != nil {
			return fmt.Errorf("bluetooth: connect to device: %w", err)
		}

		timeout := time.After(connectTimeout)
		for {
			connected, err := targetDevice.GetConnected()
			if err != nil {
				return fmt.Errorf("bluetooth: get connected state: %w", err)
			}
			if connected {
				break
			}
			select {
			case <-timeout:
				return fmt.Errorf("bluetooth: timed out connecting to device")
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	_ = data
	return ErrGattWriteNotImplemented
}

// BroadcastData sends data to every currently tracked device, continuing
// past failures, and returns the last error encountered (if any); earlier
// errors are not reported.
func (lba *LinuxBluetoothAdapter) BroadcastData(data []byte) error {
	lba.deviceMutex.RLock()
	addrs := make([]string, 0, len(lba.devices))
	for _, dev := range lba.devices {
		addr, err := dev.GetAddress()
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	lba.deviceMutex.RUnlock()

	var lastErr error
	for _, addr := range addrs {
		if err := lba.SendData(data, addr); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SetOnDataReceived stores the callback for inbound payloads. Nothing in
// this adapter invokes it: inbound GATT writes and notifications are not
// received, so no frame or disconnect is ever reported through it.
func (lba *LinuxBluetoothAdapter) SetOnDataReceived(callback func([]byte, string)) {
	lba.onDataReceived = callback
}

// Close releases the adapter's scanning, advertising, and device state.
func (lba *LinuxBluetoothAdapter) Close() error {
	lba.cancel()

	if lba.isAdvertising {
		_ = lba.StopAdvertising()
	}
	if lba.isScanning {
		_ = lba.StopScanning()
	}

	lba.deviceMutex.Lock()
	for _, dev := range lba.devices {
		_ = dev.Disconnect()
	}
	lba.deviceMutex.Unlock()

	return nil
}

// connectToDevice establishes the central-role connection to a newly
// discovered peer advertising ServiceUUID.
func (lba *LinuxBluetoothAdapter) connectToDevice(dev *device.Device1) {
	connected, err := dev.GetConnected()
	if err != nil {
		fmt.Printf("bluetooth: get connected state: %v\n", err)
		return
	}
	if connected {
		return
	}
	if err := dev.Connect(); err != nil {
		fmt.Printf("bluetooth: connect to device: %v\n", err)
	}
}

// containsUUID reports whether uuids contains target (case as reported by
// BlueZ, which is consistently upper-case for standard profiles).
func containsUUID(uuids []string, target string) bool {
	for _, uuid := range uuids {
		if uuid == target {
			return true
		}
	}
	return false
}
