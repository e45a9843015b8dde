package ble

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/internal/peripheral"
	"tinygo.org/x/bluetooth"
)

const readBufferSize = 512

type tinygoRadio struct {
	adapter *bluetooth.Adapter
	service bluetooth.UUID
	char    bluetooth.UUID

	enableOnce sync.Once
	enableErr  error

	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

func newTinygoRadio(c Config) (*tinygoRadio, error) {
	if c.ServiceUUID == "" {
		c.ServiceUUID = DefaultServiceUUID
	}
	if c.CharacteristicUUID == "" {
		c.CharacteristicUUID = DefaultCharacteristicUUID
	}
	service, err := bluetooth.ParseUUID(c.ServiceUUID)
	if err != nil {
		return nil, errors.NotValidf("service_uuid=%s", c.ServiceUUID)
	}
	char, err := bluetooth.ParseUUID(c.CharacteristicUUID)
	if err != nil {
		return nil, errors.NotValidf("characteristic_uuid=%s", c.CharacteristicUUID)
	}
	return &tinygoRadio{
		adapter: bluetooth.DefaultAdapter,
		service: service,
		char:    char,
		seen:    make(map[string]bluetooth.Address),
	}, nil
}

func (self *tinygoRadio) enable() error {
	self.enableOnce.Do(func() {
		self.enableErr = errors.Annotate(self.adapter.Enable(), "adapter enable")
	})
	return self.enableErr
}

func (self *tinygoRadio) scan(ctx context.Context, timeout time.Duration) ([]peripheral.Advert, error) {
	if err := self.enable(); err != nil {
		return nil, err
	}
	stop := time.AfterFunc(timeout, func() { _ = self.adapter.StopScan() })
	defer stop.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = self.adapter.StopScan()
		case <-done:
		}
	}()

	var adverts []peripheral.Advert
	index := make(map[string]int)
	err := self.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if name == "" {
			return
		}
		address := result.Address.String()
		self.mu.Lock()
		self.seen[address] = result.Address
		self.mu.Unlock()
		if i, ok := index[name]; ok {
			adverts[i].Address = address
			return
		}
		index[name] = len(adverts)
		adverts = append(adverts, peripheral.Advert{Name: name, Address: address})
	})
	if err == nil {
		err = ctx.Err()
	}
	return adverts, err
}

func (self *tinygoRadio) connect(address string) (link, error) {
	if err := self.enable(); err != nil {
		return nil, err
	}
	self.mu.Lock()
	addr, ok := self.seen[address]
	self.mu.Unlock()
	if !ok {
		return nil, errors.NotFoundf("address not seen in scan")
	}
	dev, err := self.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	services, err := dev.DiscoverServices([]bluetooth.UUID{self.service})
	if err == nil && len(services) == 0 {
		err = errors.NotFoundf("service %s", self.service.String())
	}
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{self.char})
	if err == nil && len(chars) == 0 {
		err = errors.NotFoundf("characteristic %s", self.char.String())
	}
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	return &tinygoLink{char: chars[0], disconnectFunc: dev.Disconnect}, nil
}

type tinygoLink struct {
	char           bluetooth.DeviceCharacteristic
	disconnectFunc func() error
}

func (self *tinygoLink) write(b []byte) error {
	_, err := self.char.WriteWithoutResponse(b)
	return err
}

func (self *tinygoLink) read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := self.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (self *tinygoLink) disconnect() error { return self.disconnectFunc() }
