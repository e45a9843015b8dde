// Package ble is GATT transport to ESP32 sensor units.
// Every unit exposes one characteristic: write request, read response.
package ble

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/internal/peripheral"
	"github.com/smarthelmet/relay/log2"
)

const (
	DefaultServiceUUID        = "12345678-1234-5678-1234-56789abcdef0"
	DefaultCharacteristicUUID = "abcdef01-1234-5678-1234-56789abcdef0"
	DefaultScanTimeout        = 5 * time.Second
)

type Config struct {
	ServiceUUID        string
	CharacteristicUUID string
}

// radio is the part of BLE stack this transport needs.
type radio interface {
	scan(ctx context.Context, timeout time.Duration) ([]peripheral.Advert, error)
	connect(address string) (link, error)
}

// link is connected device with resolved characteristic.
type link interface {
	write(b []byte) error
	read() ([]byte, error)
	disconnect() error
}

type Transport struct {
	log   *log2.Log
	radio radio
	lk    sync.Mutex // BlueZ does not like parallel connects
}

var _ peripheral.Transport = &Transport{}

func New(log *log2.Log, c Config) (*Transport, error) {
	r, err := newTinygoRadio(c)
	if err != nil {
		return nil, errors.Annotate(err, "ble")
	}
	return &Transport{log: log, radio: r}, nil
}

func (self *Transport) Discover(ctx context.Context, timeout time.Duration) ([]peripheral.Advert, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	self.lk.Lock()
	defer self.lk.Unlock()
	self.log.Debugf("ble scan timeout=%v", timeout)
	adverts, err := self.radio.scan(ctx, timeout)
	if err != nil {
		return adverts, errors.Annotate(err, "ble scan")
	}
	self.log.Debugf("ble scan found=%v", adverts)
	return adverts, nil
}

func (self *Transport) Open(ctx context.Context, address string) (peripheral.Session, error) {
	self.lk.Lock()
	defer self.lk.Unlock()
	var l link
	err := withContext(ctx, func() error {
		var err error
		l, err = self.radio.connect(address)
		return err
	}, func() {
		// connect finished after caller gave up
		if l != nil {
			_ = l.disconnect()
		}
	})
	if err != nil {
		return nil, errors.Annotatef(err, "ble connect address=%s", address)
	}
	return &session{log: self.log, address: address, link: l}, nil
}

type session struct {
	log     *log2.Log
	address string
	link    link
}

func (self *session) Write(ctx context.Context, b []byte) error {
	err := withContext(ctx, func() error { return self.link.write(b) }, nil)
	return errors.Annotatef(err, "ble write address=%s", self.address)
}

func (self *session) Read(ctx context.Context) ([]byte, error) {
	var b []byte
	err := withContext(ctx, func() error {
		var err error
		b, err = self.link.read()
		return err
	}, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "ble read address=%s", self.address)
	}
	return b, nil
}

func (self *session) Close() error {
	return errors.Annotatef(self.link.disconnect(), "ble disconnect address=%s", self.address)
}

// withContext runs blocking radio call f, returning early on ctx done.
// late is called after f completes if caller already returned.
func withContext(ctx context.Context, f func() error, late func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- f() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if late != nil {
			go func() {
				if <-done == nil {
					late()
				}
			}()
		}
		return ctx.Err()
	}
}
