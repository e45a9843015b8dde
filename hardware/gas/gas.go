// Package gas reads DFRobot multi-gas sensor (CO probe) over I2C.
package gas

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/internal/peripheral"
	"github.com/smarthelmet/relay/log2"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

const (
	DefaultAddress = 0x74

	frameLen       = 9
	frameStart     = 0xff
	cmdReadGas     = 0x86
	registerData   = 0x00
	conversionWait = 100 * time.Millisecond
)

// Bus is periph i2c.Bus subset, allows fake bus in tests.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

var _ Bus = (i2c.Bus)(nil)

type openBus struct {
	bus    Bus
	closer func() error
	users  int
}

// Transport opens I2C sensors by address "bus/addr", e.g. "1/0x74".
type Transport struct {
	log     *log2.Log
	openBus func(name string) (Bus, func() error, error)

	mu    sync.Mutex
	buses map[string]*openBus
}

var _ peripheral.Transport = &Transport{}

func New(log *log2.Log) *Transport {
	return &Transport{log: log, openBus: openPeriph, buses: make(map[string]*openBus)}
}

func openPeriph(name string) (Bus, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "I2C Open bus=%s", name)
	}
	return bus, bus.Close, nil
}

func (self *Transport) Discover(ctx context.Context, timeout time.Duration) ([]peripheral.Advert, error) {
	return nil, peripheral.ErrNoDiscovery
}

func (self *Transport) Open(ctx context.Context, address string) (peripheral.Session, error) {
	busName, addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	ob, ok := self.buses[busName]
	if !ok {
		bus, closer, err := self.openBus(busName)
		if err != nil {
			return nil, err
		}
		ob = &openBus{bus: bus, closer: closer}
		self.buses[busName] = ob
	}
	ob.users++
	return &session{t: self, busName: busName, addr: addr, bus: ob.bus}, nil
}

func (self *Transport) release(busName string) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	ob, ok := self.buses[busName]
	if !ok {
		return nil
	}
	ob.users--
	if ob.users > 0 {
		return nil
	}
	delete(self.buses, busName)
	if ob.closer == nil {
		return nil
	}
	return ob.closer()
}

type session struct {
	t       *Transport
	busName string
	addr    uint16
	bus     Bus
	closed  bool
}

// Write ignores payload, any request triggers concentration query.
func (self *session) Write(ctx context.Context, b []byte) error { return nil }

func (self *session) Read(ctx context.Context) ([]byte, error) {
	v, err := ReadConcentration(ctx, self.bus, self.addr)
	if err != nil {
		return nil, err
	}
	self.t.log.Debugf("gas bus=%s addr=0x%02x concentration=%v", self.busName, self.addr, v)
	return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
}

func (self *session) Close() error {
	if self.closed {
		return nil
	}
	self.closed = true
	return self.t.release(self.busName)
}

// ReadConcentration queries gas concentration in ppm.
func ReadConcentration(ctx context.Context, bus Bus, addr uint16) (float64, error) {
	request := Frame(cmdReadGas)
	if err := bus.Tx(addr, append([]byte{registerData}, request[:]...), nil); err != nil {
		return 0, errors.Annotate(err, "gas request")
	}
	select {
	case <-time.After(conversionWait):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	var response [frameLen]byte
	if err := bus.Tx(addr, []byte{registerData}, response[:]); err != nil {
		return 0, errors.Annotate(err, "gas response")
	}
	return ParseConcentration(response)
}

// Frame builds request: FF 01 cmd 00 00 00 00 00 checksum.
func Frame(cmd byte) [frameLen]byte {
	f := [frameLen]byte{frameStart, 0x01, cmd}
	f[frameLen-1] = checksum(f)
	return f
}

func checksum(f [frameLen]byte) byte {
	var sum byte
	for _, b := range f[1 : frameLen-1] {
		sum += b
	}
	return ^sum + 1
}

// ParseConcentration decodes FF 86 hi lo type decimals temp_hi temp_lo checksum.
func ParseConcentration(f [frameLen]byte) (float64, error) {
	if f[0] != frameStart || f[1] != cmdReadGas {
		return 0, errors.NotValidf("gas response header=%x", f[:2])
	}
	if checksum(f) != f[frameLen-1] {
		return 0, errors.NotValidf("gas response checksum=%02x expected=%02x", f[frameLen-1], checksum(f))
	}
	v := float64(uint16(f[2])<<8 | uint16(f[3]))
	switch f[5] {
	case 1:
		v *= 0.1
	case 2:
		v *= 0.01
	}
	return v, nil
}

// ParseAddress splits "bus/addr". Bus may be empty for default bus.
func ParseAddress(s string) (string, uint16, error) {
	busName, addrText := "", s
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		busName, addrText = s[:i], s[i+1:]
	}
	if addrText == "" {
		return busName, DefaultAddress, nil
	}
	addr, err := strconv.ParseUint(addrText, 0, 7)
	if err != nil {
		return "", 0, errors.NotValidf("i2c address=%s", s)
	}
	return busName, uint16(addr), nil
}
