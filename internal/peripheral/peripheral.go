// Package peripheral resolves configured sensor units to transport addresses
// and exchanges request/response payloads with them.
package peripheral

import (
	"context"
	"time"

	"github.com/juju/errors"
)

const (
	DefaultRetries = 3
	DefaultTimeout = 10 * time.Second

	TransportBLE = "ble"
	TransportI2C = "i2c"
)

// ErrNoDiscovery is returned by transports with fixed addresses only.
var ErrNoDiscovery = errors.New("transport does not support discovery")

// Advert is one unit reported by a discovery pass.
type Advert struct {
	Name    string
	Address string
}

// Transport is a short-range link to sensor units.
// Static transports (fixed bus address) may return ErrNoDiscovery from Discover.
type Transport interface {
	Discover(ctx context.Context, timeout time.Duration) ([]Advert, error)
	Open(ctx context.Context, address string) (Session, error)
}

// Session is one connection scope. Callers must Close it, successful or not.
type Session interface {
	Write(ctx context.Context, b []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type Config struct {
	Name      string
	Transport string
	// Address is fixed transport address, makes handle static (always present).
	Address string
}

type Handle struct {
	Name      string
	Address   string
	Transport string
	LastSeen  time.Time
	Static    bool
}
