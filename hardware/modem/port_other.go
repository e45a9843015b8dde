//go:build !linux
// +build !linux

package modem

import "github.com/juju/errors"

func OpenSerial(path string, baud int) (Port, error) {
	return nil, errors.NotSupportedf("modem serial port on this platform")
}
