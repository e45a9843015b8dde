package modem

import (
	"io"
	"time"
)

// Port is a byte conduit to the modem UART.
// Read may return 0,nil when nothing arrived within the port poll interval.
type Port interface {
	io.ReadWriteCloser
	// Flush discards unread input.
	Flush() error
}

const serialPollInterval = 100 * time.Millisecond
