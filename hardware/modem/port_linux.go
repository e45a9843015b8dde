package modem

import (
	"os"
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

type serialPort struct {
	f *os.File
}

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

// OpenSerial opens UART in raw 8N1 mode with read poll of serialPollInterval.
func OpenSerial(path string, baud int) (Port, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, errors.NotSupportedf("modem baud=%d", baud)
	}
	f, err := os.OpenFile(path, syscall.O_RDWR|syscall.O_NOCTTY, 0600)
	if err != nil {
		return nil, errors.Annotatef(err, "modem open path=%s", path)
	}
	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, errors.Annotate(err, "modem TCGETS")
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = uint8(serialPollInterval.Milliseconds() / 100)
	if err = unix.IoctlSetTermios(fd, unix.TCSETSF, t); err != nil {
		f.Close()
		return nil, errors.Annotate(err, "modem TCSETSF")
	}
	return &serialPort{f: f}, nil
}

func (self *serialPort) Read(p []byte) (int, error)  { return self.f.Read(p) }
func (self *serialPort) Write(p []byte) (int, error) { return self.f.Write(p) }
func (self *serialPort) Close() error                { return self.f.Close() }

func (self *serialPort) Flush() error {
	return unix.IoctlSetInt(int(self.f.Fd()), unix.TCFLSH, unix.TCIFLUSH)
}
