package modem

import (
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
)

const DefaultPwrKeyPulse = 1200 * time.Millisecond

// PwrKey drives module PWRKEY line. Holding it high for about a second toggles module power.
type PwrKey struct {
	chip  gpio.Chiper
	lines gpio.Lineser
	set   gpio.LineSetFunc
	pulse time.Duration
}

func OpenPwrKey(chipName string, line uint32, pulse time.Duration) (*PwrKey, error) {
	chip, err := gpio.Open(chipName, "modem")
	if err != nil {
		return nil, errors.Annotatef(err, "pwrkey chip=%s", chipName)
	}
	self, err := NewPwrKey(chip, line, pulse)
	if err != nil {
		_ = chip.Close()
		return nil, err
	}
	return self, nil
}

func NewPwrKey(chip gpio.Chiper, line uint32, pulse time.Duration) (*PwrKey, error) {
	if pulse <= 0 {
		pulse = DefaultPwrKeyPulse
	}
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "modem-pwrkey", line)
	if err != nil {
		return nil, errors.Annotatef(err, "pwrkey line=%d", line)
	}
	return &PwrKey{
		chip:  chip,
		lines: lines,
		set:   lines.SetFunc(line),
		pulse: pulse,
	}, nil
}

func (self *PwrKey) Pulse() error {
	self.set(1)
	if err := self.lines.Flush(); err != nil {
		return errors.Annotate(err, "pwrkey high")
	}
	time.Sleep(self.pulse)
	self.set(0)
	return errors.Annotate(self.lines.Flush(), "pwrkey low")
}

func (self *PwrKey) Close() error {
	err1 := self.lines.Close()
	err2 := self.chip.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
