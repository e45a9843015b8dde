// Package modem talks AT commands to cellular/GNSS module (SIM7600 family).
package modem

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/helpers"
	"github.com/smarthelmet/relay/helpers/atomic_clock"
	"github.com/smarthelmet/relay/log2"
)

const modName string = "modem"

const (
	DefaultCommandTimeout = 1 * time.Second
	DefaultGnssWarmup     = 2 * time.Second
	DefaultRestartSettle  = 10 * time.Second

	// SignalUnknown is +CSQ rssi "not known or not detectable".
	SignalUnknown = 99
	SignalMax     = 31
)

const (
	cmdAttached  = "AT+CGATT?"
	cmdSignal    = "AT+CSQ"
	cmdGnssPower = "AT+CGNSPWR=1"
	cmdGnssInfo  = "AT+CGNSINF"
	cmdRestart   = "AT+CFUN=1,1"
)

var ErrSettling = errors.New("modem is restarting")

type Location struct {
	Latitude  float64
	Longitude float64
}

type Options struct {
	CommandTimeout time.Duration
	GnssWarmup     time.Duration // zero skips warm-up wait
	RestartSettle  time.Duration
	// HardReset is optional fallback when restart command fails, e.g. PWRKEY pulse.
	HardReset func() error
}

type Stat struct {
	Commands int64
	Errors   int64
	Restarts int64
	RxBytes  int64
	TxBytes  int64
}

type Modem struct {
	log  *log2.Log
	opt  Options
	port Port
	r    io.Reader
	w    io.Writer
	lk   sync.Mutex

	settleUntil *atomic_clock.Clock
	stat        struct {
		commands, errors, restarts atomic.Int64
		rx, tx                     atomic.Int64
	}
}

func New(port Port, log *log2.Log, opt Options) *Modem {
	if opt.CommandTimeout <= 0 {
		opt.CommandTimeout = DefaultCommandTimeout
	}
	if opt.GnssWarmup < 0 {
		opt.GnssWarmup = 0
	}
	if opt.RestartSettle <= 0 {
		opt.RestartSettle = DefaultRestartSettle
	}
	self := &Modem{
		log:         log,
		opt:         opt,
		port:        port,
		settleUntil: atomic_clock.New(0),
	}
	self.r = helpers.CountReader{R: port, N: &self.stat.rx}
	self.w = helpers.CountWriter{W: port, N: &self.stat.tx}
	return self
}

func (self *Modem) Close() error { return self.port.Close() }

func (self *Modem) Stat() Stat {
	return Stat{
		Commands: self.stat.commands.Load(),
		Errors:   self.stat.errors.Load(),
		Restarts: self.stat.restarts.Load(),
		RxBytes:  self.stat.rx.Load(),
		TxBytes:  self.stat.tx.Load(),
	}
}

// Ready is false during settle period after Restart.
func (self *Modem) Ready() bool {
	return self.settleUntil.Passed()
}

// SendCommand writes text+CRLF and collects response lines until final result code.
// Echo, blank lines and final OK are not included.
func (self *Modem) SendCommand(ctx context.Context, text string, timeout time.Duration) ([]string, error) {
	if !self.Ready() {
		return nil, ErrSettling
	}
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.send(ctx, text, timeout)
}

func (self *Modem) send(ctx context.Context, text string, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = self.opt.CommandTimeout
	}
	self.stat.commands.Add(1)
	self.log.Debugf("%s send=%s", modName, text)

	if err := self.port.Flush(); err != nil {
		self.stat.errors.Add(1)
		return nil, errors.Annotatef(err, "%s flush", modName)
	}
	if err := helpers.WriteAll(self.w, []byte(text+"\r\n")); err != nil {
		self.stat.errors.Add(1)
		return nil, errors.Annotatef(err, "%s write command=%s", modName, text)
	}

	deadline := time.Now().Add(timeout)
	lines := make([]string, 0, 4)
	var pending []byte
	var buf [256]byte
	for {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		n, err := self.r.Read(buf[:])
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimSpace(string(pending[:i]))
				pending = pending[i+1:]
				if line == "" || line == text {
					continue
				}
				self.log.Debugf("%s recv=%s", modName, line)
				switch {
				case line == "OK":
					return lines, nil
				case line == "ERROR", strings.HasPrefix(line, "+CME ERROR"), strings.HasPrefix(line, "+CMS ERROR"):
					self.stat.errors.Add(1)
					return lines, errors.Errorf("%s command=%s result=%s", modName, text, line)
				}
				lines = append(lines, line)
			}
		}
		if err != nil && err != io.EOF {
			self.stat.errors.Add(1)
			return lines, errors.Annotatef(err, "%s read command=%s", modName, text)
		}
		if time.Now().After(deadline) {
			self.stat.errors.Add(1)
			return lines, errors.Timeoutf("%s command=%s response timeout=%v", modName, text, timeout)
		}
		if n == 0 {
			// port poll interval elapsed or mock without data
			time.Sleep(time.Millisecond)
		}
	}
}

func (self *Modem) IsAttached(ctx context.Context) (bool, error) {
	lines, err := self.SendCommand(ctx, cmdAttached, 0)
	if err != nil {
		return false, err
	}
	v, ok := findValue(lines, "+CGATT:")
	if !ok {
		return false, errors.Errorf("%s attach response=%q", modName, lines)
	}
	return strings.TrimSpace(v) == "1", nil
}

// SignalQuality returns +CSQ rssi: 0..31 or SignalUnknown.
func (self *Modem) SignalQuality(ctx context.Context) (int, error) {
	lines, err := self.SendCommand(ctx, cmdSignal, 0)
	if err != nil {
		return 0, err
	}
	v, ok := findValue(lines, "+CSQ:")
	if !ok {
		return 0, errors.Errorf("%s signal response=%q", modName, lines)
	}
	parts := strings.SplitN(v, ",", 2)
	rssi, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, errors.Annotatef(err, "%s signal parse=%s", modName, v)
	}
	return rssi, nil
}

// GpsLocation powers GNSS on, waits warm-up and reads fix.
// ok=false without error means no fix yet.
func (self *Modem) GpsLocation(ctx context.Context) (Location, bool, error) {
	if _, err := self.SendCommand(ctx, cmdGnssPower, 0); err != nil {
		return Location{}, false, errors.Annotate(err, "gnss power")
	}
	if !helpers.SleepContext(ctx, self.opt.GnssWarmup) {
		return Location{}, false, ctx.Err()
	}
	lines, err := self.SendCommand(ctx, cmdGnssInfo, 0)
	if err != nil {
		return Location{}, false, errors.Annotate(err, "gnss info")
	}
	return parseGnssInfo(lines)
}

// Restart issues module reset and returns without waiting for module to settle.
// Until settle period ends, commands fail with ErrSettling.
func (self *Modem) Restart(ctx context.Context) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	self.stat.restarts.Add(1)
	self.log.Infof("%s restart", modName)

	_, err := self.send(ctx, cmdRestart, 0)
	if errors.IsTimeout(err) {
		// module often resets before replying OK
		err = nil
	}
	if err != nil && self.opt.HardReset != nil {
		self.log.Errorf("%s restart command err=%v, trying hard reset", modName, err)
		err = errors.Annotate(self.opt.HardReset(), "hard reset")
	}
	if err != nil {
		return errors.Annotate(err, "modem restart")
	}
	self.settleUntil.SetAfter(self.opt.RestartSettle)
	return nil
}

func findValue(lines []string, prefix string) (string, bool) {
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

// +CGNSINF: <run>,<fix>,<utc>,<lat>,<lon>,...
func parseGnssInfo(lines []string) (Location, bool, error) {
	v, ok := findValue(lines, "+CGNSINF:")
	if !ok {
		return Location{}, false, errors.Errorf("%s gnss response=%q", modName, lines)
	}
	fields := strings.Split(v, ",")
	if len(fields) < 5 || fields[3] == "" || fields[4] == "" {
		return Location{}, false, nil
	}
	lat, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Location{}, false, errors.Annotatef(err, "%s gnss latitude=%s", modName, fields[3])
	}
	lon, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return Location{}, false, errors.Annotatef(err, "%s gnss longitude=%s", modName, fields[4])
	}
	return Location{Latitude: lat, Longitude: lon}, true, nil
}
