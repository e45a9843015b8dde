// Package connectivity decides once per cycle whether cellular attachment is usable
// and issues corrective actions: modem restart, peer warnings.
package connectivity

import (
	"context"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/hardware/modem"
	"github.com/smarthelmet/relay/log2"
)

type State int32

const (
	Unattached State = iota
	Degraded
	Nominal
	Unknown
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Degraded:
		return "degraded"
	case Nominal:
		return "nominal"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}

const (
	DefaultProbes        = 3
	DefaultWeakThreshold = 17

	MessageNoSignal   = "No signal detected"
	MessageWeakSignal = "Weak signal, proceed with caution"
)

type Modem interface {
	IsAttached(ctx context.Context) (bool, error)
	SignalQuality(ctx context.Context) (int, error)
	Restart(ctx context.Context) error
}

type Notifier interface {
	Notify(ctx context.Context, name string, text string) error
}

type Options struct {
	Probes        int
	WeakThreshold int
	// Peer receives human readable warnings, empty disables.
	Peer string
}

type Monitor struct {
	log      *log2.Log
	modem    Modem
	notifier Notifier
	opt      Options

	restarting uint32
	restarts   uint32
	signal     int32 // last in-scale rssi of latest assessment, -1 none
}

func NewMonitor(log *log2.Log, m Modem, n Notifier, opt Options) *Monitor {
	if opt.Probes <= 0 {
		opt.Probes = DefaultProbes
	}
	if opt.WeakThreshold <= 0 {
		opt.WeakThreshold = DefaultWeakThreshold
	}
	return &Monitor{log: log, modem: m, notifier: n, opt: opt, signal: -1}
}

// Restarts is number of restarts issued.
func (self *Monitor) Restarts() uint32 { return atomic.LoadUint32(&self.restarts) }

// Signal is last valid rssi read by latest Assess.
func (self *Monitor) Signal() (int, bool) {
	v := atomic.LoadInt32(&self.signal)
	return int(v), v >= 0
}

// Assess probes attachment and signal up to Probes times.
// First acceptable reading wins. Never fails, channel errors mean Unattached.
func (self *Monitor) Assess(ctx context.Context) State {
	state := Unknown
	weakNotified := false
	atomic.StoreInt32(&self.signal, -1)
	for probe := 1; probe <= self.opt.Probes; probe++ {
		attached, err := self.modem.IsAttached(ctx)
		if err != nil {
			self.channelError(err)
			return Unattached
		}
		if !attached {
			self.log.Errorf("connectivity: no network attachment")
			self.notify(ctx, MessageNoSignal)
			return Unattached
		}

		rssi, err := self.modem.SignalQuality(ctx)
		if err != nil {
			self.channelError(err)
			return Unattached
		}
		switch {
		case rssi == modem.SignalUnknown:
			self.log.Warningf("connectivity: signal not detectable, restarting modem")
			self.restart()
			return Unknown

		case rssi > modem.SignalMax || rssi < 0:
			self.log.Warningf("connectivity: signal=%d out of scale", rssi)
			return Unknown

		case rssi <= self.opt.WeakThreshold:
			atomic.StoreInt32(&self.signal, int32(rssi))
			self.log.Warningf("connectivity: weak signal=%d probe=%d/%d", rssi, probe, self.opt.Probes)
			state = Degraded
			if !weakNotified {
				weakNotified = true
				self.notify(ctx, MessageWeakSignal)
			}

		default:
			atomic.StoreInt32(&self.signal, int32(rssi))
			self.log.Infof("connectivity: signal=%d nominal", rssi)
			return Nominal
		}
	}
	return state
}

func (self *Monitor) channelError(err error) {
	if errors.Cause(err) == modem.ErrSettling {
		self.log.Errorf("connectivity: modem restart in progress, err=%v", err)
		return
	}
	self.log.Errorf("connectivity: %v", err)
}

// restart is fire-and-forget, not issued again while previous one is in flight.
func (self *Monitor) restart() {
	if !atomic.CompareAndSwapUint32(&self.restarting, 0, 1) {
		self.log.Debugf("connectivity: restart already in progress")
		return
	}
	atomic.AddUint32(&self.restarts, 1)
	go func() {
		defer atomic.StoreUint32(&self.restarting, 0)
		if err := self.modem.Restart(context.Background()); err != nil {
			self.log.Error(errors.Annotate(err, "connectivity"))
		}
	}()
}

// notify is best effort, failure does not affect assessment.
func (self *Monitor) notify(ctx context.Context, text string) {
	if self.opt.Peer == "" || self.notifier == nil {
		return
	}
	if err := self.notifier.Notify(ctx, self.opt.Peer, text); err != nil {
		self.log.Warningf("connectivity: peer=%s notify err=%v", self.opt.Peer, err)
	}
}
