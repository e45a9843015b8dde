// Package relay runs telemetry cycle: connectivity check, collection, publish.
// Each cycle owns fresh Record, nothing carries over to the next one.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/hardware/modem"
	"github.com/smarthelmet/relay/internal/connectivity"
	"github.com/smarthelmet/relay/internal/peripheral"
	"github.com/smarthelmet/relay/log2"
	"github.com/temoto/alive/v2"
)

const (
	DefaultInterval        = 1 * time.Second
	DefaultDiscoverEvery   = 10
	DefaultDiscoverTimeout = 5 * time.Second
	DefaultSignalField     = "signal"

	FieldLatitude  = "latitude"
	FieldLongitude = "longitude"
)

type Link int32

const (
	LinkNone Link = iota
	LinkShortRange
	LinkCellular
)

func (l Link) String() string {
	switch l {
	case LinkNone:
		return "none"
	case LinkShortRange:
		return "short-range"
	case LinkCellular:
		return "cellular"
	}
	return "invalid"
}

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnectivityCheck
	PhaseCollecting
	PhasePublishing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnectivityCheck:
		return "connectivity-check"
	case PhaseCollecting:
		return "collecting"
	case PhasePublishing:
		return "publishing"
	}
	return "invalid"
}

type Assessor interface {
	Assess(ctx context.Context) connectivity.State
	Signal() (int, bool)
}

type Discoverer interface {
	Discover(ctx context.Context, timeout time.Duration) []peripheral.Handle
}

type Exchanger interface {
	Exchange(ctx context.Context, name string, payload []byte) ([]byte, error)
	Probe(ctx context.Context, name string) error
}

type Locator interface {
	GpsLocation(ctx context.Context) (modem.Location, bool, error)
}

type Publisher interface {
	ReconnectIfNeeded(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Topic() string
}

// Collaborators may be nil, then corresponding step is skipped.
type Collaborators struct {
	Monitor  Assessor
	Registry Discoverer
	Channel  Exchanger
	Modem    Locator
	Broker   Publisher
}

type Peripheral struct {
	Name    string
	Request []byte
	// Field receives non-object response.
	Field string
}

// Compute node receives JSON object of its inputs readings, its response goes to record.
type Compute struct {
	Name   string
	Inputs []string
	Field  string
}

type Uplink struct {
	PreferRelay bool
	RelayPeer   string
	RelayFormat string
}

type Options struct {
	Interval        time.Duration
	Settle          time.Duration // before first cycle
	DiscoverEvery   int
	DiscoverTimeout time.Duration
	SignalField     string

	Peripherals []Peripheral
	Compute     []Compute
	Uplink      Uplink

	// Watchdog is called after every cycle.
	Watchdog func()
}

type Report struct {
	Cycle     uint64
	State     connectivity.State
	Link      Link
	Fields    map[string]interface{}
	Published bool
	Err       error
	Errors    int32
}

func (r Report) String() string {
	return fmt.Sprintf("cycle=%d connectivity=%s link=%s fields=%d published=%t errors=%d err=%v",
		r.Cycle, r.State, r.Link, len(r.Fields), r.Published, r.Errors, r.Err)
}

type Relay struct {
	log *log2.Log
	opt Options
	Collaborators

	cycle  uint64
	phase  int32
	errors int32
	last   atomic.Value // Report
}

// New takes ownership of log error hook to count errors per cycle.
func New(log *log2.Log, opt Options, c Collaborators) *Relay {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.DiscoverEvery <= 0 {
		opt.DiscoverEvery = DefaultDiscoverEvery
	}
	if opt.DiscoverTimeout <= 0 {
		opt.DiscoverTimeout = DefaultDiscoverTimeout
	}
	if opt.SignalField == "" {
		opt.SignalField = DefaultSignalField
	}
	if opt.Uplink.RelayFormat == "" {
		opt.Uplink.RelayFormat = FormatCBOR
	}
	self := &Relay{log: log, opt: opt, Collaborators: c}
	log.SetErrorFunc(func(error) { atomic.AddInt32(&self.errors, 1) })
	return self
}

func (self *Relay) Phase() Phase { return Phase(atomic.LoadInt32(&self.phase)) }

// Last report, ok=false before first cycle completed.
func (self *Relay) Last() (Report, bool) {
	r, ok := self.last.Load().(Report)
	return r, ok
}

// Run loops cycles until a is stopped or ctx is done.
// In-flight cycle is registered in a, so a.Wait() returns after it completes.
func (self *Relay) Run(ctx context.Context, a *alive.Alive) {
	if !self.sleep(ctx, a, self.opt.Settle) {
		return
	}
	for {
		if !a.Add(1) {
			return
		}
		rep := self.Cycle(ctx)
		a.Done()
		self.log.Infof("relay %s", rep.String())
		if self.opt.Watchdog != nil {
			self.opt.Watchdog()
		}
		if !self.sleep(ctx, a, self.opt.Interval) {
			return
		}
	}
}

func (self *Relay) sleep(ctx context.Context, a *alive.Alive, d time.Duration) bool {
	if d <= 0 {
		return a.IsRunning() && ctx.Err() == nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-tmr.C:
		return a.IsRunning()
	case <-a.StopChan():
		return false
	case <-ctx.Done():
		return false
	}
}

// Cycle runs exactly one pass Idle -> ConnectivityCheck -> Collecting -> Publishing -> Idle.
// Nothing inside is fatal, failures are in Report.
func (self *Relay) Cycle(ctx context.Context) (rep Report) {
	n := atomic.AddUint64(&self.cycle, 1) - 1
	atomic.StoreInt32(&self.errors, 0)
	rep = Report{Cycle: n, State: connectivity.Unknown}
	rec := NewRecord()
	defer func() {
		rec.Reset()
		self.setPhase(PhaseIdle)
		rep.Errors = atomic.LoadInt32(&self.errors)
		self.last.Store(rep)
	}()

	self.setPhase(PhaseConnectivityCheck)
	// peer must be known before unattached notice goes out
	if self.Registry != nil && peripheral.DiscoverDue(n, self.opt.DiscoverEvery) {
		hs := self.Registry.Discover(ctx, self.opt.DiscoverTimeout)
		self.log.Debugf("relay cycle=%d reachable=%d", n, len(hs))
	}
	if self.Monitor != nil {
		rep.State = self.Monitor.Assess(ctx)
		self.log.Debugf("relay cycle=%d connectivity=%s", n, rep.State)
	}

	self.setPhase(PhaseCollecting)
	self.collect(ctx, rec, rep.State)
	rep.Fields = rec.Fields()
	if err := ctx.Err(); err != nil {
		rep.Err = err
		return rep
	}

	self.setPhase(PhasePublishing)
	rep.Link, rep.Err = self.publish(ctx, rec)
	rep.Published = rep.Link != LinkNone && rep.Err == nil
	return rep
}

func (self *Relay) setPhase(p Phase) { atomic.StoreInt32(&self.phase, int32(p)) }

func (self *Relay) collect(ctx context.Context, rec *Record, state connectivity.State) {
	// readings by peripheral name, compute input source
	readings := make(map[string]map[string]interface{}, len(self.opt.Peripherals))
	if self.Channel != nil {
		for _, p := range self.opt.Peripherals {
			if ctx.Err() != nil {
				return
			}
			m, err := self.read(ctx, p.Name, p.Request, p.Field)
			if err != nil {
				self.log.Error(errors.Annotate(err, "relay collect"))
				continue
			}
			readings[p.Name] = m
			rec.Merge(m)
		}

		for _, c := range self.opt.Compute {
			if ctx.Err() != nil {
				return
			}
			if err := self.compute(ctx, rec, c, readings); err != nil {
				self.log.Error(errors.Annotate(err, "relay compute"))
			}
		}
	}

	if self.Monitor != nil {
		if rssi, ok := self.Monitor.Signal(); ok {
			rec.Set(self.opt.SignalField, rssi)
		}
	}
	// unattached modem does not answer GNSS reliably either
	if self.Modem != nil && state != connectivity.Unattached && ctx.Err() == nil {
		loc, ok, err := self.Modem.GpsLocation(ctx)
		switch {
		case errors.Cause(err) == modem.ErrSettling:
			self.log.Warningf("relay gnss: modem restart in progress")
		case err != nil:
			self.log.Error(errors.Annotate(err, "relay gnss"))
		case !ok:
			self.log.Debugf("relay gnss: no fix")
		default:
			rec.Set(FieldLatitude, loc.Latitude)
			rec.Set(FieldLongitude, loc.Longitude)
		}
	}
}

func (self *Relay) read(ctx context.Context, name string, request []byte, field string) (map[string]interface{}, error) {
	b, err := self.Channel.Exchange(ctx, name, request)
	if err != nil {
		return nil, err
	}
	m := ParseResponse(field, b)
	self.log.Debugf("relay peripheral=%s response=%q fields=%d", name, b, len(m))
	return m, nil
}

// compute sends fully assembled secondary aggregate before awaiting node response.
func (self *Relay) compute(ctx context.Context, rec *Record, c Compute, readings map[string]map[string]interface{}) error {
	secondary := make(map[string]interface{})
	for _, input := range c.Inputs {
		for k, v := range readings[input] {
			secondary[k] = v
		}
	}
	if len(secondary) == 0 {
		self.log.Warningf("relay compute=%s skipped, no input readings", c.Name)
		return nil
	}
	payload, err := json.Marshal(secondary)
	if err != nil {
		return errors.Annotatef(err, "compute=%s encode", c.Name)
	}
	m, err := self.read(ctx, c.Name, payload, c.Field)
	if err != nil {
		return err
	}
	rec.Merge(m)
	return nil
}

// selectLink is evaluated fresh every cycle.
func (self *Relay) selectLink(ctx context.Context) Link {
	u := self.opt.Uplink
	if u.PreferRelay && u.RelayPeer != "" && self.Channel != nil {
		err := self.Channel.Probe(ctx, u.RelayPeer)
		if err == nil {
			return LinkShortRange
		}
		self.log.Warningf("relay peer=%s not connectable, err=%v", u.RelayPeer, err)
	}
	if self.Broker != nil {
		return LinkCellular
	}
	return LinkNone
}

// publish makes single attempt, failure is logged and not retried.
func (self *Relay) publish(ctx context.Context, rec *Record) (Link, error) {
	link := self.selectLink(ctx)
	switch link {
	case LinkShortRange:
		payload, err := rec.Encode(self.opt.Uplink.RelayFormat)
		if err != nil {
			self.log.Error(errors.Annotate(err, "relay publish"))
			return link, err
		}
		if _, err = self.Channel.Exchange(ctx, self.opt.Uplink.RelayPeer, payload); err != nil {
			err = errors.Annotatef(err, "relay publish peer=%s", self.opt.Uplink.RelayPeer)
			self.log.Error(err)
			return link, err
		}
		self.log.Infof("relay published peer=%s bytes=%d", self.opt.Uplink.RelayPeer, len(payload))
		return link, nil

	case LinkCellular:
		if err := self.Broker.ReconnectIfNeeded(ctx); err != nil {
			self.log.Errorf("relay broker reconnect: %v", err)
		}
		payload, err := rec.MarshalJSON()
		if err != nil {
			self.log.Error(errors.Annotate(err, "relay publish"))
			return link, err
		}
		topic := self.Broker.Topic()
		if err = self.Broker.Publish(ctx, topic, payload); err != nil {
			err = errors.Annotatef(err, "relay publish topic=%s", topic)
			self.log.Error(err)
			return link, err
		}
		self.log.Infof("relay published topic=%s bytes=%d", topic, len(payload))
		return link, nil
	}
	self.log.Warningf("relay no uplink, record dropped")
	return link, nil
}
