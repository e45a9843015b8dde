package state

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/hardware/ble"
	"github.com/smarthelmet/relay/hardware/gas"
	"github.com/smarthelmet/relay/hardware/modem"
	"github.com/smarthelmet/relay/helpers"
	"github.com/smarthelmet/relay/internal/connectivity"
	"github.com/smarthelmet/relay/internal/media"
	"github.com/smarthelmet/relay/internal/peripheral"
	"github.com/smarthelmet/relay/internal/relay"
	"github.com/smarthelmet/relay/internal/tele"
	"github.com/smarthelmet/relay/log2"
)

// Exported fields preset before first use replace real devices, tests do that.
type hardware struct {
	Modem struct {
		once
		Port   modem.Port
		Modem  *modem.Modem
		pwrkey *modem.PwrKey
	}
	Transports struct {
		once
		Map map[string]peripheral.Transport
	}
	channels struct {
		once
		registry *peripheral.Registry
		channel  *peripheral.Channel
	}
	monitor struct {
		once
		m *connectivity.Monitor
	}
	Broker struct {
		once
		Transport tele.Transporter
		Broker    *tele.Broker
	}
	media struct {
		once
		s *media.Supervisor
	}
}

// Modem returns nil,nil when modem is not configured.
func (g *Global) Modem() (*modem.Modem, error) {
	x := &g.Hardware.Modem // short alias
	_ = x.do(func() error {
		cfg := &g.Config.Modem
		if x.Port == nil {
			if cfg.Device == "" {
				g.Log.Infof("modem is disabled")
				return nil
			}
			port, err := modem.OpenSerial(cfg.Device, cfg.Baud)
			if err != nil {
				return errors.Annotatef(err, "config: modem.device=%s", cfg.Device)
			}
			x.Port = port
		}

		opt := g.Config.ModemOptions()
		if cfg.PwrKey.Chip != "" {
			line, err := strconv.ParseUint(cfg.PwrKey.Pin, 10, 32)
			if err != nil {
				return errors.NotValidf("config: modem.pwrkey.pin=%s", cfg.PwrKey.Pin)
			}
			pulse := helpers.IntMillisecondDefault(cfg.PwrKey.PulseMs, modem.DefaultPwrKeyPulse)
			if x.pwrkey, err = modem.OpenPwrKey(cfg.PwrKey.Chip, uint32(line), pulse); err != nil {
				return errors.Annotatef(err, "config: modem.pwrkey=%v", cfg.PwrKey)
			}
			opt.HardReset = x.pwrkey.Pulse
		}

		log := g.Log.Clone(log2.LInfo)
		if cfg.LogDebug {
			log.SetLevel(log2.LDebug)
		}
		x.Modem = modem.New(x.Port, log, opt)
		return nil
	})
	return x.Modem, x.err
}

func (g *Global) Transports() (map[string]peripheral.Transport, error) {
	x := &g.Hardware.Transports
	_ = x.do(func() error {
		if x.Map != nil {
			return nil
		}
		x.Map = make(map[string]peripheral.Transport, 2)
		if g.Config.UsesTransport(peripheral.TransportBLE) {
			log := g.Log.Clone(log2.LInfo)
			if g.Config.Ble.LogDebug {
				log.SetLevel(log2.LDebug)
			}
			t, err := ble.New(log, ble.Config{
				ServiceUUID:        g.Config.Ble.ServiceUUID,
				CharacteristicUUID: g.Config.Ble.CharacteristicUUID,
			})
			if err != nil {
				return errors.Annotatef(err, "config: ble=%v", g.Config.Ble)
			}
			x.Map[peripheral.TransportBLE] = t
		}
		if g.Config.UsesTransport(peripheral.TransportI2C) {
			x.Map[peripheral.TransportI2C] = gas.New(g.Log)
		}
		return nil
	})
	return x.Map, x.err
}

func (g *Global) Registry() (*peripheral.Registry, error) {
	x := &g.Hardware.channels
	err := x.do(func() error {
		ts, err := g.Transports()
		if err != nil {
			return err
		}
		x.registry = peripheral.NewRegistry(g.Log, ts, g.Config.PeripheralConfigs())
		x.channel = peripheral.NewChannel(g.Log, x.registry, g.Config.ChannelOptions())
		return nil
	})
	return x.registry, err
}

func (g *Global) Channel() (*peripheral.Channel, error) {
	if _, err := g.Registry(); err != nil {
		return nil, err
	}
	return g.Hardware.channels.channel, nil
}

// Monitor returns nil,nil without modem.
func (g *Global) Monitor() (*connectivity.Monitor, error) {
	x := &g.Hardware.monitor
	_ = x.do(func() error {
		m, err := g.Modem()
		if err != nil || m == nil {
			return err
		}
		ch, err := g.Channel()
		if err != nil {
			return err
		}
		x.m = connectivity.NewMonitor(g.Log, m, ch, connectivity.Options{
			Probes:        g.Config.Connectivity.Probes,
			WeakThreshold: g.Config.Connectivity.WeakThreshold,
			Peer:          g.Config.Connectivity.Peer,
		})
		return nil
	})
	return x.m, x.err
}

// Broker returns nil,nil when disabled. First connect failure is not fatal,
// relay cycle reconnects.
func (g *Global) Broker(ctx context.Context) (*tele.Broker, error) {
	x := &g.Hardware.Broker
	_ = x.do(func() error {
		if !g.Config.Broker.Enable {
			g.Log.Infof("broker is disabled")
			return nil
		}
		log := g.Log.Clone(log2.LInfo)
		if g.Config.Broker.LogDebug {
			log.SetLevel(log2.LDebug)
		}
		b, err := tele.NewBroker(ctx, log, g.Config.BrokerConfig(), x.Transport)
		if err != nil {
			return errors.Annotate(err, "config: broker")
		}
		x.Broker = b
		if err := b.Connect(ctx); err != nil {
			g.Log.Errorf("broker first connect: %v", err)
		}
		return nil
	})
	return x.Broker, x.err
}

func (g *Global) Media() (*media.Supervisor, error) {
	x := &g.Hardware.media
	_ = x.do(func() error {
		var err error
		x.s, err = media.NewSupervisor(g.Log, g.Config.MediaProcesses())
		return errors.Annotate(err, "config: media")
	})
	return x.s, x.err
}

// Relay wires aggregator to configured channels. Absent channels stay nil interfaces.
func (g *Global) Relay(ctx context.Context, watchdog func()) (*relay.Relay, error) {
	var c relay.Collaborators
	reg, err := g.Registry()
	if err != nil {
		return nil, err
	}
	c.Registry = reg
	c.Channel = g.Hardware.channels.channel

	if m, err := g.Modem(); err != nil {
		return nil, err
	} else if m != nil {
		c.Modem = m
	}
	if mon, err := g.Monitor(); err != nil {
		return nil, err
	} else if mon != nil {
		c.Monitor = mon
	}
	if b, err := g.Broker(ctx); err != nil {
		return nil, err
	} else if b != nil {
		c.Broker = b
	}

	opt := g.Config.RelayOptions()
	opt.Watchdog = watchdog
	// own clone, relay takes error hook
	return relay.New(g.Log.Clone(g.Log.Level()), opt, c), nil
}

// CloseHardware releases devices opened so far.
func (g *Global) CloseHardware() error {
	errs := make([]error, 0, 3)
	if b := g.Hardware.Broker.Broker; b != nil {
		b.Close()
	}
	if m := g.Hardware.Modem.Modem; m != nil {
		errs = append(errs, errors.Annotate(m.Close(), "modem close"))
	}
	if p := g.Hardware.Modem.pwrkey; p != nil {
		errs = append(errs, errors.Annotate(p.Close(), "pwrkey close"))
	}
	return helpers.FoldErrors(errs)
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
