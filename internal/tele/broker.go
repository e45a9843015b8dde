// Package tele is the publish channel to remote MQTT broker.
package tele

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/helpers/atomic_clock"
	"github.com/smarthelmet/relay/log2"
)

const (
	DefaultTopic     = "helmet/data"
	DefaultTimeout   = 10 * time.Second
	DefaultKeepalive = 60 * time.Second
)

var ErrNotConnected = errors.New("broker not connected")

type Config struct {
	URL       string
	Topic     string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	Timeout   time.Duration
	Keepalive time.Duration
	LogDebug  bool
}

// Session is snapshot of broker connection state.
type Session struct {
	Connected   bool
	LastError   error
	LastConnect time.Time
}

type Stat struct {
	Connects  int64
	Lost      int64
	Published int64
	Failed    int64
}

// Broker tracks connection state reported by transport.
// Broker contract:
// - connection state changes only by transport events and Connect results
// - Publish is attempted once, no queue, no retry
// - ReconnectIfNeeded is no-op while connected
type Broker struct {
	log       *log2.Log
	config    Config
	transport Transporter

	connected   uint32
	lastConnect atomic_clock.Clock
	mu          sync.Mutex
	lastErr     error
	stat        struct {
		connects, lost, published, failed atomic.Int64
	}
}

// NewBroker with nil transport uses paho MQTT client.
func NewBroker(ctx context.Context, log *log2.Log, c Config, t Transporter) (*Broker, error) {
	if c.URL == "" {
		return nil, errors.NotValidf("broker url empty")
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Keepalive <= 0 {
		c.Keepalive = DefaultKeepalive
	}
	if c.QoS > 1 {
		return nil, errors.NotValidf("broker qos=%d", c.QoS)
	}
	if t == nil { // production path
		t = &transportMqtt{}
	}
	self := &Broker{log: log, config: c, transport: t}
	ev := Events{
		OnConnect:        self.onConnect,
		OnConnectionLost: self.onConnectionLost,
	}
	if err := t.Init(ctx, log, c, ev); err != nil {
		return nil, errors.Annotate(err, "broker transport")
	}
	return self, nil
}

func (self *Broker) Topic() string { return self.config.Topic }

func (self *Broker) IsConnected() bool { return atomic.LoadUint32(&self.connected) == 1 }

func (self *Broker) Session() Session {
	self.mu.Lock()
	defer self.mu.Unlock()
	return Session{
		Connected:   self.IsConnected(),
		LastError:   self.lastErr,
		LastConnect: self.lastConnect.Time(),
	}
}

func (self *Broker) Stat() Stat {
	return Stat{
		Connects:  self.stat.connects.Load(),
		Lost:      self.stat.lost.Load(),
		Published: self.stat.published.Load(),
		Failed:    self.stat.failed.Load(),
	}
}

func (self *Broker) Connect(ctx context.Context) error {
	self.log.Debugf("broker connect url=%s", self.config.URL)
	if err := self.transport.Connect(ctx); err != nil {
		err = errors.Annotatef(err, "broker connect url=%s", self.config.URL)
		self.setDisconnected(err)
		return err
	}
	self.onConnect()
	return nil
}

// ReconnectIfNeeded performs no transport call while connected.
func (self *Broker) ReconnectIfNeeded(ctx context.Context) error {
	if self.IsConnected() {
		return nil
	}
	return self.Connect(ctx)
}

func (self *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if !self.IsConnected() {
		self.stat.failed.Add(1)
		return ErrNotConnected
	}
	if err := self.transport.Publish(ctx, topic, payload); err != nil {
		self.stat.failed.Add(1)
		err = errors.Annotatef(err, "broker publish topic=%s", topic)
		self.mu.Lock()
		self.lastErr = err
		self.mu.Unlock()
		return err
	}
	self.stat.published.Add(1)
	return nil
}

func (self *Broker) Close() {
	self.transport.Close()
	self.setDisconnected(nil)
}

func (self *Broker) onConnect() {
	if atomic.SwapUint32(&self.connected, 1) == 1 {
		// event and Connect result both report same connection
		return
	}
	self.stat.connects.Add(1)
	self.lastConnect.SetNow()
	self.mu.Lock()
	self.lastErr = nil
	self.mu.Unlock()
	self.log.Infof("broker connected url=%s", self.config.URL)
}

func (self *Broker) onConnectionLost(err error) {
	self.stat.lost.Add(1)
	self.log.Errorf("broker connection lost err=%v", err)
	self.setDisconnected(err)
}

func (self *Broker) setDisconnected(err error) {
	atomic.StoreUint32(&self.connected, 0)
	if err != nil {
		self.mu.Lock()
		self.lastErr = err
		self.mu.Unlock()
	}
}
