package tele

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/smarthelmet/relay/log2"
)

type transportMqtt struct {
	log  *log2.Log
	c    Config
	ev   Events
	mopt *mqtt.ClientOptions
	m    mqtt.Client
}

func (self *transportMqtt) Init(ctx context.Context, log *log2.Log, c Config, ev Events) error {
	self.log = log
	self.c = c
	self.ev = ev
	mqttLog := log.Clone(log2.LInfo)
	if c.LogDebug {
		mqttLog.SetLevel(log2.LDebug)
		mqtt.DEBUG = mqttLog.Printer(log2.LDebug)
	}
	mqtt.ERROR = mqttLog.Printer(log2.LError)
	mqtt.CRITICAL = mqttLog.Printer(log2.LError)
	mqtt.WARN = mqttLog.Printer(log2.LWarning)

	self.mopt = mqtt.NewClientOptions().
		AddBroker(c.URL).
		SetClientID(c.ClientID).
		SetUsername(c.Username).
		SetPassword(c.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(c.Timeout).
		SetWriteTimeout(c.Timeout).
		SetPingTimeout(c.Timeout).
		SetKeepAlive(c.Keepalive).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	return nil
}

// Connect discards previous paho client, it does not support reuse after lost connection without auto reconnect.
func (self *transportMqtt) Connect(ctx context.Context) error {
	if self.m != nil {
		self.m.Disconnect(0)
	}
	self.m = mqtt.NewClient(self.mopt)
	self.log.Debugf("mqtt connect broker=%s client_id=%s", self.c.URL, self.c.ClientID)
	return self.wait(ctx, self.m.Connect(), "connect")
}

func (self *transportMqtt) Publish(ctx context.Context, topic string, payload []byte) error {
	if self.m == nil {
		return ErrNotConnected
	}
	token := self.m.Publish(topic, self.c.QoS, false, payload)
	return self.wait(ctx, token, "publish")
}

func (self *transportMqtt) Close() {
	if self.m != nil {
		self.log.Infof("mqtt disconnect")
		self.m.Disconnect(uint(self.c.Timeout / time.Millisecond))
	}
}

func (self *transportMqtt) wait(ctx context.Context, token mqtt.Token, op string) error {
	timeout := self.c.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if !token.WaitTimeout(timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.Timeoutf("mqtt %s timeout=%v", op, timeout)
	}
	return errors.Annotatef(token.Error(), "mqtt %s", op)
}

func (self *transportMqtt) connectLostHandler(c mqtt.Client, err error) {
	self.log.Infof("mqtt connection lost err=%v", err)
	if self.ev.OnConnectionLost != nil {
		self.ev.OnConnectionLost(err)
	}
}

func (self *transportMqtt) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connect")
	if self.ev.OnConnect != nil {
		self.ev.OnConnect()
	}
}
