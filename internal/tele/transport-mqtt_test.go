package tele

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/smarthelmet/relay/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker speaks just enough MQTT 3.1.1 for paho client.
type fakeBroker struct {
	ln   net.Listener
	code packet.ConnackCode

	mu        sync.Mutex
	conns     []*transport.NetConn
	published chan packet.Message
}

func startFakeBroker(t testing.TB, code packet.ConnackCode) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	fb := &fakeBroker{ln: ln, code: code, published: make(chan packet.Message, 16)}
	go fb.accept()
	return fb
}

func (self *fakeBroker) URL() string { return fmt.Sprintf("tcp://%s", self.ln.Addr().String()) }

func (self *fakeBroker) Close() {
	_ = self.ln.Close()
	self.DropAll()
}

// DropAll closes every client connection.
func (self *fakeBroker) DropAll() {
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, c := range self.conns {
		_ = c.Close()
	}
	self.conns = nil
}

func (self *fakeBroker) accept() {
	for {
		conn, err := self.ln.Accept()
		if err != nil {
			return
		}
		nc := transport.NewNetConn(conn)
		self.mu.Lock()
		self.conns = append(self.conns, nc)
		self.mu.Unlock()
		go self.serve(nc)
	}
}

func (self *fakeBroker) serve(c *transport.NetConn) {
	defer c.Close()
	for {
		pkt, err := c.Receive()
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packet.Connect:
			connack := packet.NewConnack()
			connack.ReturnCode = self.code
			if err := c.Send(connack, false); err != nil || self.code != packet.ConnectionAccepted {
				return
			}

		case *packet.Publish:
			self.published <- p.Message
			if p.Message.QOS == packet.QOSAtLeastOnce {
				puback := packet.NewPuback()
				puback.ID = p.ID
				if err := c.Send(puback, false); err != nil {
					return
				}
			}

		case *packet.Pingreq:
			if err := c.Send(packet.NewPingresp(), false); err != nil {
				return
			}

		case *packet.Disconnect:
			return
		}
	}
}

// paho logs from its own goroutines after test end, so not t.Logf
func newPahoBroker(t testing.TB, url string) *Broker {
	log := log2.NewStderr(log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	b, err := NewBroker(context.Background(), log, Config{
		URL:      url,
		ClientID: "helmet-test",
		QoS:      1,
		Timeout:  2 * time.Second,
	}, nil)
	require.NoError(t, err)
	return b
}

func TestPahoPublish(t *testing.T) {
	fb := startFakeBroker(t, packet.ConnectionAccepted)
	defer fb.Close()
	b := newPahoBroker(t, fb.URL())
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.ReconnectIfNeeded(ctx))
	assert.True(t, b.IsConnected())
	require.NoError(t, b.Publish(ctx, b.Topic(), []byte(`{"latitude":12.34}`)))
	select {
	case msg := <-fb.published:
		assert.Equal(t, DefaultTopic, msg.Topic)
		assert.Equal(t, `{"latitude":12.34}`, string(msg.Payload))
		assert.Equal(t, packet.QOSAtLeastOnce, msg.QOS)
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not receive message")
	}

	// broker side drop is reported through connection lost event
	fb.DropAll()
	assert.Eventually(t, func() bool { return !b.IsConnected() }, 3*time.Second, 10*time.Millisecond)
	assert.Error(t, b.Session().LastError)
	require.NoError(t, b.ReconnectIfNeeded(ctx))
	assert.True(t, b.IsConnected())
	require.NoError(t, b.Publish(ctx, b.Topic(), []byte(`{}`)))
}

func TestPahoRefused(t *testing.T) {
	fb := startFakeBroker(t, packet.NotAuthorized)
	defer fb.Close()
	b := newPahoBroker(t, fb.URL())
	defer b.Close()

	err := b.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, b.IsConnected())
	assert.Equal(t, ErrNotConnected, b.Publish(context.Background(), b.Topic(), []byte(`{}`)))
}

func TestPahoUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	url := fmt.Sprintf("tcp://%s", ln.Addr().String())
	require.NoError(t, ln.Close())

	b := newPahoBroker(t, url)
	defer b.Close()
	err = b.ReconnectIfNeeded(context.Background())
	require.Error(t, err, errors.ErrorStack(err))
	assert.False(t, b.Session().Connected)
}
