package tele

import (
	"context"
	"sync"
	"testing"

	"github.com/smarthelmet/relay/log2"
)

type Message struct {
	Topic   string
	Payload []byte
}

// MockTransport records connects and publishes, errors are scripted.
type MockTransport struct {
	t  testing.TB
	mu sync.Mutex
	ev Events

	ConnectErr error
	PublishErr error

	connects  int
	published []Message
}

func NewMockTransport(t testing.TB) *MockTransport { return &MockTransport{t: t} }

func (self *MockTransport) Init(ctx context.Context, log *log2.Log, c Config, ev Events) error {
	self.ev = ev
	return nil
}

func (self *MockTransport) Connect(ctx context.Context) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.connects++
	self.t.Logf("mock broker connect n=%d err=%v", self.connects, self.ConnectErr)
	return self.ConnectErr
}

func (self *MockTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.PublishErr != nil {
		self.t.Logf("mock broker publish topic=%s err=%v", topic, self.PublishErr)
		return self.PublishErr
	}
	self.t.Logf("mock broker publish topic=%s payload=%s", topic, payload)
	self.published = append(self.published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (self *MockTransport) Close() {}

// Lose simulates transport reporting lost connection.
func (self *MockTransport) Lose(err error) {
	if self.ev.OnConnectionLost != nil {
		self.ev.OnConnectionLost(err)
	}
}

func (self *MockTransport) Connects() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connects
}

func (self *MockTransport) Published() []Message {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Message(nil), self.published...)
}

// SetErrors changes scripted errors safely while broker is in use.
func (self *MockTransport) SetErrors(connect, publish error) {
	self.mu.Lock()
	self.ConnectErr, self.PublishErr = connect, publish
	self.mu.Unlock()
}
