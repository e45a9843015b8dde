package tele

import (
	"context"

	"github.com/smarthelmet/relay/log2"
)

// Transport contract:
// - Init fails only with invalid config, no network IO
// - Connect blocks until broker accepted or refused connection, or timeout
// - Publish returns after broker ack (QoS 1) or immediately after send (QoS 0)
// - never reconnects by itself, Broker decides when
// - connection state changes are reported through Events, possibly from other goroutines
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, c Config, ev Events) error
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close()
}

type Events struct {
	OnConnect        func()
	OnConnectionLost func(error)
}
