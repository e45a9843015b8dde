package peripheral

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/helpers"
	"github.com/smarthelmet/relay/log2"
)

type ChannelOptions struct {
	Retries    int
	RetryDelay time.Duration
	// Timeout bounds single attempt: open, write and read together.
	Timeout time.Duration
}

type Stat struct {
	Attempts  int64
	Failures  int64
	Exhausted int64
}

// Channel exchanges payloads with peripherals.
// Each attempt opens and closes its own session, radio links are lossy.
type Channel struct {
	log  *log2.Log
	reg  *Registry
	opt  ChannelOptions
	stat struct {
		attempts, failures, exhausted atomic.Int64
	}
}

func NewChannel(log *log2.Log, reg *Registry, opt ChannelOptions) *Channel {
	if opt.Retries <= 0 {
		opt.Retries = DefaultRetries
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	return &Channel{log: log, reg: reg, opt: opt}
}

func (self *Channel) Registry() *Registry { return self.reg }

func (self *Channel) Stat() Stat {
	return Stat{
		Attempts:  self.stat.attempts.Load(),
		Failures:  self.stat.failures.Load(),
		Exhausted: self.stat.exhausted.Load(),
	}
}

// Exchange writes payload (if any) and reads response, up to Retries attempts.
// After exhausted attempts returned error cause is the last attempt error.
func (self *Channel) Exchange(ctx context.Context, name string, payload []byte) ([]byte, error) {
	h, t, err := self.resolve(name)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= self.opt.Retries; attempt++ {
		if attempt > 1 && !helpers.SleepContext(ctx, self.opt.RetryDelay) {
			return nil, errors.Annotatef(ctx.Err(), "peripheral=%s", name)
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Annotatef(err, "peripheral=%s", name)
		}
		self.stat.attempts.Add(1)
		actx, cancel := context.WithTimeout(ctx, self.opt.Timeout)
		response, err := self.attempt(actx, t, h, payload)
		cancel()
		if err == nil {
			self.reg.touch(name)
			self.log.Debugf("peripheral=%s attempt=%d response=%q", name, attempt, response)
			return response, nil
		}
		self.stat.failures.Add(1)
		lastErr = err
		if ctx.Err() != nil {
			return nil, errors.Annotatef(ctx.Err(), "peripheral=%s", name)
		}
		self.log.Debugf("peripheral=%s attempt=%d/%d err=%v", name, attempt, self.opt.Retries, err)
	}
	self.stat.exhausted.Add(1)
	return nil, errors.Annotatef(lastErr, "peripheral=%s failed after %d attempts", name, self.opt.Retries)
}

// Probe checks that peripheral is connectable with single open/close.
func (self *Channel) Probe(ctx context.Context, name string) error {
	h, t, err := self.resolve(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, self.opt.Timeout)
	defer cancel()
	sess, err := t.Open(ctx, h.Address)
	if err != nil {
		return errors.Annotatef(err, "peripheral=%s probe", name)
	}
	return errors.Annotatef(sess.Close(), "peripheral=%s probe close", name)
}

// Notify delivers human readable text to peer, response is ignored.
func (self *Channel) Notify(ctx context.Context, name string, text string) error {
	_, err := self.Exchange(ctx, name, []byte(text))
	return err
}

func (self *Channel) resolve(name string) (Handle, Transport, error) {
	h, err := self.reg.Resolve(name)
	if err != nil {
		return h, nil, err
	}
	t, ok := self.reg.Transport(h.Transport)
	if !ok {
		return h, nil, errors.NotSupportedf("peripheral=%s transport=%s", name, h.Transport)
	}
	return h, t, nil
}

func (self *Channel) attempt(ctx context.Context, t Transport, h Handle, payload []byte) ([]byte, error) {
	sess, err := t.Open(ctx, h.Address)
	if err != nil {
		return nil, errors.Annotate(err, "open")
	}
	defer func() {
		if err := sess.Close(); err != nil {
			self.log.Debugf("peripheral=%s close err=%v", h.Name, err)
		}
	}()
	if len(payload) != 0 {
		if err := sess.Write(ctx, payload); err != nil {
			return nil, errors.Annotate(err, "write")
		}
	}
	response, err := sess.Read(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "read")
	}
	return response, nil
}
