package peripheral

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t testing.TB, opt ChannelOptions, units ...*MockUnit) (*Channel, *MockTransport) {
	ble := NewMockTransport(t, units...)
	configs := make([]Config, len(units))
	for i, u := range units {
		configs[i] = Config{Name: u.Name, Transport: TransportBLE}
	}
	reg := NewRegistry(testLog(t), map[string]Transport{TransportBLE: ble}, configs)
	reg.Discover(context.Background(), time.Second)
	return NewChannel(testLog(t), reg, opt), ble
}

func TestExchange(t *testing.T) {
	t.Parallel()
	errRead := errors.New("gatt read failed")

	cases := []struct {
		name      string
		unit      MockUnit
		expect    string
		expectErr error
		attempts  int
	}{
		{"first", MockUnit{Respond: RespondConst("36.6")}, "36.6", nil, 1},
		{"second", MockUnit{Respond: RespondAfter(1, "36.6")}, "36.6", nil, 2},
		{"third", MockUnit{Respond: RespondAfter(2, "36.6")}, "36.6", nil, 3},
		{"open-fails-twice", MockUnit{FailOpen: 2, Respond: RespondConst("ok")}, "ok", nil, 3},
		{"exhausted", MockUnit{Respond: RespondFail(errRead)}, "", errRead, 3},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			u := c.unit
			u.Name = "temp"
			ch, m := newTestChannel(t, ChannelOptions{}, &u)
			response, err := ch.Exchange(context.Background(), "temp", []byte("read"))
			if c.expectErr != nil {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
				assert.Contains(t, err.Error(), "3 attempts")
				assert.Equal(t, int64(1), ch.Stat().Exhausted)
			} else {
				require.NoError(t, err)
				assert.Equal(t, c.expect, string(response))
			}
			assert.Equal(t, c.attempts, m.Opens("temp"))
			assert.Equal(t, int64(c.attempts), ch.Stat().Attempts)
			assert.Equal(t, 0, m.OpenSessions(), "every attempt must close its session")
		})
	}
}

func TestExchangeSequence(t *testing.T) {
	t.Parallel()
	ch, m := newTestChannel(t, ChannelOptions{}, &MockUnit{Name: "lora", Respond: RespondAfter(1, "ack")})
	_, err := ch.Exchange(context.Background(), "lora", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"discover",
		"open lora", "write lora", "read lora", "close lora",
		"open lora", "write lora", "read lora", "close lora",
	}, m.Calls())
	assert.Equal(t, [][]byte{[]byte("hello"), []byte("hello")}, m.Writes("lora"))
}

func TestExchangeEmptyPayloadSkipsWrite(t *testing.T) {
	t.Parallel()
	ch, m := newTestChannel(t, ChannelOptions{}, &MockUnit{Name: "co", Respond: RespondConst("3")})
	_, err := ch.Exchange(context.Background(), "co", nil)
	require.NoError(t, err)
	assert.Len(t, m.Writes("co"), 0)
}

func TestExchangeRetryDelay(t *testing.T) {
	t.Parallel()
	ch, _ := newTestChannel(t, ChannelOptions{Retries: 2, RetryDelay: 30 * time.Millisecond},
		&MockUnit{Name: "temp", Respond: RespondFail(errors.New("x"))})
	start := time.Now()
	_, err := ch.Exchange(context.Background(), "temp", nil)
	assert.Error(t, err)
	assert.True(t, time.Since(start) >= 30*time.Millisecond)
	assert.Equal(t, int64(2), ch.Stat().Attempts)
}

func TestExchangeCancel(t *testing.T) {
	t.Parallel()
	ch, m := newTestChannel(t, ChannelOptions{RetryDelay: time.Hour},
		&MockUnit{Name: "temp", Respond: RespondFail(errors.New("x"))})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ch.Exchange(ctx, "temp", nil)
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.Equal(t, 1, m.Opens("temp"))
}

func TestExchangeAttemptTimeout(t *testing.T) {
	t.Parallel()
	ch, m := newTestChannel(t, ChannelOptions{Timeout: 20 * time.Millisecond},
		&MockUnit{Name: "temp", Hang: true},
		&MockUnit{Name: "lora", Hang: true},
	)
	start := time.Now()
	_, err := ch.Exchange(context.Background(), "temp", []byte("read"))
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.Contains(t, err.Error(), "3 attempts")
	assert.Less(t, int64(time.Since(start)), int64(time.Second))
	assert.Equal(t, 3, m.Reads("temp"))
	assert.Equal(t, 0, m.OpenSessions())
	assert.Equal(t, int64(1), ch.Stat().Exhausted)

	// connect check does not read, hanging reader is still reachable
	assert.NoError(t, ch.Probe(context.Background(), "lora"))
}

func TestExchangeUnknown(t *testing.T) {
	t.Parallel()
	ch, m := newTestChannel(t, ChannelOptions{}, &MockUnit{Name: "temp", Hidden: true})
	_, err := ch.Exchange(context.Background(), "temp", nil)
	assert.True(t, errors.IsNotFound(err), errors.ErrorStack(err))
	assert.Equal(t, 0, m.Opens("temp"))
}

func TestProbeNotify(t *testing.T) {
	t.Parallel()
	ch, m := newTestChannel(t, ChannelOptions{},
		&MockUnit{Name: "lora", Respond: RespondConst("")},
		&MockUnit{Name: "dead", FailOpen: 100},
	)
	ctx := context.Background()
	require.NoError(t, ch.Probe(ctx, "lora"))
	assert.Error(t, ch.Probe(ctx, "dead"))
	assert.Equal(t, 1, m.Opens("dead"))
	require.NoError(t, ch.Notify(ctx, "lora", "No signal detected"))
	assert.Equal(t, [][]byte{[]byte("No signal detected")}, m.Writes("lora"))
}
