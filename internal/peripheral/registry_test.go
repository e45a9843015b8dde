package peripheral

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog(t testing.TB) *log2.Log {
	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	return log
}

func handleNames(hs []Handle) []string {
	names := make([]string, len(hs))
	for i, h := range hs {
		names[i] = h.Name
	}
	return names
}

func TestRegistryDiscover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ble := NewMockTransport(t,
		&MockUnit{Name: "imu"},
		&MockUnit{Name: "heart"},
		&MockUnit{Name: "stranger"},
	)
	i2c := NewMockTransport(t)
	i2c.NoDiscovery = true
	reg := NewRegistry(testLog(t), map[string]Transport{TransportBLE: ble, TransportI2C: i2c}, []Config{
		{Name: "co", Transport: TransportI2C, Address: "1/0x74"},
		{Name: "heart", Transport: TransportBLE},
		{Name: "imu", Transport: TransportBLE},
	})

	// static handle present before any discovery
	h, err := reg.Resolve("co")
	require.NoError(t, err)
	assert.True(t, h.Static)
	_, err = reg.Resolve("imu")
	assert.True(t, errors.IsNotFound(err), errors.ErrorStack(err))

	hs := reg.Discover(ctx, time.Second)
	assert.Equal(t, []string{"co", "heart", "imu"}, handleNames(hs))
	h, err = reg.Resolve("imu")
	require.NoError(t, err)
	assert.Equal(t, "mock:imu", h.Address)
	assert.False(t, h.LastSeen.IsZero())
	_, err = reg.Resolve("stranger")
	assert.True(t, errors.IsNotFound(err))

	// stale handle dropped on successful pass
	ble.Remove("heart")
	hs = reg.Discover(ctx, time.Second)
	assert.Equal(t, []string{"co", "imu"}, handleNames(hs))
	_, err = reg.Resolve("heart")
	assert.True(t, errors.IsNotFound(err))
}

func TestRegistryDiscoverFailureKeepsPrevious(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(*MockTransport)
		want  []string
	}{
		{"error-with-partial", func(m *MockTransport) {
			m.Remove("imu")
			m.Add(&MockUnit{Name: "temp"})
			m.DiscoverErr = errors.New("scan aborted")
		}, []string{"heart", "imu", "temp"}},
		{"empty", func(m *MockTransport) {
			m.Remove("imu")
			m.Remove("heart")
		}, []string{"heart", "imu"}},
		{"error-nothing", func(m *MockTransport) {
			m.Remove("imu")
			m.Remove("heart")
			m.DiscoverErr = errors.Timeoutf("scan")
		}, []string{"heart", "imu"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ble := NewMockTransport(t, &MockUnit{Name: "heart"}, &MockUnit{Name: "imu"})
			reg := NewRegistry(testLog(t), map[string]Transport{TransportBLE: ble}, []Config{
				{Name: "heart", Transport: TransportBLE},
				{Name: "imu", Transport: TransportBLE},
				{Name: "temp", Transport: TransportBLE},
			})
			require.Len(t, reg.Discover(context.Background(), time.Second), 2)
			c.setup(ble)
			hs := reg.Discover(context.Background(), time.Second)
			assert.Equal(t, c.want, handleNames(hs))
		})
	}
}

func TestDiscoverDue(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cycle  uint64
		every  int
		expect bool
	}{
		{0, 10, true},
		{1, 10, false},
		{9, 10, false},
		{10, 10, true},
		{7, 1, true},
		{7, 0, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, DiscoverDue(c.cycle, c.every), "cycle=%d every=%d", c.cycle, c.every)
	}
}
