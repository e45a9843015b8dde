package state

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/hardware/modem"
	"github.com/smarthelmet/relay/internal/connectivity"
	"github.com/smarthelmet/relay/internal/peripheral"
	"github.com/smarthelmet/relay/internal/relay"
	"github.com/smarthelmet/relay/internal/tele"
	"github.com/smarthelmet/relay/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSources(input string) *MockFullReader {
	return NewMockFullReader(map[string]string{
		"test-inline":  input,
		"empty":        "",
		"peer":         `connectivity { peer = "ESP32_LoRa" }`,
		"temperature":  `peripheral "ESP32_Temp" { request = "read" field = "temperature" }`,
		"error-syntax": "hello",
		"include-loop": `include "include-loop" {}`,
	})
}

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, relay.DefaultDiscoverEvery, c.Cycle.DiscoverEvery)
			assert.Equal(t, peripheral.DefaultRetries, c.Exchange.Retries)
			assert.Equal(t, connectivity.DefaultProbes, c.Connectivity.Probes)
			assert.Equal(t, connectivity.DefaultWeakThreshold, c.Connectivity.WeakThreshold)
			assert.Equal(t, DefaultBaud, c.Modem.Baud)
			assert.Equal(t, 1, c.Broker.QoS)
			assert.Equal(t, tele.DefaultTopic, c.Broker.Topic)
			assert.True(t, strings.HasPrefix(c.Broker.ClientID, "helmet-"), c.Broker.ClientID)
			assert.Equal(t, relay.FormatCBOR, c.Uplink.RelayFormat)
			assert.Empty(t, c.PeripheralConfigs())
			assert.False(t, c.UsesTransport(peripheral.TransportBLE))

			opt := c.RelayOptions()
			assert.Equal(t, relay.DefaultInterval, opt.Interval)
			assert.Equal(t, relay.DefaultDiscoverTimeout, opt.DiscoverTimeout)
			assert.Equal(t, time.Duration(0), opt.Settle)
		}, ""},

		{"helmet-id", `helmet_id = "h17"`, func(t testing.TB, c *Config) {
			assert.Equal(t, "helmet-h17", c.Broker.ClientID)
		}, ""},

		{"peripherals", `
peripheral "ESP32_Temp" { request = "read" field = "temperature" }
peripheral "gas" { transport = "i2c" address = "/dev/i2c-1/0x48" field = "co_concentration" }
compute "ESP32_Compute" { inputs = ["ESP32_Temp", "gas"] field = "risk" }
connectivity { peer = "ESP32_LoRa" }`,
			func(t testing.TB, c *Config) {
				require.Len(t, c.Peripherals, 2)
				assert.Equal(t, peripheral.TransportBLE, c.Peripherals[0].Transport)
				assert.Equal(t, peripheral.TransportI2C, c.Peripherals[1].Transport)
				assert.Equal(t, "ESP32_LoRa", c.Uplink.RelayPeer)

				names := []string{}
				for _, pc := range c.PeripheralConfigs() {
					names = append(names, pc.Name)
				}
				assert.Equal(t, []string{"ESP32_Temp", "gas", "ESP32_Compute", "ESP32_LoRa"}, names)
				assert.True(t, c.UsesTransport(peripheral.TransportI2C))

				opt := c.RelayOptions()
				require.Len(t, opt.Peripherals, 2)
				assert.Equal(t, []byte("read"), opt.Peripherals[0].Request)
				assert.Nil(t, opt.Peripherals[1].Request)
				require.Len(t, opt.Compute, 1)
				assert.Equal(t, []string{"ESP32_Temp", "gas"}, opt.Compute[0].Inputs)
				assert.Equal(t, "risk", opt.Compute[0].Field)
			}, ""},

		{"broker", `
broker { enable = true url = "tls://mqtt.example:8883" qos = 0 timeout_sec = 3 client_id = "x" }`,
			func(t testing.TB, c *Config) {
				bc := c.BrokerConfig()
				assert.Equal(t, "tls://mqtt.example:8883", bc.URL)
				assert.Equal(t, byte(0), bc.QoS)
				assert.Equal(t, 3*time.Second, bc.Timeout)
				assert.Equal(t, tele.DefaultKeepalive, bc.Keepalive)
				assert.Equal(t, "x", bc.ClientID)
			}, ""},

		{"exchange", `exchange { retries = 5 retry_delay_ms = 100 timeout_ms = 2500 }`,
			func(t testing.TB, c *Config) {
				opt := c.ChannelOptions()
				assert.Equal(t, 5, opt.Retries)
				assert.Equal(t, 100*time.Millisecond, opt.RetryDelay)
				assert.Equal(t, 2500*time.Millisecond, opt.Timeout)
			}, ""},
		{"exchange-default-timeout", `exchange { retries = 2 }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, peripheral.DefaultTimeout, c.ChannelOptions().Timeout)
			}, ""},

		{"modem", `modem { device = "/dev/ttyS0" gnss_warmup_ms = 500 pwrkey { chip = "gpiochip0" } }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, DefaultPwrKeyPin, c.Modem.PwrKey.Pin)
				opt := c.ModemOptions()
				assert.Equal(t, 500*time.Millisecond, opt.GnssWarmup)
				assert.Equal(t, modem.DefaultCommandTimeout, opt.CommandTimeout)
				assert.Equal(t, modem.DefaultRestartSettle, opt.RestartSettle)
			}, ""},

		{"media", `
media {
	process "camera" { command = "ffmpeg" args = ["-i", "/dev/video0"] restart_sec = 2 }
	process "audio" { shell = "  arecord | opusenc - -  " disabled = true }
}`,
			func(t testing.TB, c *Config) {
				ps := c.MediaProcesses()
				require.Len(t, ps, 1)
				assert.Equal(t, "camera", ps[0].Name)
				assert.Equal(t, 2*time.Second, ps[0].RestartDelay)
				assert.Equal(t, "arecord | opusenc - -", c.Media.Processes[1].media().Shell)
			}, ""},

		{"include-normalize", `
helmet_id = "a"
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "peer" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "ESP32_LoRa", c.Connectivity.Peer)
			}, ""},

		{"include-overwrites", `
connectivity { peer = "first" }
include "peer" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "ESP32_LoRa", c.Connectivity.Peer)
			}, ""},

		{"include-accumulates", `
peripheral "ESP32_Heart" { field = "heartrate" }
include "temperature" {}`,
			func(t testing.TB, c *Config) {
				require.Len(t, c.Peripherals, 2)
				assert.Equal(t, "ESP32_Heart", c.Peripherals[0].Name)
				assert.Equal(t, "ESP32_Temp", c.Peripherals[1].Name)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-duplicate", `
peripheral "a" {}
compute "a" { inputs = ["a"] }`, nil, "config: compute=a duplicate of peripheral"},
		{"error-transport", `peripheral "a" { transport = "serial" }`, nil, "config: peripheral=a transport=serial"},
		{"error-i2c-address", `peripheral "a" { transport = "i2c" address = "/dev/i2c-1/zz" }`, nil, "i2c address=/dev/i2c-1/zz"},
		{"error-compute-inputs", `compute "c" {}`, nil, "config: compute=c without inputs"},
		{"error-compute-undeclared", `compute "c" { inputs = ["ghost"] }`, nil, "input=ghost is not a declared peripheral"},
		{"error-compute-chain", `
peripheral "a" {}
compute "b" { inputs = ["a"] }
compute "c" { inputs = ["b"] }`, nil, "config: compute=b is input of compute=c"},
		{"error-broker-url", `broker { enable = true }`, nil, "config: broker.url empty"},
		{"error-qos", `broker { qos = 2 }`, nil, "config: broker.qos=2"},
		{"error-relay-format", `uplink { relay_format = "xml" }`, nil, "config: uplink.relay_format=xml"},
		{"error-prefer-relay", `uplink { prefer_relay = true }`, nil, "uplink.prefer_relay without relay_peer"},
		{"error-media", `media { process "x" { command = "a" shell = "b" } }`, nil, "config: media"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			cfg, err := ReadConfig(log, testSources(c.input), "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		})
	}
}

func TestValidateNotValid(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	_, err := ReadConfig(log, testSources(`broker { qos = 5 }`), "test-inline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid")
}

func TestInitDisabled(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := NewContext(log)
	assert.Equal(t, g, GetGlobal(ctx))

	cfg, err := ReadConfig(log, testSources(""), "test-inline")
	require.NoError(t, err)
	require.NoError(t, g.Init(ctx, cfg))

	m, err := g.Modem()
	assert.NoError(t, err)
	assert.Nil(t, m)
	mon, err := g.Monitor()
	assert.NoError(t, err)
	assert.Nil(t, mon)
	b, err := g.Broker(ctx)
	assert.NoError(t, err)
	assert.Nil(t, b)
	s, err := g.Media()
	require.NoError(t, err)
	assert.Empty(t, s.Names())

	r, err := g.Relay(ctx, nil)
	require.NoError(t, err)
	rep := r.Cycle(ctx)
	assert.Equal(t, relay.LinkNone, rep.Link)
	assert.False(t, rep.Published)
	assert.NoError(t, g.CloseHardware())
}

// Full wiring from config to published record over mock devices.
func TestHardwareRelayCycle(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)

	cfg, err := ReadConfig(log, testSources(`
helmet_id = "h1"
modem { device = "/dev/mock" gnss_warmup_ms = 1 command_timeout_ms = 200 }
connectivity { peer = "ESP32_LoRa" }
broker { enable = true url = "tcp://test:1883" }
peripheral "ESP32_Temp" { request = "read" field = "temperature" }
peripheral "ESP32_Heart" { request = "read" field = "heartrate" }
`), "test-inline")
	require.NoError(t, err)

	port := modem.NewMockPort(t)
	port.Expect("AT+CGATT?", "+CGATT: 1\nOK\n")
	port.Expect("AT+CSQ", "+CSQ: 25,99\nOK\n")
	port.Expect("AT+CGNSPWR=1", "OK\n")
	port.Expect("AT+CGNSINF", "+CGNSINF: 1,1,20240101120000.000,12.34,56.78,100.0,0.0\nOK\n")
	g.Hardware.Modem.Port = port
	ble := peripheral.NewMockTransport(t,
		&peripheral.MockUnit{Name: "ESP32_Temp", Respond: peripheral.RespondConst("36.6")},
		&peripheral.MockUnit{Name: "ESP32_Heart", Respond: peripheral.RespondConst("72")},
		&peripheral.MockUnit{Name: "ESP32_LoRa", Respond: peripheral.RespondConst("ack")},
	)
	g.Hardware.Transports.Map = map[string]peripheral.Transport{peripheral.TransportBLE: ble}
	mqtt := tele.NewMockTransport(t)
	g.Hardware.Broker.Transport = mqtt

	require.NoError(t, g.Init(ctx, cfg))
	r, err := g.Relay(ctx, nil)
	require.NoError(t, err)

	rep := r.Cycle(ctx)
	assert.Equal(t, connectivity.Nominal, rep.State)
	assert.Equal(t, relay.LinkCellular, rep.Link)
	assert.True(t, rep.Published, rep.String())
	assert.Equal(t, int32(0), rep.Errors)

	msgs := mqtt.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, tele.DefaultTopic, msgs[0].Topic)
	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &record))
	assert.Equal(t, map[string]interface{}{
		"latitude":    12.34,
		"longitude":   56.78,
		"signal":      25.0,
		"temperature": 36.6,
		"heartrate":   72.0,
	}, record)
	assert.NoError(t, g.CloseHardware())
}

func TestGetGlobalPanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { GetGlobal(context.Background()) })
}
