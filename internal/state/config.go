package state

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl"
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

const (
	DefaultBaud      = 115200
	DefaultPwrKeyPin = "6"
)

type Config struct {
	includeSeen map[string]struct{}
	XXX_Include []ConfigSource `hcl:"include"`

	HelmetID string `hcl:"helmet_id"`

	Cycle struct {
		IntervalSec        int `hcl:"interval_sec"`
		SettleMs           int `hcl:"settle_ms"`
		DiscoverEvery      int `hcl:"discover_every"`
		DiscoverTimeoutSec int `hcl:"discover_timeout_sec"`
	}
	Exchange struct {
		Retries      int `hcl:"retries"`
		RetryDelayMs int `hcl:"retry_delay_ms"`
		TimeoutMs    int `hcl:"timeout_ms"`
	}
	Connectivity struct {
		Probes        int    `hcl:"probes"`
		WeakThreshold int    `hcl:"weak_threshold"`
		Peer          string `hcl:"peer"`
	}
	Modem struct { //nolint:maligned
		Device           string `hcl:"device"`
		Baud             int    `hcl:"baud"`
		CommandTimeoutMs int    `hcl:"command_timeout_ms"`
		GnssWarmupMs     int    `hcl:"gnss_warmup_ms"`
		RestartSettleSec int    `hcl:"restart_settle_sec"`
		LogDebug         bool   `hcl:"log_debug"`
		PwrKey           struct {
			Chip    string `hcl:"chip"`
			Pin     string `hcl:"pin"`
			PulseMs int    `hcl:"pulse_ms"`
		} `hcl:"pwrkey"`
	}
	Ble struct {
		ServiceUUID        string `hcl:"service_uuid"`
		CharacteristicUUID string `hcl:"characteristic_uuid"`
		LogDebug           bool   `hcl:"log_debug"`
	}
	Peripherals []*PeripheralConfig `hcl:"peripheral"`
	Compute     []*ComputeConfig    `hcl:"compute"`
	Broker      struct {            //nolint:maligned
		Enable       bool   `hcl:"enable"`
		URL          string `hcl:"url"`
		Topic        string `hcl:"topic"`
		ClientID     string `hcl:"client_id"`
		Username     string `hcl:"username"`
		Password     string `hcl:"password"`
		QoS          int    `hcl:"qos"`
		TimeoutSec   int    `hcl:"timeout_sec"`
		KeepaliveSec int    `hcl:"keepalive_sec"`
		LogDebug     bool   `hcl:"log_debug"`
	}
	Uplink struct {
		PreferRelay bool   `hcl:"prefer_relay"`
		RelayPeer   string `hcl:"relay_peer"`
		RelayFormat string `hcl:"relay_format"`
	}
	Media struct {
		Processes []*ProcessConfig `hcl:"process"`
	}

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type PeripheralConfig struct {
	Name      string `hcl:"name,key"`
	Transport string `hcl:"transport"`
	Address   string `hcl:"address"`
	Request   string `hcl:"request"`
	Field     string `hcl:"field"`
}

type ComputeConfig struct {
	Name      string   `hcl:"name,key"`
	Transport string   `hcl:"transport"`
	Address   string   `hcl:"address"`
	Inputs    []string `hcl:"inputs"`
	Field     string   `hcl:"field"`
}

type ProcessConfig struct {
	Name        string   `hcl:"name,key"`
	Disabled    bool     `hcl:"disabled"`
	Command     string   `hcl:"command"`
	Args        []string `hcl:"args"`
	Shell       string   `hcl:"shell"`
	Dir         string   `hcl:"dir"`
	Env         []string `hcl:"env"`
	RestartSec  int      `hcl:"restart_sec"`
	MaxDelaySec int      `hcl:"max_delay_sec"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads sources in order, later values overwrite, blocks accumulate.
// Result is normalized and validated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	// defaults that zero value can not express
	c.Broker.QoS = 1
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	c.Normalize()
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Normalize fills defaults. Safe to call repeatedly.
func (c *Config) Normalize() {
	if c.Cycle.DiscoverEvery <= 0 {
		c.Cycle.DiscoverEvery = relay.DefaultDiscoverEvery
	}
	if c.Exchange.Retries <= 0 {
		c.Exchange.Retries = peripheral.DefaultRetries
	}
	if c.Connectivity.Probes <= 0 {
		c.Connectivity.Probes = connectivity.DefaultProbes
	}
	if c.Connectivity.WeakThreshold <= 0 {
		c.Connectivity.WeakThreshold = connectivity.DefaultWeakThreshold
	}
	if c.Modem.Baud == 0 {
		c.Modem.Baud = DefaultBaud
	}
	if c.Modem.PwrKey.Chip != "" && c.Modem.PwrKey.Pin == "" {
		c.Modem.PwrKey.Pin = DefaultPwrKeyPin
	}
	if c.Ble.ServiceUUID == "" {
		c.Ble.ServiceUUID = ble.DefaultServiceUUID
	}
	if c.Ble.CharacteristicUUID == "" {
		c.Ble.CharacteristicUUID = ble.DefaultCharacteristicUUID
	}
	for _, p := range c.Peripherals {
		if p.Transport == "" {
			p.Transport = peripheral.TransportBLE
		}
	}
	for _, x := range c.Compute {
		if x.Transport == "" {
			x.Transport = peripheral.TransportBLE
		}
	}
	if c.Broker.Topic == "" {
		c.Broker.Topic = tele.DefaultTopic
	}
	if c.Broker.ClientID == "" {
		if c.HelmetID != "" {
			c.Broker.ClientID = "helmet-" + c.HelmetID
		} else {
			c.Broker.ClientID = "helmet-" + uuid.New().String()
		}
	}
	if c.Uplink.RelayPeer == "" {
		c.Uplink.RelayPeer = c.Connectivity.Peer
	}
	if c.Uplink.RelayFormat == "" {
		c.Uplink.RelayFormat = relay.FormatCBOR
	}
}

func (c *Config) Validate() error {
	errs := make([]error, 0)
	names := make(map[string]string)
	declare := func(kind, name string) {
		if name == "" {
			errs = append(errs, errors.NotValidf("config: %s without name", kind))
			return
		}
		if prev, ok := names[name]; ok {
			errs = append(errs, errors.NotValidf("config: %s=%s duplicate of %s", kind, name, prev))
			return
		}
		names[name] = kind
	}
	checkTransport := func(kind, name, transport, address string) {
		switch transport {
		case peripheral.TransportBLE:
		case peripheral.TransportI2C:
			if _, _, err := gas.ParseAddress(address); err != nil {
				errs = append(errs, errors.Annotatef(err, "config: %s=%s", kind, name))
			}
		default:
			errs = append(errs, errors.NotValidf("config: %s=%s transport=%s", kind, name, transport))
		}
	}
	for _, p := range c.Peripherals {
		declare("peripheral", p.Name)
		checkTransport("peripheral", p.Name, p.Transport, p.Address)
	}
	inputs := make(map[string]string)
	for _, x := range c.Compute {
		declare("compute", x.Name)
		checkTransport("compute", x.Name, x.Transport, x.Address)
		if len(x.Inputs) == 0 {
			errs = append(errs, errors.NotValidf("config: compute=%s without inputs", x.Name))
		}
		for _, input := range x.Inputs {
			inputs[input] = x.Name
		}
	}
	for input, node := range inputs {
		if kind := names[input]; kind != "peripheral" && kind != "compute" {
			errs = append(errs, errors.NotValidf("config: compute=%s input=%s is not a declared peripheral", node, input))
		}
	}
	for _, x := range c.Compute {
		if node, ok := inputs[x.Name]; ok {
			errs = append(errs, errors.NotValidf("config: compute=%s is input of compute=%s", x.Name, node))
		}
	}

	if c.Broker.Enable && c.Broker.URL == "" {
		errs = append(errs, errors.NotValidf("config: broker.url empty"))
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 1 {
		errs = append(errs, errors.NotValidf("config: broker.qos=%d", c.Broker.QoS))
	}
	switch c.Uplink.RelayFormat {
	case relay.FormatCBOR, relay.FormatJSON:
	default:
		errs = append(errs, errors.NotValidf("config: uplink.relay_format=%s", c.Uplink.RelayFormat))
	}
	if c.Uplink.PreferRelay && c.Uplink.RelayPeer == "" {
		errs = append(errs, errors.NotValidf("config: uplink.prefer_relay without relay_peer"))
	}

	procs := make([]media.ProcessConfig, 0, len(c.Media.Processes))
	for _, p := range c.Media.Processes {
		procs = append(procs, p.media())
	}
	if _, err := media.NewSupervisor(nil, procs); err != nil {
		errs = append(errs, errors.Annotate(err, "config: media"))
	}

	// stable error text for multiple problems
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return helpers.FoldErrors(errs)
}

// PeripheralConfigs is registry content: peripherals, compute nodes and peers.
func (c *Config) PeripheralConfigs() []peripheral.Config {
	result := make([]peripheral.Config, 0, len(c.Peripherals)+len(c.Compute)+2)
	seen := make(map[string]struct{})
	add := func(pc peripheral.Config) {
		if _, ok := seen[pc.Name]; ok || pc.Name == "" {
			return
		}
		seen[pc.Name] = struct{}{}
		result = append(result, pc)
	}
	for _, p := range c.Peripherals {
		add(peripheral.Config{Name: p.Name, Transport: p.Transport, Address: p.Address})
	}
	for _, x := range c.Compute {
		add(peripheral.Config{Name: x.Name, Transport: x.Transport, Address: x.Address})
	}
	// peers are notified and used as relay uplink, not read
	add(peripheral.Config{Name: c.Connectivity.Peer, Transport: peripheral.TransportBLE})
	add(peripheral.Config{Name: c.Uplink.RelayPeer, Transport: peripheral.TransportBLE})
	return result
}

func (c *Config) UsesTransport(name string) bool {
	for _, pc := range c.PeripheralConfigs() {
		if pc.Transport == name {
			return true
		}
	}
	return false
}

func (c *Config) RelayOptions() relay.Options {
	opt := relay.Options{
		Interval:        helpers.IntSecondDefault(c.Cycle.IntervalSec, relay.DefaultInterval),
		Settle:          helpers.IntMillisecondDefault(c.Cycle.SettleMs, 0),
		DiscoverEvery:   c.Cycle.DiscoverEvery,
		DiscoverTimeout: helpers.IntSecondDefault(c.Cycle.DiscoverTimeoutSec, relay.DefaultDiscoverTimeout),
		Uplink: relay.Uplink{
			PreferRelay: c.Uplink.PreferRelay,
			RelayPeer:   c.Uplink.RelayPeer,
			RelayFormat: c.Uplink.RelayFormat,
		},
	}
	for _, p := range c.Peripherals {
		var request []byte
		if p.Request != "" {
			request = []byte(p.Request)
		}
		opt.Peripherals = append(opt.Peripherals, relay.Peripheral{Name: p.Name, Request: request, Field: p.Field})
	}
	for _, x := range c.Compute {
		opt.Compute = append(opt.Compute, relay.Compute{Name: x.Name, Inputs: x.Inputs, Field: x.Field})
	}
	return opt
}

func (c *Config) BrokerConfig() tele.Config {
	return tele.Config{
		URL:       c.Broker.URL,
		Topic:     c.Broker.Topic,
		ClientID:  c.Broker.ClientID,
		Username:  c.Broker.Username,
		Password:  c.Broker.Password,
		QoS:       byte(c.Broker.QoS),
		Timeout:   helpers.IntSecondDefault(c.Broker.TimeoutSec, tele.DefaultTimeout),
		Keepalive: helpers.IntSecondDefault(c.Broker.KeepaliveSec, tele.DefaultKeepalive),
		LogDebug:  c.Broker.LogDebug,
	}
}

func (c *Config) ChannelOptions() peripheral.ChannelOptions {
	return peripheral.ChannelOptions{
		Retries:    c.Exchange.Retries,
		RetryDelay: time.Duration(c.Exchange.RetryDelayMs) * time.Millisecond,
		Timeout:    helpers.IntMillisecondDefault(c.Exchange.TimeoutMs, peripheral.DefaultTimeout),
	}
}

func (c *Config) ModemOptions() modem.Options {
	return modem.Options{
		CommandTimeout: helpers.IntMillisecondDefault(c.Modem.CommandTimeoutMs, modem.DefaultCommandTimeout),
		GnssWarmup:     helpers.IntMillisecondDefault(c.Modem.GnssWarmupMs, modem.DefaultGnssWarmup),
		RestartSettle:  helpers.IntSecondDefault(c.Modem.RestartSettleSec, modem.DefaultRestartSettle),
	}
}

func (c *Config) MediaProcesses() []media.ProcessConfig {
	result := make([]media.ProcessConfig, 0, len(c.Media.Processes))
	for _, p := range c.Media.Processes {
		if !p.Disabled {
			result = append(result, p.media())
		}
	}
	return result
}

func (p *ProcessConfig) media() media.ProcessConfig {
	return media.ProcessConfig{
		Name:         p.Name,
		Command:      p.Command,
		Args:         p.Args,
		Shell:        strings.TrimSpace(p.Shell),
		Dir:          p.Dir,
		Env:          p.Env,
		RestartDelay: time.Duration(p.RestartSec) * time.Second,
		MaxDelay:     time.Duration(p.MaxDelaySec) * time.Second,
	}
}
