// Package config reads mdpd HCL configuration.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/mdp/device"
	"github.com/temoto/mdp/dispatch"
	"github.com/temoto/mdp/helpers"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/sink/clickhouse"
	"github.com/temoto/mdp/sink/influxdb"
	"github.com/temoto/mdp/sink/mqtt"
	"github.com/temoto/mdp/sink/spool"
	"github.com/temoto/mdp/transport"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`
	Persist  struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`
	Transport struct {
		Baud          int `hcl:"baud"`
		ReadTimeoutMs int `hcl:"read_timeout_ms"`
		DialTimeoutMs int `hcl:"dial_timeout_ms"`
	} `hcl:"transport"`
	Connection struct {
		HeartbeatSec        int `hcl:"heartbeat_sec"`
		CorruptionThreshold int `hcl:"corruption_threshold"`
		// 0 = default, negative = unlimited
		ReconnectMax        int `hcl:"reconnect_max"`
		ReconnectDelayMs    int `hcl:"reconnect_delay_ms"`
		ReconnectDelayMaxMs int `hcl:"reconnect_delay_max_ms"`
	} `hcl:"connection"`
	Dispatch struct {
		AckTimeoutMs    int `hcl:"ack_timeout_ms"`
		MaxAttempts     int `hcl:"max_attempts"`
		RetryDelayMs    int `hcl:"retry_delay_ms"`
		RetryDelayMaxMs int `hcl:"retry_delay_max_ms"`
	} `hcl:"dispatch"`
	Ingest struct {
		BatchSize       int `hcl:"batch_size"`
		FlushIntervalMs int `hcl:"flush_interval_ms"`
		Queue           int `hcl:"queue"`
		SinkTimeoutMs   int `hcl:"sink_timeout_ms"`
	} `hcl:"ingest"`
	Sink struct {
		// Spool path, relative to persist root. Empty disables spool.
		Spool string `hcl:"spool"`
		Mqtt  struct {
			Enable         bool   `hcl:"enable"`
			Broker         string `hcl:"broker"`
			ClientID       string `hcl:"client_id"`
			Username       string `hcl:"username"`
			Password       string `hcl:"password"`
			TLSCAFile      string `hcl:"tls_ca_file"`
			TopicPrefix    string `hcl:"topic_prefix"`
			NetworkTimeout int    `hcl:"network_timeout_sec"`
			LogDebug       bool   `hcl:"log_debug"`
		} `hcl:"mqtt"`
		Clickhouse struct {
			Enable      bool     `hcl:"enable"`
			Addr        []string `hcl:"addr"`
			Database    string   `hcl:"database"`
			Username    string   `hcl:"username"`
			Password    string   `hcl:"password"`
			Table       string   `hcl:"table"`
			DialTimeout int      `hcl:"dial_timeout_ms"`
		} `hcl:"clickhouse"`
		Influxdb struct {
			Enable      bool   `hcl:"enable"`
			Host        string `hcl:"host"`
			Token       string `hcl:"token"`
			Database    string `hcl:"database"`
			Measurement string `hcl:"measurement"`
		} `hcl:"influxdb"`
	} `hcl:"sink"`
	Devices []DeviceConfig `hcl:"device"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type DeviceConfig struct {
	ID        string `hcl:"id,key"`
	Transport string `hcl:"transport"`
}

func (c *Config) TransportOptions(log *log2.Log) transport.Options {
	return transport.Options{
		Log:         log,
		Baud:        c.Transport.Baud,
		ReadTimeout: helpers.IntMillisecondDefault(c.Transport.ReadTimeoutMs, transport.DefaultReadTimeout),
		DialTimeout: helpers.IntMillisecondDefault(c.Transport.DialTimeoutMs, transport.DefaultDialTimeout),
	}
}

func (c *Config) ConnectionOptions() device.ConnectionOptions {
	cc := &c.Connection
	return device.ConnectionOptions{
		Heartbeat:           helpers.IntSecondDefault(cc.HeartbeatSec, device.DefaultHeartbeat),
		CorruptionThreshold: helpers.IntDefault(cc.CorruptionThreshold, device.DefaultCorruptionThreshold),
		ReconnectMax:        cc.ReconnectMax,
		ReconnectBackoff: helpers.Backoff{
			Min: helpers.IntMillisecondDefault(cc.ReconnectDelayMs, device.DefaultReconnectDelay),
			Max: helpers.IntMillisecondDefault(cc.ReconnectDelayMaxMs, device.DefaultReconnectDelayMax),
			K:   2,
		},
	}
}

func (c *Config) DispatchOptions(log *log2.Log) dispatch.Options {
	dc := &c.Dispatch
	return dispatch.Options{
		Log:         log,
		AckTimeout:  helpers.IntMillisecondDefault(dc.AckTimeoutMs, dispatch.DefaultAckTimeout),
		MaxAttempts: helpers.IntDefault(dc.MaxAttempts, dispatch.DefaultMaxAttempts),
		RetryBackoff: helpers.Backoff{
			Min: helpers.IntMillisecondDefault(dc.RetryDelayMs, dispatch.DefaultRetryDelay),
			Max: helpers.IntMillisecondDefault(dc.RetryDelayMaxMs, dispatch.DefaultRetryDelayMax),
			K:   2,
		},
	}
}

// IngestOptions leaves Sink empty, daemon sets it after opening sinks.
func (c *Config) IngestOptions(log *log2.Log) ingest.Options {
	ic := &c.Ingest
	return ingest.Options{
		Log:           log,
		BatchSize:     helpers.IntDefault(ic.BatchSize, ingest.DefaultBatchSize),
		FlushInterval: helpers.IntMillisecondDefault(ic.FlushIntervalMs, ingest.DefaultFlushInterval),
		QueueSize:     helpers.IntDefault(ic.Queue, ingest.DefaultQueueSize),
		SinkTimeout:   helpers.IntMillisecondDefault(ic.SinkTimeoutMs, ingest.DefaultSinkTimeout),
	}
}

func (c *Config) DeviceOptions(log *log2.Log) device.Options {
	return device.Options{
		Log:        log,
		Opener:     transport.NewDialer(c.TransportOptions(log)),
		Connection: c.ConnectionOptions(),
		Dispatch:   c.DispatchOptions(log),
		Ingest:     c.IngestOptions(log),
	}
}

func (c *Config) MqttOptions(log *log2.Log) mqtt.Options {
	mc := &c.Sink.Mqtt
	return mqtt.Options{
		Log:            log,
		Broker:         mc.Broker,
		ClientID:       mc.ClientID,
		Username:       mc.Username,
		Password:       mc.Password,
		TLSCAFile:      mc.TLSCAFile,
		TopicPrefix:    mc.TopicPrefix,
		NetworkTimeout: helpers.IntSecondDefault(mc.NetworkTimeout, mqtt.DefaultNetworkTimeout),
		LogDebug:       mc.LogDebug,
	}
}

func (c *Config) ClickhouseOptions(log *log2.Log) clickhouse.Options {
	cc := &c.Sink.Clickhouse
	return clickhouse.Options{
		Log:         log,
		Addr:        cc.Addr,
		Database:    cc.Database,
		Username:    cc.Username,
		Password:    cc.Password,
		Table:       cc.Table,
		DialTimeout: helpers.IntMillisecondDefault(cc.DialTimeout, clickhouse.DefaultDialTimeout),
	}
}

func (c *Config) InfluxdbOptions(log *log2.Log) influxdb.Options {
	ic := &c.Sink.Influxdb
	return influxdb.Options{
		Log:         log,
		Host:        ic.Host,
		Token:       ic.Token,
		Database:    ic.Database,
		Measurement: ic.Measurement,
	}
}

// SpoolOptions ok=false when spool is disabled.
func (c *Config) SpoolOptions(log *log2.Log) (spool.Options, bool) {
	if c.Sink.Spool == "" {
		return spool.Options{}, false
	}
	return spool.Options{Log: log, Path: c.PersistPath(c.Sink.Spool)}, true
}

// PersistPath resolves relative path against persist root.
func (c *Config) PersistPath(path string) string {
	if filepath.IsAbs(path) || c.Persist.Root == "" {
		return path
	}
	return filepath.Join(c.Persist.Root, path)
}

// String is safe to log: passwords and tokens are masked.
func (c *Config) String() string {
	s := c.Sink
	s.Mqtt.Password = redact(s.Mqtt.Password)
	s.Clickhouse.Password = redact(s.Clickhouse.Password)
	s.Influxdb.Token = redact(s.Influxdb.Token)
	return fmt.Sprintf("log_debug=%t persist=%+v transport=%+v connection=%+v dispatch=%+v ingest=%+v sink=%+v devices=%+v",
		c.LogDebug, c.Persist, c.Transport, c.Connection, c.Dispatch, c.Ingest, s, c.Devices)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

func (c *Config) Registry() device.StaticRegistry {
	r := make(device.StaticRegistry, len(c.Devices))
	for _, d := range c.Devices {
		r[d.ID] = d.Transport
	}
	return r
}

// Validate checks what HCL types can not express.
func (c *Config) Validate() error {
	errs := make([]error, 0)
	seen := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if _, ok := seen[d.ID]; ok {
			errs = append(errs, errors.AlreadyExistsf("config device=%s", d.ID))
		}
		seen[d.ID] = struct{}{}
		if strings.TrimSpace(d.Transport) == "" {
			errs = append(errs, errors.NotValidf("config device=%s transport empty", d.ID))
		}
	}
	if c.Sink.Mqtt.Enable && c.Sink.Mqtt.Broker == "" {
		errs = append(errs, errors.NotValidf("config sink mqtt broker empty"))
	}
	if c.Sink.Clickhouse.Enable && len(c.Sink.Clickhouse.Addr) == 0 {
		errs = append(errs, errors.NotValidf("config sink clickhouse addr empty"))
	}
	if c.Sink.Influxdb.Enable && c.Sink.Influxdb.Host == "" {
		errs = append(errs, errors.NotValidf("config sink influxdb host empty"))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config duplicate source=%s", source.Name))
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
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
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

// ReadConfig with OsFullReader resolves includes relative to first file.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("config names empty")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, errors.Annotate(err, "config base")
		}
		names[0] = name
	}

	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
