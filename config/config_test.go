package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mdp/device"
	"github.com/temoto/mdp/dispatch"
	"github.com/temoto/mdp/helpers"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/log2"
)

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
			copt := c.ConnectionOptions()
			assert.Equal(t, device.DefaultHeartbeat, copt.Heartbeat)
			assert.Equal(t, device.DefaultCorruptionThreshold, copt.CorruptionThreshold)
			assert.Equal(t, device.DefaultReconnectDelay, copt.ReconnectBackoff.Min)
			dopt := c.DispatchOptions(nil)
			assert.Equal(t, dispatch.DefaultAckTimeout, dopt.AckTimeout)
			assert.Equal(t, dispatch.DefaultMaxAttempts, dopt.MaxAttempts)
			iopt := c.IngestOptions(nil)
			assert.Equal(t, ingest.DefaultBatchSize, iopt.BatchSize)
			assert.Equal(t, ingest.DefaultFlushInterval, iopt.FlushInterval)
			assert.Len(t, c.Registry(), 0)
			_, ok := c.SpoolOptions(nil)
			assert.False(t, ok)
		}, ""},

		{"sections", `
log_debug = true
connection { heartbeat_sec = 5 corruption_threshold = 3 reconnect_max = -1 reconnect_delay_ms = 250 }
dispatch { ack_timeout_ms = 300 max_attempts = 5 }
ingest { batch_size = 8 flush_interval_ms = 50 queue = 16 }
transport { baud = 57600 read_timeout_ms = 20 }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.LogDebug)
				copt := c.ConnectionOptions()
				assert.Equal(t, 5*time.Second, copt.Heartbeat)
				assert.Equal(t, 3, copt.CorruptionThreshold)
				assert.Equal(t, -1, copt.ReconnectMax)
				assert.Equal(t, 250*time.Millisecond, copt.ReconnectBackoff.Min)
				assert.Equal(t, device.DefaultReconnectDelayMax, copt.ReconnectBackoff.Max)
				dopt := c.DispatchOptions(nil)
				assert.Equal(t, 300*time.Millisecond, dopt.AckTimeout)
				assert.Equal(t, 5, dopt.MaxAttempts)
				iopt := c.IngestOptions(nil)
				assert.Equal(t, 8, iopt.BatchSize)
				assert.Equal(t, 50*time.Millisecond, iopt.FlushInterval)
				assert.Equal(t, 16, iopt.QueueSize)
				topt := c.TransportOptions(nil)
				assert.Equal(t, 57600, topt.Baud)
				assert.Equal(t, 20*time.Millisecond, topt.ReadTimeout)
			}, ""},

		{"devices", `
device "D1" { transport = "/dev/ttyUSB0?baud=9600" }
device "D2" { transport = "tcp://10.0.0.2:4000" }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, device.StaticRegistry{
					"D1": "/dev/ttyUSB0?baud=9600",
					"D2": "tcp://10.0.0.2:4000",
				}, c.Registry())
			}, ""},

		{"sinks", `
persist { root = "/var/lib/mdpd" }
sink {
	spool = "spool"
	mqtt { enable = true broker = "tls://mqtt:8883" topic_prefix = "site1" network_timeout_sec = 7 }
	clickhouse { enable = true addr = ["ch1:9000", "ch2:9000"] database = "iot" }
	influxdb { enable = true host = "http://influx:8181" database = "iot" }
}`,
			func(t testing.TB, c *Config) {
				mopt := c.MqttOptions(nil)
				assert.Equal(t, "tls://mqtt:8883", mopt.Broker)
				assert.Equal(t, "site1", mopt.TopicPrefix)
				assert.Equal(t, 7*time.Second, mopt.NetworkTimeout)
				chopt := c.ClickhouseOptions(nil)
				assert.Equal(t, []string{"ch1:9000", "ch2:9000"}, chopt.Addr)
				assert.Equal(t, "iot", chopt.Database)
				assert.Equal(t, "http://influx:8181", c.InfluxdbOptions(nil).Host)
				sopt, ok := c.SpoolOptions(nil)
				assert.True(t, ok)
				assert.Equal(t, "/var/lib/mdpd/spool", sopt.Path)
			}, ""},

		{"include-normalize", `
ingest { batch_size = 1 }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "batch-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Ingest.BatchSize)
			}, ""},

		{"include-overwrites", `
ingest { batch_size = 1 }
include "batch-7" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Ingest.BatchSize)
			}, ""},

		{"include-devices-append", `
device "D1" { transport = "mock:D1" }
include "device-d2" {}`,
			func(t testing.TB, c *Config) {
				assert.Len(t, c.Registry(), 2)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-device-duplicate", `
device "D1" { transport = "mock:D1" }
device "D1" { transport = "mock:D1" }`, nil, "config device=D1 already exists"},
		{"error-device-transport", `device "D1" {}`, nil, "config device=D1 transport empty not valid"},
		{"error-mqtt-broker", `sink { mqtt { enable = true } }`, nil, "config sink mqtt broker empty not valid"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"batch-7":      "ingest{batch_size=7}",
				"device-d2":    `device "D2" { transport = "mock:D2" }`,
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
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
		}
	}
	rnd := helpers.RandUnix()
	rnd.Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}

func TestReadConfigDuplicateSource(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	fs := NewMockFullReader(map[string]string{"a": ""})
	_, err := ReadConfig(log, fs, "a", "a")
	assert.True(t, errors.IsAlreadyExists(err))

	_, err = ReadConfig(log, fs)
	assert.True(t, errors.IsNotValid(err))
}

func TestConfigStringMasksSecrets(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	fs := NewMockFullReader(map[string]string{"main": `
sink {
	mqtt { enable = true broker = "tls://mqtt:8883" username = "mdpd" password = "mqtt-secret" }
	clickhouse { enable = true addr = ["ch1:9000"] password = "ch-secret" }
	influxdb { enable = true host = "http://influx:8181" token = "influx-token" }
}`})
	cfg, err := ReadConfig(log, fs, "main")
	require.NoError(t, err, errors.ErrorStack(err))

	for _, s := range []string{cfg.String(), fmt.Sprintf("%+v", cfg)} {
		assert.NotContains(t, s, "mqtt-secret")
		assert.NotContains(t, s, "ch-secret")
		assert.NotContains(t, s, "influx-token")
		assert.Contains(t, s, "tls://mqtt:8883")
		assert.Contains(t, s, "Password:***")
		assert.Contains(t, s, "Token:***")
	}
	// options still carry real values
	assert.Equal(t, "mqtt-secret", cfg.MqttOptions(nil).Password)
	assert.Equal(t, "influx-token", cfg.InfluxdbOptions(nil).Token)
}

func TestReadConfigOs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(`
include "devices.hcl" {}
include "local.hcl" { optional = true }
dispatch { max_attempts = 2 }`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devices.hcl"), []byte(`device "D1" { transport = "tcp://127.0.0.1:4000" }`), 0o644))

	log := log2.NewTest(t, log2.LDebug)
	cfg, err := ReadConfig(log, NewOsFullReader(), filepath.Join(dir, "main.hcl"))
	require.NoError(t, err, errors.ErrorStack(err))
	assert.Equal(t, 2, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, device.StaticRegistry{"D1": "tcp://127.0.0.1:4000"}, cfg.Registry())

	_, err = ReadConfig(log, NewOsFullReader(), filepath.Join(dir, "missing.hcl"))
	assert.True(t, errors.IsNotFound(err))
}
