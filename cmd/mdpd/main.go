// mdpd connects to configured devices, routes commands and forwards telemetry to sinks.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mdp/config"
	"github.com/temoto/mdp/device"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/sink"
	"github.com/temoto/mdp/sink/clickhouse"
	"github.com/temoto/mdp/sink/influxdb"
	"github.com/temoto/mdp/sink/mqtt"
	"github.com/temoto/mdp/sink/spool"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	flagConfig := flag.String("config", "mdpd.hcl", "")
	flag.Parse()

	log := log2.NewStderr(log2.LDebug)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		// assume systemd journal, it has timestamps
		log.SetFlags(log2.LServiceFlags)
	}

	cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if !cfg.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	log.Debugf("config=%s", cfg.String())

	if err := run(log, cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func run(log *log2.Log, cfg *config.Config) error {
	a := alive.NewAlive()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("signal=%v stopping", sig)
		a.Stop()
	}()

	ctx := context.Background()
	s, closeSinks, err := openSinks(ctx, log, cfg)
	if err != nil {
		return errors.Annotate(err, "sinks")
	}
	defer closeSinks()

	opt := cfg.DeviceOptions(log)
	opt.Ingest.Sink = s
	opt.Connection.OnStateChange = func(id string, from, to device.State) {
		if to == device.StateDegraded {
			log.Errorf("device=%s degraded", id)
		}
	}
	m := device.NewManager(opt)
	if log.Enabled(log2.LDebug) {
		unsub := m.SubscribeTelemetry(func(deviceID string, records []ingest.Record) {
			for _, r := range records {
				log.Debugf("device=%s seq=%d type=%s fields=%d", deviceID, r.Seq, r.Type, len(r.Fields))
			}
		})
		defer unsub()
	}

	// individual device failures are logged, daemon keeps serving the rest
	if err := m.ConnectRegistry(ctx, cfg.Registry()); err != nil {
		log.Errorf("connect registry err=%v", err)
	}
	sdnotify(log, daemon.SdNotifyReady)
	log.Infof("mdpd running devices=%v", m.Devices())

	<-a.StopChan()
	sdnotify(log, daemon.SdNotifyStopping)

	for _, id := range m.Devices() {
		if st, err := m.Stat(id); err == nil {
			log.Infof("device=%s stat=%s", id, st.String())
		}
	}
	closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return errors.Annotate(m.Close(closeCtx), "manager close")
}

// openSinks opens enabled sinks concurrently and joins them into one.
// Spool, when configured, wraps the joined sink.
func openSinks(ctx context.Context, log *log2.Log, cfg *config.Config) (sink.Sink, func(), error) {
	var (
		mq *mqtt.Sink
		ch *clickhouse.Sink
		ix *influxdb.Sink
	)
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Sink.Mqtt.Enable {
		g.Go(func() (err error) {
			mq, err = mqtt.New(cfg.MqttOptions(log.Named("mqtt")))
			return errors.Annotate(err, "mqtt")
		})
	}
	if cfg.Sink.Clickhouse.Enable {
		g.Go(func() (err error) {
			ch, err = clickhouse.Open(gctx, cfg.ClickhouseOptions(log.Named("clickhouse")))
			return errors.Annotate(err, "clickhouse")
		})
	}
	if cfg.Sink.Influxdb.Enable {
		g.Go(func() (err error) {
			ix, err = influxdb.Open(cfg.InfluxdbOptions(log.Named("influxdb")))
			return errors.Annotate(err, "influxdb")
		})
	}
	err := g.Wait()

	var multi sink.Multi
	closers := make([]func(), 0, 4)
	if mq != nil {
		multi = append(multi, mq)
		closers = append(closers, mq.Close)
	}
	if ch != nil {
		multi = append(multi, ch)
		closers = append(closers, func() { logClose(log, "clickhouse", ch.Close()) })
	}
	if ix != nil {
		multi = append(multi, ix)
		closers = append(closers, func() { logClose(log, "influxdb", ix.Close()) })
	}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	var out sink.Sink = multi
	if len(multi) == 0 {
		log.Infof("no sinks enabled, telemetry goes to subscribers only")
		out = sink.Discard
	}
	if sopt, ok := cfg.SpoolOptions(log.Named("spool")); ok && len(multi) != 0 {
		sp, err := spool.Open(multi, sopt)
		if err != nil {
			closeAll()
			return nil, nil, errors.Annotate(err, "spool")
		}
		// spool worker delivers to multi, close it first
		closers = append(closers, func() { logClose(log, "spool", sp.Close()) })
		out = sp
	}
	return out, closeAll, nil
}

func logClose(log *log2.Log, tag string, err error) {
	if err != nil {
		log.Errorf("%s close err=%v", tag, err)
	}
}

func sdnotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify err=%v", errors.ErrorStack(err))
	}
	return ok
}
