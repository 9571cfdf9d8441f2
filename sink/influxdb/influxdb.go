// Package influxdb writes telemetry as InfluxDB v3 points.
package influxdb

import (
	"context"
	"net/http"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/juju/errors"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/mdp"
	"github.com/temoto/mdp/sink"
)

const DefaultMeasurement = "mdp"

type Options struct {
	Log         *log2.Log
	Host        string
	Token       string
	Database    string
	Measurement string
	// HTTPClient replaces default transport, for tests.
	HTTPClient *http.Client
}

type WriteFunc func(ctx context.Context, points []*influxdb3.Point) error

type Sink struct {
	log         *log2.Log
	write       WriteFunc
	close       func() error
	measurement string
}

var _ sink.Sink = &Sink{}

func Open(opt Options) (*Sink, error) {
	if opt.Host == "" {
		return nil, errors.NotValidf("influxdb host empty")
	}
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:       opt.Host,
		Token:      opt.Token,
		Database:   opt.Database,
		HTTPClient: opt.HTTPClient,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "influxdb client host=%s", opt.Host)
	}
	write := func(ctx context.Context, points []*influxdb3.Point) error {
		return client.WritePoints(ctx, points)
	}
	s := New(write, opt)
	s.close = client.Close
	return s, nil
}

func New(write WriteFunc, opt Options) *Sink {
	if opt.Measurement == "" {
		opt.Measurement = DefaultMeasurement
	}
	return &Sink{
		log:         opt.Log,
		write:       write,
		close:       func() error { return nil },
		measurement: opt.Measurement,
	}
}

// AcceptBatch writes one point per record. Point identity (tags+time)
// is stable, so repeated delivery overwrites.
func (s *Sink) AcceptBatch(ctx context.Context, deviceID string, records []ingest.Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*influxdb3.Point, len(records))
	for i, r := range records {
		tags, fields := pointData(deviceID, r)
		points[i] = influxdb3.NewPoint(s.measurement, tags, fields, r.Time)
	}
	if err := s.write(ctx, points); err != nil {
		return errors.Annotatef(err, "influxdb write device=%s points=%d", deviceID, len(points))
	}
	s.log.Debugf("influxdb device=%s points=%d", deviceID, len(points))
	return nil
}

func (s *Sink) Close() error { return s.close() }

func pointData(deviceID string, r ingest.Record) (map[string]string, map[string]any) {
	tags := map[string]string{
		"device": deviceID,
		"type":   r.Type.String(),
	}
	fields := make(map[string]any, len(r.Fields)+2)
	fields["seq"] = int64(r.Seq)
	if r.Type == mdp.TypeEvent {
		fields["event_code"] = int64(r.EventCode)
	}
	for _, f := range r.Fields {
		switch f.Value.Kind {
		case mdp.KindFloat:
			fields[f.Key] = float64(f.Value.Float())
		case mdp.KindInt:
			fields[f.Key] = int64(f.Value.Int())
		case mdp.KindBool:
			fields[f.Key] = f.Value.Bool()
		}
	}
	return tags, fields
}
