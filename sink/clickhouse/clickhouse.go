// Package clickhouse stores telemetry as one row per field value.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/juju/errors"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/sink"
)

const (
	DefaultTable       = "mdp_telemetry"
	DefaultDialTimeout = 5 * time.Second
)

type Options struct {
	Log         *log2.Log
	Addr        []string
	Database    string
	Username    string
	Password    string
	Table       string
	DialTimeout time.Duration
}

// Batch is the part of driver.Batch used here.
type Batch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string) (Batch, error)
	Close() error
}

type driverConn struct{ driver.Conn }

func (c driverConn) PrepareBatch(ctx context.Context, query string) (Batch, error) {
	return c.Conn.PrepareBatch(ctx, query)
}

type Sink struct {
	log   *log2.Log
	conn  Conn
	table string
}

var _ sink.Sink = &Sink{}

func Open(ctx context.Context, opt Options) (*Sink, error) {
	if len(opt.Addr) == 0 {
		return nil, errors.NotValidf("clickhouse addr empty")
	}
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = DefaultDialTimeout
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opt.Addr,
		Auth: clickhouse.Auth{
			Database: opt.Database,
			Username: opt.Username,
			Password: opt.Password,
		},
		DialTimeout: opt.DialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, errors.Annotate(err, "clickhouse open")
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, errors.Annotatef(err, "clickhouse ping addr=%v", opt.Addr)
	}
	return New(ctx, driverConn{conn}, opt)
}

// New creates table if missing.
func New(ctx context.Context, conn Conn, opt Options) (*Sink, error) {
	if opt.Table == "" {
		opt.Table = DefaultTable
	}
	s := &Sink{log: opt.Log, conn: conn, table: opt.Table}
	if err := conn.Exec(ctx, createTableQuery(s.table)); err != nil {
		return nil, errors.Annotatef(err, "clickhouse create table=%s", s.table)
	}
	return s, nil
}

func createTableQuery(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			device String,
			seq UInt32,
			time DateTime64(3),
			received DateTime64(3),
			type UInt8,
			event_code UInt16,
			key String,
			kind UInt8,
			value Float64
		) ENGINE = ReplacingMergeTree()
		ORDER BY (device, time, seq, key)
		PARTITION BY toYYYYMM(time)
	`, table)
}

// AcceptBatch inserts all rows in one batch. ReplacingMergeTree collapses
// rows repeated by at least once delivery.
func (s *Sink) AcceptBatch(ctx context.Context, deviceID string, records []ingest.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return errors.Annotate(err, "clickhouse prepare batch")
	}
	rows := 0
	for _, r := range records {
		for _, row := range recordRows(deviceID, r) {
			if err := batch.Append(row...); err != nil {
				_ = batch.Abort()
				return errors.Annotatef(err, "clickhouse append device=%s seq=%d", deviceID, r.Seq)
			}
			rows++
		}
	}
	if err := batch.Send(); err != nil {
		return errors.Annotatef(err, "clickhouse send device=%s rows=%d", deviceID, rows)
	}
	s.log.Debugf("clickhouse device=%s records=%d rows=%d", deviceID, len(records), rows)
	return nil
}

func (s *Sink) Close() error { return s.conn.Close() }

// recordRows gives one row per field. Record without fields still gets one row
// with empty key, so events are not lost.
func recordRows(deviceID string, r ingest.Record) [][]any {
	row := func(key string, kind uint8, value float64) []any {
		return []any{deviceID, r.Seq, r.Time, r.ReceivedAt, uint8(r.Type), r.EventCode, key, kind, value}
	}
	if len(r.Fields) == 0 {
		return [][]any{row("", 0, 0)}
	}
	rows := make([][]any, len(r.Fields))
	for i, f := range r.Fields {
		rows[i] = row(f.Key, uint8(f.Value.Kind), f.Value.Float64())
	}
	return rows
}
