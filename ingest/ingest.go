// Package ingest dedupes and batches telemetry before handing it to Sink.
//
// Dedupe identity is (device, sequence). Accepted records collect into
// per device batch, flushed on size or age by single flusher goroutine.
// Ingest never blocks on Sink: when flush queue is full the batch is evicted.
package ingest

import (
	"context"
	"expvar"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/mdp"
)

const (
	DefaultBatchSize       = 32
	DefaultFlushInterval   = 1 * time.Second
	DefaultQueueSize       = 64
	DefaultSinkTimeout     = 10 * time.Second
	DefaultRestartDistance = 1 << 16
)

type Outcome int

const (
	Accepted Outcome = iota
	DuplicateDropped
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "duplicate"
}

// Record is one observation, identity is (DeviceID, Seq).
type Record struct {
	DeviceID   string
	Seq        uint32
	Time       time.Time // device clock
	ReceivedAt time.Time
	Type       mdp.Type // Telemetry or Event
	EventCode  uint16
	Fields     mdp.Fields
}

func RecordFromMessage(m *mdp.Message) Record {
	return Record{
		DeviceID:   m.DeviceID,
		Seq:        m.Seq,
		Time:       m.Time,
		ReceivedAt: time.Now(),
		Type:       m.Type,
		EventCode:  m.EventCode,
		Fields:     m.Fields,
	}
}

// Sink is downstream ingestion, must tolerate at least once delivery.
type Sink interface {
	AcceptBatch(ctx context.Context, deviceID string, records []Record) error
}

type SinkFunc func(ctx context.Context, deviceID string, records []Record) error

func (f SinkFunc) AcceptBatch(ctx context.Context, deviceID string, records []Record) error {
	return f(ctx, deviceID, records)
}

// Subscriber receives flushed batches. Must not retain records slice past return.
type Subscriber func(deviceID string, records []Record)

type Options struct {
	Log           *log2.Log
	Sink          Sink // nil = subscribers only
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	SinkTimeout   time.Duration
	// Sequence that far behind latest is taken as device counter reset.
	RestartDistance uint32
}

type Stat struct {
	Accepted   expvar.Int
	Duplicates expvar.Int
	Gaps       expvar.Int // skipped sequences, counted when skip is detected
	Late       expvar.Int // reordered arrivals that filled a gap
	Restarts   expvar.Int
	Batches    expvar.Int
	Flushed    expvar.Int
	Evicted    expvar.Int
	SinkErrors expvar.Int
}

type batch struct {
	deviceID string
	records  []Record
}

type deviceState struct {
	mu         sync.Mutex
	window     window
	batch      []Record
	batchStart time.Time
}

type Buffer struct {
	opt   Options
	log   *log2.Log
	alive *alive.Alive
	stat  Stat

	mu      sync.Mutex
	devices map[string]*deviceState

	flushch chan batch
	flushrq chan chan struct{}

	subMu  sync.Mutex
	subs   map[uint64]Subscriber
	lastID uint64
}

func New(opt Options) *Buffer {
	if opt.BatchSize <= 0 {
		opt.BatchSize = DefaultBatchSize
	}
	if opt.FlushInterval <= 0 {
		opt.FlushInterval = DefaultFlushInterval
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = DefaultQueueSize
	}
	if opt.SinkTimeout <= 0 {
		opt.SinkTimeout = DefaultSinkTimeout
	}
	if opt.RestartDistance == 0 {
		opt.RestartDistance = DefaultRestartDistance
	}
	b := &Buffer{
		opt:     opt,
		log:     opt.Log,
		alive:   alive.NewAlive(),
		devices: make(map[string]*deviceState),
		flushch: make(chan batch, opt.QueueSize),
		flushrq: make(chan chan struct{}),
		subs:    make(map[uint64]Subscriber),
	}
	b.alive.Add(1)
	go b.run()
	return b
}

func (b *Buffer) Stat() *Stat { return &b.stat }

func (b *Buffer) Ingest(r Record) Outcome {
	ds := b.device(r.DeviceID, true)
	ds.mu.Lock()
	v := ds.window.check(r.Seq, b.opt.RestartDistance)
	if !v.accept {
		ds.mu.Unlock()
		b.stat.Duplicates.Add(1)
		b.log.Debugf("ingest duplicate device=%s seq=%d", r.DeviceID, r.Seq)
		return DuplicateDropped
	}
	if len(ds.batch) == 0 {
		ds.batchStart = time.Now()
	}
	ds.batch = append(ds.batch, r)
	var full []Record
	if len(ds.batch) >= b.opt.BatchSize {
		full, ds.batch = ds.batch, nil
	}
	ds.mu.Unlock()

	b.stat.Accepted.Add(1)
	switch {
	case v.gap > 0:
		b.stat.Gaps.Add(int64(v.gap))
		b.log.Debugf("ingest gap device=%s seq=%d missing=%d", r.DeviceID, r.Seq, v.gap)
	case v.late:
		b.stat.Late.Add(1)
	case v.restart:
		b.stat.Restarts.Add(1)
		b.log.Infof("ingest device=%s sequence restarted at seq=%d", r.DeviceID, r.Seq)
	}
	if full != nil {
		b.handoff(batch{deviceID: r.DeviceID, records: full})
	}
	return Accepted
}

// LastSeq returns highest accepted sequence of device.
func (b *Buffer) LastSeq(deviceID string) (uint32, bool) {
	ds := b.device(deviceID, false)
	if ds == nil {
		return 0, false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.window.high, ds.window.init
}

// Forget hands off pending batch of device and drops its dedupe state.
func (b *Buffer) Forget(deviceID string) {
	b.mu.Lock()
	ds := b.devices[deviceID]
	delete(b.devices, deviceID)
	b.mu.Unlock()
	if ds == nil {
		return
	}
	ds.mu.Lock()
	pending := ds.batch
	ds.batch = nil
	ds.mu.Unlock()
	if len(pending) != 0 {
		b.handoff(batch{deviceID: deviceID, records: pending})
	}
}

// Subscribe registers fn for every flushed batch. Call returned func to unsubscribe.
func (b *Buffer) Subscribe(fn Subscriber) func() {
	b.subMu.Lock()
	b.lastID++
	id := b.lastID
	b.subs[id] = fn
	b.subMu.Unlock()
	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

// Flush delivers everything buffered so far and waits for it.
func (b *Buffer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case b.flushrq <- done:
	case <-b.alive.StopChan():
		return errors.New("ingest buffer closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending batches and stops flusher.
func (b *Buffer) Close(ctx context.Context) error {
	b.alive.Stop()
	select {
	case <-b.alive.WaitChan():
		return nil
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "ingest close")
	}
}

func (b *Buffer) device(id string, create bool) *deviceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ds := b.devices[id]
	if ds == nil && create {
		ds = &deviceState{}
		b.devices[id] = ds
	}
	return ds
}

func (b *Buffer) handoff(bt batch) {
	select {
	case b.flushch <- bt:
	default:
		b.stat.Evicted.Add(int64(len(bt.records)))
		b.log.Errorf("ingest flush queue full, evicted device=%s records=%d", bt.deviceID, len(bt.records))
	}
}

func (b *Buffer) run() {
	defer b.alive.Done()
	tickEvery := b.opt.FlushInterval / 4
	if tickEvery < time.Millisecond {
		tickEvery = time.Millisecond
	}
	tick := time.NewTicker(tickEvery)
	defer tick.Stop()
	stopch := b.alive.StopChan()
	for {
		select {
		case bt := <-b.flushch:
			b.deliver(bt)
		case <-tick.C:
			b.flushAged(time.Now(), false)
		case done := <-b.flushrq:
			b.drain()
			b.flushAged(time.Now(), true)
			close(done)
		case <-stopch:
			b.drain()
			b.flushAged(time.Now(), true)
			return
		}
	}
}

func (b *Buffer) drain() {
	for {
		select {
		case bt := <-b.flushch:
			b.deliver(bt)
		default:
			return
		}
	}
}

// flushAged delivers batches older than FlushInterval, or all with force.
func (b *Buffer) flushAged(now time.Time, force bool) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.devices))
	for id := range b.devices {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		ds := b.device(id, false)
		if ds == nil {
			continue
		}
		ds.mu.Lock()
		var records []Record
		if len(ds.batch) != 0 && (force || now.Sub(ds.batchStart) >= b.opt.FlushInterval) {
			records, ds.batch = ds.batch, nil
		}
		ds.mu.Unlock()
		if records != nil {
			b.deliver(batch{deviceID: id, records: records})
		}
	}
}

func (b *Buffer) deliver(bt batch) {
	b.stat.Batches.Add(1)
	if b.opt.Sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.opt.SinkTimeout)
		err := b.opt.Sink.AcceptBatch(ctx, bt.deviceID, bt.records)
		cancel()
		if err != nil {
			b.stat.SinkErrors.Add(1)
			b.log.Errorf("ingest sink device=%s records=%d err=%v", bt.deviceID, len(bt.records), err)
		} else {
			b.stat.Flushed.Add(int64(len(bt.records)))
		}
	}

	b.subMu.Lock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.subMu.Unlock()
	for _, fn := range subs {
		fn(bt.deviceID, bt.records)
	}
}
