package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/mdp"
)

type mockSink struct {
	mu      sync.Mutex
	batches []batch
	err     error
	block   chan struct{}
}

func (s *mockSink) AcceptBatch(ctx context.Context, deviceID string, records []Record) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch{deviceID, append([]Record(nil), records...)})
	return s.err
}

func (s *mockSink) Records(deviceID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rs []Record
	for _, b := range s.batches {
		if b.deviceID == deviceID {
			rs = append(rs, b.records...)
		}
	}
	return rs
}

func (s *mockSink) Seqs(deviceID string) []uint32 {
	rs := s.Records(deviceID)
	seqs := make([]uint32, len(rs))
	for i, r := range rs {
		seqs[i] = r.Seq
	}
	return seqs
}

func newTestBuffer(t testing.TB, opt Options) *Buffer {
	opt.Log = log2.NewTest(t, log2.LDebug)
	b := New(opt)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func rec(device string, seq uint32) Record {
	return Record{
		DeviceID: device,
		Seq:      seq,
		Time:     time.Now(),
		Type:     mdp.TypeTelemetry,
		Fields:   mdp.Fields{{Key: "temp", Value: mdp.Float(20)}},
	}
}

func flush(t testing.TB, b *Buffer) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

func TestIdempotentIngest(t *testing.T) {
	t.Parallel()
	sink := &mockSink{}
	b := newTestBuffer(t, Options{Sink: sink, FlushInterval: time.Hour})
	assert.Equal(t, Accepted, b.Ingest(rec("D1", 7)))
	assert.Equal(t, DuplicateDropped, b.Ingest(rec("D1", 7)))
	// same sequence of other device is different identity
	assert.Equal(t, Accepted, b.Ingest(rec("D2", 7)))
	flush(t, b)
	assert.Equal(t, []uint32{7}, sink.Seqs("D1"))
	assert.Equal(t, []uint32{7}, sink.Seqs("D2"))
	assert.Equal(t, int64(1), b.Stat().Duplicates.Value())
	assert.Equal(t, int64(2), b.Stat().Flushed.Value())
}

func TestWindowReorder(t *testing.T) {
	t.Parallel()
	b := newTestBuffer(t, Options{FlushInterval: time.Hour})

	type step struct {
		seq    uint32
		expect Outcome
	}
	steps := []step{
		{100, Accepted},
		{103, Accepted},
		{101, Accepted},
		{101, DuplicateDropped},
		{102, Accepted},
		{103, DuplicateDropped},
		{100 + Window + 10, Accepted},
		{100, DuplicateDropped}, // older than window
		{100 + Window, Accepted},
		{100 + Window, DuplicateDropped},
	}
	for _, s := range steps {
		assert.Equal(t, s.expect, b.Ingest(rec("D1", s.seq)), "seq=%d", s.seq)
	}
	last, ok := b.LastSeq("D1")
	assert.True(t, ok)
	assert.Equal(t, uint32(100+Window+10), last)
	assert.Equal(t, int64(3), b.Stat().Late.Value())
	assert.Equal(t, int64(2+Window+6), b.Stat().Gaps.Value())
}

func TestWindowWrap(t *testing.T) {
	t.Parallel()
	var w window
	for _, seq := range []uint32{0xfffffffe, 0xffffffff, 0, 1} {
		assert.True(t, w.check(seq, 0).accept, "seq=%x", seq)
	}
	assert.False(t, w.check(0xffffffff, 0).accept)
	assert.Equal(t, uint32(1), w.high)
}

func TestWindowRestart(t *testing.T) {
	t.Parallel()
	b := newTestBuffer(t, Options{FlushInterval: time.Hour, RestartDistance: 1000})
	assert.Equal(t, Accepted, b.Ingest(rec("D1", 5000)))
	assert.Equal(t, DuplicateDropped, b.Ingest(rec("D1", 4500)))
	assert.Equal(t, Accepted, b.Ingest(rec("D1", 1)))
	assert.Equal(t, Accepted, b.Ingest(rec("D1", 2)))
	assert.Equal(t, int64(1), b.Stat().Restarts.Value())
}

func TestFlushOnBatchSize(t *testing.T) {
	t.Parallel()
	sink := &mockSink{}
	b := newTestBuffer(t, Options{Sink: sink, BatchSize: 3, FlushInterval: time.Hour})
	for seq := uint32(1); seq <= 7; seq++ {
		b.Ingest(rec("D1", seq))
	}
	require.Eventually(t, func() bool { return len(sink.Records("D1")) == 6 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6}, sink.Seqs("D1"))
	flush(t, b)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7}, sink.Seqs("D1"))
}

func TestFlushOnInterval(t *testing.T) {
	t.Parallel()
	sink := &mockSink{}
	b := newTestBuffer(t, Options{Sink: sink, BatchSize: 100, FlushInterval: 30 * time.Millisecond})
	start := time.Now()
	b.Ingest(rec("D1", 1))
	require.Eventually(t, func() bool { return len(sink.Records("D1")) == 1 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(30*time.Millisecond))
}

func TestSlowSinkDoesNotBlockIngest(t *testing.T) {
	t.Parallel()
	sink := &mockSink{block: make(chan struct{})}
	b := newTestBuffer(t, Options{Sink: sink, BatchSize: 1, QueueSize: 2, FlushInterval: time.Hour})
	done := make(chan struct{})
	go func() {
		for seq := uint32(1); seq <= 20; seq++ {
			b.Ingest(rec("D1", seq))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Ingest blocked by slow sink")
	}
	// one batch in sink, two in queue, rest evicted
	assert.GreaterOrEqual(t, b.Stat().Evicted.Value(), int64(17))
	close(sink.block)
	flush(t, b)
	assert.Equal(t, int64(20), b.Stat().Evicted.Value()+int64(len(sink.Records("D1"))))
}

func TestSinkErrorBestEffort(t *testing.T) {
	t.Parallel()
	sink := &mockSink{err: errors.New("database down")}
	b := newTestBuffer(t, Options{Sink: sink, FlushInterval: time.Hour})
	b.Ingest(rec("D1", 1))
	flush(t, b)
	flush(t, b)
	assert.Equal(t, int64(1), b.Stat().SinkErrors.Value())
	// not retried
	assert.Len(t, sink.Records("D1"), 1)
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	b := newTestBuffer(t, Options{FlushInterval: time.Hour})
	var mu sync.Mutex
	got := map[string][]uint32{}
	unsub := b.Subscribe(func(deviceID string, records []Record) {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range records {
			got[deviceID] = append(got[deviceID], r.Seq)
		}
	})
	b.Ingest(rec("D1", 1))
	b.Ingest(rec("D2", 9))
	flush(t, b)
	unsub()
	b.Ingest(rec("D1", 2))
	flush(t, b)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string][]uint32{"D1": {1}, "D2": {9}}, got)
}

func TestForgetAndClose(t *testing.T) {
	t.Parallel()
	sink := &mockSink{}
	b := New(Options{Log: log2.NewTest(t, log2.LDebug), Sink: sink, FlushInterval: time.Hour})
	b.Ingest(rec("D1", 3))
	b.Forget("D1")
	_, ok := b.LastSeq("D1")
	assert.False(t, ok)
	// dedupe state is gone
	assert.Equal(t, Accepted, b.Ingest(rec("D1", 3)))
	b.Ingest(rec("D2", 1))
	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, []uint32{3, 3}, sink.Seqs("D1"))
	assert.Equal(t, []uint32{1}, sink.Seqs("D2"))
	assert.Error(t, b.Flush(context.Background()))
}

func TestRecordFromMessage(t *testing.T) {
	t.Parallel()
	m := mdp.NewEvent("D1", 4, time.UnixMilli(1000), 0x0101, mdp.Field{Key: "bat", Value: mdp.Int(3)})
	r := RecordFromMessage(&m)
	assert.Equal(t, "D1", r.DeviceID)
	assert.Equal(t, uint32(4), r.Seq)
	assert.Equal(t, mdp.TypeEvent, r.Type)
	assert.Equal(t, uint16(0x0101), r.EventCode)
	assert.Equal(t, m.Fields, r.Fields)
	assert.False(t, r.ReceivedAt.IsZero())
}
