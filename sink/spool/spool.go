// Package spool makes sink delivery durable: batches are persisted to disk
// queue first, then delivered to downstream sink in background, at least once.
package spool

import (
	"context"
	"expvar"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mdp/helpers"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/sink"
	"github.com/temoto/spq"
)

const (
	DefaultRetryDelay    = 1 * time.Second
	DefaultRetryDelayMax = 5 * time.Minute
	DefaultTimeout       = 30 * time.Second
)

// denote value type in persistent queue bytes form
const (
	qBatch byte = 1
)

type Options struct {
	Log  *log2.Log
	Path string // spq.OnlyForTesting for memory storage
	// Downstream failures are retried with this backoff.
	Backoff helpers.Backoff
	Timeout time.Duration
}

type Stat struct {
	Pushed    expvar.Int
	Delivered expvar.Int
	Retries   expvar.Int
	Dropped   expvar.Int // undecodable items
}

type Spool struct {
	opt   Options
	log   *log2.Log
	next  sink.Sink
	q     *spq.Queue
	alive *alive.Alive
	stat  Stat
}

var _ sink.Sink = &Spool{}

func Open(next sink.Sink, opt Options) (*Spool, error) {
	if opt.Path == "" {
		return nil, errors.NotValidf("spool path empty")
	}
	if opt.Backoff.Min == 0 {
		opt.Backoff.Min = DefaultRetryDelay
	}
	if opt.Backoff.Max == 0 {
		opt.Backoff.Max = DefaultRetryDelayMax
	}
	if opt.Backoff.K == 0 {
		opt.Backoff.K = 2
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	q, err := spq.Open(opt.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "spool open path=%s", opt.Path)
	}
	s := &Spool{
		opt:   opt,
		log:   opt.Log,
		next:  next,
		q:     q,
		alive: alive.NewAlive(),
	}
	s.alive.Add(1)
	go s.worker()
	return s, nil
}

func (s *Spool) Stat() *Stat { return &s.stat }

// AcceptBatch returns after batch is synced to disk.
func (s *Spool) AcceptBatch(ctx context.Context, deviceID string, records []ingest.Record) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	b, err := sink.MarshalBatch(deviceID, records)
	if err != nil {
		return errors.Trace(err)
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, qBatch)
	buf = append(buf, b...)
	if err := s.q.Push(buf); err != nil {
		return errors.Annotatef(err, "spool push device=%s", deviceID)
	}
	s.stat.Pushed.Add(1)
	return nil
}

// Close stops delivery. Undelivered batches stay on disk for next Open.
func (s *Spool) Close() error {
	s.alive.Stop()
	err := s.q.Close()
	s.alive.Wait()
	return errors.Annotate(err, "spool close")
}

func (s *Spool) worker() {
	defer s.alive.Done()
	backoff := s.opt.Backoff
	backoff.Reset()
	for {
		box, err := s.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			del, err := s.handle(b)
			if del {
				if err := s.q.Delete(box); err != nil && s.alive.IsRunning() {
					s.log.Errorf("spool Delete b=%x err=%v", b, err)
				}
				backoff.Reset()
				continue
			}
			s.stat.Retries.Add(1)
			backoff.Failure()
			delay := backoff.DelayBefore()
			s.log.Errorf("spool deliver err=%v retry in %v", err, delay)
			// move to tail, other devices go first
			if err := s.q.DeletePush(box); err != nil && s.alive.IsRunning() {
				s.log.Errorf("spool DeletePush b=%x err=%v", b, err)
			}
			select {
			case <-time.After(delay):
			case <-s.alive.StopChan():
				return
			}

		case spq.ErrClosed:
			if s.alive.IsRunning() {
				s.log.Errorf("CRITICAL spool closed unexpectedly")
			}
			return

		default:
			s.log.Errorf("CRITICAL spool err=%v", err)
			select {
			case <-time.After(s.opt.Backoff.Max):
			case <-s.alive.StopChan():
				return
			}
		}
	}
}

// handle returns true when item must be deleted from queue.
func (s *Spool) handle(b []byte) (bool, error) {
	if len(b) == 0 {
		s.stat.Dropped.Add(1)
		s.log.Errorf("spool peek=empty")
		return true, nil
	}
	switch b[0] {
	case qBatch:
		deviceID, records, err := sink.UnmarshalBatch(b[1:])
		if err != nil {
			s.stat.Dropped.Add(1)
			s.log.Errorf("spool drop b=%x err=%v", b, err)
			return true, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opt.Timeout)
		defer cancel()
		if err := s.next.AcceptBatch(ctx, deviceID, records); err != nil {
			return false, errors.Annotatef(err, "device=%s records=%d", deviceID, len(records))
		}
		s.stat.Delivered.Add(1)
		return true, nil

	default:
		s.stat.Dropped.Add(1)
		s.log.Errorf("spool unknown kind=%d", b[0])
		return true, nil
	}
}
