// Package dispatch delivers commands to devices reliably.
//
// Per device: FIFO queue, at most one command in flight, ack matched by
// device and sequence. Timed out command is resent with the same sequence,
// so late ack of earlier attempt still completes it and device can dedupe.
package dispatch

import (
	"expvar"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mdp/helpers"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/mdp"
)

const (
	DefaultAckTimeout    = 1 * time.Second
	DefaultMaxAttempts   = 3
	DefaultRetryDelay    = 100 * time.Millisecond
	DefaultRetryDelayMax = 5 * time.Second
)

// Sender writes command message to device. Returns error wrapping
// ErrDeviceDisconnected when device has no open transport.
type Sender interface {
	Send(deviceID string, m *mdp.Message) error
}

type Options struct {
	Log         *log2.Log
	AckTimeout  time.Duration
	MaxAttempts int
	// Delay before retry n is RetryBackoff.Delay(n), on top of AckTimeout.
	RetryBackoff helpers.Backoff
}

type Stat struct {
	Submitted     expvar.Int
	Sent          expvar.Int
	Retries       expvar.Int
	Acked         expvar.Int
	Failed        expvar.Int
	Cancelled     expvar.Int
	UnmatchedAcks expvar.Int
}

type Dispatcher struct {
	opt    Options
	log    *log2.Log
	sender Sender
	alive  *alive.Alive
	stat   Stat
	lastID uint64

	mu     sync.Mutex
	queues map[string]*deviceQueue
}

type deviceQueue struct {
	id       string
	mu       sync.Mutex
	seq      uint32
	pending  []*command
	inflight *command
	running  bool
}

func New(sender Sender, opt Options) *Dispatcher {
	if opt.AckTimeout <= 0 {
		opt.AckTimeout = DefaultAckTimeout
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = DefaultMaxAttempts
	}
	if opt.RetryBackoff.Min == 0 {
		opt.RetryBackoff.Min = DefaultRetryDelay
	}
	if opt.RetryBackoff.Max == 0 {
		opt.RetryBackoff.Max = DefaultRetryDelayMax
	}
	if opt.RetryBackoff.K == 0 {
		opt.RetryBackoff.K = 2
	}
	return &Dispatcher{
		opt:    opt,
		log:    opt.Log,
		sender: sender,
		alive:  alive.NewAlive(),
		queues: make(map[string]*deviceQueue),
	}
}

func (d *Dispatcher) Stat() *Stat { return &d.stat }

// Submit enqueues command and returns immediately.
func (d *Dispatcher) Submit(deviceID string, cmd mdp.Command) (*Handle, error) {
	if deviceID == "" {
		return nil, errors.NotValidf("device id empty")
	}
	if !d.alive.IsRunning() {
		return nil, ErrClosed
	}
	q := d.queue(deviceID, true)

	q.mu.Lock()
	seq := q.seq + 1
	c := &command{
		id:          atomic.AddUint64(&d.lastID, 1),
		deviceID:    deviceID,
		message:     mdp.NewCommand(deviceID, seq, cmd),
		maxAttempts: d.opt.MaxAttempts,
		createdAt:   time.Now(),
		status:      StatusPending,
		ackch:       make(chan mdp.Ack, 1),
		future:      helpers.NewFuture[Result](),
	}
	if _, err := c.message.EncodeFrame(); err != nil {
		q.mu.Unlock()
		return nil, errors.Annotatef(err, "submit device=%s %s", deviceID, cmd.String())
	}
	q.seq = seq
	q.pending = append(q.pending, c)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	d.stat.Submitted.Add(1)
	d.log.Debugf("dispatch submit command=%d device=%s seq=%d %s", c.id, deviceID, seq, cmd.String())
	h := &Handle{c: c, d: d}
	if start {
		if !d.alive.Add(1) {
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			d.cancelCommand(c, ErrCancelled)
			return h, nil
		}
		go d.worker(q)
	}
	return h, nil
}

// HandleAck matches ack from device to its in flight command.
// Returns false for unmatched (late duplicate, unknown sequence) acks.
func (d *Dispatcher) HandleAck(deviceID string, ack mdp.Ack) bool {
	q := d.queue(deviceID, false)
	var c *command
	if q != nil {
		q.mu.Lock()
		c = q.inflight
		q.mu.Unlock()
	}
	if c == nil || c.message.Seq != ack.Seq {
		d.stat.UnmatchedAcks.Add(1)
		d.log.Debugf("dispatch unmatched ack device=%s seq=%d", deviceID, ack.Seq)
		return false
	}
	select {
	case c.ackch <- ack:
	default: // duplicate ack, first one pending
	}
	return true
}

// CancelDevice finishes in flight and all queued commands of device with reason.
// Returns number of cancelled commands.
func (d *Dispatcher) CancelDevice(deviceID string, reason error) int {
	q := d.queue(deviceID, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	pending, inflight := q.pending, q.inflight
	q.pending = nil
	q.mu.Unlock()

	n := 0
	if inflight != nil && d.finish(inflight, StatusCancelled, 0, reason) {
		n++
	}
	for _, c := range pending {
		if d.finish(c, StatusCancelled, 0, reason) {
			n++
		}
	}
	if n > 0 {
		d.log.Infof("dispatch device=%s cancelled=%d reason=%v", deviceID, n, reason)
	}
	return n
}

// Queued returns number of pending plus in flight commands of device.
func (d *Dispatcher) Queued(deviceID string) int {
	q := d.queue(deviceID, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.inflight != nil {
		n++
	}
	return n
}

// Close cancels all commands and waits for workers.
func (d *Dispatcher) Close() {
	d.alive.Stop()
	d.mu.Lock()
	ids := make([]string, 0, len(d.queues))
	for id := range d.queues {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.CancelDevice(id, ErrCancelled)
	}
	d.alive.Wait()
}

func (d *Dispatcher) queue(deviceID string, create bool) *deviceQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[deviceID]
	if !ok && create {
		q = &deviceQueue{id: deviceID}
		d.queues[deviceID] = q
	}
	return q
}

func (d *Dispatcher) cancelCommand(c *command, reason error) {
	if q := d.queue(c.deviceID, false); q != nil {
		q.mu.Lock()
		for i, p := range q.pending {
			if p == c {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
	}
	d.finish(c, StatusCancelled, 0, reason)
}

func (d *Dispatcher) finish(c *command, status Status, ackStatus mdp.AckStatus, err error) bool {
	r, ok := c.finish(status, ackStatus, err)
	if !ok {
		return false
	}
	switch status {
	case StatusAcked:
		d.stat.Acked.Add(1)
	case StatusFailed:
		d.stat.Failed.Add(1)
	case StatusCancelled:
		d.stat.Cancelled.Add(1)
	}
	if err != nil {
		d.log.Infof("dispatch %s", r.String())
	} else {
		d.log.Debugf("dispatch %s", r.String())
	}
	return true
}

func (d *Dispatcher) worker(q *deviceQueue) {
	defer d.alive.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		c := q.pending[0]
		q.pending = q.pending[1:]
		q.inflight = c
		q.mu.Unlock()

		d.run(c)

		q.mu.Lock()
		q.inflight = nil
		q.mu.Unlock()
	}
}

// run drives one command to terminal status.
func (d *Dispatcher) run(c *command) {
	stopch := d.alive.StopChan()
	done := c.future.Done()
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			delay := d.opt.RetryBackoff.Delay(attempt)
			d.stat.Retries.Add(1)
			d.log.Debugf("dispatch retry command=%d device=%s seq=%d attempt=%d delay=%v",
				c.id, c.deviceID, c.message.Seq, attempt, delay)
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case ack := <-c.ackch:
					timer.Stop()
					d.finish(c, StatusAcked, ack.Status, nil)
					return
				case <-timer.C:
				case <-done:
					timer.Stop()
					return
				case <-stopch:
					timer.Stop()
					d.finish(c, StatusCancelled, 0, ErrCancelled)
					return
				}
			}
		}

		c.setInFlight(attempt)
		err := d.sender.Send(c.deviceID, &c.message)
		c.mu.Lock()
		c.sendErr = err
		c.mu.Unlock()
		if err != nil {
			d.log.Errorf("dispatch send command=%d device=%s seq=%d attempt=%d err=%v",
				c.id, c.deviceID, c.message.Seq, attempt, err)
		} else {
			d.stat.Sent.Add(1)
		}

		timer := time.NewTimer(d.opt.AckTimeout)
		select {
		case ack := <-c.ackch:
			timer.Stop()
			d.finish(c, StatusAcked, ack.Status, nil)
			return
		case <-timer.C:
			if attempt >= c.maxAttempts {
				reason := ErrCommandTimedOut
				if err != nil && errors.Cause(err) == ErrDeviceDisconnected {
					reason = ErrDeviceDisconnected
				}
				d.finish(c, StatusFailed, 0, reason)
				return
			}
		case <-done:
			timer.Stop()
			return
		case <-stopch:
			timer.Stop()
			d.finish(c, StatusCancelled, 0, ErrCancelled)
			return
		}
	}
}
